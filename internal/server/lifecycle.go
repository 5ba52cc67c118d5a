package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rsclarke/warden/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServerConfig describes one listener. A non-nil TLSConfig serves HTTPS.
type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	TLSConfig         *tls.Config
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// ManagedServer owns one http.Server. Start binds synchronously so a busy
// port is reported to the caller; serving then continues in the background.
type ManagedServer struct {
	name   string
	server *http.Server
	logger *zap.Logger
	ln     net.Listener
	errCh  chan error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", name))
	errLog, _ := zap.NewStdLogAt(logger, zapcore.ErrorLevel)

	return &ManagedServer{
		name:   name,
		logger: logger,
		errCh:  make(chan error, 1),
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			TLSConfig:         cfg.TLSConfig,
			ErrorLog:          errLog,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

func (m *ManagedServer) Name() string { return m.name }

// Addr is the bound address once started, the configured one before.
func (m *ManagedServer) Addr() string {
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.server.Addr
}

func (m *ManagedServer) TLS() bool { return m.server.TLSConfig != nil }

func (m *ManagedServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		close(m.errCh)
		return fmt.Errorf("%s listener: %w", m.name, err)
	}
	if m.TLS() {
		ln = tls.NewListener(ln, m.server.TLSConfig)
	}
	m.ln = ln
	m.logger.Info("listening", logging.Addr(m.Addr()), zap.Bool("tls", m.TLS()))

	go func() {
		defer close(m.errCh)
		if err := m.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
	}()
	return nil
}

// Err is closed when the server stops and carries its serve error, if any.
func (m *ManagedServer) Err() <-chan error { return m.errCh }

// Shutdown drains in-flight requests until ctx expires. It is a no-op for a
// server that never bound.
func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.ln == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
