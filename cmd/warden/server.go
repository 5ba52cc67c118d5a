package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rsclarke/warden/internal/acme"
	"github.com/rsclarke/warden/internal/auth"
	"github.com/rsclarke/warden/internal/config"
	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/guard"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var serverFlags struct {
	configPath  string
	publicDir   string
	dbPath      string
	domain      string
	publicPort  int
	apiPort     int
	httpPort    int
	tlsCert     string
	tlsKey      string
	acme        bool
	acmeEmail   string
	acmeStaging bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the public tree and the management API",
	Long: `Start the public file server, the management API and the scheduler.

Configuration is read from the TOML file given by --config, then WARDEN_*
environment variables, then the flags below.

TLS Modes:
  --tls-cert + --tls-key  Static certificate for both listeners
  --acme                  Certificates from Let's Encrypt for --domain,
                          validated over TLS-ALPN-01 on the public port and
                          HTTP-01 on --http-port when it is set
  (neither)               Plain HTTP

On first start with an empty key table an API key is created and printed.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.StringVar(&serverFlags.configPath, "config", getEnv("WARDEN_CONFIG", "warden.toml"), "path to the configuration file")
	f.StringVar(&serverFlags.publicDir, "public-dir", "", "directory to serve and protect")
	f.StringVar(&serverFlags.dbPath, "db", "", "database path")
	f.StringVar(&serverFlags.domain, "domain", "", "domain the public server answers for")
	f.IntVar(&serverFlags.publicPort, "public-port", 0, "public file server port")
	f.IntVar(&serverFlags.apiPort, "api-port", 0, "management API port")
	f.IntVar(&serverFlags.httpPort, "http-port", 0, "plain HTTP port for redirects and HTTP-01 when TLS is on")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "path to TLS key file")
	f.BoolVar(&serverFlags.acme, "acme", false, "obtain certificates via ACME")
	f.StringVar(&serverFlags.acmeEmail, "acme-email", "", "email for Let's Encrypt notifications")
	f.BoolVar(&serverFlags.acmeStaging, "acme-staging", false, "use Let's Encrypt staging CA")
}

func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(serverFlags.configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("public-dir") {
		cfg.Paths.PublicDir = serverFlags.publicDir
	}
	if f.Changed("db") {
		cfg.Paths.DBPath = serverFlags.dbPath
	}
	if f.Changed("domain") {
		cfg.Server.Domain = serverFlags.domain
	}
	if f.Changed("public-port") {
		cfg.Server.PublicPort = serverFlags.publicPort
	}
	if f.Changed("api-port") {
		cfg.Server.APIPort = serverFlags.apiPort
	}
	if f.Changed("http-port") {
		cfg.Server.HTTPPort = serverFlags.httpPort
	}
	if f.Changed("tls-cert") {
		cfg.Server.TLSCert = serverFlags.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.Server.TLSKey = serverFlags.tlsKey
	}
	if f.Changed("acme") {
		cfg.Server.ACME = serverFlags.acme
	}
	if f.Changed("acme-email") {
		cfg.Server.ACMEEmail = serverFlags.acmeEmail
	}
	if f.Changed("acme-staging") {
		cfg.Server.ACMEStaging = serverFlags.acmeStaging
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := guard.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	if err := ensureAPIKey(cmd, svc.DB()); err != nil {
		return err
	}

	publicHandler := (&server.PublicServer{
		Root:     cfg.Paths.PublicDir,
		Admitter: svc,
		Logger:   logger.Named("public"),
	}).Handler()

	apiHandler := (&server.APIServer{
		DB:      svc.DB(),
		Guard:   svc,
		Limiter: server.NewRateLimiter(rate.Limit(cfg.Server.APIRate), cfg.Server.APIBurst),
		Logger:  logger.Named("api"),
	}).Handler()

	var (
		tlsConfig *tls.Config
		manager   *acme.Manager
		tlsMode   = "none"
	)
	switch {
	case cfg.Server.ACME:
		manager, err = acme.NewManager([]string{cfg.Server.Domain}, cfg.Server.ACMEEmail,
			cfg.Server.ACMEStaging, svc.DB(), logger.Named("certmagic"))
		if err != nil {
			return err
		}
		tlsConfig = manager.TLSConfig()
		tlsMode = "acme"
	case cfg.Server.TLSCert != "":
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}
		tlsMode = "manual"
	}
	logger.Info("tls", logging.TLSMode(tlsMode))

	publicCfg := server.DefaultServerConfig(fmt.Sprintf(":%d", cfg.Server.PublicPort), publicHandler, logger.Named("public"))
	publicCfg.TLSConfig = tlsConfig

	// Scans and snapshots run inside the API request.
	apiCfg := server.DefaultServerConfig(fmt.Sprintf(":%d", cfg.Server.APIPort), apiHandler, logger.Named("api"))
	apiCfg.TLSConfig = tlsConfig
	apiCfg.WriteTimeout = cfg.Scanner.Timeout.Duration + time.Minute

	servers := []*server.ManagedServer{
		server.NewManagedServer("public", publicCfg),
		server.NewManagedServer("api", apiCfg),
	}
	if tlsConfig != nil && cfg.Server.HTTPPort > 0 {
		var h http.Handler = acme.RedirectHandler(cfg.Server.PublicPort)
		if manager != nil {
			h = manager.HTTPHandler(h)
		}
		servers = append(servers, server.NewManagedServer("http",
			server.DefaultServerConfig(fmt.Sprintf(":%d", cfg.Server.HTTPPort), h, logger.Named("http"))))
	}

	defer shutdown(servers)
	for _, s := range servers {
		if err := s.Start(); err != nil {
			return err
		}
	}

	runDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(runDone)
	}()
	defer func() {
		stop()
		<-runDone
	}()

	if manager != nil {
		if err := manager.Manage(ctx); err != nil {
			return fmt.Errorf("ACME certificate acquisition: %w", err)
		}
	}

	failed := make(chan error, len(servers))
	for _, s := range servers {
		go func() {
			if err := <-s.Err(); err != nil {
				failed <- fmt.Errorf("%s server: %w", s.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-failed:
		return err
	}
}

func shutdown(servers []*server.ManagedServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		s.Shutdown(ctx)
	}
}

func ensureAPIKey(cmd *cobra.Command, database *sql.DB) error {
	count, err := db.CountAPIKeys(database)
	if err != nil {
		return fmt.Errorf("count API keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	displayKey, err := createAPIKey(database)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=============================================================")
	fmt.Fprintln(out, "API KEY CREATED (save this, it will not be shown again):")
	fmt.Fprintln(out, displayKey)
	fmt.Fprintln(out, "=============================================================")
	return nil
}

func createAPIKey(database *sql.DB) (string, error) {
	key, err := auth.Generate()
	if err != nil {
		return "", fmt.Errorf("generate API key: %w", err)
	}
	if _, err := db.CreateAPIKey(database, key.Prefix, key.Hash); err != nil {
		return "", fmt.Errorf("create API key: %w", err)
	}
	return key.Display, nil
}
