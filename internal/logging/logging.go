// Package logging builds the zap logger used across warden and holds the
// field helpers that keep log keys consistent.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output string // stderr, stdout or a file path
}

// New builds a logger writing cfg.Format records to cfg.Output.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))).
		With(zap.String("service", "warden")), nil
}

// ParseLevel accepts zap level names in any case; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv reads WARDEN_LOG_LEVEL, WARDEN_LOG_FORMAT and WARDEN_LOG_OUTPUT.
func FromEnv() Config {
	return Config{
		Level:  os.Getenv("WARDEN_LOG_LEVEL"),
		Format: os.Getenv("WARDEN_LOG_FORMAT"),
		Output: os.Getenv("WARDEN_LOG_OUTPUT"),
	}
}

// Field helpers keep key names identical across packages.

func Addr(addr string) zap.Field { return zap.String("addr", addr) }
func Domain(domain string) zap.Field { return zap.String("domain", domain) }
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }
func Method(method string) zap.Field { return zap.String("method", method) }
func Path(path string) zap.Field { return zap.String("path", path) }
func TLSMode(mode string) zap.Field { return zap.String("tls_mode", mode) }
func Directory(dir string) zap.Field { return zap.String("directory", dir) }
func Tier(tier string) zap.Field { return zap.String("tier", tier) }
func Virus(name string) zap.Field { return zap.String("virus", name) }
func Task(name string) zap.Field { return zap.String("task", name) }
func EventType(t string) zap.Field { return zap.String("event_type", t) }
func QuarantineID(id string) zap.Field { return zap.String("quarantine_id", id) }

// IP is an address under evaluation, as opposed to the connecting peer.
func IP(ip string) zap.Field { return zap.String("ip", ip) }

// Service names a governed third-party service.
func Service(name string) zap.Field { return zap.String("api", name) }
