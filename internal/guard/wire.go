package guard

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/backup"
	"github.com/rsclarke/warden/internal/blocklist"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/config"
	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/quarantine"
	"github.com/rsclarke/warden/internal/ratelimit"
	"github.com/rsclarke/warden/internal/reputation"
	"github.com/rsclarke/warden/internal/scan"
	"github.com/rsclarke/warden/internal/virustotal"
	"go.uber.org/zap"
)

// NewFromConfig opens the database, loads the block list and builds every
// component from cfg. The caller must call Close when done.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.Real{}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	if err := os.MkdirAll(cfg.Paths.PublicDir, 0o755); err != nil {
		return nil, fmt.Errorf("create public dir: %w", err)
	}

	database, err := db.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	closers = append(closers, database)
	if v, err := db.SchemaVersion(database); err == nil {
		logger.Debug("database ready", zap.String("path", cfg.Paths.DBPath), zap.Int("schema_version", v))
	}

	auditOpts := []audit.Option{audit.WithClock(clk)}
	if cfg.Audit.RedisURL != "" {
		pub, err := audit.NewRedisPublisher(ctx, cfg.Audit.RedisURL, cfg.Audit.RedisChannel)
		if err != nil {
			return nil, fmt.Errorf("connecting audit publisher: %w", err)
		}
		closers = append(closers, pub)
		auditOpts = append(auditOpts, audit.WithPublisher(pub))
		logger.Info("audit entries published to redis", zap.String("channel", cfg.Audit.RedisChannel))
	}
	auditLog := audit.New(database, logger.Named("audit"), auditOpts...)

	governor := ratelimit.New(cfg.Limits.PerService, auditLog, clk, logger.Named("ratelimit"))

	blocked, err := blocklist.Load(ctx, blocklist.NewSQLiteStore(database), auditLog, clk, logger.Named("blocklist"))
	if err != nil {
		return nil, fmt.Errorf("loading block list: %w", err)
	}

	provider, err := newReputationService(cfg.Reputation)
	if err != nil {
		return nil, err
	}
	checker := &reputation.Checker{
		Service:   provider,
		Governor:  governor,
		Blocker:   blocked,
		Audit:     auditLog,
		Threshold: cfg.Reputation.BlockThreshold,
		Logger:    logger.Named("reputation"),
	}

	var vt FileReporter
	if cfg.VirusTotal.APIKey != "" {
		client := virustotal.New(cfg.VirusTotal.APIKey, cfg.VirusTotal.Timeout.Duration)
		if cfg.VirusTotal.Endpoint != "" {
			client.Endpoint = cfg.VirusTotal.Endpoint
		}
		vt = client
	}

	qm, err := quarantine.NewManager(cfg.Paths.QuarantineDir, quarantine.NewSQLiteStore(database),
		auditLog, clk, logger.Named("quarantine"))
	if err != nil {
		return nil, err
	}

	clamd, err := scan.NewClamd(cfg.Scanner.ClamdAddress, cfg.Scanner.Timeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("configuring clamd: %w", err)
	}
	// clamd may still be loading signatures; scans fail and are audited until it answers.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := clamd.Ping(pingCtx); err != nil {
		logger.Warn("clamd not ready", zap.String("address", cfg.Scanner.ClamdAddress), zap.Error(err))
	}
	cancel()
	scans := scan.NewCoordinator(clamd, qm, auditLog, clk, logger.Named("scan"))

	mirror, err := backup.NewMirror(cfg.Backup.Mirror, cfg.Backup.RsyncPath)
	if err != nil {
		return nil, err
	}
	tiers := make([]backup.Tier, 0, len(cfg.Backup.Tiers))
	for _, t := range cfg.Backup.Tiers {
		tiers = append(tiers, backup.Tier{Name: t.Name, Interval: t.Interval.Duration, Retention: t.Retention.Duration})
	}
	backups, err := backup.NewEngine(backup.Config{
		Source: cfg.Paths.PublicDir,
		Dir:    cfg.Paths.BackupDir,
		Tiers:  tiers,
		Mirror: mirror,
		Store:  backup.NewSQLiteStore(database),
		Audit:  auditLog,
		Clock:  clk,
		Logger: logger.Named("backup"),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("warden initialised",
		logging.Directory(cfg.Paths.PublicDir),
		zap.String("reputation", provider.Name()),
		zap.Int("blocked", blocked.Count()),
		zap.Bool("virustotal", vt != nil))

	return New(cfg, Components{
		DB:         database,
		Audit:      auditLog,
		Governor:   governor,
		BlockList:  blocked,
		Reputation: checker,
		VirusTotal: vt,
		Quarantine: qm,
		Scans:      scans,
		Backups:    backups,
		Clock:      clk,
		Logger:     logger,
		Closers:    closers,
	})
}

func newReputationService(cfg config.ReputationConfig) (reputation.Service, error) {
	switch cfg.Provider {
	case "abuseipdb", "":
		a := reputation.NewAbuseIPDB(cfg.APIKey, cfg.Timeout.Duration)
		if cfg.Endpoint != "" {
			a.Endpoint = cfg.Endpoint
		}
		if cfg.MaxAgeDays > 0 {
			a.MaxAgeDays = cfg.MaxAgeDays
		}
		return a, nil
	case "dnsbl":
		return reputation.NewDNSBL(cfg.DNSBLZone, cfg.DNSBLResolver, cfg.Timeout.Duration), nil
	default:
		return nil, fmt.Errorf("unknown reputation provider %q", cfg.Provider)
	}
}
