// Package guard is the operation surface of warden. It owns every component,
// registers the periodic tasks and is what the API server and the CLI call.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/backup"
	"github.com/rsclarke/warden/internal/blocklist"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/config"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/models"
	"github.com/rsclarke/warden/internal/quarantine"
	"github.com/rsclarke/warden/internal/ratelimit"
	"github.com/rsclarke/warden/internal/reputation"
	"github.com/rsclarke/warden/internal/scan"
	"github.com/rsclarke/warden/internal/scheduler"
	"github.com/rsclarke/warden/internal/virustotal"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned by operations whose collaborator is disabled.
var ErrNotConfigured = errors.New("not configured")

// Scheduled task names.
const (
	TaskScan       = "scan"
	TaskSweep      = "backup-sweep"
	TaskQuotaReset = "quota-reset"
	taskBackup     = "backup:"
)

// FileReporter looks up a file digest with a hash reputation service.
type FileReporter interface {
	FileReport(ctx context.Context, sha256 string) (*virustotal.Report, error)
}

// Components are the collaborators a Service is assembled from.
// NewFromConfig builds them; tests assemble their own.
type Components struct {
	DB         *sql.DB
	Audit      *audit.Log
	Governor   *ratelimit.Governor
	BlockList  *blocklist.List
	Reputation *reputation.Checker
	VirusTotal FileReporter // nil disables LookupQuarantined
	Quarantine *quarantine.Manager
	Scans      *scan.Coordinator
	Backups    *backup.Engine
	Clock      clock.Clock
	Logger     *zap.Logger
	Closers    []io.Closer
}

// Stats is the dashboard summary.
type Stats struct {
	TotalScans    int        `json:"totalScans"`
	TotalInfected int        `json:"totalInfected"`
	TotalBlocked  int        `json:"totalBlocked"`
	LastScanTime  *time.Time `json:"lastScanTime"`
}

// Service exposes every warden operation.
type Service struct {
	cfg       *config.Config
	db        *sql.DB
	audit     *audit.Log
	governor  *ratelimit.Governor
	blocklist *blocklist.List
	checker   *reputation.Checker
	vt        FileReporter
	qm        *quarantine.Manager
	scans     *scan.Coordinator
	backups   *backup.Engine
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	logger    *zap.Logger
	closers   []io.Closer
}

// New assembles a Service and registers its periodic tasks from cfg.
func New(cfg *config.Config, c Components) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	s := &Service{
		cfg:       cfg,
		db:        c.DB,
		audit:     c.Audit,
		governor:  c.Governor,
		blocklist: c.BlockList,
		checker:   c.Reputation,
		vt:        c.VirusTotal,
		qm:        c.Quarantine,
		scans:     c.Scans,
		backups:   c.Backups,
		clock:     c.Clock,
		logger:    c.Logger,
		closers:   c.Closers,
	}
	s.scheduler = scheduler.New(c.Clock, c.Logger.Named("scheduler"),
		scheduler.WithErrorHandler(s.taskFailed))
	if err := s.registerTasks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) registerTasks() error {
	tasks := []scheduler.Task{
		{
			Name:       TaskScan,
			Interval:   s.cfg.Scanner.Interval.Duration,
			RunAtStart: s.cfg.Scanner.RunAtStart,
			Run: func(ctx context.Context) error {
				_, err := s.TriggerScan(scan.WithTrigger(ctx, "scheduled"))
				return err
			},
		},
		{
			Name:     TaskSweep,
			Interval: s.cfg.Backup.SweepInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := s.SweepExpired(ctx)
				return err
			},
		},
		{
			Name:     TaskQuotaReset,
			Interval: s.cfg.Limits.ResetInterval.Duration,
			Run: func(ctx context.Context) error {
				s.ResetQuotas(ctx)
				return nil
			},
		},
	}
	for _, t := range s.cfg.Backup.Tiers {
		tier := t.Name
		tasks = append(tasks, scheduler.Task{
			Name:     taskBackup + tier,
			Interval: t.Interval.Duration,
			Run: func(ctx context.Context) error {
				_, err := s.TriggerBackup(ctx, tier)
				return err
			},
		})
	}
	for _, t := range tasks {
		if err := s.scheduler.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) taskFailed(ctx context.Context, task string, err error) {
	s.record(ctx, audit.EventScheduledTaskError, map[string]any{
		"task":  task,
		"error": err.Error(),
	})
}

// Run drives the periodic tasks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.scheduler.Run(ctx)
}

// DB returns the database the Service was built on. It holds the API keys
// and issued certificates as well as the component state.
func (s *Service) DB() *sql.DB {
	return s.db
}

// Close releases the database and any audit publishers.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerScan scans the public directory and quarantines detections.
func (s *Service) TriggerScan(ctx context.Context) (*scan.Result, error) {
	if s.scans == nil {
		return nil, fmt.Errorf("scanner: %w", ErrNotConfigured)
	}
	return s.scans.ScanDirectory(ctx, s.cfg.Paths.PublicDir)
}

// TriggerBackup takes one snapshot of tier.
func (s *Service) TriggerBackup(ctx context.Context, tier string) (*models.BackupSnapshot, error) {
	if s.backups == nil {
		return nil, fmt.Errorf("backups: %w", ErrNotConfigured)
	}
	return s.backups.CreateSnapshot(ctx, tier)
}

// ListBackups returns registered snapshots, newest first. An empty tier
// lists every tier.
func (s *Service) ListBackups(ctx context.Context, tier string) ([]models.BackupSnapshot, error) {
	if s.backups == nil {
		return nil, fmt.Errorf("backups: %w", ErrNotConfigured)
	}
	return s.backups.List(ctx, tier)
}

// SweepExpired removes snapshots past their tier's retention.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if s.backups == nil {
		return 0, nil
	}
	return s.backups.SweepExpired(ctx)
}

// ListAuditLog returns at most limit entries, newest first.
func (s *Service) ListAuditLog(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return s.audit.List(ctx, limit)
}

func (s *Service) ListQuarantined(ctx context.Context) ([]models.QuarantinedFile, error) {
	return s.qm.List(ctx)
}

func (s *Service) DeleteQuarantined(ctx context.Context, id string) error {
	return s.qm.Delete(ctx, id)
}

func (s *Service) RestoreQuarantined(ctx context.Context, id string) (*models.QuarantinedFile, error) {
	return s.qm.Restore(ctx, id)
}

// LookupQuarantined checks a quarantined file's digest against VirusTotal.
// A refused quota or a failed lookup yields a nil report and no error; both
// are audited.
func (s *Service) LookupQuarantined(ctx context.Context, id string) (*virustotal.Report, error) {
	rec, err := s.qm.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.vt == nil {
		return nil, fmt.Errorf("virustotal: %w", ErrNotConfigured)
	}
	if !s.governor.TryConsume(ctx, virustotal.ServiceName) {
		return nil, nil
	}

	report, err := s.vt.FileReport(ctx, rec.SHA256)
	if err != nil {
		s.logger.Warn("virustotal lookup failed", logging.QuarantineID(id), zap.Error(err))
		s.record(ctx, audit.EventVirusTotalError, map[string]any{
			"fileHash": rec.SHA256,
			"error":    err.Error(),
		})
		return nil, nil
	}
	s.record(ctx, audit.EventVirusTotalCheck, map[string]any{
		"fileHash":  rec.SHA256,
		"found":     report.Found,
		"positives": report.Positives,
		"total":     report.Total,
	})
	return report, nil
}

func (s *Service) ListBlocked() []models.BlockedIP {
	return s.blocklist.List()
}

func (s *Service) IsBlocked(ip string) bool {
	return s.blocklist.IsBlocked(ip)
}

// Block adds ip to the block list on an operator's behalf.
func (s *Service) Block(ctx context.Context, ip string) (bool, error) {
	return s.blocklist.Block(ctx, ip, blocklist.SourceManual)
}

func (s *Service) Unblock(ctx context.Context, ip string) (bool, error) {
	return s.blocklist.Unblock(ctx, ip)
}

// CheckReputation looks ip up and blocks it if its score is over the
// threshold. The result is nil when the quota is spent or the lookup failed.
func (s *Service) CheckReputation(ctx context.Context, ip string) (*reputation.Result, error) {
	addr, err := blocklist.Canonical(ip)
	if err != nil {
		return nil, err
	}
	if s.checker == nil {
		return nil, fmt.Errorf("reputation: %w", ErrNotConfigured)
	}
	return s.checker.CheckIP(ctx, addr), nil
}

// GetStats summarizes scans, detections and blocks.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	scans, err := s.audit.Count(ctx, audit.EventScanComplete)
	if err != nil {
		return nil, err
	}
	infected, err := s.audit.Count(ctx, audit.EventFileQuarantined)
	if err != nil {
		return nil, err
	}
	last, err := s.audit.LastTime(ctx, audit.EventScanComplete)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalScans:    scans,
		TotalInfected: infected,
		TotalBlocked:  s.blocklist.Count(),
		LastScanTime:  last,
	}, nil
}

// Limits returns quota usage in the current window.
func (s *Service) Limits() []models.RateLimitCounter {
	return s.governor.Counters()
}

// ResetQuotas starts a new quota window for every service.
func (s *Service) ResetQuotas(ctx context.Context) {
	s.governor.ResetAll()
	s.record(ctx, audit.EventQuotaReset, nil)
}

func (s *Service) Schedule() []scheduler.TaskState {
	return s.scheduler.States()
}

// RunTask runs a scheduled task now. It reports false if the task was
// already running.
func (s *Service) RunTask(ctx context.Context, name string) (bool, error) {
	return s.scheduler.Trigger(ctx, name)
}

// Config returns the effective configuration with secrets masked.
func (s *Service) Config() config.Config {
	return s.cfg.Redacted()
}

func (s *Service) record(ctx context.Context, eventType string, details map[string]any) {
	if s.audit == nil {
		return
	}
	var d any
	if details != nil {
		d = details
	}
	if _, err := s.audit.Append(ctx, eventType, d); err != nil {
		s.logger.Error("audit append failed", logging.EventType(eventType), zap.Error(err))
	}
}
