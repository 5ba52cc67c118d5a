// Package scan runs malware scans over the served tree and quarantines what
// they find.
package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/locks"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"github.com/rsclarke/warden/internal/models"
	"go.uber.org/zap"
)

// ErrScannerUnavailable wraps any failure to obtain a scan report.
var ErrScannerUnavailable = errors.New("scanner unavailable")

// Report is what a scanner found under one directory.
type Report struct {
	Infected bool
	Viruses  map[string]string // path -> signature
	Errors   []string
}

// Scanner scans a directory tree.
type Scanner interface {
	ScanDir(ctx context.Context, dir string) (*Report, error)
}

// Quarantiner moves an infected file out of the tree.
type Quarantiner interface {
	Quarantine(ctx context.Context, path, virus string) (*models.QuarantinedFile, error)
	IsQuarantinePath(path string) bool
}

// Auditor records scan outcomes.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

// Result summarizes one scan run.
type Result struct {
	ScanID        string            `json:"scanId"`
	Directory     string            `json:"directory"`
	Trigger       string            `json:"trigger"`
	Infected      bool              `json:"isInfected"`
	InfectedCount int               `json:"infectedCount"`
	Quarantined   []string          `json:"quarantinedPaths"`
	Failed        []string          `json:"failedPaths,omitempty"`
	Viruses       map[string]string `json:"viruses,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
}

type triggerKey struct{}

// WithTrigger labels scans started with ctx, e.g. "startup" or "api".
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the label set by WithTrigger, or "manual".
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return "manual"
}

// Coordinator serializes scans per directory and quarantines detections.
type Coordinator struct {
	scanner    Scanner
	quarantine Quarantiner
	audit      Auditor
	locks      *locks.Keyed
	clock      clock.Clock
	logger     *zap.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(s Scanner, q Quarantiner, a Auditor, c clock.Clock, logger *zap.Logger) *Coordinator {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		scanner:    s,
		quarantine: q,
		audit:      a,
		locks:      locks.NewKeyed(),
		clock:      c,
		logger:     logger,
	}
}

// ScanDirectory scans root and quarantines every infected file. A concurrent
// call for the same root waits for the running one. A scanner failure is
// audited and returned; a failure to quarantine one file is audited and the
// run continues.
func (c *Coordinator) ScanDirectory(ctx context.Context, root string) (*Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(abs)
	defer unlock()

	res := &Result{
		ScanID:      uuid.NewString(),
		Directory:   abs,
		Trigger:     TriggerFrom(ctx),
		Quarantined: []string{},
		StartedAt:   c.clock.Now().UTC(),
	}
	logger := c.logger.With(logging.Directory(abs), zap.String("scan_id", res.ScanID))
	logger.Info("scan started", zap.String("trigger", res.Trigger))

	report, err := c.scanner.ScanDir(ctx, abs)
	if err != nil {
		metrics.RecordScan("error", c.clock.Now().Sub(res.StartedAt))
		logger.Error("scan failed", zap.Error(err))
		c.record(ctx, audit.EventScanError, map[string]any{
			"directory": abs,
			"scanId":    res.ScanID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("scan %s: %w: %w", abs, ErrScannerUnavailable, err)
	}
	for _, e := range report.Errors {
		logger.Warn("scanner could not read path", zap.String("reply", e))
	}

	// Files already held in quarantine are never moved again.
	res.Viruses = make(map[string]string, len(report.Viruses))
	paths := make([]string, 0, len(report.Viruses))
	for p, virus := range report.Viruses {
		if c.quarantine.IsQuarantinePath(p) {
			logger.Debug("detection inside quarantine ignored", logging.Path(p))
			continue
		}
		res.Viruses[p] = virus
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res.InfectedCount = len(paths)
	res.Infected = res.InfectedCount > 0

	for _, p := range paths {
		virus := res.Viruses[p]
		if _, err := c.quarantine.Quarantine(ctx, p, virus); err != nil {
			res.Failed = append(res.Failed, p)
			logger.Error("quarantine failed", logging.Path(p), logging.Virus(virus), zap.Error(err))
			c.record(ctx, audit.EventQuarantineError, map[string]any{
				"filePath":  p,
				"virusName": virus,
				"scanId":    res.ScanID,
				"error":     err.Error(),
			})
			continue
		}
		res.Quarantined = append(res.Quarantined, p)
	}

	res.FinishedAt = c.clock.Now().UTC()
	result := "clean"
	if res.Infected {
		result = "infected"
	}
	metrics.RecordScan(result, res.FinishedAt.Sub(res.StartedAt))
	logger.Info("scan complete",
		zap.Int("infected", res.InfectedCount),
		zap.Int("quarantined", len(res.Quarantined)),
		zap.Int("failed", len(res.Failed)))

	c.record(ctx, audit.EventScanComplete, map[string]any{
		"directory":     abs,
		"scanId":        res.ScanID,
		"trigger":       res.Trigger,
		"isInfected":    res.Infected,
		"infectedCount": res.InfectedCount,
		"quarantined":   res.Quarantined,
		"failed":        res.Failed,
	})
	return res, nil
}

func (c *Coordinator) record(ctx context.Context, eventType string, details map[string]any) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Append(ctx, eventType, details); err != nil {
		c.logger.Error("audit scan event failed", logging.EventType(eventType), zap.Error(err))
	}
}
