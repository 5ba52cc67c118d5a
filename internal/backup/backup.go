// Package backup takes tiered, hard-link deduplicated snapshots of the served
// tree and removes them once they outlive their tier's retention.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
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

// Errors returned by CreateSnapshot. A failed mirror wraps ErrMirrorFailed;
// ErrSnapshotBusy means the timestamped directory was already taken.
var (
	ErrUnknownTier  = errors.New("unknown backup tier")
	ErrMirrorFailed = errors.New("mirror failed")
	ErrSnapshotBusy = errors.New("snapshot directory already exists")
)

// stampLayout is fixed width so directory names sort chronologically.
const stampLayout = "20060102T150405.000000000Z"

// Tier is a snapshot cadence and how long its snapshots are kept.
type Tier struct {
	Name      string
	Interval  time.Duration
	Retention time.Duration
}

// Auditor records backup outcomes.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

// Config wires an Engine.
type Config struct {
	Source string // tree to back up
	Dir    string // where snapshots are written
	Tiers  []Tier
	Mirror Mirror
	Store  Store
	Audit  Auditor
	Clock  clock.Clock
	Logger *zap.Logger
}

// Engine creates and expires snapshots. At most one snapshot or sweep runs
// per tier at a time.
type Engine struct {
	source string
	dir    string
	tiers  map[string]Tier
	mirror Mirror
	store  Store
	audit  Auditor
	clock  clock.Clock
	logger *zap.Logger
	locks  *locks.Keyed
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == "" || cfg.Dir == "" {
		return nil, errors.New("backup source and directory are required")
	}
	if cfg.Mirror == nil || cfg.Store == nil {
		return nil, errors.New("backup mirror and store are required")
	}
	src, err := filepath.Abs(cfg.Source)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if dir == src || strings.HasPrefix(dir, src+string(filepath.Separator)) {
		return nil, fmt.Errorf("backup directory %s must not be inside %s", dir, src)
	}

	e := &Engine{
		source: src,
		dir:    dir,
		tiers:  make(map[string]Tier, len(cfg.Tiers)),
		mirror: cfg.Mirror,
		store:  cfg.Store,
		audit:  cfg.Audit,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		locks:  locks.NewKeyed(),
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	for _, t := range cfg.Tiers {
		if strings.ContainsAny(t.Name, "_/") {
			return nil, fmt.Errorf("backup tier name %q must not contain '_' or '/'", t.Name)
		}
		e.tiers[t.Name] = t
	}
	return e, nil
}

// Tiers returns the configured tiers ordered by interval.
func (e *Engine) Tiers() []Tier {
	out := make([]Tier, 0, len(e.tiers))
	for _, t := range e.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interval != out[j].Interval {
			return out[i].Interval < out[j].Interval
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SnapshotName returns the directory name for a snapshot of tier taken at t.
func SnapshotName(tier string, t time.Time) string {
	return "backup_" + tier + "_" + t.UTC().Format(stampLayout)
}

// parseSnapshotName reverses SnapshotName.
func parseSnapshotName(name string) (tier string, at time.Time, ok bool) {
	rest, found := strings.CutPrefix(name, "backup_")
	if !found {
		return "", time.Time{}, false
	}
	tier, stamp, found := strings.Cut(rest, "_")
	if !found {
		return "", time.Time{}, false
	}
	at, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return tier, at, true
}

// CreateSnapshot mirrors the source tree into a new snapshot of tier. A
// snapshot whose mirror fails is left on disk, is not registered and is never
// used as a base.
func (e *Engine) CreateSnapshot(ctx context.Context, tier string) (snap *models.BackupSnapshot, err error) {
	t, ok := e.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	unlock := e.locks.Lock(t.Name)
	defer unlock()

	start := e.clock.Now().UTC()
	dst := filepath.Join(e.dir, SnapshotName(t.Name, start))
	logger := e.logger.With(logging.Tier(t.Name), logging.Path(dst))
	defer func() { metrics.RecordBackup(t.Name, e.clock.Now().Sub(start), err) }()

	var basePath string
	base, err := e.store.Latest(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("find latest %s snapshot: %w", t.Name, err)
	}
	if base != nil {
		if _, statErr := os.Stat(base.Path); statErr == nil {
			basePath = base.Path
		} else {
			logger.Warn("latest snapshot missing on disk, taking full copy", zap.String("base", base.Path))
		}
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, e.fail(ctx, logger, t.Name, dst, fmt.Errorf("create backup dir: %w", err))
	}
	if err := os.Mkdir(dst, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotBusy, dst)
		}
		return nil, e.fail(ctx, logger, t.Name, dst, err)
	}

	if err := e.mirror.Mirror(ctx, e.source, dst, basePath); err != nil {
		return nil, e.fail(ctx, logger, t.Name, dst, fmt.Errorf("%w: %w", ErrMirrorFailed, err))
	}

	snap = &models.BackupSnapshot{
		ID:        uuid.NewString(),
		Tier:      t.Name,
		CreatedAt: start.Truncate(time.Second),
		Path:      dst,
		BasePath:  basePath,
	}
	if err := e.store.Insert(ctx, snap); err != nil {
		return nil, e.fail(ctx, logger, t.Name, dst, fmt.Errorf("register snapshot: %w", err))
	}

	logger.Info("backup complete", zap.String("base", basePath))
	e.record(ctx, audit.EventBackupComplete, map[string]any{
		"interval":   t.Name,
		"backupPath": dst,
		"basePath":   basePath,
		"id":         snap.ID,
	})
	return snap, nil
}

func (e *Engine) fail(ctx context.Context, logger *zap.Logger, tier, dst string, err error) error {
	logger.Error("backup failed", zap.Error(err))
	e.record(ctx, audit.EventBackupError, map[string]any{
		"interval":   tier,
		"backupPath": dst,
		"error":      err.Error(),
	})
	return err
}

// SweepExpired removes every snapshot older than its tier's retention,
// including unregistered directories left by failed snapshots. It keeps
// going past individual failures and returns the first one.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	var firstErr error
	removed := 0
	for _, t := range e.Tiers() {
		n, err := e.sweepTier(ctx, t)
		removed += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return removed, firstErr
}

func (e *Engine) sweepTier(ctx context.Context, t Tier) (int, error) {
	unlock := e.locks.Lock(t.Name)
	defer unlock()

	cutoff := e.clock.Now().Add(-t.Retention)
	logger := e.logger.With(logging.Tier(t.Name))
	var firstErr error
	removed := 0

	expired, err := e.store.Before(ctx, t.Name, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired %s snapshots: %w", t.Name, err)
	}
	for _, s := range expired {
		if err := e.remove(ctx, logger, t.Name, s.Path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.store.Delete(ctx, s.ID); err != nil {
			logger.Error("unregister snapshot failed", logging.Path(s.Path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
		e.deleted(ctx, logger, t.Name, s.Path, false)
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return removed, firstErr
		}
		return removed, err
	}
	for _, ent := range entries {
		tier, at, ok := parseSnapshotName(ent.Name())
		if !ok || !ent.IsDir() || tier != t.Name || !at.Before(cutoff) {
			continue
		}
		path := filepath.Join(e.dir, ent.Name())
		registered, err := e.store.Registered(ctx, path)
		if err != nil || registered {
			continue
		}
		if err := e.remove(ctx, logger, t.Name, path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
		e.deleted(ctx, logger, t.Name, path, true)
	}
	return removed, firstErr
}

func (e *Engine) remove(ctx context.Context, logger *zap.Logger, tier, path string) error {
	if err := os.RemoveAll(path); err != nil {
		logger.Error("remove snapshot failed", logging.Path(path), zap.Error(err))
		e.record(ctx, audit.EventBackupCleanupError, map[string]any{
			"interval":   tier,
			"backupPath": path,
			"error":      err.Error(),
		})
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (e *Engine) deleted(ctx context.Context, logger *zap.Logger, tier, path string, orphan bool) {
	metrics.RecordSnapshotSwept(tier)
	logger.Info("expired snapshot removed", logging.Path(path), zap.Bool("orphan", orphan))
	e.record(ctx, audit.EventBackupDeleted, map[string]any{
		"interval":   tier,
		"backupPath": path,
		"orphan":     orphan,
	})
}

// List returns registered snapshots of tier, newest first. An empty tier
// lists all tiers.
func (e *Engine) List(ctx context.Context, tier string) ([]models.BackupSnapshot, error) {
	if tier != "" {
		if _, ok := e.tiers[tier]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
	}
	return e.store.List(ctx, tier)
}

func (e *Engine) record(ctx context.Context, eventType string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(ctx, eventType, details); err != nil {
		e.logger.Error("audit backup event failed", logging.EventType(eventType), zap.Error(err))
	}
}
