// Package quarantine moves infected files out of the served tree and back.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rsclarke/warden/internal/audit"
	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"github.com/rsclarke/warden/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an identity with no quarantine record.
	ErrNotFound = errors.New("quarantined file not found")
	// ErrConflict is returned when a restore target is already occupied.
	ErrConflict = errors.New("destination already exists")
)

// quarantinedMode keeps quarantined files read-only for the owner.
const quarantinedMode fs.FileMode = 0o400

// Auditor records quarantine transitions.
type Auditor interface {
	Append(ctx context.Context, eventType string, details any) (int64, error)
}

// Manager owns the quarantine directory. A file is in exactly one of its
// original location or the quarantine directory at any time.
type Manager struct {
	dir    string
	store  Store
	audit  Auditor
	clock  clock.Clock
	logger *zap.Logger

	// mu serializes identity allocation and moves.
	mu sync.Mutex
}

// NewManager creates dir if needed and returns a Manager for it.
func NewManager(dir string, store Store, auditor Auditor, c clock.Clock, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dir: abs, store: store, audit: auditor, clock: c, logger: logger}, nil
}

const (
	nameMax = 255
	// Room for a "-N" collision suffix appended by allocateID.
	suffixRoom = 8
	// 16 hex digits and a dash.
	idPrefixLen = 17
)

// IdentityFor returns the base quarantine identity for an absolute path:
// the first 16 hex digits of the SHA-256 of the path, a dash, and the
// file's base name. Long base names are shortened from the end of the stem
// so that the identity and any collision suffix fit in one path element;
// the extension is kept.
func IdentityFor(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])[:16] + "-" + shortenName(filepath.Base(absPath), nameMax-idPrefixLen-suffixRoom)
}

func shortenName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > max/4 {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	cut := max - len(ext)
	for cut > 0 && !utf8.RuneStart(stem[cut]) {
		cut--
	}
	return stem[:cut] + ext
}

// Quarantine moves the file at path into quarantine and records it.
func (m *Manager) Quarantine(ctx context.Context, path, virus string) (rec *models.QuarantinedFile, err error) {
	defer func() { metrics.RecordQuarantineOp("quarantine", err) }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("quarantine %s: not a regular file", abs)
	}
	digest, err := FileSHA256(abs)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", abs, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.allocateID(ctx, abs)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(m.dir, id)

	if err := moveNoClobber(abs, dst); err != nil {
		return nil, fmt.Errorf("move %s to quarantine: %w", abs, err)
	}
	if err := os.Chmod(dst, quarantinedMode); err != nil {
		m.logger.Warn("chmod quarantined file failed", logging.Path(dst), zap.Error(err))
	}

	rec = &models.QuarantinedFile{
		ID:             id,
		OriginalPath:   abs,
		QuarantinePath: dst,
		VirusName:      virus,
		SHA256:         digest,
		Mode:           uint32(info.Mode().Perm()),
		QuarantinedAt:  m.clock.Now().UTC().Truncate(time.Second),
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		if rbErr := m.moveBack(dst, abs, info.Mode().Perm()); rbErr != nil {
			m.logger.Error("rollback of quarantine move failed",
				logging.Path(abs), logging.QuarantineID(id), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("record quarantine of %s: %w", abs, err)
	}

	m.logger.Info("file quarantined", logging.Path(abs), logging.Virus(virus), logging.QuarantineID(id))
	m.record(ctx, audit.EventFileQuarantined, map[string]string{
		"id":                 id,
		"filePath":           abs,
		"quarantineFilePath": dst,
		"virusName":          virus,
		"sha256":             digest,
	})
	return rec, nil
}

// allocateID returns the first free identity for abs, appending -2, -3, ...
// to the base identity on collision with a record or a stray file.
func (m *Manager) allocateID(ctx context.Context, abs string) (string, error) {
	base := IdentityFor(abs)
	for n := 1; ; n++ {
		id := base
		if n > 1 {
			id = base + "-" + strconv.Itoa(n)
		}
		taken, err := m.store.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check quarantine id: %w", err)
		}
		if taken {
			continue
		}
		if _, err := os.Lstat(filepath.Join(m.dir, id)); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return id, nil
	}
}

func (m *Manager) moveBack(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := moveNoClobber(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

// Restore moves a quarantined file back to its original path. It fails with
// ErrConflict if something now occupies that path.
func (m *Manager) Restore(ctx context.Context, id string) (rec *models.QuarantinedFile, err error) {
	defer func() { metrics.RecordQuarantineOp("restore", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := os.Lstat(rec.OriginalPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, rec.OriginalPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	mode := fs.FileMode(rec.Mode).Perm()
	if err := m.moveBack(rec.QuarantinePath, rec.OriginalPath, mode); err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}

	if _, err := m.store.Delete(ctx, id); err != nil {
		if rbErr := moveNoClobber(rec.OriginalPath, rec.QuarantinePath); rbErr != nil {
			m.logger.Error("rollback of restore failed", logging.QuarantineID(id), zap.Error(rbErr))
		} else {
			_ = os.Chmod(rec.QuarantinePath, quarantinedMode)
		}
		return nil, fmt.Errorf("remove quarantine record %s: %w", id, err)
	}

	m.logger.Info("file restored from quarantine", logging.QuarantineID(id), logging.Path(rec.OriginalPath))
	m.record(ctx, audit.EventQuarantineRestored, map[string]string{
		"id":       id,
		"filePath": rec.OriginalPath,
	})
	return rec, nil
}

// Delete permanently removes a quarantined file and its record.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.RecordQuarantineOp("delete", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.Remove(rec.QuarantinePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rec.QuarantinePath, err)
	}
	if _, err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove quarantine record %s: %w", id, err)
	}

	m.logger.Info("file deleted from quarantine", logging.QuarantineID(id))
	m.record(ctx, audit.EventQuarantineDeleted, map[string]string{
		"id":       id,
		"filePath": rec.OriginalPath,
	})
	return nil
}

// Get returns one record, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*models.QuarantinedFile, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns every quarantined file, newest first.
func (m *Manager) List(ctx context.Context) ([]models.QuarantinedFile, error) {
	return m.store.List(ctx)
}

// IsQuarantinePath reports whether path lies inside the quarantine directory.
func (m *Manager) IsQuarantinePath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == m.dir || strings.HasPrefix(abs, m.dir+string(filepath.Separator))
}

func (m *Manager) record(ctx context.Context, eventType string, details map[string]string) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Append(ctx, eventType, details); err != nil {
		m.logger.Error("audit quarantine change failed", logging.EventType(eventType), zap.Error(err))
	}
}
