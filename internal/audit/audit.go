// Package audit records every state transition to an append-only log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/models"
	"go.uber.org/zap"
)

// Event types.
const (
	EventIPBlocked          = "IP_BLOCKED"
	EventIPUnblocked        = "IP_UNBLOCKED"
	EventAPILimitReached    = "API_LIMIT_REACHED"
	EventReputationCheck    = "REPUTATION_CHECK"
	EventReputationError    = "REPUTATION_ERROR"
	EventVirusTotalCheck    = "VIRUSTOTAL_CHECK"
	EventVirusTotalError    = "VIRUSTOTAL_ERROR"
	EventScanComplete       = "DIRECTORY_SCAN_COMPLETE"
	EventScanError          = "DIRECTORY_SCAN_ERROR"
	EventFileQuarantined    = "FILE_QUARANTINED"
	EventQuarantineError    = "FILE_QUARANTINE_ERROR"
	EventQuarantineDeleted  = "FILE_DELETED_FROM_QUARANTINE"
	EventQuarantineRestored = "FILE_RESTORED_FROM_QUARANTINE"
	EventBackupComplete     = "BACKUP_COMPLETE"
	EventBackupError        = "BACKUP_ERROR"
	EventBackupDeleted      = "OLD_BACKUP_DELETED"
	EventBackupCleanupError = "BACKUP_CLEANUP_ERROR"
	EventQuotaReset         = "API_LIMITS_RESET"
	EventScheduledTaskError = "SCHEDULED_TASK_ERROR"
	EventAPIKeyCreated      = "API_KEY_CREATED"
)

// Publisher receives a copy of every entry after it is persisted.
type Publisher interface {
	Publish(ctx context.Context, entry models.AuditEntry) error
}

// Log appends audit entries to the database and fans them out to publishers.
type Log struct {
	db         *sql.DB
	clock      clock.Clock
	logger     *zap.Logger
	publishers []Publisher
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used to timestamp entries.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithPublisher adds a publisher that receives every appended entry.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publishers = append(l.publishers, p) }
}

// New creates a Log backed by d.
func New(d *sql.DB, logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{db: d, clock: clock.Real{}, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one event. details is encoded as JSON; nil becomes {}.
// Publisher failures are logged and do not fail the append.
func (l *Log) Append(ctx context.Context, eventType string, details any) (int64, error) {
	payload := []byte("{}")
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return 0, fmt.Errorf("encode audit details: %w", err)
		}
		payload = b
	}

	now := l.clock.Now().UTC()
	id, err := db.InsertAuditEntry(l.db, now, eventType, string(payload))
	if err != nil {
		l.logger.Error("audit append failed", logging.EventType(eventType), zap.Error(err))
		return 0, fmt.Errorf("append audit entry: %w", err)
	}

	entry := models.AuditEntry{
		ID:        id,
		Timestamp: now.Truncate(time.Second),
		EventType: eventType,
		Details:   string(payload),
	}
	for _, p := range l.publishers {
		if err := p.Publish(ctx, entry); err != nil {
			l.logger.Warn("audit publish failed", logging.EventType(eventType), zap.Error(err))
		}
	}
	return id, nil
}

// List returns at most limit entries, newest first.
func (l *Log) List(_ context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.ListAuditEntries(l.db, limit)
}

// Count returns how many entries have any of the given types.
func (l *Log) Count(_ context.Context, eventTypes ...string) (int, error) {
	return db.CountAuditEvents(l.db, eventTypes...)
}

// LastTime returns the newest timestamp among entries of the given types.
func (l *Log) LastTime(_ context.Context, eventTypes ...string) (*time.Time, error) {
	return db.LastAuditEventTime(l.db, eventTypes...)
}
