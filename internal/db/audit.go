package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/models"
)

// InsertAuditEntry appends an audit record and returns its ID.
func InsertAuditEntry(d *sql.DB, at time.Time, eventType, details string) (int64, error) {
	result, err := d.Exec(
		"INSERT INTO audit_log (created_at, event_type, details) VALUES (?, ?, ?)",
		at.Unix(), eventType, details,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListAuditEntries returns the newest entries first, at most limit of them.
func ListAuditEntries(d *sql.DB, limit int) ([]models.AuditEntry, error) {
	rows, err := d.Query(
		"SELECT id, created_at, event_type, details FROM audit_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &createdAt, &e.EventType, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAuditEvents counts entries whose type is any of eventTypes.
func CountAuditEvents(d *sql.DB, eventTypes ...string) (int, error) {
	var total int
	for _, t := range eventTypes {
		var n int
		if err := d.QueryRow("SELECT COUNT(*) FROM audit_log WHERE event_type = ?", t).Scan(&n); err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// LastAuditEventTime returns the time of the newest entry of any of
// eventTypes, or nil when none exists.
func LastAuditEventTime(d *sql.DB, eventTypes ...string) (*time.Time, error) {
	var last *time.Time
	for _, t := range eventTypes {
		var createdAt sql.NullInt64
		err := d.QueryRow("SELECT MAX(created_at) FROM audit_log WHERE event_type = ?", t).Scan(&createdAt)
		if err != nil {
			return nil, err
		}
		if !createdAt.Valid {
			continue
		}
		ts := time.Unix(createdAt.Int64, 0).UTC()
		if last == nil || ts.After(*last) {
			last = &ts
		}
	}
	return last, nil
}
