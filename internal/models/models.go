// Package models defines the database entity types.
package models

import "time"

// APIKey is a stored management credential. Times are Unix seconds.
type APIKey struct {
	ID         int64
	KeyPrefix  string
	KeyHash    []byte
	CreatedAt  int64
	RevokedAt  *int64
	LastUsedAt *int64
}

// AuditEntry is one append-only audit log record. Details holds raw JSON.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	EventType string
	Details   string
}

// BlockedIP is a canonical address denied admission.
type BlockedIP struct {
	Address   string
	BlockedAt time.Time
	Source    string
}

// QuarantinedFile records a file moved out of the served tree.
type QuarantinedFile struct {
	ID             string
	OriginalPath   string
	QuarantinePath string
	VirusName      string
	SHA256         string
	Mode           uint32
	QuarantinedAt  time.Time
}

// BackupSnapshot is a registered point-in-time mirror of the served tree.
type BackupSnapshot struct {
	ID        string
	Tier      string
	CreatedAt time.Time
	Path      string
	BasePath  string
}

// RateLimitCounter is the usage of one governed service in the current window.
type RateLimitCounter struct {
	Service     string
	Count       int
	Limit       int
	WindowStart time.Time
}
