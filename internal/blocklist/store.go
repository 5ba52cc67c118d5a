package blocklist

import (
	"context"
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/models"
)

// Store persists the block list.
type Store interface {
	InsertBlockedIP(ctx context.Context, ip string, at time.Time, source string) error
	DeleteBlockedIP(ctx context.Context, ip string) error
	ListBlockedIPs(ctx context.Context) ([]models.BlockedIP, error)
}

// SQLiteStore implements Store using the warden database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore with the given database connection.
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

func (s *SQLiteStore) InsertBlockedIP(_ context.Context, ip string, at time.Time, source string) error {
	return db.InsertBlockedIP(s.db, ip, at, source)
}

func (s *SQLiteStore) DeleteBlockedIP(_ context.Context, ip string) error {
	return db.DeleteBlockedIP(s.db, ip)
}

func (s *SQLiteStore) ListBlockedIPs(_ context.Context) ([]models.BlockedIP, error) {
	return db.ListBlockedIPs(s.db)
}
