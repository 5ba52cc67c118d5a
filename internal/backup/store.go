package backup

import (
	"context"
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/models"
)

// Store registers snapshots.
type Store interface {
	Insert(ctx context.Context, s *models.BackupSnapshot) error
	Latest(ctx context.Context, tier string) (*models.BackupSnapshot, error)
	List(ctx context.Context, tier string) ([]models.BackupSnapshot, error)
	Before(ctx context.Context, tier string, cutoff time.Time) ([]models.BackupSnapshot, error)
	Delete(ctx context.Context, id string) error
	Registered(ctx context.Context, path string) (bool, error)
}

// SQLiteStore implements Store using the warden database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore with the given database connection.
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

func (s *SQLiteStore) Insert(_ context.Context, snap *models.BackupSnapshot) error {
	return db.InsertSnapshot(s.db, snap)
}

func (s *SQLiteStore) Latest(_ context.Context, tier string) (*models.BackupSnapshot, error) {
	return db.LatestSnapshot(s.db, tier)
}

func (s *SQLiteStore) List(_ context.Context, tier string) ([]models.BackupSnapshot, error) {
	return db.ListSnapshots(s.db, tier)
}

func (s *SQLiteStore) Before(_ context.Context, tier string, cutoff time.Time) ([]models.BackupSnapshot, error) {
	return db.ListSnapshotsBefore(s.db, tier, cutoff)
}

func (s *SQLiteStore) Delete(_ context.Context, id string) error {
	return db.DeleteSnapshot(s.db, id)
}

func (s *SQLiteStore) Registered(_ context.Context, path string) (bool, error) {
	return db.SnapshotPathRegistered(s.db, path)
}
