package quarantine

import (
	"context"
	"database/sql"

	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/models"
)

// Store persists quarantine records.
type Store interface {
	Insert(ctx context.Context, f *models.QuarantinedFile) error
	Get(ctx context.Context, id string) (*models.QuarantinedFile, error)
	List(ctx context.Context) ([]models.QuarantinedFile, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SQLiteStore implements Store using the warden database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore with the given database connection.
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

func (s *SQLiteStore) Insert(_ context.Context, f *models.QuarantinedFile) error {
	return db.InsertQuarantinedFile(s.db, f)
}

func (s *SQLiteStore) Get(_ context.Context, id string) (*models.QuarantinedFile, error) {
	return db.GetQuarantinedFile(s.db, id)
}

func (s *SQLiteStore) List(_ context.Context) ([]models.QuarantinedFile, error) {
	return db.ListQuarantinedFiles(s.db)
}

func (s *SQLiteStore) Exists(_ context.Context, id string) (bool, error) {
	return db.QuarantineIDExists(s.db, id)
}

func (s *SQLiteStore) Delete(_ context.Context, id string) (bool, error) {
	return db.DeleteQuarantinedFile(s.db, id)
}
