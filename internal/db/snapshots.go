package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/models"
)

// InsertSnapshot registers a completed backup snapshot.
func InsertSnapshot(d *sql.DB, s *models.BackupSnapshot) error {
	_, err := d.Exec(
		"INSERT INTO backup_snapshots (id, tier, created_at, path, base_path) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Tier, s.CreatedAt.Unix(), s.Path, s.BasePath,
	)
	return err
}

// LatestSnapshot returns the newest registered snapshot of tier, or nil.
func LatestSnapshot(d *sql.DB, tier string) (*models.BackupSnapshot, error) {
	row := d.QueryRow(
		`SELECT id, tier, created_at, path, base_path FROM backup_snapshots
		WHERE tier = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		tier,
	)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListSnapshots returns the registered snapshots of tier, newest first.
// An empty tier lists every tier.
func ListSnapshots(d *sql.DB, tier string) ([]models.BackupSnapshot, error) {
	query := "SELECT id, tier, created_at, path, base_path FROM backup_snapshots"
	var args []any
	if tier != "" {
		query += " WHERE tier = ?"
		args = append(args, tier)
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.BackupSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, rows.Err()
}

// ListSnapshotsBefore returns snapshots of tier created before cutoff.
func ListSnapshotsBefore(d *sql.DB, tier string, cutoff time.Time) ([]models.BackupSnapshot, error) {
	rows, err := d.Query(
		`SELECT id, tier, created_at, path, base_path FROM backup_snapshots
		WHERE tier = ? AND created_at < ? ORDER BY created_at`,
		tier, cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.BackupSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot unregisters a snapshot.
func DeleteSnapshot(d *sql.DB, id string) error {
	_, err := d.Exec("DELETE FROM backup_snapshots WHERE id = ?", id)
	return err
}

// SnapshotPathRegistered reports whether path belongs to a registered snapshot.
func SnapshotPathRegistered(d *sql.DB, path string) (bool, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM backup_snapshots WHERE path = ?", path).Scan(&n)
	return n > 0, err
}

func scanSnapshot(row rowScanner) (*models.BackupSnapshot, error) {
	var s models.BackupSnapshot
	var at int64
	if err := row.Scan(&s.ID, &s.Tier, &at, &s.Path, &s.BasePath); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(at, 0).UTC()
	return &s, nil
}
