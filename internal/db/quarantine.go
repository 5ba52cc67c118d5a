package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/models"
)

// InsertQuarantinedFile records a file moved into quarantine.
func InsertQuarantinedFile(d *sql.DB, f *models.QuarantinedFile) error {
	_, err := d.Exec(
		`INSERT INTO quarantined_files
			(id, original_path, quarantine_path, virus_name, sha256, mode, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OriginalPath, f.QuarantinePath, f.VirusName, f.SHA256, f.Mode, f.QuarantinedAt.Unix(),
	)
	return err
}

// GetQuarantinedFile returns the record with the given identity, or nil.
func GetQuarantinedFile(d *sql.DB, id string) (*models.QuarantinedFile, error) {
	row := d.QueryRow(
		`SELECT id, original_path, quarantine_path, virus_name, sha256, mode, quarantined_at
		FROM quarantined_files WHERE id = ?`,
		id,
	)
	f, err := scanQuarantinedFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListQuarantinedFiles returns all records, newest first.
func ListQuarantinedFiles(d *sql.DB) ([]models.QuarantinedFile, error) {
	rows, err := d.Query(
		`SELECT id, original_path, quarantine_path, virus_name, sha256, mode, quarantined_at
		FROM quarantined_files ORDER BY quarantined_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.QuarantinedFile
	for rows.Next() {
		f, err := scanQuarantinedFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// QuarantineIDExists reports whether a record already uses id.
func QuarantineIDExists(d *sql.DB, id string) (bool, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM quarantined_files WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// DeleteQuarantinedFile removes the record with the given identity.
func DeleteQuarantinedFile(d *sql.DB, id string) (bool, error) {
	result, err := d.Exec("DELETE FROM quarantined_files WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuarantinedFile(row rowScanner) (*models.QuarantinedFile, error) {
	var f models.QuarantinedFile
	var at int64
	if err := row.Scan(&f.ID, &f.OriginalPath, &f.QuarantinePath, &f.VirusName, &f.SHA256, &f.Mode, &at); err != nil {
		return nil, err
	}
	f.QuarantinedAt = time.Unix(at, 0).UTC()
	return &f, nil
}
