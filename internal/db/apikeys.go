package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rsclarke/warden/internal/models"
)

const apiKeyColumns = "id, key_prefix, key_hash, created_at, revoked_at, last_used_at"

func scanAPIKey(r rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := r.Scan(&k.ID, &k.KeyPrefix, &k.KeyHash, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey stores a key's prefix and secret hash and returns its row ID.
func CreateAPIKey(d *sql.DB, prefix string, hash []byte) (int64, error) {
	res, err := d.Exec("INSERT INTO api_keys (key_prefix, key_hash, created_at) VALUES (?, ?, ?)",
		prefix, hash, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAPIKeyByPrefix returns nil, nil when no key has the prefix.
func GetAPIKeyByPrefix(d *sql.DB, prefix string) (*models.APIKey, error) {
	k, err := scanAPIKey(d.QueryRow("SELECT "+apiKeyColumns+" FROM api_keys WHERE key_prefix = ?", prefix))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

// ListAPIKeys returns every key, revoked ones included, oldest first.
func ListAPIKeys(d *sql.DB) ([]models.APIKey, error) {
	rows, err := d.Query("SELECT " + apiKeyColumns + " FROM api_keys ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records a successful authentication.
func TouchAPIKey(d *sql.DB, id int64, at time.Time) error {
	_, err := d.Exec("UPDATE api_keys SET last_used_at = ? WHERE id = ?", at.Unix(), id)
	return err
}

// RevokeAPIKey reports false when no active key has the prefix.
func RevokeAPIKey(d *sql.DB, prefix string) (bool, error) {
	res, err := d.Exec("UPDATE api_keys SET revoked_at = ? WHERE key_prefix = ? AND revoked_at IS NULL",
		time.Now().Unix(), prefix)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func CountAPIKeys(d *sql.DB) (int, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL").Scan(&n)
	return n, err
}
