package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/warden/internal/models"
)

// InsertBlockedIP persists a blocked address. Inserting an existing address
// is a no-op.
func InsertBlockedIP(d *sql.DB, ip string, at time.Time, source string) error {
	_, err := d.Exec(
		"INSERT INTO blocked_ips (ip, blocked_at, source) VALUES (?, ?, ?) ON CONFLICT(ip) DO NOTHING",
		ip, at.Unix(), source,
	)
	return err
}

// DeleteBlockedIP removes a blocked address.
func DeleteBlockedIP(d *sql.DB, ip string) error {
	_, err := d.Exec("DELETE FROM blocked_ips WHERE ip = ?", ip)
	return err
}

// ListBlockedIPs returns every persisted blocked address.
func ListBlockedIPs(d *sql.DB) ([]models.BlockedIP, error) {
	rows, err := d.Query("SELECT ip, blocked_at, source FROM blocked_ips ORDER BY blocked_at, ip")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []models.BlockedIP
	for rows.Next() {
		var b models.BlockedIP
		var blockedAt int64
		if err := rows.Scan(&b.Address, &blockedAt, &b.Source); err != nil {
			return nil, err
		}
		b.BlockedAt = time.Unix(blockedAt, 0).UTC()
		ips = append(ips, b)
	}
	return ips, rows.Err()
}
