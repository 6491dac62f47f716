package models

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// BlacklistedIP is one row in the durable blacklist table.
type BlacklistedIP struct {
	IPAddress string    `db:"ip_address" json:"ip_address"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BlacklistRepository persists the blacklist set in Postgres. It satisfies
// the services.BlacklistStore interface: Save replaces the whole set inside
// one transaction, Load reads it back at startup.
type BlacklistRepository struct {
	db *sqlx.DB
}

func NewBlacklistRepository(db *sqlx.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

func (r *BlacklistRepository) Load() ([]string, error) {
	var ips []string
	err := r.db.Select(&ips, `SELECT ip_address FROM blacklisted_ips ORDER BY ip_address`)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func (r *BlacklistRepository) Save(ips []string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM blacklisted_ips`); err != nil {
		return err
	}
	for _, ip := range ips {
		if _, err := tx.Exec(`INSERT INTO blacklisted_ips (ip_address) VALUES ($1)`, ip); err != nil {
			return err
		}
	}
	return tx.Commit()
}
