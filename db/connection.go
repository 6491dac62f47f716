package db

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var DB *sqlx.DB

// Connect opens the optional Postgres backing store for the blacklist.
// Deployments without DATABASE_URL run on the file store instead.
func Connect() error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}

	var err error

	// Retry connection logic for Docker container startup
	for i := 0; i < 30; i++ {
		DB, err = sqlx.Connect("postgres", databaseURL)
		if err == nil {
			break
		}

		fmt.Printf("Database connection attempt %d failed: %v\n", i+1, err)
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)

	return nil
}

func Migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS blacklisted_ips (
			ip_address VARCHAR(45) PRIMARY KEY,
			created_at TIMESTAMP DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_blacklisted_ips_created ON blacklisted_ips(created_at);
	`

	_, err := DB.Exec(schema)
	return err
}

func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
