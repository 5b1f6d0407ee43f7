package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultSQLiteFile is the database file name used when only a directory is configured
const DefaultSQLiteFile = "email_verification.db"

var sqliteDialect = dialect{
	name:   DriverSQLite,
	driver: "sqlite3",
	schema: `
		CREATE TABLE IF NOT EXISTS verifications (
			email TEXT PRIMARY KEY,
			is_valid INTEGER NOT NULL,
			status_code INTEGER,
			server_response TEXT,
			mx_records TEXT,
			elapsed_seconds REAL NOT NULL,
			verified_at TEXT NOT NULL,
			error_message TEXT
		)`,
	get: `SELECT email, is_valid, status_code, server_response, mx_records,
			elapsed_seconds, verified_at, error_message
		FROM verifications WHERE email = ?`,
	upsert: `INSERT INTO verifications
			(email, is_valid, status_code, server_response, mx_records,
			 elapsed_seconds, verified_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			is_valid = excluded.is_valid,
			status_code = excluded.status_code,
			server_response = excluded.server_response,
			mx_records = excluded.mx_records,
			elapsed_seconds = excluded.elapsed_seconds,
			verified_at = excluded.verified_at,
			error_message = excluded.error_message`,
	counts: `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified_at > ? THEN 1 ELSE 0 END), 0)
		FROM verifications`,
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(path string, logger *slog.Logger) (*SQLStore, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), DefaultSQLiteFile)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	s, err := openSQL(sqliteDialect, dsn, logger, func(db *sql.DB) {
		db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(30 * time.Minute)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("SQLite store ready", "database", path)
	return s, nil
}
