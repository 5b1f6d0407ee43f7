package store

import (
	"errors"
	"log/slog"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:   DriverPostgres,
	driver: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS verifications (
			email TEXT PRIMARY KEY,
			is_valid BOOLEAN NOT NULL,
			status_code INTEGER,
			server_response TEXT,
			mx_records TEXT,
			elapsed_seconds DOUBLE PRECISION NOT NULL,
			verified_at TEXT NOT NULL,
			error_message TEXT
		)`,
	get: `SELECT email, is_valid, status_code, server_response, mx_records,
			elapsed_seconds, verified_at, error_message
		FROM verifications WHERE email = $1`,
	upsert: `INSERT INTO verifications
			(email, is_valid, status_code, server_response, mx_records,
			 elapsed_seconds, verified_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			is_valid = EXCLUDED.is_valid,
			status_code = EXCLUDED.status_code,
			server_response = EXCLUDED.server_response,
			mx_records = EXCLUDED.mx_records,
			elapsed_seconds = EXCLUDED.elapsed_seconds,
			verified_at = EXCLUDED.verified_at,
			error_message = EXCLUDED.error_message`,
	counts: `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified_at > $1 THEN 1 ELSE 0 END), 0)
		FROM verifications`,
}

// OpenPostgres connects using a lib/pq connection string
func OpenPostgres(dsn string, logger *slog.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres cache driver requires a dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return openSQL(postgresDialect, dsn, logger, nil)
}
