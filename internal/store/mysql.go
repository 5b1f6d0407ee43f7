package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name:   DriverMySQL,
	driver: "mysql",
	schema: `
		CREATE TABLE IF NOT EXISTS verifications (
			email VARCHAR(320) NOT NULL PRIMARY KEY,
			is_valid BOOLEAN NOT NULL,
			status_code INT NULL,
			server_response TEXT NULL,
			mx_records TEXT NULL,
			elapsed_seconds DOUBLE NOT NULL,
			verified_at VARCHAR(32) NOT NULL,
			error_message TEXT NULL
		) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
	get: `SELECT email, is_valid, status_code, server_response, mx_records,
			elapsed_seconds, verified_at, error_message
		FROM verifications WHERE email = ?`,
	upsert: `INSERT INTO verifications
			(email, is_valid, status_code, server_response, mx_records,
			 elapsed_seconds, verified_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			is_valid = VALUES(is_valid),
			status_code = VALUES(status_code),
			server_response = VALUES(server_response),
			mx_records = VALUES(mx_records),
			elapsed_seconds = VALUES(elapsed_seconds),
			verified_at = VALUES(verified_at),
			error_message = VALUES(error_message)`,
	counts: `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verified_at > ? THEN 1 ELSE 0 END), 0)
		FROM verifications`,
}

// OpenMySQL connects using a go-sql-driver DSN such as user:pass@tcp(host:3306)/db
func OpenMySQL(dsn string, logger *slog.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("mysql cache driver requires a dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return openSQL(mysqlDialect, cfg.FormatDSN(), logger, func(db *sql.DB) {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	})
}
