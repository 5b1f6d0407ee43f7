package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/mxverify/internal/verify"
)

// timeLayout is fixed-width so stored timestamps compare as strings
const timeLayout = "2006-01-02T15:04:05.000000Z"

// dialect holds the statements that differ between SQL engines
type dialect struct {
	name   string
	driver string
	schema string
	get    string
	upsert string
	counts string
}

// SQLStore keeps outcomes in a relational table named verifications
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// openSQL connects, pings and creates the table if needed
func openSQL(d dialect, dsn string, logger *slog.Logger, tune func(*sql.DB)) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}
	if tune != nil {
		tune(db)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.name, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize %s schema: %w", d.name, err)
	}

	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger.With("component", "sql-store", "driver", d.name),
	}, nil
}

// Type implements Store
func (s *SQLStore) Type() string {
	return s.dialect.name
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, email string) (*verify.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrNotConnected
	}

	var (
		o            verify.Outcome
		statusCode   sql.NullInt64
		response     sql.NullString
		mxJSON       sql.NullString
		timestamp    string
		errorMessage sql.NullString
	)

	err := s.db.QueryRowContext(ctx, s.dialect.get, email).Scan(
		&o.Email, &o.IsValid, &statusCode, &response, &mxJSON,
		&o.ElapsedSeconds, &timestamp, &errorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome: %w", err)
	}

	o.StatusCode = int(statusCode.Int64)
	o.ServerResponse = response.String
	o.ErrorMessage = errorMessage.String
	o.MXRecords = []string{}
	if mxJSON.Valid && mxJSON.String != "" {
		if err := json.Unmarshal([]byte(mxJSON.String), &o.MXRecords); err != nil {
			return nil, fmt.Errorf("failed to decode mx records: %w", err)
		}
	}
	o.Timestamp, err = time.Parse(timeLayout, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", timestamp, err)
	}

	return &o, nil
}

// Put implements Store
func (s *SQLStore) Put(ctx context.Context, o *verify.Outcome) error {
	if o.Timestamp.IsZero() {
		return ErrNoTimestamp
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrNotConnected
	}

	mx := o.MXRecords
	if mx == nil {
		mx = []string{}
	}
	mxJSON, err := json.Marshal(mx)
	if err != nil {
		return fmt.Errorf("failed to encode mx records: %w", err)
	}

	statusCode := sql.NullInt64{Int64: int64(o.StatusCode), Valid: o.StatusCode != 0}
	errorMessage := sql.NullString{String: o.ErrorMessage, Valid: o.ErrorMessage != ""}

	_, err = s.db.ExecContext(ctx, s.dialect.upsert,
		o.Email, o.IsValid, statusCode, o.ServerResponse, string(mxJSON),
		o.ElapsedSeconds, o.Timestamp.UTC().Format(timeLayout), errorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

// Counts implements Store
func (s *SQLStore) Counts(ctx context.Context, since time.Time) (verify.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return verify.Counts{}, ErrNotConnected
	}

	var c verify.Counts
	err := s.db.QueryRowContext(ctx, s.dialect.counts, since.UTC().Format(timeLayout)).
		Scan(&c.Total, &c.Valid, &c.Recent)
	if err != nil {
		return verify.Counts{}, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return c, nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
