package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mxverify/internal/verify"
)

// Common errors
var (
	ErrNotFound     = errors.New("outcome not found")
	ErrNotConnected = errors.New("store is closed")
	ErrNoTimestamp  = errors.New("outcome has no timestamp")
)

// Store persists one outcome per email address. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the stored outcome or ErrNotFound
	Get(ctx context.Context, email string) (*verify.Outcome, error)

	// Put inserts or fully replaces the outcome for o.Email
	Put(ctx context.Context, o *verify.Outcome) error

	// Counts aggregates all stored outcomes; Recent counts those newer than since
	Counts(ctx context.Context, since time.Time) (verify.Counts, error)

	// Type returns the backend name
	Type() string

	Close() error
}

// Drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverValkey   = "valkey"
)

// Config selects and configures a backend
type Config struct {
	Driver string

	// Path is the SQLite database file
	Path string

	// DSN is the connection string for postgres and mysql
	DSN string

	Redis RedisConfig
}

// RedisConfig configures the redis and valkey backends
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// Retention expires keys when positive. Zero keeps outcomes until they
	// are overwritten, like the SQL backends.
	Retention time.Duration
}

// Open connects to the configured backend and prepares its schema. An error
// here means the service cannot start.
func Open(config Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch config.Driver {
	case "", DriverSQLite:
		return OpenSQLite(config.Path, logger)
	case DriverPostgres:
		return OpenPostgres(config.DSN, logger)
	case DriverMySQL:
		return OpenMySQL(config.DSN, logger)
	case DriverRedis:
		return OpenRedis(config.Redis, logger)
	case DriverValkey:
		return OpenValkey(config.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", config.Driver)
	}
}
