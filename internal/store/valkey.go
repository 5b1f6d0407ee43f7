package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mxverify/internal/verify"
	"github.com/valkey-io/valkey-go"
)

// ValkeyStore is the valkey-go counterpart of RedisStore. It uses the same
// key layout and record encoding, so the two can share a server.
type ValkeyStore struct {
	client    valkey.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

// OpenValkey connects to a Valkey (or Redis) server
func OpenValkey(config RedisConfig, logger *slog.Logger) (*ValkeyStore, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{config.Addr},
		Password:     config.Password,
		SelectDB:     config.DB,
		DisableCache: true, // reads go through Do, client-side caching is unused
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Valkey: %w", err)
	}

	return &ValkeyStore{
		client:    client,
		prefix:    config.Prefix,
		retention: config.Retention,
		logger:    logger.With("component", "valkey-store", "addr", config.Addr),
	}, nil
}

// Type implements Store
func (s *ValkeyStore) Type() string {
	return DriverValkey
}

// Get implements Store
func (s *ValkeyStore) Get(ctx context.Context, email string) (*verify.Outcome, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+email).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return decodeRecord(data)
}

// Put implements Store
func (s *ValkeyStore) Put(ctx context.Context, o *verify.Outcome) error {
	data, err := encodeRecord(o)
	if err != nil {
		return err
	}

	key := s.prefix + o.Email
	var cmd valkey.Completed
	if secs := int64(s.retention / time.Second); secs > 0 {
		cmd = s.client.B().Setex().Key(key).Seconds(secs).Value(string(data)).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(string(data)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

// Counts implements Store with a SCAN over the prefix
func (s *ValkeyStore) Counts(ctx context.Context, since time.Time) (verify.Counts, error) {
	var c verify.Counts
	var cursor uint64

	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).
			Match(s.prefix+"*").Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return verify.Counts{}, fmt.Errorf("failed to scan outcomes: %w", err)
		}

		if len(entry.Elements) > 0 {
			values, err := s.client.Do(ctx, s.client.B().Mget().Key(entry.Elements...).Build()).ToArray()
			if err != nil {
				return verify.Counts{}, fmt.Errorf("failed to read outcomes: %w", err)
			}
			for _, v := range values {
				data, err := v.AsBytes()
				if err != nil {
					// expired between SCAN and MGET
					continue
				}
				tally(&c, data, since, s.logger)
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return c, nil
		}
	}
}

// Close implements Store
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
