package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mxverify/internal/verify"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces outcome keys
const DefaultRedisPrefix = "mxverify:outcome:"

// scanBatch is the COUNT hint used when walking keys for Counts
const scanBatch = 500

// RedisStore keeps each outcome as a JSON string under prefix+email
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

// redisRecord is the persisted shape; FromCache is never stored
type redisRecord struct {
	Email          string    `json:"email"`
	IsValid        bool      `json:"is_valid"`
	StatusCode     int       `json:"status_code,omitempty"`
	ServerResponse string    `json:"server_response"`
	MXRecords      []string  `json:"mx_records"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Timestamp      time.Time `json:"timestamp"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// OpenRedis connects and pings the server
func OpenRedis(config RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		prefix:    config.Prefix,
		retention: config.Retention,
		logger:    logger.With("component", "redis-store", "addr", config.Addr),
	}, nil
}

// Type implements Store
func (r *RedisStore) Type() string {
	return DriverRedis
}

func (r *RedisStore) key(email string) string {
	return r.prefix + email
}

// Get implements Store
func (r *RedisStore) Get(ctx context.Context, email string) (*verify.Outcome, error) {
	data, err := r.client.Get(ctx, r.key(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*verify.Outcome, error) {
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	mx := rec.MXRecords
	if mx == nil {
		mx = []string{}
	}
	return &verify.Outcome{
		Email:          rec.Email,
		IsValid:        rec.IsValid,
		StatusCode:     rec.StatusCode,
		ServerResponse: rec.ServerResponse,
		MXRecords:      mx,
		ElapsedSeconds: rec.ElapsedSeconds,
		Timestamp:      rec.Timestamp,
		ErrorMessage:   rec.ErrorMessage,
	}, nil
}

func encodeRecord(o *verify.Outcome) ([]byte, error) {
	if o.Timestamp.IsZero() {
		return nil, ErrNoTimestamp
	}
	data, err := json.Marshal(redisRecord{
		Email:          o.Email,
		IsValid:        o.IsValid,
		StatusCode:     o.StatusCode,
		ServerResponse: o.ServerResponse,
		MXRecords:      o.MXRecords,
		ElapsedSeconds: o.ElapsedSeconds,
		Timestamp:      o.Timestamp.UTC(),
		ErrorMessage:   o.ErrorMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}
	return data, nil
}

// tally adds one encoded record to c
func tally(c *verify.Counts, data []byte, since time.Time, logger *slog.Logger) {
	o, err := decodeRecord(data)
	if err != nil {
		logger.Warn("Skipping undecodable outcome", "error", err)
		return
	}
	c.Total++
	if o.IsValid {
		c.Valid++
	}
	if o.Timestamp.After(since) {
		c.Recent++
	}
}

// Put implements Store
func (r *RedisStore) Put(ctx context.Context, o *verify.Outcome) error {
	data, err := encodeRecord(o)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.key(o.Email), data, r.expiry()).Err(); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

// expiry is the key lifetime passed to SET; 0 means no expiry
func (r *RedisStore) expiry() time.Duration {
	if r.retention > 0 {
		return r.retention
	}
	return 0
}

// Counts implements Store by scanning every outcome key
func (r *RedisStore) Counts(ctx context.Context, since time.Time) (verify.Counts, error) {
	var c verify.Counts
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := r.client.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				// expired between SCAN and MGET
				continue
			}
			tally(&c, []byte(s), since, r.logger)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return verify.Counts{}, fmt.Errorf("failed to read outcomes: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return verify.Counts{}, fmt.Errorf("failed to scan outcomes: %w", err)
	}
	if err := flush(); err != nil {
		return verify.Counts{}, fmt.Errorf("failed to read outcomes: %w", err)
	}
	return c, nil
}

// Close implements Store
func (r *RedisStore) Close() error {
	return r.client.Close()
}
