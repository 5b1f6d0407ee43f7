package verify

import (
	"context"
	"time"
)

// Outcome is the result of verifying one address. It is the cache value.
type Outcome struct {
	Email          string    `json:"email"`
	IsValid        bool      `json:"is_valid"`
	StatusCode     int       `json:"status_code,omitempty"`
	ServerResponse string    `json:"server_response"`
	MXRecords      []string  `json:"mx_records"`
	ElapsedSeconds float64   `json:"verification_time"`
	Timestamp      time.Time `json:"timestamp"`
	ErrorMessage   string    `json:"error_message,omitempty"`

	// FromCache is set on read and never persisted.
	FromCache bool `json:"cached"`
}

// Counts is a raw aggregate over persisted outcomes.
type Counts struct {
	Total  int64
	Valid  int64
	Recent int64
}

// Stats is the summary returned by Verifier.Stats.
type Stats struct {
	Total       int64  `json:"total_verifications"`
	Valid       int64  `json:"valid_emails"`
	Invalid     int64  `json:"invalid_emails"`
	Recent      int64  `json:"recent_24h"`
	SuccessRate string `json:"success_rate"`
}

// Cache is the TTL-bounded outcome cache the verifier reads and writes through.
type Cache interface {
	// Get returns nil when the address has no live entry.
	Get(ctx context.Context, email string) *Outcome
	Put(ctx context.Context, o *Outcome) error
	Counts(ctx context.Context, since time.Time) (Counts, error)
}

// Error messages recorded on negative outcomes.
const (
	ErrMsgInvalidFormat = "invalid email format"
	ErrMsgNoMX          = "no MX records"
)

// accepted reports whether an SMTP reply code means the recipient was accepted.
func accepted(code int) bool {
	return code == 250 || code == 251
}
