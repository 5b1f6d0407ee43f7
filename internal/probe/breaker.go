package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/mxverify/internal/sender"
	"github.com/sony/gobreaker"
)

// errTransport marks a probe that never got a RCPT reply
var errTransport = errors.New("probe transport failure")

// BreakerConfig configures per-host circuit breakers
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker for a host
	ConsecutiveFailures uint32
	// OpenTimeout is how long a host stays open before a trial probe
	OpenTimeout time.Duration
	// Interval clears failure counts while closed; 0 keeps them
	Interval time.Duration
	// IdleTimeout drops the breaker of a host not contacted for this long.
	// It is never shorter than OpenTimeout.
	IdleTimeout time.Duration
}

// DefaultBreakerIdleTimeout is used when BreakerConfig.IdleTimeout is unset
const DefaultBreakerIdleTimeout = 30 * time.Minute

type hostBreaker struct {
	cb       *gobreaker.CircuitBreaker
	lastUsed time.Time
}

// Breaker short-circuits probes to hosts that keep failing at the
// transport level. A rejected recipient is a successful probe.
type Breaker struct {
	next      Prober
	config    BreakerConfig
	logger    *slog.Logger
	mu        sync.Mutex
	breakers  map[string]*hostBreaker
	lastSweep time.Time
	now       func() time.Time
}

// NewBreaker wraps next with one circuit breaker per MX host
func NewBreaker(next Prober, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = time.Minute
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultBreakerIdleTimeout
	}
	if config.IdleTimeout < config.OpenTimeout {
		config.IdleTimeout = config.OpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		next:     next,
		config:   config,
		logger:   logger.With("component", "probe-breaker"),
		breakers: make(map[string]*hostBreaker),
		now:      time.Now,
	}
}

func (b *Breaker) breakerFor(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) >= b.config.IdleTimeout {
		b.evictIdleLocked(now)
		b.lastSweep = now
	}

	if hb, ok := b.breakers[host]; ok {
		hb.lastUsed = now
		return hb.cb
	}

	threshold := b.config.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    b.config.Interval,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info("Probe circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.breakers[host] = &hostBreaker{cb: cb, lastUsed: now}
	return cb
}

// evictIdleLocked drops breakers of hosts not probed within IdleTimeout.
// An open breaker that idle has already passed its open timeout.
func (b *Breaker) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-b.config.IdleTimeout)
	for host, hb := range b.breakers {
		if hb.lastUsed.Before(cutoff) {
			delete(b.breakers, host)
		}
	}
}

// Len returns the number of hosts currently tracked
func (b *Breaker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.breakers)
}

// State returns the breaker state for host; unknown hosts are closed
func (b *Breaker) State(host string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hb, ok := b.breakers[host]; ok {
		return hb.cb.State()
	}
	return gobreaker.StateClosed
}

// Probe implements Prober
func (b *Breaker) Probe(ctx context.Context, email, host string, id sender.Identity) Result {
	cb := b.breakerFor(host)
	out, err := cb.Execute(func() (interface{}, error) {
		res := b.next.Probe(ctx, email, host, id)
		if res.Code == 0 {
			return res, errTransport
		}
		return res, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failure(StepConnecting, "circuit breaker open for "+host)
	}
	return out.(Result)
}
