package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/sender"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProber returns a fixed result after an optional delay and tracks
// concurrency.
type stubProber struct {
	result  Result
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func (s *stubProber) Probe(ctx context.Context, email, host string, id sender.Identity) Result {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.release != nil {
		<-s.release
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	stub := &stubProber{result: Result{Valid: true, Code: 250}, delay: 30 * time.Millisecond}
	limiter := NewLimiter(stub, 2, metrics.New())
	assert.Equal(t, 2, limiter.Max())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := limiter.Probe(context.Background(), "u@x.test", "mx", testIdentity)
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), stub.calls.Load())
	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
	assert.Equal(t, int32(2), stub.peak.Load())
}

func TestLimiterContextExpiresWhileQueued(t *testing.T) {
	stub := &stubProber{result: Result{Valid: true, Code: 250}, release: make(chan struct{})}
	limiter := NewLimiter(stub, 1, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		limiter.Probe(context.Background(), "first@x.test", "mx", testIdentity)
	}()
	require.Eventually(t, func() bool { return stub.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := limiter.Probe(ctx, "second@x.test", "mx", testIdentity)

	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.Code)
	assert.Contains(t, res.Response, "no probe slot available")
	assert.Equal(t, int32(1), stub.calls.Load())

	close(stub.release)
	<-done
}

func TestLimiterDefault(t *testing.T) {
	assert.Equal(t, DefaultMaxConcurrent, NewLimiter(&stubProber{}, 0, nil).Max())
}

func TestBreakerTripsOnTransportFailures(t *testing.T) {
	stub := &stubProber{result: Failure(StepConnecting, "connect: refused")}
	b := NewBreaker(stub, BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		res := b.Probe(context.Background(), "u@x.test", "bad.mx", testIdentity)
		assert.Equal(t, "connect: refused", res.Response)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("bad.mx"))

	res := b.Probe(context.Background(), "u@x.test", "bad.mx", testIdentity)
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "circuit breaker open for bad.mx", res.Response)
	assert.Equal(t, int32(3), stub.calls.Load())

	// Other hosts have their own breaker.
	assert.Equal(t, gobreaker.StateClosed, b.State("other.mx"))
}

func TestBreakerIgnoresRejections(t *testing.T) {
	stub := &stubProber{result: Result{Code: 550, Response: "550 no such user", Final: StepClosed}}
	b := NewBreaker(stub, BreakerConfig{ConsecutiveFailures: 2}, nil)

	for i := 0; i < 5; i++ {
		res := b.Probe(context.Background(), "u@x.test", "mx", testIdentity)
		assert.Equal(t, 550, res.Code)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("mx"))
	assert.Equal(t, int32(5), stub.calls.Load())
}

func TestBreakerEvictsIdleHosts(t *testing.T) {
	stub := &stubProber{result: Failure(StepConnecting, "connect: refused")}
	b := NewBreaker(stub, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute, IdleTimeout: time.Hour}, nil)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	b.Probe(context.Background(), "u@x.test", "old.mx", testIdentity)
	assert.Equal(t, gobreaker.StateOpen, b.State("old.mx"))

	now = now.Add(30 * time.Minute)
	b.Probe(context.Background(), "u@x.test", "recent.mx", testIdentity)
	assert.Equal(t, 2, b.Len())

	// old.mx is past the idle timeout, recent.mx is not
	now = now.Add(45 * time.Minute)
	b.Probe(context.Background(), "u@x.test", "new.mx", testIdentity)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, gobreaker.StateClosed, b.State("old.mx"))
	assert.Equal(t, gobreaker.StateOpen, b.State("recent.mx"))
}

func TestBreakerIdleTimeoutCoversOpenTimeout(t *testing.T) {
	b := NewBreaker(&stubProber{}, BreakerConfig{OpenTimeout: time.Hour, IdleTimeout: time.Minute}, nil)
	assert.Equal(t, time.Hour, b.config.IdleTimeout)

	b = NewBreaker(&stubProber{}, BreakerConfig{}, nil)
	assert.Equal(t, DefaultBreakerIdleTimeout, b.config.IdleTimeout)
}
