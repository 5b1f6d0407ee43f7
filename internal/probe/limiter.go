package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/sender"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent matches the conservative default of the deployment
// this service replaces.
const DefaultMaxConcurrent = 2

// Limiter bounds how many probes run at once
type Limiter struct {
	next    Prober
	sem     *semaphore.Weighted
	max     int64
	metrics *metrics.Metrics
}

// NewLimiter wraps next so that at most max probes execute concurrently
func NewLimiter(next Prober, max int, m *metrics.Metrics) *Limiter {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Limiter{
		next:    next,
		sem:     semaphore.NewWeighted(int64(max)),
		max:     int64(max),
		metrics: m,
	}
}

// Max returns the configured bound
func (l *Limiter) Max() int {
	return int(l.max)
}

// Probe waits for a slot, then delegates. A caller whose context ends while
// queued gets a failed result without any network activity.
func (l *Limiter) Probe(ctx context.Context, email, host string, id sender.Identity) Result {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Failure(StepConnecting, fmt.Sprintf("no probe slot available: %v", err))
	}
	defer l.sem.Release(1)

	l.metrics.ProbeStarted()
	start := time.Now()
	res := l.next.Probe(ctx, email, host, id)
	l.metrics.ProbeFinished(time.Since(start), res.Valid)
	return res
}
