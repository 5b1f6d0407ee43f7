package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/mx"
	"github.com/busybox42/mxverify/internal/probe"
	"github.com/busybox42/mxverify/internal/sender"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStatsWindow is the window for Stats.Recent
	DefaultStatsWindow = 24 * time.Hour
	// DefaultBatchConcurrency bounds concurrent Verify calls in a batch
	DefaultBatchConcurrency = 8

	noMXResponse = "no MX records found"
)

// Outcome sources reported to metrics
const (
	sourceCache  = "cache"
	sourceFormat = "format"
	sourceMX     = "mx"
	sourceProbe  = "probe"
)

// Options wires a Verifier. Cache, Resolver, Prober and Senders are required.
type Options struct {
	Cache    Cache
	Resolver mx.Resolver
	Prober   probe.Prober
	Senders  *sender.Pool
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	StatsWindow      time.Duration
	BatchConcurrency int
}

// Verifier runs the cache → format → MX → probe pipeline
type Verifier struct {
	cache    Cache
	resolver mx.Resolver
	prober   probe.Prober
	senders  *sender.Pool
	metrics  *metrics.Metrics
	logger   *slog.Logger

	statsWindow      time.Duration
	batchConcurrency int
	now              func() time.Time
}

// New creates a Verifier
func New(opts Options) (*Verifier, error) {
	switch {
	case opts.Cache == nil:
		return nil, errors.New("verifier requires a cache")
	case opts.Resolver == nil:
		return nil, errors.New("verifier requires an MX resolver")
	case opts.Prober == nil:
		return nil, errors.New("verifier requires a prober")
	case opts.Senders == nil:
		return nil, errors.New("verifier requires a sender pool")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = DefaultStatsWindow
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}

	return &Verifier{
		cache:            opts.Cache,
		resolver:         opts.Resolver,
		prober:           opts.Prober,
		senders:          opts.Senders,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "verifier"),
		statsWindow:      opts.StatsWindow,
		batchConcurrency: opts.BatchConcurrency,
		now:              time.Now,
	}, nil
}

// Verify returns the outcome for email. It never fails: every problem is
// encoded in the outcome. Fresh outcomes are written to the cache; a write
// failure is logged and the outcome is still returned.
func (v *Verifier) Verify(ctx context.Context, email string) *Outcome {
	if cached := v.cache.Get(ctx, email); cached != nil {
		v.metrics.Verification(cached.IsValid, sourceCache)
		return cached
	}

	start := v.now()
	o, source := v.evaluate(ctx, email)
	o.Timestamp = v.now()
	o.ElapsedSeconds = o.Timestamp.Sub(start).Seconds()

	v.metrics.Verification(o.IsValid, source)
	v.logger.Info("Verification completed",
		"email", email,
		"valid", o.IsValid,
		"status_code", o.StatusCode,
		"source", source,
		"elapsed", o.ElapsedSeconds)

	if err := v.cache.Put(ctx, o); err != nil {
		v.logger.Error("Failed to cache outcome", "email", email, "error", err)
	}
	return o
}

// evaluate runs the uncached steps and reports which one decided
func (v *Verifier) evaluate(ctx context.Context, email string) (*Outcome, string) {
	if !IsWellFormed(email) {
		return &Outcome{
			Email:        email,
			MXRecords:    []string{},
			ErrorMessage: ErrMsgInvalidFormat,
		}, sourceFormat
	}

	hosts := v.resolver.LookupMX(ctx, Domain(email))
	v.metrics.MXLookup(len(hosts) > 0)
	if len(hosts) == 0 {
		return &Outcome{
			Email:          email,
			MXRecords:      []string{},
			ServerResponse: noMXResponse,
			ErrorMessage:   ErrMsgNoMX,
		}, sourceMX
	}

	// Only the most preferred exchanger is probed.
	res, err := v.probe(ctx, email, hosts[0])
	if err != nil {
		v.logger.Error("SMTP probe aborted", "email", email, "host", hosts[0], "error", err)
		return &Outcome{
			Email:        email,
			MXRecords:    hosts,
			ErrorMessage: err.Error(),
		}, sourceProbe
	}

	return &Outcome{
		Email:          email,
		IsValid:        accepted(res.Code),
		StatusCode:     res.Code,
		ServerResponse: res.Response,
		MXRecords:      hosts,
	}, sourceProbe
}

// probe converts a panic in the prober into an error
func (v *Verifier) probe(ctx context.Context, email, host string) (res probe.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe failed: %v", r)
		}
	}()
	return v.prober.Probe(ctx, email, host, v.senders.Next()), nil
}

// VerifyBatch verifies emails concurrently; results keep input order
func (v *Verifier) VerifyBatch(ctx context.Context, emails []string) []*Outcome {
	results := make([]*Outcome, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.batchConcurrency)
	for i, email := range emails {
		i, email := i, email
		g.Go(func() error {
			results[i] = v.Verify(gctx, email)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Stats summarises the cache contents. On a store failure it returns zero
// stats together with the error.
func (v *Verifier) Stats(ctx context.Context) (Stats, error) {
	c, err := v.cache.Counts(ctx, v.now().Add(-v.statsWindow))
	if err != nil {
		v.logger.Error("Failed to read stats", "error", err)
		return Summarize(Counts{}), err
	}
	return Summarize(c), nil
}

// Summarize derives invalid count and success rate from raw counts
func Summarize(c Counts) Stats {
	s := Stats{
		Total:       c.Total,
		Valid:       c.Valid,
		Invalid:     c.Total - c.Valid,
		Recent:      c.Recent,
		SuccessRate: "0%",
	}
	if c.Total > 0 {
		s.SuccessRate = fmt.Sprintf("%.1f%%", float64(c.Valid)/float64(c.Total)*100)
	}
	return s
}
