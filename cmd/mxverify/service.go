package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/busybox42/mxverify/internal/config"
	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/mx"
	"github.com/busybox42/mxverify/internal/probe"
	"github.com/busybox42/mxverify/internal/sender"
	"github.com/busybox42/mxverify/internal/store"
	"github.com/busybox42/mxverify/internal/verify"
)

// service is the wired verification pipeline
type service struct {
	store    store.Store
	cache    *store.Cache
	verifier *verify.Verifier
	metrics  *metrics.Metrics
}

// newService opens the store and wires the pipeline. A store that cannot
// be opened is fatal.
func newService(cfg *config.Config, logger *slog.Logger) (*service, error) {
	m := metrics.New()

	st, err := store.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache store: %w", cfg.Cache.Driver, err)
	}

	svc, err := wire(cfg, st, m, logger)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	return svc, nil
}

func wire(cfg *config.Config, st store.Store, m *metrics.Metrics, logger *slog.Logger) (*service, error) {
	resolver, err := mx.New(cfg.ResolverConfig(), logger)
	if err != nil {
		return nil, err
	}

	senders, err := sender.NewPool(cfg.Senders)
	if err != nil {
		return nil, err
	}

	var prober probe.Prober = probe.NewSMTPProber(cfg.ProbeConfig(), logger)
	if bc, enabled := cfg.BreakerConfig(); enabled {
		prober = probe.NewBreaker(prober, bc, logger)
	}
	prober = probe.NewLimiter(prober, cfg.SMTP.MaxConcurrent, m)

	cache := store.NewCache(st, cfg.CacheTTL(), logger, m)

	verifier, err := verify.New(verify.Options{
		Cache:       cache,
		Resolver:    resolver,
		Prober:      prober,
		Senders:     senders,
		Metrics:     m,
		Logger:      logger,
		StatsWindow: cfg.StatsWindow(),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Verification pipeline ready",
		"store", st.Type(),
		"cache_ttl", cfg.CacheTTL().String(),
		"dns_mode", cfg.DNS.Mode,
		"senders", senders.Len(),
		"max_concurrent_probes", cfg.SMTP.MaxConcurrent)

	return &service{store: st, cache: cache, verifier: verifier, metrics: m}, nil
}

func (s *service) Close() error {
	return s.store.Close()
}
