package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mediagate/internal/prefetch"
	"mediagate/pkg/cache"
	"mediagate/pkg/circuit"
	"mediagate/pkg/config"
	"mediagate/pkg/credentials"
	"mediagate/pkg/egress"
	"mediagate/pkg/fetch"
	"mediagate/pkg/gateway"
	"mediagate/pkg/logger"
	"mediagate/pkg/metrics"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/upstream"
)

// secretSource supplies stored secrets; *credentials.Manager implements it
type secretSource interface {
	Bearers() ([]string, error)
	ControlPassword() string
}

// app is the assembled gateway process
type app struct {
	cfg        *config.Config
	log        logger.Logger
	cache      *cache.Cache
	disk       *cache.DiskStore
	transports *egress.Transports
	pool       *prefetch.Pool
	handler    http.Handler
	server     *http.Server
}

// buildApp wires every component from cfg. secrets may be nil.
func buildApp(cfg *config.Config, secrets secretSource, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	bearers := cfg.Credentials.Bearers
	password := cfg.Egress.ControlPassword
	if secrets != nil {
		stored, err := secrets.Bearers()
		if err != nil {
			log.WithError(err).Warn("failed to list stored bearer tokens")
		}
		bearers = credentials.MergeBearers(bearers, stored)
		if password == "" {
			password = secrets.ControlPassword()
		}
	}

	var cacheOpts []cache.Option
	if cfg.Cache.Disk.Path != "" {
		disk, err := cache.OpenDiskStore(cfg.Cache.Disk.Path, cfg.DiskMaxBytes(), log)
		if err != nil {
			return nil, fmt.Errorf("open disk cache: %w", err)
		}
		a.disk = disk
		cacheOpts = append(cacheOpts, cache.WithSpill(disk))
	}
	a.cache = cache.New(cfg.CacheMaxBytes(), cacheOpts...)

	var (
		m              metrics.Metrics = metrics.Noop{}
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewCacheCollector(cfg.Metrics.Namespace, a.cache.Stats),
		)
		m = metrics.NewProm(cfg.Metrics.Namespace, reg)
		metricsHandler = metrics.Handler(reg)
	}

	var ids []*egress.Identity
	if cfg.Egress.Enabled {
		var err error
		if ids, err = egress.IdentitiesFromConfig(cfg.Egress.Identities); err != nil {
			a.close()
			return nil, err
		}
	}
	transports, err := egress.NewTransports(ids, egress.Options{DialTimeout: cfg.Egress.DialTimeout})
	if err != nil {
		a.close()
		return nil, err
	}
	a.transports = transports

	var renewer fetch.Renewer
	for _, id := range ids {
		if id.Renewable() {
			renewer = circuit.NewController(password, cfg.Egress.DialTimeout, log)
			break
		}
	}

	orch := fetch.New(a.cache, transports, renewer, fetch.Options{
		MainURL:      cfg.Upstream.MainURL,
		UserAgents:   cfg.Upstream.UserAgents,
		MaxRetries:   cfg.Fetch.MaxRetries,
		ImageTimeout: cfg.Fetch.ImageTimeout,
		VideoTimeout: cfg.Fetch.VideoTimeout,
		SettleDelay:  cfg.Egress.SettleDelay,
		SingleFlight: cfg.Cache.SingleFlight,
	}, m, log)

	chain := &gateway.Chain{
		Resolver:   gateway.Resolver{MainURL: cfg.Upstream.MainURL, CDNURL: cfg.Upstream.CDNURL},
		Fetcher:    orch,
		MaxRetries: cfg.Fetch.MaxRetries,
		Logger:     log,
	}

	var apiLimiter ratelimit.Limiter
	if n := cfg.Upstream.APIRequestsPerMinute; n > 0 {
		apiLimiter = ratelimit.NewSlidingWindow(n, time.Minute)
	}
	api := upstream.NewClient(upstream.Options{
		BaseURL:    cfg.Upstream.MainURL,
		Bearers:    bearers,
		UserAgents: cfg.Upstream.UserAgents,
		Timeout:    cfg.Upstream.APITimeout,
		Limiter:    apiLimiter,
	}, log)
	if len(bearers) == 0 {
		log.Warn("no bearer tokens configured, site API calls are unauthenticated")
	}

	a.pool = prefetch.NewPool(chain, ratelimit.PerMinute(cfg.Prefetch.RequestsPerMinute), prefetch.Options{
		Workers:   cfg.Prefetch.Workers,
		QueueSize: cfg.Prefetch.QueueSize,
	}, m, log)

	srv := gateway.New(chain, api, a.pool, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Stats:          a.cache.Stats,
		MetricsHandler: metricsHandler,
	}, m, log)
	a.handler = srv.Handler()
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.LogComponentStart(log, "gateway", map[string]interface{}{
		"addr":          a.server.Addr,
		"cache_max":     cfg.Cache.Max,
		"disk_cache":    cfg.Cache.Disk.Path != "",
		"identities":    transports.Len(),
		"renewal":       renewer != nil,
		"single_flight": cfg.Cache.SingleFlight,
		"bearers":       len(bearers),
		"metrics":       cfg.Metrics.Enabled,
	})
	return a, nil
}

// Run serves until ctx is done, then shuts down gracefully
func (a *app) Run(ctx context.Context) error {
	a.pool.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if iv := a.cfg.Logging.StatsInterval; iv > 0 {
		go a.logStats(ctx, iv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown incomplete")
	}
	a.pool.Stop()
	if a.disk != nil {
		if err := a.disk.Flush(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("disk cache flush incomplete")
		}
	}
	a.close()

	logger.LogComponentStop(a.log, "gateway", "shutdown")
	return serveErr
}

// close releases resources that outlive the HTTP server
func (a *app) close() {
	if a.transports != nil {
		a.transports.CloseIdleConnections()
	}
	if a.disk != nil {
		if err := a.disk.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close disk cache")
		}
		a.disk = nil
	}
}

func (a *app) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.cache.Stats()
			p := a.pool.Stats()
			fields := map[string]interface{}{
				"entries":   s.Entries,
				"bytes":     config.FormatBytes(uint64(s.Bytes)),
				"max":       config.FormatBytes(uint64(s.MaxBytes)),
				"hits":      s.Hits,
				"misses":    s.Misses,
				"evictions": s.Evictions,
				"prefetch":  p.Done,
			}
			if s.Disk != nil {
				fields["disk_bytes"] = config.FormatBytes(uint64(s.Disk.Bytes))
			}
			a.log.InfoWithFields("cache usage", fields)
		}
	}
}

func formatCount(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
