package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediagate/pkg/cache"
)

// Metrics is the set of observations the gateway emits.
type Metrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncFetchAttempt(class, identity, outcome string)
	ObserveFetch(class, outcome string, durationSeconds float64)
	IncRenewal(identity, result string)
	IncPrefetch(result string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncFetchAttempt(string, string, string)         {}
func (Noop) ObserveFetch(string, string, float64)           {}
func (Noop) IncRenewal(string, string)                      {}
func (Noop) IncPrefetch(string)                             {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	renewals      *prometheus.CounterVec
	prefetch      *prometheus.CounterVec
}

// NewProm builds the collectors and registers them with reg.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Upstream fetch attempts by media class, egress identity and outcome",
		}, []string{"class", "identity", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to first byte of a fetch including retries, by class/outcome",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"class", "outcome"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_renewals_total",
			Help:      "Circuit renewal requests by identity and result",
		}, []string{"identity", "result"}),
		prefetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_jobs_total",
			Help:      "Prefetch jobs by result",
		}, []string{"result"}),
	}
	reg.MustRegister(p.requests, p.latency, p.attempts, p.fetchDuration, p.renewals, p.prefetch)
	return p
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (p *Prom) IncFetchAttempt(class, identity, outcome string) {
	p.attempts.WithLabelValues(class, identity, outcome).Inc()
}

func (p *Prom) ObserveFetch(class, outcome string, durationSeconds float64) {
	p.fetchDuration.WithLabelValues(class, outcome).Observe(durationSeconds)
}

func (p *Prom) IncRenewal(identity, result string) {
	p.renewals.WithLabelValues(identity, result).Inc()
}

func (p *Prom) IncPrefetch(result string) {
	p.prefetch.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// --- Cache collector ---

type cacheCollector struct {
	stats func() cache.Stats

	entries   *prometheus.Desc
	bytes     *prometheus.Desc
	maxBytes  *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	diskBytes *prometheus.Desc
}

// NewCacheCollector exposes cache.Stats snapshots, read at scrape time.
func NewCacheCollector(namespace string, stats func() cache.Stats) prometheus.Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "cache", n) }
	return &cacheCollector{
		stats:     stats,
		entries:   prometheus.NewDesc(name("entries"), "Entries held in RAM", nil, nil),
		bytes:     prometheus.NewDesc(name("bytes"), "Bytes held in RAM", nil, nil),
		maxBytes:  prometheus.NewDesc(name("max_bytes"), "RAM byte budget", nil, nil),
		hits:      prometheus.NewDesc(name("hits_total"), "Cache hits by tier", []string{"tier"}, nil),
		misses:    prometheus.NewDesc(name("misses_total"), "Cache misses", nil, nil),
		evictions: prometheus.NewDesc(name("evictions_total"), "Entries evicted from RAM", nil, nil),
		diskBytes: prometheus.NewDesc(name("disk_bytes"), "Bytes held by the disk tier", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.maxBytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.diskBytes
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes))
	ch <- prometheus.MustNewConstMetric(c.maxBytes, prometheus.GaugeValue, float64(s.MaxBytes))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), "ram")
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.DiskHits), "disk")
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	if s.Disk != nil {
		ch <- prometheus.MustNewConstMetric(c.diskBytes, prometheus.GaugeValue, float64(s.Disk.Bytes))
	}
}
