package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Metrics backed by a private registry.
type Prometheus struct {
	loginsTotal       *prometheus.CounterVec
	tokensIssued      *prometheus.CounterVec
	tokenValidations  *prometheus.CounterVec
	validationLatency prometheus.Histogram
	refreshReplays    prometheus.Counter

	permissionChecks *prometheus.CounterVec
	checkLatency     prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter

	keyRotations prometheus.Counter
	rateLimited  *prometheus.CounterVec
	auditDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheus creates a Prometheus metrics instance under the namespace.
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{
		loginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by type",
		}, []string{"type"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Token validations by result",
		}, []string{"result"}),
		validationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_validation_duration_microseconds",
			Help:      "Token validation latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		}),
		refreshReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_replays_total",
			Help:      "Detected refresh token replay attempts",
		}),
		permissionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_checks_total",
			Help:      "Permission checks by effect",
		}, []string{"effect"}),
		checkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "permission_check_duration_microseconds",
			Help:      "Permission check latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permission_cache",
			Name:      "hits_total",
			Help:      "Permission cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permission_cache",
			Name:      "misses_total",
			Help:      "Permission cache misses",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Completed signing key rotations",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped under backpressure",
		}),
		registry: registry,
	}

	registry.MustRegister(p.loginsTotal, p.tokensIssued, p.tokenValidations,
		p.validationLatency, p.refreshReplays, p.permissionChecks, p.checkLatency,
		p.cacheHits, p.cacheMisses, p.keyRotations, p.rateLimited, p.auditDropped)

	return p
}

func (p *Prometheus) RecordLogin(outcome string) {
	p.loginsTotal.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) RecordTokenIssued(tokenType string) {
	p.tokensIssued.WithLabelValues(tokenType).Inc()
}

func (p *Prometheus) RecordTokenValidation(result string, duration time.Duration) {
	p.tokenValidations.WithLabelValues(result).Inc()
	p.validationLatency.Observe(float64(duration.Microseconds()))
}

func (p *Prometheus) RecordRefreshReplay() {
	p.refreshReplays.Inc()
}

func (p *Prometheus) RecordPermissionCheck(effect string, duration time.Duration) {
	p.permissionChecks.WithLabelValues(effect).Inc()
	p.checkLatency.Observe(float64(duration.Microseconds()))
}

func (p *Prometheus) RecordCacheHit()  { p.cacheHits.Inc() }
func (p *Prometheus) RecordCacheMiss() { p.cacheMisses.Inc() }

func (p *Prometheus) RecordKeyRotation() { p.keyRotations.Inc() }

func (p *Prometheus) RecordRateLimited(route string) {
	p.rateLimited.WithLabelValues(route).Inc()
}

func (p *Prometheus) RecordAuditDropped() { p.auditDropped.Inc() }

// HTTPHandler returns the scrape endpoint for the private registry.
func (p *Prometheus) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
