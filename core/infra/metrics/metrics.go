package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for job submission and the worker pool.
type Metrics interface {
	IncJobsSubmitted(jobType, priority string)
	IncJobsClaimed(jobType string)
	IncJobsCompleted(jobType, status string)
	IncJobsReclaimed(jobType, outcome string)
	ObserveJobDuration(jobType string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncProxied(prefix, status string)
}

// RelayMetrics tracks live stream subscriptions.
type RelayMetrics interface {
	SetSubscribers(n int)
	IncDropped()
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncJobsSubmitted(string, string)                {}
func (Noop) IncJobsClaimed(string)                          {}
func (Noop) IncJobsCompleted(string, string)                {}
func (Noop) IncJobsReclaimed(string, string)                {}
func (Noop) ObserveJobDuration(string, float64)             {}
func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncProxied(string, string)                      {}
func (Noop) SetSubscribers(int)                             {}
func (Noop) IncDropped()                                    {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	submitted *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	completed *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	once      sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted by type and priority",
		}, []string{"type", "priority"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by a worker, by type",
		}, []string{"type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status, by type and status",
		}, []string{"type", "status"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Jobs handled by the reaper, by type and outcome",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time by type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.submitted, p.claimed, p.completed, p.reclaimed, p.duration)
	})
}

func (p *Prom) IncJobsSubmitted(jobType, priority string) {
	p.submitted.WithLabelValues(jobType, priority).Inc()
}

func (p *Prom) IncJobsClaimed(jobType string) {
	p.claimed.WithLabelValues(jobType).Inc()
}

func (p *Prom) IncJobsCompleted(jobType, status string) {
	p.completed.WithLabelValues(jobType, status).Inc()
}

func (p *Prom) IncJobsReclaimed(jobType, outcome string) {
	p.reclaimed.WithLabelValues(jobType, outcome).Inc()
}

func (p *Prom) ObserveJobDuration(jobType string, durationSeconds float64) {
	p.duration.WithLabelValues(jobType).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	proxied  *prometheus.CounterVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
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
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Requests forwarded to backends by route prefix and upstream status",
		}, []string{"prefix", "status"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency, g.proxied)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (g *gatewayProm) IncProxied(prefix, status string) {
	g.proxied.WithLabelValues(prefix, status).Inc()
}

// --- Relay metrics ---

type relayProm struct {
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
	once        sync.Once
}

func NewRelayProm(namespace string) RelayMetrics {
	r := &relayProm{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_subscribers",
			Help:      "Live stream subscriptions",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_subscribers_total",
			Help:      "Subscribers disconnected for falling behind",
		}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.subscribers, r.dropped)
	})
	return r
}

func (r *relayProm) SetSubscribers(n int) { r.subscribers.Set(float64(n)) }
func (r *relayProm) IncDropped()          { r.dropped.Inc() }
