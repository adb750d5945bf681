package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the ingest router and task lifecycle.
type Metrics interface {
	IncRecordsRouted(phase string)
	IncRecordsQuarantined(phase string)
	IncTasksOpened(severity string)
	IncTasksClosed(state string)
	IncTasksEscalated(severity string)
	IncAccessDenied(action string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// ReportMetrics captures report engine build metrics.
type ReportMetrics interface {
	IncReportsRequested(category string)
	IncReportsCompleted(category, status string)
	IncReportExports(format string)
	IncScheduleFires()
	ObserveReportDuration(category string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncRecordsRouted(string)      {}
func (Noop) IncRecordsQuarantined(string) {}
func (Noop) IncTasksOpened(string)        {}
func (Noop) IncTasksClosed(string)        {}
func (Noop) IncTasksEscalated(string)     {}
func (Noop) IncAccessDenied(string)       {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	recordsRouted      *prometheus.CounterVec
	recordsQuarantined *prometheus.CounterVec
	tasksOpened        *prometheus.CounterVec
	tasksClosed        *prometheus.CounterVec
	tasksEscalated     *prometheus.CounterVec
	accessDenied       *prometheus.CounterVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		recordsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_routed_total",
			Help:      "Records normalized and routed by phase",
		}, []string{"phase"}),
		recordsQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_quarantined_total",
			Help:      "Records quarantined by phase",
		}, []string{"phase"}),
		tasksOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_opened_total",
			Help:      "Action tasks opened by severity",
		}, []string{"severity"}),
		tasksClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_closed_total",
			Help:      "Action tasks closed by terminal state",
		}, []string{"state"}),
		tasksEscalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_escalated_total",
			Help:      "Action tasks escalated past their SLA by severity",
		}, []string{"severity"}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Requests denied by the access policy per action",
		}, []string{"action"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.recordsRouted, p.recordsQuarantined, p.tasksOpened, p.tasksClosed, p.tasksEscalated, p.accessDenied)
	})
}

func (p *Prom) IncRecordsRouted(phase string) {
	p.recordsRouted.WithLabelValues(phase).Inc()
}

func (p *Prom) IncRecordsQuarantined(phase string) {
	p.recordsQuarantined.WithLabelValues(phase).Inc()
}

func (p *Prom) IncTasksOpened(severity string) {
	p.tasksOpened.WithLabelValues(severity).Inc()
}

func (p *Prom) IncTasksClosed(state string) {
	p.tasksClosed.WithLabelValues(state).Inc()
}

func (p *Prom) IncTasksEscalated(severity string) {
	p.tasksEscalated.WithLabelValues(severity).Inc()
}

func (p *Prom) IncAccessDenied(action string) {
	p.accessDenied.WithLabelValues(action).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
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
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// --- Report metrics ---

type reportProm struct {
	requested *prometheus.CounterVec
	completed *prometheus.CounterVec
	exports   *prometheus.CounterVec
	schedules prometheus.Counter
	duration  *prometheus.HistogramVec
	once      sync.Once
}

func NewReportProm(namespace string) ReportMetrics {
	r := &reportProm{
		requested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_requested_total",
			Help:      "Report requests by category",
		}, []string{"category"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_completed_total",
			Help:      "Report builds completed by category and status",
		}, []string{"category", "status"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_exports_total",
			Help:      "Bundle exports rendered by format",
		}, []string{"format"}),
		schedules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Report schedules fired",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Report build duration seconds by category",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.requested, r.completed, r.exports, r.schedules, r.duration)
	})
	return r
}

func (r *reportProm) IncReportsRequested(category string) {
	r.requested.WithLabelValues(category).Inc()
}

func (r *reportProm) IncReportsCompleted(category, status string) {
	r.completed.WithLabelValues(category, status).Inc()
}

func (r *reportProm) IncReportExports(format string) {
	r.exports.WithLabelValues(format).Inc()
}

func (r *reportProm) IncScheduleFires() {
	r.schedules.Inc()
}

func (r *reportProm) ObserveReportDuration(category string, durationSeconds float64) {
	r.duration.WithLabelValues(category).Observe(durationSeconds)
}
