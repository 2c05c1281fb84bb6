package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the workflow dispatcher, executors and jobs.
type Metrics interface {
	IncDispatch(endpoint, class, path string)
	IncRateLimited(endpoint string)
	IncJobOutcome(kind, result string)
	IncStep(kind, result string)
	AddRecordsDeleted(n int)
	ObserveLLMCall(provider string, status int, d time.Duration)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDispatch(string, string, string)        {}
func (Noop) IncRateLimited(string)                     {}
func (Noop) IncJobOutcome(string, string)              {}
func (Noop) IncStep(string, string)                    {}
func (Noop) AddRecordsDeleted(int)                     {}
func (Noop) ObserveLLMCall(string, int, time.Duration) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	dispatches     *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	jobOutcomes    *prometheus.CounterVec
	steps          *prometheus.CounterVec
	recordsDeleted prometheus.Counter
	llmLatency     *prometheus.HistogramVec
	once           sync.Once
}

// NewProm creates the collectors and registers them with reg (the default registerer when nil).
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_dispatch_total",
			Help:      "Workflow requests by endpoint, caller class and execution path",
		}, []string{"endpoint", "class", "path"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_rate_limited_total",
			Help:      "Requests rejected by the sliding window limiter per endpoint",
		}, []string{"endpoint"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_job_outcomes_total",
			Help:      "Finished jobs by kind and result",
		}, []string{"kind", "result"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Durable steps executed by kind and result",
		}, []string{"kind", "result"}),
		recordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_records_deleted_total",
			Help:      "Stale records deleted by retention cleanup",
		}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "title_llm_request_duration_seconds",
			Help:      "Title generation completion latency by provider and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p.register(reg)
	return p
}

func (p *Prom) register(reg prometheus.Registerer) {
	p.once.Do(func() {
		reg.MustRegister(p.dispatches, p.rateLimited, p.jobOutcomes, p.steps, p.recordsDeleted, p.llmLatency)
	})
}

func (p *Prom) IncDispatch(endpoint, class, path string) {
	p.dispatches.WithLabelValues(endpoint, class, path).Inc()
}

func (p *Prom) IncRateLimited(endpoint string) {
	p.rateLimited.WithLabelValues(endpoint).Inc()
}

func (p *Prom) IncJobOutcome(kind, result string) {
	p.jobOutcomes.WithLabelValues(kind, result).Inc()
}

func (p *Prom) IncStep(kind, result string) {
	p.steps.WithLabelValues(kind, result).Inc()
}

func (p *Prom) AddRecordsDeleted(n int) {
	if n > 0 {
		p.recordsDeleted.Add(float64(n))
	}
}

// ObserveLLMCall records a completion call. A zero status means the request never got a response.
func (p *Prom) ObserveLLMCall(provider string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	p.llmLatency.WithLabelValues(provider, label).Observe(d.Seconds())
}

// Handler returns an HTTP handler for /metrics served from gatherer (the default gatherer when nil).
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
