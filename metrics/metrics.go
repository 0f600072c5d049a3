package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the generic interface for the metrics backends.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)

	// MeasureServe measures the time of serving a request by an engine,
	// labeled with the engine name, the method and the status code.
	MeasureServe(engine, method string, code int, start time.Time)

	// IncErrorsBackend counts failed upstream requests of an engine.
	IncErrorsBackend(engine string)

	RegisterHandler(path string, mux *http.ServeMux)
}

// Options for initializing metrics collection.
type Options struct {
	// Prefix is used as the namespace of the exported metrics. When not
	// set, "interceptor" is used.
	Prefix string

	// If set, the Go runtime and process metrics are exported too.
	EnableRuntimeMetrics bool

	// HistogramBuckets defines buckets into which the observations are
	// counted. When not set, prometheus.DefBuckets is used.
	HistogramBuckets []float64

	// PrometheusRegistry is the registry to register the metrics with.
	// When not set, a new registry is created.
	PrometheusRegistry *prometheus.Registry
}

// Void is a Metrics implementation that discards everything.
var Void Metrics = voidMetrics{}

type voidMetrics struct{}

func (voidMetrics) MeasureSince(string, time.Time)              {}
func (voidMetrics) IncCounter(string)                           {}
func (voidMetrics) IncCounterBy(string, int64)                  {}
func (voidMetrics) UpdateGauge(string, float64)                 {}
func (voidMetrics) MeasureServe(string, string, int, time.Time) {}
func (voidMetrics) IncErrorsBackend(string)                     {}
func (voidMetrics) RegisterHandler(string, *http.ServeMux)      {}

func applyDefaults(o Options) Options {
	if len(o.HistogramBuckets) == 0 {
		o.HistogramBuckets = prometheus.DefBuckets
	}

	return o
}

// measuredMethod limits the method label to the registered methods.
func measuredMethod(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect,
		http.MethodOptions, http.MethodTrace:
		return m
	default:
		return "_unknownmethod_"
	}
}
