package interceptor

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
	"github.com/allen-munsch/envoy-rust-proxy-example/metrics"
)

const (
	KeyConfigLoaded   = "interceptor.config.loaded"
	KeyConfigReloaded = "interceptor.config.reloaded"
	KeyConfigFailed   = "interceptor.config.failed"
	KeyActiveContexts = "interceptor.contexts.active"
)

// ErrNotConfigured is returned when a filter is requested before a valid
// configuration was applied.
var ErrNotConfigured = errors.New("filter not configured")

// BodyHook receives the complete response body of a request. It must not
// retain or modify the body.
type BodyHook func(id filters.ContextID, body []byte)

// Options for the Resolver.
type Options struct {

	// Log is the logger used by the resolver and the controllers. When
	// nil, the standard logrus logger is used.
	Log log.FieldLogger

	// Metrics receives the filter metrics. When nil, metrics are
	// discarded.
	Metrics filters.Metrics

	// BodyHook, when set, is called with every non-empty response body.
	BodyHook BodyHook
}

// Resolver holds the active filter configuration and creates the per
// request controllers.
type Resolver struct {
	config   atomic.Pointer[Config]
	active   atomic.Int64
	log      log.FieldLogger
	metrics  filters.Metrics
	bodyHook BodyHook
}

// NewResolver creates an unconfigured resolver. Call Configure before
// creating filters.
func NewResolver(o Options) *Resolver {
	if o.Log == nil {
		o.Log = log.StandardLogger()
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	return &Resolver{
		log:      o.Log,
		metrics:  o.Metrics,
		bodyHook: o.BodyHook,
	}
}

// Configure decodes the raw configuration and makes it active for the
// requests started afterwards. A nil or empty raw value applies the
// default configuration. When decoding fails, the previously active
// configuration, if any, stays in use, and the *ConfigError is returned.
func (r *Resolver) Configure(raw []byte) error {
	if len(raw) == 0 {
		r.log.Info("No configuration provided, using defaults")
	}

	c, err := ParseConfig(raw)
	if err != nil {
		r.log.Infof("Failed to parse configuration: %v", err)
		r.metrics.IncCounter(KeyConfigFailed)
		return err
	}

	r.log.Infof("Loaded configuration: %+v", *c)
	if old := r.config.Swap(c); old != nil {
		r.metrics.IncCounter(KeyConfigReloaded)
	} else {
		r.metrics.IncCounter(KeyConfigLoaded)
	}

	return nil
}

// Config returns the active configuration, or nil when the resolver is
// not configured.
func (r *Resolver) Config() *Config {
	return r.config.Load()
}

// NewController creates the controller of a new request. It binds the
// configuration active at the time of the call.
func (r *Resolver) NewController(id filters.ContextID, s filters.Stream) (*Controller, error) {
	c := r.config.Load()
	if c == nil {
		return nil, ErrNotConfigured
	}

	r.metrics.UpdateGauge(KeyActiveContexts, float64(r.active.Add(1)))
	return &Controller{
		id:       id,
		stream:   s,
		config:   c,
		state:    phaseCreated,
		log:      r.log.WithField("context_id", id),
		metrics:  r.metrics,
		bodyHook: r.bodyHook,
		done:     r.release,
	}, nil
}

// CreateFilter implements filters.Factory.
func (r *Resolver) CreateFilter(id filters.ContextID, s filters.Stream) (filters.Filter, error) {
	c, err := r.NewController(id, s)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Active returns the number of controllers that did not complete the log
// phase yet.
func (r *Resolver) Active() int64 {
	return r.active.Load()
}

func (r *Resolver) release() {
	r.metrics.UpdateGauge(KeyActiveContexts, float64(r.active.Add(-1)))
}
