package proxyexample

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	extprocfilterv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/allen-munsch/envoy-rust-proxy-example/extproc"
	"github.com/allen-munsch/envoy-rust-proxy-example/filterconfig"
	"github.com/allen-munsch/envoy-rust-proxy-example/filters/interceptor"
	"github.com/allen-munsch/envoy-rust-proxy-example/logging"
	"github.com/allen-munsch/envoy-rust-proxy-example/metrics"
	"github.com/allen-munsch/envoy-rust-proxy-example/otel"
	"github.com/allen-munsch/envoy-rust-proxy-example/proxy"
)

const defaultShutdownTimeout = 10 * time.Second

// Options to start the interceptor.
type Options struct {

	// Network address of the native proxy. When empty, and Listener is
	// not set, the proxy is not started.
	Address string

	// Listener, when set, is used by the native proxy instead of
	// listening on Address.
	Listener net.Listener

	// Backend is the upstream service of the native proxy.
	Backend *url.URL

	// Network address of the ext_proc gRPC service. When empty, and
	// ExtProcListener is not set, the service is not started.
	ExtProcAddress string

	// ExtProcListener, when set, is used by the ext_proc service
	// instead of listening on ExtProcAddress.
	ExtProcListener net.Listener

	// Network address of the /metrics and /healthz endpoints. When
	// empty, and SupportNetListener is not set, they are not started.
	SupportListener string

	// SupportNetListener, when set, is used for the support endpoints
	// instead of listening on SupportListener.
	SupportNetListener net.Listener

	ReadHeaderTimeout time.Duration

	// ShutdownTimeout limits the time to wait for the in-flight
	// requests and streams on shutdown.
	ShutdownTimeout time.Duration

	// Inline filter configuration.
	FilterConfig string

	// File of the filter configuration.
	FilterConfigFile string

	// When set, FilterConfigFile is reloaded on change. An invalid
	// initial configuration does not fail the start then, the requests
	// are rejected until a valid one is loaded.
	WatchFilterConfig bool

	FilterConfigDebounce time.Duration

	// Limit of the buffered response body in the native proxy.
	MaxResponseBodyBytes int

	// When set, the ext_proc service asks Envoy to stream the response
	// body.
	ExtProcStreamBody bool

	// Output file of the application log. When empty, stderr is used.
	ApplicationLogOutput      string
	ApplicationLogLevel       log.Level
	ApplicationLogPrefix      string
	ApplicationLogJSONEnabled bool

	// Output file of the access log. When empty, stderr is used.
	AccessLogOutput      string
	AccessLogDisabled    bool
	AccessLogJSONEnabled bool

	// LogRotation applies to the log files.
	LogRotation logging.Rotation

	MetricsPrefix          string
	EnableRuntimeMetrics   bool
	HistogramMetricBuckets []float64

	// OpenTelemetry, when set, initializes the global tracer provider
	// and propagator from the OTEL_* environment variables.
	OpenTelemetry *otel.Options

	// Tracer of the proxy requests and the ext_proc streams. When nil,
	// the tracer of the global OpenTelemetry provider is used.
	Tracer trace.Tracer
}

type closers []io.Closer

func (c closers) Close() {
	for _, ci := range c {
		ci.Close()
	}
}

func initLog(o Options) closers {
	var c closers
	lo := logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	}

	if o.ApplicationLogOutput != "" {
		f := logging.NewFileOutput(o.ApplicationLogOutput, o.LogRotation)
		lo.ApplicationLogOutput = f
		c = append(c, f)
	}

	if o.AccessLogOutput != "" && !o.AccessLogDisabled {
		f := logging.NewFileOutput(o.AccessLogOutput, o.LogRotation)
		lo.AccessLogOutput = f
		c = append(c, f)
	}

	logging.Init(lo)
	return c
}

func listen(l net.Listener, address string) (net.Listener, error) {
	if l != nil || address == "" {
		return l, nil
	}

	return net.Listen("tcp", address)
}

func healthHandler(r *interceptor.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if r.Config() == nil {
			http.Error(w, "filter not configured", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("Failed to write health check: %v", err)
		}
	}
}

// Run starts the interceptor, and blocks until SIGINT or SIGTERM is
// received, or one of the servers fails.
func Run(o Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunWithContext(ctx, o)
}

// RunWithContext starts the interceptor, and blocks until the context is
// canceled, or one of the servers fails.
func RunWithContext(ctx context.Context, o Options) error {
	defer initLog(o).Close()

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}

	if o.OpenTelemetry != nil {
		shutdown, err := otel.Init(ctx, o.OpenTelemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Errorf("Failed to shutdown OpenTelemetry: %v", err)
			}
		}()
	}

	m := metrics.NewPrometheus(metrics.Options{
		Prefix:               o.MetricsPrefix,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
		HistogramBuckets:     o.HistogramMetricBuckets,
	})

	resolver := interceptor.NewResolver(interceptor.Options{
		Log:     log.StandardLogger(),
		Metrics: m,
	})

	raw, err := filterconfig.Resolve(o.FilterConfig, o.FilterConfigFile)
	if err != nil {
		return err
	}

	if err := resolver.Configure(raw); err != nil {
		if !o.WatchFilterConfig {
			return err
		}

		log.Errorf("Filter is not configured, requests will be rejected until a valid configuration is loaded: %v", err)
	}

	proxyEnabled := o.Listener != nil || o.Address != ""
	if proxyEnabled && o.Backend == nil {
		return errors.New("missing backend of the proxy")
	}

	if !proxyEnabled && o.ExtProcListener == nil && o.ExtProcAddress == "" {
		return errors.New("neither the proxy nor the ext_proc service is enabled")
	}

	var (
		es      *extproc.Server
		watcher *filterconfig.Watcher
	)

	if o.WatchFilterConfig {
		w, err := filterconfig.NewWatcher(filterconfig.WatcherOptions{
			Path:     o.FilterConfigFile,
			Target:   resolver,
			Debounce: o.FilterConfigDebounce,
			Log:      log.StandardLogger(),
			Metrics:  m,
			OnReload: func(err error) {
				if err == nil && es != nil {
					es.SetServing(true)
				}
			},
		})
		if err != nil {
			return err
		}

		defer w.Close()
		watcher = w
	}

	var listeners closers
	proxyListener, err := listen(o.Listener, o.Address)
	if err != nil {
		return fmt.Errorf("failed to listen for the proxy: %w", err)
	}

	if proxyListener != nil {
		listeners = append(listeners, proxyListener)
	}

	extProcListener, err := listen(o.ExtProcListener, o.ExtProcAddress)
	if err != nil {
		listeners.Close()
		return fmt.Errorf("failed to listen for the ext_proc service: %w", err)
	}

	if extProcListener != nil {
		listeners = append(listeners, extProcListener)
	}

	supportListener, err := listen(o.SupportNetListener, o.SupportListener)
	if err != nil {
		listeners.Close()
		return fmt.Errorf("failed to listen for the support endpoints: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var shutdown []func(context.Context)

	if proxyListener != nil {
		p := proxy.New(proxy.Options{
			Backend:           o.Backend,
			Factory:           resolver,
			MaxBodyBytes:      o.MaxResponseBodyBytes,
			Log:               log.StandardLogger(),
			Metrics:           m,
			AccessLogDisabled: o.AccessLogDisabled,
			Tracer:            o.Tracer,
		})
		defer p.Close()

		server := &http.Server{
			Handler:           p,
			ReadHeaderTimeout: o.ReadHeaderTimeout,
		}

		log.Infof("proxy listener on %v, backend %s", proxyListener.Addr(), o.Backend)
		g.Go(func() error {
			if err := server.Serve(proxyListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("proxy: %w", err)
			}

			return nil
		})

		shutdown = append(shutdown, func(ctx context.Context) {
			if err := server.Shutdown(ctx); err != nil {
				log.Errorf("Failed to gracefully shutdown the proxy: %v", err)
			}
		})
	}

	if extProcListener != nil {
		eo := extproc.Options{
			Log:     log.StandardLogger(),
			Metrics: m,
			Tracer:  o.Tracer,
		}

		if o.ExtProcStreamBody {
			eo.ResponseBodyMode = extprocfilterv3.ProcessingMode_STREAMED
		}

		es = extproc.NewServer(resolver, eo)
		es.SetServing(resolver.Config() != nil)

		gs := grpc.NewServer()
		es.Register(gs)

		log.Infof("ext_proc listener on %v", extProcListener.Addr())
		g.Go(func() error {
			if err := gs.Serve(extProcListener); err != nil {
				return fmt.Errorf("ext_proc: %w", err)
			}

			return nil
		})

		shutdown = append(shutdown, func(ctx context.Context) {
			es.Shutdown()

			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				gs.Stop()
			}
		})
	}

	if supportListener != nil {
		mux := http.NewServeMux()
		m.RegisterHandler("/metrics", mux)
		mux.Handle("/healthz", healthHandler(resolver))

		server := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: o.ReadHeaderTimeout,
		}

		log.Infof("support listener on %v", supportListener.Addr())
		g.Go(func() error {
			if err := server.Serve(supportListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("support listener: %w", err)
			}

			return nil
		})

		shutdown = append(shutdown, func(ctx context.Context) {
			server.Shutdown(ctx)
		})
	}

	if watcher != nil {
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer cancel()
		for _, s := range shutdown {
			s(ctx)
		}

		return nil
	})

	return g.Wait()
}
