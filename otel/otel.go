// Package otel bootstraps the OpenTelemetry pipeline of the interceptor.
// The proxy and the ext_proc engines create their spans with the global
// tracer provider and propagator set here.
package otel

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bombsimon/logrusr/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter is the value of OTEL_TRACES_EXPORTER that writes the
// finished spans to the debug log.
const DebugExporter = "interceptor-debug"

// Options configure the OpenTelemetry pipeline.
type Options struct {

	// Initialized indicates that the pipeline was set up by the
	// embedding program. Init does nothing then.
	Initialized bool `yaml:"initialized"`

	// Log receives the pipeline errors and the spans of the debug
	// exporter. When nil, the standard logrus logger is used.
	Log log.FieldLogger `yaml:"-"`
}

var (
	registerDebug sync.Once

	// debugLog is the logger of the last Init, the exporter factory is
	// registered only once per process.
	debugLog atomic.Pointer[log.Entry]
)

type writerFunc func([]byte) (int, error)

func (wf writerFunc) Write(p []byte) (int, error) {
	return wf(p)
}

// Init sets the global tracer provider and text map propagator from the
// environment. When err is nil, shutdown must be called to flush the
// pending spans.
//
// Supported environment variables:
//
//   - OTEL_TRACES_EXPORTER
//   - OTEL_EXPORTER_OTLP_PROTOCOL
//   - OTEL_EXPORTER_OTLP_ENDPOINT
//   - OTEL_EXPORTER_OTLP_HEADERS
//   - OTEL_RESOURCE_ATTRIBUTES
//   - OTEL_PROPAGATORS
//   - OTEL_BSP_MAX_QUEUE_SIZE
//   - OTEL_BSP_MAX_EXPORT_BATCH_SIZE
//   - OTEL_BSP_SCHEDULE_DELAY
//   - OTEL_BSP_EXPORT_TIMEOUT
func Init(ctx context.Context, o *Options) (shutdown func(context.Context) error, err error) {
	l := o.Log
	if l == nil {
		l = log.StandardLogger()
	}

	entry := l.WithField("package", "otel")
	if o.Initialized {
		entry.Debug("OpenTelemetry pipeline initialized externally")
		return func(context.Context) error { return nil }, nil
	}

	for _, name := range []string{
		"OTEL_TRACES_EXPORTER",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_RESOURCE_ATTRIBUTES",
		"OTEL_PROPAGATORS",
	} {
		entry.Debugf("%s: %s", name, os.Getenv(name))
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}

		shutdownFuncs = nil
		return err
	}

	debugLog.Store(entry)
	registerDebug.Do(func() {
		autoexport.RegisterSpanExporter(DebugExporter, func(context.Context) (trace.SpanExporter, error) {
			return stdouttrace.New(stdouttrace.WithWriter(writerFunc(func(p []byte) (int, error) {
				debugLog.Load().Debugf("Span: %s", p)
				return len(p), nil
			})))
		})
	})

	spanExporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}

	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(spanExporter),
		trace.WithResource(resource.Environment()),
	)

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) { entry.Error(err) }))
	otel.SetLogger(logrusr.New(entry))

	return shutdown, nil
}
