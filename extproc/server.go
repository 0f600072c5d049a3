package extproc

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocfilterv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
	"github.com/allen-munsch/envoy-rust-proxy-example/metrics"
)

const (
	// ServiceName is the name of the external processor service, as
	// reported by the health service.
	ServiceName = "envoy.service.ext_proc.v3.ExternalProcessor"

	engineName = "extproc"

	TracerName = "github.com/allen-munsch/envoy-rust-proxy-example/extproc"
	SpanName   = "extproc"

	ContextIDTag      = "context_id"
	HTTPMethodTag     = "http.request.method"
	HTTPStatusCodeTag = "http.response.status_code"

	KeyStreams       = "extproc.streams"
	KeyErrors        = "extproc.errors"
	KeyFilterPanic   = "extproc.filter.panic"
	KeyNotConfigured = "extproc.not_configured"
	KeyBodyLost      = "extproc.body.lost"
)

// Options to create a Server.
type Options struct {

	// Log is the application logger. When nil, the standard logrus
	// logger is used.
	Log log.FieldLogger

	// Metrics receives the engine metrics. When nil, metrics are
	// discarded.
	Metrics metrics.Metrics

	// ResponseBodyMode, when other than NONE, is sent to Envoy as a
	// processing mode override in the response to the request headers.
	// It has effect only when the Envoy filter allows mode override.
	ResponseBodyMode extprocfilterv3.ProcessingMode_BodySendMode

	// Now is the clock exposed to the filters. When nil, time.Now is
	// used.
	Now func() time.Time

	// Tracer creates a span for every stream. When nil, the tracer of
	// the global provider is used.
	Tracer trace.Tracer
}

// Server implements the ext_proc and the gRPC health services.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	factory          filters.Factory
	log              log.FieldLogger
	metrics          metrics.Metrics
	responseBodyMode extprocfilterv3.ProcessingMode_BodySendMode
	now              func() time.Time
	tracer           trace.Tracer
	health           *health.Server
	ids              atomic.Uint32
	caughtPanic      atomic.Bool
}

// NewServer creates an external processor driving the filters created
// by the factory.
func NewServer(f filters.Factory, o Options) *Server {
	if o.Log == nil {
		o.Log = log.StandardLogger()
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	if o.Tracer == nil {
		o.Tracer = otel.Tracer(TracerName)
	}

	s := &Server{
		factory:          f,
		log:              o.Log,
		metrics:          o.Metrics,
		responseBodyMode: o.ResponseBodyMode,
		now:              o.Now,
		tracer:           o.Tracer,
		health:           health.NewServer(),
	}

	s.SetServing(true)
	return s
}

// Register registers the ext_proc and the health services.
func (s *Server) Register(gs *grpc.Server) {
	extprocv3.RegisterExternalProcessorServer(gs, s)
	grpc_health_v1.RegisterHealthServer(gs, s.health)
}

// SetServing sets the status reported by the health service, for the
// server and for the ext_proc service.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown reports NOT_SERVING for all services, and ignores later status
// changes.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// tryCatch executes function `f` and `onErr` if `f` panics
// onErr will receive a stack trace string of the first panic
// further panics are ignored for efficiency reasons
func (s *Server) tryCatch(f func(), onErr func(err interface{}, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			st := ""
			if s.caughtPanic.CompareAndSwap(false, true) {
				buf := make([]byte, 1024)
				l := runtime.Stack(buf, false)
				st = string(buf[:l])
			}

			onErr(err, st)
		}
	}()

	f()
}

func (s *Server) callFilter(st *stream, phase string, f func() filters.Action) filters.Action {
	action := filters.Continue
	s.tryCatch(func() {
		action = f()
	}, func(err interface{}, stack string) {
		s.metrics.IncCounter(KeyFilterPanic)
		s.log.Errorf("error while processing filter during %s, context %d: %v (%s)", phase, st.id, err, stack)
		action = filters.Continue
	})

	return action
}

// headerMutation returns the fields changed by the filter since the last
// call, or nil when nothing changed.
func headerMutation(h *filters.Header) *extprocv3.HeaderMutation {
	changed := h.Changed()
	if len(changed) == 0 {
		return nil
	}

	m := &extprocv3.HeaderMutation{}
	for _, name := range changed {
		v, _ := h.Get(name)
		m.SetHeaders = append(m.SetHeaders, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{
				Key:      name,
				RawValue: []byte(v),
			},
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		})
	}

	h.ResetChanged()
	return m
}

func headersResponse(h *filters.Header) *extprocv3.HeadersResponse {
	m := headerMutation(h)
	if m == nil {
		return &extprocv3.HeadersResponse{}
	}

	return &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{HeaderMutation: m},
	}
}

func (s *Server) requestHeaders(st *stream, f filters.Filter, req *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	st.requestHeaders = headerMap(req.GetHeaders())
	s.callFilter(st, "request headers", func() filters.Action {
		return f.OnRequestHeaders(st.requestHeaders.Len(), req.GetEndOfStream())
	})

	rsp := &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: headersResponse(st.requestHeaders),
		},
	}

	if s.responseBodyMode != extprocfilterv3.ProcessingMode_NONE {
		rsp.ModeOverride = &extprocfilterv3.ProcessingMode{
			ResponseBodyMode: s.responseBodyMode,
		}
	}

	return rsp
}

// endOfBody calls the last body phase, when it was not called yet.
func (s *Server) endOfBody(st *stream, f filters.Filter) {
	if st.bodyComplete {
		return
	}

	st.bodyComplete = true
	s.callFilter(st, "response body", func() filters.Action {
		return f.OnResponseBody(len(st.body), true)
	})
}

func (s *Server) responseHeaders(st *stream, f filters.Filter, req *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	st.responseHeaders = headerMap(req.GetHeaders())
	st.responseStarted = true
	st.withhold = canWithhold(st.responseHeaders)
	s.callFilter(st, "response headers", func() filters.Action {
		return f.OnResponseHeaders(st.responseHeaders.Len(), req.GetEndOfStream())
	})

	if req.GetEndOfStream() {
		s.endOfBody(st, f)
	}

	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: headersResponse(st.responseHeaders),
		},
	}
}

func (s *Server) responseBody(st *stream, f filters.Filter, req *extprocv3.HttpBody) *extprocv3.ProcessingResponse {
	withheld := 0
	if st.withhold {
		withheld = len(st.body)
	}

	st.body = append(st.body, req.GetBody()...)
	eos := req.GetEndOfStream()
	action := filters.Continue
	if eos {
		s.endOfBody(st, f)
	} else {
		action = s.callFilter(st, "response body", func() filters.Action {
			return f.OnResponseBody(len(st.body), false)
		})
	}

	var mutation *extprocv3.BodyMutation
	switch {
	case action == filters.Pause && st.withhold:
		mutation = &extprocv3.BodyMutation{
			Mutation: &extprocv3.BodyMutation_ClearBody{ClearBody: true},
		}
	case action == filters.Pause:
		// the chunk was forwarded, it stays in the buffer for the filter
	case withheld > 0:
		mutation = &extprocv3.BodyMutation{
			Mutation: &extprocv3.BodyMutation_Body{Body: st.body},
		}

		st.body = nil
	default:
		st.body = nil
	}

	rsp := &extprocv3.BodyResponse{}
	if mutation != nil {
		rsp.Response = &extprocv3.CommonResponse{BodyMutation: mutation}
	}

	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: rsp},
	}
}

// responseTrailers ends the response body when it was not ended by a body
// message.
func (s *Server) responseTrailers(st *stream, f filters.Filter) *extprocv3.ProcessingResponse {
	if st.withhold && len(st.body) > 0 && !st.bodyComplete {
		s.metrics.IncCounter(KeyBodyLost)
		s.log.Errorf("response trailers received with %d withheld body bytes, context %d", len(st.body), st.id)
	}

	if st.responseStarted {
		s.endOfBody(st, f)
	}

	st.body = nil
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		},
	}
}

func (s *Server) process(st *stream, f filters.Filter, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch v := req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return s.requestHeaders(st, f, v.RequestHeaders), nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return s.responseHeaders(st, f, v.ResponseHeaders), nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		return s.responseBody(st, f, v.ResponseBody), nil
	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{
				RequestBody: &extprocv3.BodyResponse{},
			},
		}, nil
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestTrailers{
				RequestTrailers: &extprocv3.TrailersResponse{},
			},
		}, nil
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return s.responseTrailers(st, f), nil
	default:
		return nil, fmt.Errorf("unknown request type: %T", v)
	}
}

// endSpan tags the span with the request method and the response status
// seen on the stream.
func endSpan(span trace.Span, st *stream, err error) {
	span.SetAttributes(
		attribute.String(HTTPMethodTag, st.method()),
		attribute.Int(HTTPStatusCodeTag, st.status()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, status.Code(err).String())
	}

	span.End()
}

// Process implements extprocv3.ExternalProcessorServer.
func (s *Server) Process(ps extprocv3.ExternalProcessor_ProcessServer) (err error) {
	start := time.Now()
	s.metrics.IncCounter(KeyStreams)

	st := newStream(filters.ContextID(s.ids.Add(1)), s.now)
	_, span := s.tracer.Start(ps.Context(), SpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int64(ContextIDTag, int64(st.id))),
	)

	var f filters.Filter
	defer func() {
		if f != nil {
			s.callFilter(st, "log", func() filters.Action {
				f.OnLog()
				return filters.Continue
			})
		}

		s.metrics.MeasureServe(engineName, st.method(), st.status(), start)
		endSpan(span, st, err)
	}()

	for {
		req, err := ps.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		} else if err != nil {
			s.metrics.IncCounter(KeyErrors)
			s.log.Errorf("cannot receive stream request, context %d: %v", st.id, err)
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		if f == nil {
			f, err = s.factory.CreateFilter(st.id, st)
			if err != nil {
				s.metrics.IncCounter(KeyNotConfigured)
				s.log.Errorf("failed to create the filter, context %d: %v", st.id, err)
				return status.Errorf(codes.Unavailable, "filter not available: %v", err)
			}
		}

		rsp, err := s.process(st, f, req)
		if err != nil {
			s.metrics.IncCounter(KeyErrors)
			s.log.Errorf("error processing request message, context %d: %v", st.id, err)
			return status.Errorf(codes.InvalidArgument, "error processing request message: %v", err)
		}

		if err := ps.Send(rsp); err != nil {
			s.metrics.IncCounter(KeyErrors)
			s.log.Errorf("cannot send response, context %d: %v", st.id, err)
			return status.Errorf(codes.Unknown, "cannot send response: %v", err)
		}
	}
}
