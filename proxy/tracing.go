package proxy

import (
	stdlibcontext "context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "github.com/allen-munsch/envoy-rust-proxy-example/proxy"

	ServerSpanName  = "proxy"
	BackendSpanName = "backend"

	ContextIDTag      = "context_id"
	HTTPMethodTag     = "http.request.method"
	HTTPStatusCodeTag = "http.response.status_code"
	URLTag            = "url.full"
)

// startServerSpan continues the trace of the incoming request, when the
// global propagator finds one.
func (p *Proxy) startServerSpan(r *http.Request, ctx *context) (*http.Request, trace.Span) {
	c := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	c, span := p.tracer.Start(c, ServerSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64(ContextIDTag, int64(ctx.id)),
			attribute.String(HTTPMethodTag, r.Method),
		),
	)

	return r.WithContext(c), span
}

func endServerSpan(span trace.Span, code int) {
	span.SetAttributes(attribute.Int(HTTPStatusCodeTag, code))
	if code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(code))
	}

	span.End()
}

// roundTrip executes the upstream request in a client span, and passes the
// trace context to the backend.
func (p *Proxy) roundTrip(req *http.Request, ctx *context) (*http.Response, error) {
	c, span := p.tracer.Start(req.Context(), BackendSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64(ContextIDTag, int64(ctx.id)),
			attribute.String(HTTPMethodTag, req.Method),
			attribute.String(URLTag, req.URL.String()),
		),
	)
	defer span.End()

	req = req.WithContext(c)
	injectTrace(c, req.Header)

	rsp, err := p.transport.RoundTrip(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int(HTTPStatusCodeTag, rsp.StatusCode))
	return rsp, nil
}

func injectTrace(c stdlibcontext.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(c, propagation.HeaderCarrier(h))
}
