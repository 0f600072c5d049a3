package proxy

import (
	stdlibcontext "context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
	"github.com/allen-munsch/envoy-rust-proxy-example/logging"
	"github.com/allen-munsch/envoy-rust-proxy-example/metrics"
)

const (
	// DefaultMaxBodyBytes limits the response body buffered while the
	// filter pauses.
	DefaultMaxBodyBytes = 16 << 20

	// RequestIDHeader is set on the upstream request when the client
	// did not send it.
	RequestIDHeader = "X-Request-Id"

	// UpstreamTimeoutHeader sets the timeout of the upstream request,
	// in milliseconds, the same way as in Envoy's router.
	UpstreamTimeoutHeader = "x-envoy-upstream-rq-timeout-ms"

	// StatusClientClosedRequest is logged when the client went away
	// before the response was sent.
	StatusClientClosedRequest = 499

	engineName = "proxy"

	proxyBufferSize = 8192

	KeyBodyTooLarge  = "proxy.body.too_large"
	KeyFilterPanic   = "proxy.filter.panic"
	KeyNotConfigured = "proxy.not_configured"
)

var (
	errBodyTooLarge = errors.New("response body exceeds the buffer limit")

	hopHeaders = map[string]bool{
		"Te":                  true,
		"Connection":          true,
		"Proxy-Connection":    true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
)

// Options to create a proxy.
type Options struct {

	// Backend is the base URL of the upstream service.
	Backend *url.URL

	// Factory creates the filter of every request.
	Factory filters.Factory

	// Transport executes the upstream requests. When nil, a clone of
	// http.DefaultTransport is used.
	Transport http.RoundTripper

	// MaxBodyBytes limits the buffered response body. When 0,
	// DefaultMaxBodyBytes is used.
	MaxBodyBytes int

	// Log is the application logger. When nil, the standard logrus
	// logger is used.
	Log log.FieldLogger

	// Metrics receives the proxy metrics. When nil, metrics are
	// discarded.
	Metrics metrics.Metrics

	// AccessLogDisabled disables the access log of the proxy.
	AccessLogDisabled bool

	// Now is the clock exposed to the filters. When nil, time.Now is
	// used.
	Now func() time.Time

	// Tracer creates the spans of the requests and of the backend
	// roundtrips. When nil, the tracer of the global provider is used.
	Tracer trace.Tracer
}

// Proxy is an HTTP reverse proxy forwarding every request to a single
// backend, while driving the filter phases.
type Proxy struct {
	backend           *url.URL
	factory           filters.Factory
	transport         http.RoundTripper
	maxBodyBytes      int
	log               log.FieldLogger
	metrics           metrics.Metrics
	accessLogDisabled bool
	now               func() time.Time
	tracer            trace.Tracer
	ids               atomic.Uint32
	caughtPanic       atomic.Bool
}

// New creates a proxy.
func New(o Options) *Proxy {
	if o.Transport == nil {
		o.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}

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

	return &Proxy{
		backend:           o.Backend,
		factory:           o.Factory,
		transport:         o.Transport,
		maxBodyBytes:      o.MaxBodyBytes,
		log:               o.Log,
		metrics:           o.Metrics,
		accessLogDisabled: o.AccessLogDisabled,
		now:               o.Now,
		tracer:            o.Tracer,
	}
}

// Close closes the idle upstream connections.
func (p *Proxy) Close() error {
	if t, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}

	return nil
}

// tryCatch executes function `f` and `onErr` if `f` panics
// onErr will receive a stack trace string of the first panic
// further panics are ignored for efficiency reasons
func (p *Proxy) tryCatch(f func(), onErr func(err interface{}, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			s := ""
			if p.caughtPanic.CompareAndSwap(false, true) {
				buf := make([]byte, 1024)
				l := runtime.Stack(buf, false)
				s = string(buf[:l])
			}

			onErr(err, s)
		}
	}()

	f()
}

// callFilter executes a phase callback. When the callback panics, the
// result is Continue.
func (p *Proxy) callFilter(ctx *context, phase string, f func() filters.Action) filters.Action {
	action := filters.Continue
	p.tryCatch(func() {
		action = f()
	}, func(err interface{}, stack string) {
		p.metrics.IncCounter(KeyFilterPanic)
		p.log.Errorf("error while processing filter during %s, context %d: %v (%s)", phase, ctx.id, err, stack)
		action = filters.Continue
	})

	return action
}

func removeHopHeaders(h http.Header) {
	for name := range hopHeaders {
		h.Del(name)
	}
}

// upstreamTimeout returns the timeout requested by the filter. Zero means
// no timeout.
func upstreamTimeout(h filters.HeaderMap) time.Duration {
	v, ok := h.Get(UpstreamTimeoutHeader)
	if !ok {
		return 0
	}

	ms, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil || ms > math.MaxInt64/uint64(time.Millisecond) {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}

func (p *Proxy) mapRequest(r *http.Request, ctx *context) (*http.Request, stdlibcontext.CancelFunc, error) {
	path, ok := ctx.requestHeaders.Get(":path")
	if !ok || path == "" {
		path = "/"
	}

	method, ok := ctx.requestHeaders.Get(":method")
	if !ok || method == "" {
		method = r.Method
	}

	u, err := url.Parse(strings.TrimSuffix(p.backend.String(), "/") + path)
	if err != nil {
		return nil, nil, err
	}

	c, cancel := r.Context(), stdlibcontext.CancelFunc(func() {})
	if d := upstreamTimeout(ctx.requestHeaders); d > 0 {
		c, cancel = stdlibcontext.WithTimeout(c, d)
	}

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}

	outreq, err := http.NewRequestWithContext(c, method, u.String(), body)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	outreq.ContentLength = r.ContentLength
	ctx.requestHeaders.CopyTo(outreq.Header)
	removeHopHeaders(outreq.Header)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := outreq.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}

		outreq.Header.Set("X-Forwarded-For", host)
	}

	return outreq, cancel, nil
}

func (p *Proxy) sendError(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}

func (p *Proxy) backendError(w http.ResponseWriter, r *http.Request, ctx *context, err error) {
	switch {
	case r.Context().Err() != nil:
		p.log.Debugf("client canceled, context %d: %v", ctx.id, err)
		w.WriteHeader(StatusClientClosedRequest)
	case errors.Is(err, stdlibcontext.DeadlineExceeded):
		p.metrics.IncErrorsBackend(engineName)
		p.log.Errorf("upstream request timeout, context %d: %v", ctx.id, err)
		http.Error(w, "upstream request timeout", http.StatusGatewayTimeout)
	default:
		p.metrics.IncErrorsBackend(engineName)
		p.log.Errorf("error during backend roundtrip, context %d: %v", ctx.id, err)
		p.sendError(w, http.StatusBadGateway)
	}
}

func responseStatus(h *filters.Header, fallback int) int {
	v, ok := h.Get(":status")
	if !ok {
		return fallback
	}

	code, err := strconv.Atoi(v)
	if err != nil || code < 100 || code > 999 {
		return fallback
	}

	return code
}

// writeHeader sends the response headers as left by the filter, and
// announces the trailers declared by the upstream. When the complete body
// is known, and there are no trailers, Content-Length is set to its size.
func writeHeader(w http.ResponseWriter, rsp *http.Response, ctx *context, complete bool) {
	ctx.responseHeaders.CopyTo(w.Header())
	removeHopHeaders(w.Header())
	for name := range rsp.Trailer {
		w.Header().Add("Trailer", name)
	}

	if complete && len(rsp.Trailer) == 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(ctx.body)))
	}

	w.WriteHeader(responseStatus(ctx.responseHeaders, rsp.StatusCode))
}

// serveBody forwards the response body. While the filter pauses, the body
// is buffered in the request context. When the filter continues, the
// buffered data is sent, and the buffer is reset.
func (p *Proxy) serveBody(w http.ResponseWriter, rsp *http.Response, ctx *context, f filters.Filter) error {
	headerSent := false
	buf := make([]byte, proxyBufferSize)
	for {
		n, err := rsp.Body.Read(buf)
		if n > 0 {
			ctx.body = append(ctx.body, buf[:n]...)
			if len(ctx.body) > p.maxBodyBytes {
				if !headerSent {
					return errBodyTooLarge
				}

				p.metrics.IncCounter(KeyBodyTooLarge)
				p.log.Errorf("%v, context %d, limit %d", errBodyTooLarge, ctx.id, p.maxBodyBytes)
				panic(http.ErrAbortHandler)
			}

			action := p.callFilter(ctx, "response body", func() filters.Action {
				return f.OnResponseBody(len(ctx.body), false)
			})

			if action == filters.Continue {
				if !headerSent {
					writeHeader(w, rsp, ctx, false)
					headerSent = true
				}

				if _, werr := w.Write(ctx.body); werr != nil {
					return werr
				}

				ctx.body = ctx.body[:0]
				if fl, ok := w.(http.Flusher); ok {
					fl.Flush()
				}
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			if !headerSent {
				return err
			}

			// the status was already sent, the only option is to
			// abort the connection
			p.log.Errorf("error while streaming the response body, context %d: %v", ctx.id, err)
			panic(http.ErrAbortHandler)
		}
	}

	p.callFilter(ctx, "response body", func() filters.Action {
		return f.OnResponseBody(len(ctx.body), true)
	})

	if !headerSent {
		writeHeader(w, rsp, ctx, true)
	}

	if _, err := w.Write(ctx.body); err != nil {
		return err
	}

	// the upstream trailers are known only after its body was read
	for name, values := range rsp.Trailer {
		w.Header()[name] = values
	}

	return nil
}

func (p *Proxy) do(w http.ResponseWriter, r *http.Request, ctx *context) {
	f, err := p.factory.CreateFilter(ctx.id, ctx)
	if err != nil {
		p.metrics.IncCounter(KeyNotConfigured)
		p.log.Errorf("failed to create the filter, context %d: %v", ctx.id, err)
		p.sendError(w, http.StatusServiceUnavailable)
		return
	}

	defer p.callFilter(ctx, "log", func() filters.Action {
		f.OnLog()
		return filters.Continue
	})

	requestEOS := r.ContentLength == 0
	p.callFilter(ctx, "request headers", func() filters.Action {
		return f.OnRequestHeaders(ctx.requestHeaders.Len(), requestEOS)
	})

	outreq, cancel, err := p.mapRequest(r, ctx)
	if err != nil {
		p.log.Errorf("failed to map the upstream request, context %d: %v", ctx.id, err)
		p.sendError(w, http.StatusBadRequest)
		return
	}

	defer cancel()

	rsp, err := p.roundTrip(outreq, ctx)
	if err != nil {
		p.backendError(w, r, ctx, err)
		return
	}

	defer rsp.Body.Close()

	ctx.setResponse(rsp)
	responseEOS := r.Method == http.MethodHead || rsp.ContentLength == 0
	p.callFilter(ctx, "response headers", func() filters.Action {
		return f.OnResponseHeaders(ctx.responseHeaders.Len(), responseEOS)
	})

	if responseEOS {
		p.callFilter(ctx, "response body", func() filters.Action {
			return f.OnResponseBody(0, true)
		})

		writeHeader(w, rsp, ctx, false)
		return
	}

	if err := p.serveBody(w, rsp, ctx, f); err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			p.metrics.IncCounter(KeyBodyTooLarge)
			p.log.Errorf("%v, context %d, limit %d", err, ctx.id, p.maxBodyBytes)
			p.sendError(w, http.StatusBadGateway)
		default:
			p.backendError(w, r, ctx, err)
		}
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := logging.NewLoggingWriter(w)

	ctx := newContext(filters.ContextID(p.ids.Add(1)), r, p.now)
	ctx.requestID = r.Header.Get(RequestIDHeader)
	if ctx.requestID == "" {
		ctx.requestID = uuid.NewString()
		ctx.requestHeaders.Add(RequestIDHeader, ctx.requestID)
	}

	r, span := p.startServerSpan(r, ctx)
	defer func() {
		code := lw.GetCode()
		endServerSpan(span, code)
		p.metrics.MeasureServe(engineName, r.Method, code, start)
		if !p.accessLogDisabled {
			logging.LogAccess(&logging.AccessEntry{
				Request:      r,
				StatusCode:   code,
				ResponseSize: lw.GetBytes(),
				Duration:     time.Since(start),
				RequestTime:  start,
				RequestID:    ctx.requestID,
			})
		}
	}()

	p.do(lw, r, ctx)
}
