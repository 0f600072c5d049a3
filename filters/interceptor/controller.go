package interceptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
)

const (
	UpstreamTimeoutHeader  = "x-envoy-upstream-rq-timeout-ms"
	ResponseMarkerHeader   = "x-wasm-response"
	ResponseMarkerValue    = "processed"
	ResponseMetadataHeader = "x-response-metadata"
	PathHeader             = ":path"
)

const (
	KeyPhase          = "interceptor.phase.%s"
	KeyPause          = "interceptor.pause"
	KeyPauseDuration  = "interceptor.pause.duration"
	KeyBodyBytes      = "interceptor.body.bytes"
	KeyMetadataFailed = "interceptor.metadata.encode_failed"
	KeyPhaseOrder     = "interceptor.phase_order"
)

// RequestPathProperty is the property path where the request path is
// stored between the request and the response phases.
var RequestPathProperty = []string{"request_path"}

// ErrPhaseOrder is logged when the engine calls a phase out of order.
var ErrPhaseOrder = errors.New("phase called out of order")

type phase int

const (
	phaseCreated phase = iota
	phaseRequestHeaders
	phaseResponseHeaders
	phaseResponseBody
	phaseResponseBodyComplete
	phaseLog
)

func (p phase) String() string {
	switch p {
	case phaseCreated:
		return "created"
	case phaseRequestHeaders:
		return "request_headers"
	case phaseResponseHeaders:
		return "response_headers"
	case phaseResponseBody:
		return "response_body"
	case phaseResponseBodyComplete:
		return "response_body_complete"
	case phaseLog:
		return "log"
	default:
		return "unknown"
	}
}

// Controller is the filter instance of a single request. Its methods must
// be called sequentially, by a single engine.
type Controller struct {
	id       filters.ContextID
	stream   filters.Stream
	config   *Config
	state    phase
	log      log.FieldLogger
	metrics  filters.Metrics
	bodyHook BodyHook
	done     func()
	pausedAt time.Time
}

var _ filters.Filter = (*Controller)(nil)

// ID returns the context id of the request.
func (c *Controller) ID() filters.ContextID { return c.id }

// Config returns the configuration bound to the request.
func (c *Controller) Config() *Config { return c.config }

// enter moves the state machine to p. Phases follow each other without
// gaps, and only the response body phase repeats until the end of the
// stream. The log phase may follow any other, since the engines end
// failed requests with it.
func (c *Controller) enter(p phase) bool {
	var ok bool
	switch p {
	case phaseLog:
		ok = c.state != phaseLog
	case phaseResponseBody:
		ok = c.state == phaseResponseHeaders || c.state == phaseResponseBody
	default:
		ok = p == c.state+1
	}

	if ok {
		c.state = p
		c.metrics.IncCounter(fmt.Sprintf(KeyPhase, p))
		return true
	}

	c.log.WithError(ErrPhaseOrder).Warnf("%s phase called in state %s, ignored", p, c.state)
	c.metrics.IncCounter(KeyPhaseOrder)
	return false
}

func formatHeaders(h filters.HeaderMap) string {
	var b strings.Builder
	b.WriteByte('[')
	first := true
	h.Visit(func(name, value string) {
		if !first {
			b.WriteString(", ")
		}

		first = false
		fmt.Fprintf(&b, "(%q, %q)", name, value)
	})

	b.WriteByte(']')
	return b.String()
}

// OnRequestHeaders sets the configured header and the upstream timeout
// header on the request, and stores the request path for the response
// phases.
func (c *Controller) OnRequestHeaders(numHeaders int, endOfStream bool) filters.Action {
	if !c.enter(phaseRequestHeaders) {
		return filters.Continue
	}

	h := c.stream.RequestHeaders()
	c.log.Infof("Request headers: %s", formatHeaders(h))

	h.Set(c.config.HeaderName, c.config.HeaderValue)

	path, _ := h.Get(PathHeader)
	c.stream.Properties().SetProperty(RequestPathProperty, []byte(path))

	h.Set(UpstreamTimeoutHeader, strconv.FormatUint(c.config.UpstreamTimeoutMS, 10))
	return filters.Continue
}

func (c *Controller) requestPath() string {
	p, ok := c.stream.Properties().GetProperty(RequestPathProperty)
	if !ok || !utf8.Valid(p) {
		return ""
	}

	return string(p)
}

// OnResponseHeaders marks the response as processed and attaches the
// response metadata. When the metadata cannot be encoded, the metadata
// header is omitted.
func (c *Controller) OnResponseHeaders(numHeaders int, endOfStream bool) filters.Action {
	if !c.enter(phaseResponseHeaders) {
		return filters.Continue
	}

	h := c.stream.ResponseHeaders()
	c.log.Infof("Response headers: %s", formatHeaders(h))

	h.Set(ResponseMarkerHeader, ResponseMarkerValue)

	m := ResponseMetadata{
		RequestPath:   c.requestPath(),
		FilterVersion: FilterVersion,
		Timestamp:     Timestamp(c.stream.Now()),
	}

	v, err := m.Encode()
	if err != nil {
		c.log.Warnf("Failed to encode response metadata: %v", err)
		c.metrics.IncCounter(KeyMetadataFailed)
		return filters.Continue
	}

	h.Set(ResponseMetadataHeader, v)
	return filters.Continue
}

// OnResponseBody pauses until the end of the stream, then reads the
// complete body.
func (c *Controller) OnResponseBody(bodySize int, endOfStream bool) filters.Action {
	if !c.enter(phaseResponseBody) {
		return filters.Continue
	}

	if !endOfStream {
		if c.pausedAt.IsZero() {
			c.pausedAt = time.Now()
		}

		c.metrics.IncCounter(KeyPause)
		return filters.Pause
	}

	c.state = phaseResponseBodyComplete
	if !c.pausedAt.IsZero() {
		c.metrics.MeasureSince(KeyPauseDuration, c.pausedAt)
	}

	if bodySize <= 0 {
		return filters.Continue
	}

	body, ok := c.stream.ResponseBody(0, bodySize)
	if !ok {
		return filters.Continue
	}

	c.log.Infof("Response body size: %d", len(body))
	c.metrics.IncCounterBy(KeyBodyBytes, int64(len(body)))
	if c.bodyHook != nil {
		c.bodyHook(c.id, body)
	}

	return filters.Continue
}

// OnLog reports the completion of the request. It has effect only once.
func (c *Controller) OnLog() {
	if !c.enter(phaseLog) {
		return
	}

	c.log.Infof("HTTP request/response completed for context: %d", c.id)
	if c.done != nil {
		c.done()
	}
}
