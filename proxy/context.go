package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
)

// context is the filters.Stream of a single request.
type context struct {
	id              filters.ContextID
	requestID       string
	requestHeaders  *filters.Header
	responseHeaders *filters.Header
	body            []byte
	properties      filters.Properties
	now             func() time.Time
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}

	return "http"
}

func newContext(id filters.ContextID, r *http.Request, now func() time.Time) *context {
	return &context{
		id: id,
		requestHeaders: filters.NewHeader(
			r.Header,
			":method", r.Method,
			":path", r.URL.RequestURI(),
			":authority", r.Host,
			":scheme", scheme(r),
		),
		properties: make(filters.Properties),
		now:        now,
	}
}

func (c *context) setResponse(rsp *http.Response) {
	c.responseHeaders = filters.NewHeader(rsp.Header, ":status", strconv.Itoa(rsp.StatusCode))
}

func (c *context) RequestHeaders() filters.HeaderMap { return c.requestHeaders }

func (c *context) ResponseHeaders() filters.HeaderMap {
	if c.responseHeaders == nil {
		c.responseHeaders = filters.NewHeader(nil)
	}

	return c.responseHeaders
}

func (c *context) ResponseBody(start, size int) ([]byte, bool) {
	if start < 0 || size < 0 || start+size > len(c.body) {
		return nil, false
	}

	return c.body[start : start+size], true
}

func (c *context) Properties() filters.PropertyStore { return c.properties }

func (c *context) Now() time.Time { return c.now() }
