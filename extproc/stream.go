package extproc

import (
	"strconv"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
)

// stream is the filters.Stream of a single ext_proc stream.
type stream struct {
	id              filters.ContextID
	requestHeaders  *filters.Header
	responseHeaders *filters.Header
	body            []byte
	responseStarted bool
	withhold        bool
	bodyComplete    bool
	properties      filters.Properties
	now             func() time.Time
}

func newStream(id filters.ContextID, now func() time.Time) *stream {
	return &stream{
		id:              id,
		requestHeaders:  filters.NewHeader(nil),
		responseHeaders: filters.NewHeader(nil),
		properties:      make(filters.Properties),
		now:             now,
	}
}

// headerMap converts the Envoy header map. Envoy sends the values either
// in RawValue or, in older versions, in Value.
func headerMap(hm *corev3.HeaderMap) *filters.Header {
	h := filters.NewHeader(nil)
	for _, hv := range hm.GetHeaders() {
		v := hv.GetValue()
		if hv.GetRawValue() != nil {
			v = string(hv.GetRawValue())
		}

		h.Add(hv.GetKey(), v)
	}

	return h
}

// canWithhold tells whether the response body always ends with a body
// message. Bytes cleared from the chunks can be returned to Envoy only in
// a later body response, so the body is withheld only when the response
// cannot end with trailers: it has a fixed length, declares no trailers,
// and it is not gRPC.
func canWithhold(h *filters.Header) bool {
	if _, ok := h.Get("content-length"); !ok {
		return false
	}

	if _, ok := h.Get("trailer"); ok {
		return false
	}

	ct, _ := h.Get("content-type")
	return !strings.HasPrefix(ct, "application/grpc")
}

func (s *stream) method() string {
	m, _ := s.requestHeaders.Get(":method")
	return m
}

func (s *stream) status() int {
	v, ok := s.responseHeaders.Get(":status")
	if !ok {
		return 0
	}

	code, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}

	return code
}

func (s *stream) RequestHeaders() filters.HeaderMap  { return s.requestHeaders }
func (s *stream) ResponseHeaders() filters.HeaderMap { return s.responseHeaders }

func (s *stream) ResponseBody(start, size int) ([]byte, bool) {
	if start < 0 || size < 0 || start+size > len(s.body) {
		return nil, false
	}

	return s.body[start : start+size], true
}

func (s *stream) Properties() filters.PropertyStore { return s.properties }

func (s *stream) Now() time.Time { return s.now() }
