// Package filtertest implements a fake engine stream for testing
// filters.
package filtertest

import (
	"time"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
)

// Stream is a fake filters.Stream. Nil fields are initialized on first
// use.
type Stream struct {
	FRequestHeaders  *filters.Header
	FResponseHeaders *filters.Header
	FResponseBody    []byte
	FProperties      filters.PropertyStore
	FNow             time.Time
}

func (s *Stream) RequestHeaders() filters.HeaderMap {
	if s.FRequestHeaders == nil {
		s.FRequestHeaders = filters.NewHeader(nil)
	}

	return s.FRequestHeaders
}

func (s *Stream) ResponseHeaders() filters.HeaderMap {
	if s.FResponseHeaders == nil {
		s.FResponseHeaders = filters.NewHeader(nil)
	}

	return s.FResponseHeaders
}

func (s *Stream) ResponseBody(start, size int) ([]byte, bool) {
	if start < 0 || size < 0 || start+size > len(s.FResponseBody) {
		return nil, false
	}

	return s.FResponseBody[start : start+size], true
}

func (s *Stream) Properties() filters.PropertyStore {
	if s.FProperties == nil {
		s.FProperties = make(filters.Properties)
	}

	return s.FProperties
}

func (s *Stream) Now() time.Time {
	if s.FNow.IsZero() {
		return time.Now()
	}

	return s.FNow
}

// FailingProperties is a property store that never returns a value.
type FailingProperties struct{}

func (FailingProperties) SetProperty([]string, []byte)        {}
func (FailingProperties) GetProperty([]string) ([]byte, bool) { return nil, false }
