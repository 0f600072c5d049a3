package filters

import (
	"time"
)

// Action is returned by the phase callbacks and tells the engine whether
// to proceed with the current phase.
type Action int

const (
	// Continue lets the engine proceed with the request or response.
	Continue Action = iota

	// Pause asks the engine to buffer and to call the same phase again
	// when more data is available.
	Pause
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// ContextID identifies a request within an engine. It is opaque to the
// filter and used only for log correlation.
type ContextID uint32

// HeaderMap gives access to the headers of one direction of a request.
// Names are case insensitive. Pseudo headers, like :path, are part of the
// map.
type HeaderMap interface {

	// Get returns the first value of a header and whether it was set.
	Get(name string) (string, bool)

	// Set overwrites all the values of a header with a single value.
	Set(name, value string)

	// Visit calls f for each header field in order.
	Visit(f func(name, value string))

	// Len returns the number of header fields.
	Len() int
}

// PropertyStore is a key-value store living as long as a single request.
type PropertyStore interface {
	SetProperty(path []string, value []byte)
	GetProperty(path []string) ([]byte, bool)
}

// Stream is the handle an engine passes to a filter on creation. Its
// methods can be called only during the phase callbacks.
type Stream interface {
	RequestHeaders() HeaderMap
	ResponseHeaders() HeaderMap

	// ResponseBody returns size bytes of the buffered response body
	// starting at start. It returns false when the requested range is
	// not available.
	ResponseBody(start, size int) ([]byte, bool)

	Properties() PropertyStore

	// Now returns the engine's wall clock.
	Now() time.Time
}

// Filter receives the phase callbacks of a single request.
type Filter interface {

	// OnRequestHeaders is called once the request headers were received.
	OnRequestHeaders(numHeaders int, endOfStream bool) Action

	// OnResponseHeaders is called once the response headers were
	// received from the upstream.
	OnResponseHeaders(numHeaders int, endOfStream bool) Action

	// OnResponseBody is called for every chunk of the response body.
	// bodySize is the size of the body buffered so far, and endOfStream
	// is set for the last call.
	OnResponseBody(bodySize int, endOfStream bool) Action

	// OnLog is called when the request was completed, including when it
	// was aborted.
	OnLog()
}

// Factory creates a filter for every new request.
type Factory interface {
	CreateFilter(id ContextID, s Stream) (Filter, error)
}

// Metrics is the subset of the metrics backend available to filters.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)
}
