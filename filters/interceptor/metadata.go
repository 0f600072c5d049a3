package interceptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// FilterVersion is reported in the response metadata.
const FilterVersion = "0.1.0"

var errBeforeEpoch = errors.New("timestamp is earlier than the unix epoch")

// Timestamp is a point in time encoded as the seconds and the
// nanoseconds elapsed since the unix epoch:
//
//	{"secs_since_epoch":1767225600,"nanos_since_epoch":500}
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.Before(time.Unix(0, 0)) {
		return nil, errBeforeEpoch
	}

	b := make([]byte, 0, 64)
	b = append(b, `{"secs_since_epoch":`...)
	b = strconv.AppendInt(b, tt.Unix(), 10)
	b = append(b, `,"nanos_since_epoch":`...)
	b = strconv.AppendInt(b, int64(tt.Nanosecond()), 10)
	b = append(b, '}')
	return b, nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v struct {
		Secs  int64 `json:"secs_since_epoch"`
		Nanos int64 `json:"nanos_since_epoch"`
	}

	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*t = Timestamp(time.Unix(v.Secs, v.Nanos))
	return nil
}

// ResponseMetadata is sent to the client in the x-response-metadata
// header.
type ResponseMetadata struct {
	RequestPath   string    `json:"request_path"`
	FilterVersion string    `json:"filter_version"`
	Timestamp     Timestamp `json:"timestamp"`
}

// Encode returns the JSON representation of the metadata. HTML
// characters in the request path are not escaped.
func (m ResponseMetadata) Encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", err
	}

	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}
