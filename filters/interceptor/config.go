package interceptor

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultHeaderName        = "x-wasm-filter"
	DefaultHeaderValue       = "envoy-rust"
	DefaultUpstreamTimeoutMS = 5000
)

// Config holds the filter configuration. A Config is never modified after
// it was resolved, and it is shared between the requests.
type Config struct {
	// HeaderName is the name of the header set on every request.
	HeaderName string `json:"header_name"`

	// HeaderValue is the value of the header set on every request.
	HeaderValue string `json:"header_value"`

	// UpstreamTimeoutMS is passed to the upstream in the
	// x-envoy-upstream-rq-timeout-ms header.
	UpstreamTimeoutMS uint64 `json:"upstream_timeout_ms"`
}

// ConfigError is returned when the filter configuration cannot be
// decoded.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "invalid filter configuration: " + e.Reason
	}

	return fmt.Sprintf("invalid filter configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DefaultConfig returns the configuration used when none is provided.
func DefaultConfig() *Config {
	return &Config{
		HeaderName:        DefaultHeaderName,
		HeaderValue:       DefaultHeaderValue,
		UpstreamTimeoutMS: DefaultUpstreamTimeoutMS,
	}
}

// field decodes the value of a required key into v. The key is matched
// exactly, unlike the struct decoding of encoding/json.
func field(fields map[string]json.RawMessage, key string, v interface{}) error {
	raw, ok := fields[key]
	if !ok {
		return &ConfigError{Reason: fmt.Sprintf("missing field `%s`", key)}
	}

	if string(raw) == "null" {
		return &ConfigError{Reason: fmt.Sprintf("invalid type: null for field `%s`", key)}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("invalid field `%s`", key), Err: err}
	}

	return nil
}

// ParseConfig decodes the JSON filter configuration. Empty input results
// in the default configuration. Field names are case sensitive, and
// unknown fields are ignored.
func ParseConfig(raw []byte) (*Config, error) {
	if len(raw) == 0 {
		return DefaultConfig(), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ConfigError{Reason: "malformed JSON", Err: err}
	}

	if fields == nil {
		return nil, &ConfigError{Reason: "invalid type: null, expected an object"}
	}

	c := &Config{}
	if err := field(fields, "header_name", &c.HeaderName); err != nil {
		return nil, err
	}

	if err := field(fields, "header_value", &c.HeaderValue); err != nil {
		return nil, err
	}

	if err := field(fields, "upstream_timeout_ms", &c.UpstreamTimeoutMS); err != nil {
		return nil, err
	}

	return c, nil
}
