/*
Package interceptor implements the request interception filter.

The filter tags every request with a configurable header, asks Envoy
compatible upstreams to apply a request timeout through the
x-envoy-upstream-rq-timeout-ms header, and annotates every response with
the x-wasm-response marker and the x-response-metadata JSON header:

	{"request_path":"/foo","filter_version":"0.1.0","timestamp":{"secs_since_epoch":1767225600,"nanos_since_epoch":0}}

The response body is buffered until complete, and its size is logged.

Configuration

The filter accepts a JSON configuration where all three fields are
required:

	{
	  "header_name": "x-wasm-filter",
	  "header_value": "envoy-rust",
	  "upstream_timeout_ms": 5000
	}

When no configuration is provided, the values above are used. An invalid
configuration is rejected, and no filter is created until a valid
configuration is applied.

A Resolver holds the active configuration. Reconfiguring it replaces the
configuration for the requests started afterwards, while the requests in
flight keep using the configuration active at their start.

Phases

A Controller is created for every request and follows the phases request
headers, response headers, response body and log. Phase calls out of this
order are ignored and logged with a warning. The log phase is executed at
most once.
*/
package interceptor
