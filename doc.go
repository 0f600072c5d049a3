/*
Package proxyexample provides an HTTP interception filter that can be
run in front of a backend service, either as a standalone reverse proxy
or as an Envoy external processor.

The filter attaches a configurable header to every request, requests an
upstream timeout from the proxy, marks every response as processed, and
attaches a JSON metadata header to it, containing the request path, the
filter version and the time of processing:

	x-wasm-response: processed
	x-response-metadata: {"request_path":"/hello","filter_version":"0.1.0","timestamp":{"secs_since_epoch":1767225600,"nanos_since_epoch":0}}

The response body is held back until it was received completely, and
its size is logged.

# Configuration

The filter is configured with a JSON document:

	{"header_name": "x-tenant", "header_value": "edge", "upstream_timeout_ms": 750}

All three fields are required. When no configuration is provided, the
defaults are used: x-wasm-filter, envoy-rust and 5000. An invalid
configuration prevents the start.

With -watch-filter-config, the file is reloaded on change, and the new
configuration applies to the requests started after the reload. A failed
reload keeps the current configuration. When the file is invalid
already on start, the filter stays unconfigured until a valid version is
written: the proxy responds with 503, the external processor with
UNAVAILABLE, and the health checks fail.

# Engines

The native engine, package proxy, is an HTTP reverse proxy forwarding
the requests to a single backend. The ext_proc engine, package extproc,
implements the Envoy external processor gRPC service. Both engines drive
the same filter, package filters/interceptor.

# Support endpoints

The support listener serves the Prometheus metrics on /metrics, and
/healthz, which responds with 503 while the filter is not configured.

# Running

	interceptor -backend http://localhost:8080 -filter-config-file filter.json -watch-filter-config

See package config for the available flags, and cmd/interceptor for the
executable.
*/
package proxyexample
