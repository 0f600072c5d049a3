/*
Package metrics implements collection of the runtime metrics of the
interceptor engines.

Metrics are exported in the Prometheus format on the support listener,
under the /metrics path. Custom metrics, like the ones reported by the
filters, are exported with the key label:

	interceptor_custom_total{key="interceptor.pause"} 12
	interceptor_custom_gauges{key="interceptor.contexts.active"} 3

The engines additionally report the time spent serving requests,
labeled by engine, status code and method, and the number of failed
upstream requests.
*/
package metrics
