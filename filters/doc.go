/*
Package filters contains the contract between a proxy engine and a per
request filter.

An engine drives a filter through the callbacks of the Filter interface,
in the order request headers, response headers, response body and log.
Every callback returns synchronously. The response body callback may
return Pause, which asks the engine to keep buffering the body and to
call again when more data, or the end of the stream, is available.

The filter reaches back into the engine only through the Stream handle
it receives at creation time: header maps of both directions, the
buffered response body, a request scoped property store and the engine's
clock.

Header and Properties are the in-memory implementations used by the
engines in this repository. Header keeps track of the fields a filter
changed, so that engines forwarding only mutations, like the Envoy
external processor, can translate them.
*/
package filters
