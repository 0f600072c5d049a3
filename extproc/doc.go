/*
Package extproc runs the per request filters as an Envoy external
processor, implementing the envoy.service.ext_proc.v3.ExternalProcessor
gRPC service.

Every gRPC stream corresponds to one HTTP request passing through
Envoy. The filter is created when the first message of the stream
arrives, and its phases are called as the messages arrive:

  - request headers: OnRequestHeaders. The headers set by the filter
    are returned as a header mutation, overwriting existing values.
  - response headers: OnResponseHeaders, the same way.
  - response body: every chunk is appended to the body buffer of the
    stream, and OnResponseBody is called with the size of the buffer.
    When the filter returns Pause, the chunk is withheld from the
    client by clearing it. When it returns Continue, or at the end of
    the stream, the chunk is replaced by all withheld bytes plus the
    chunk itself, and the buffer is reset.
  - response trailers: end the body, when no body message did. The
    last OnResponseBody call happens here.
  - request body and trailers: passed through unchanged.

Withheld bytes can be returned to Envoy only in a response to a body
message. The body is withheld only when the response cannot end with
trailers: it has a content-length, declares no trailer header, and it
is not gRPC. Other responses are forwarded chunk by chunk as they are,
while the filter still sees them in the buffer. A response without a
body gets the last OnResponseBody call, with size 0, right after its
headers.

When the stream ends, for any reason, OnLog is called once.

When the filter cannot be created, e.g. because no valid configuration
was loaded, the stream fails with codes.Unavailable, and Envoy applies
its failure_mode_allow setting.

For the body phases to be sent, the ext_proc filter in Envoy needs to
be configured with a response_body_mode, or with allow_mode_override
and the ResponseBodyMode option of the server set.

The server also provides the standard gRPC health service.
*/
package extproc
