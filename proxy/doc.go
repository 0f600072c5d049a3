/*
Package proxy implements an HTTP reverse proxy that drives the phases of
a per request filter.

Every incoming request is forwarded to a single backend. For each
request, the proxy creates a filter from the configured factory and
calls its phases:

1. request headers: the filter receives the request headers, including
the :method, :path, :authority and :scheme pseudo headers, and may
change them before the upstream request is made. The upstream request
uses the :method and :path values as left by the filter. When the
filter sets the x-envoy-upstream-rq-timeout-ms header, the upstream
request, including reading the response body, is canceled after the
given number of milliseconds, and the client receives 504.

2. response headers: the filter receives the upstream response headers,
including the :status pseudo header.

3. response body: every chunk read from the upstream is appended to the
body buffer, and the filter is called with the size of the buffer. As
long as the filter returns Pause, the body is held back. When it returns
Continue, the buffer is sent to the client. At the end of the stream,
the filter is called once more, with the end of stream flag set, and the
remaining buffer is sent. When the whole body was buffered,
Content-Length is set to its size. The buffer is limited, see
Options.MaxBodyBytes.

4. log: called when the request completed, including when the upstream
failed or the client went away.

When the filter cannot be created, because the filter configuration is
invalid, the proxy responds with 503.

Panics in the filter callbacks are logged, and handled as if the
callback returned Continue.

Every request gets an X-Request-Id header when it doesn't have one, and
it is logged in the access log.
*/
package proxy
