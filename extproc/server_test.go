package extproc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocfilterv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/allen-munsch/envoy-rust-proxy-example/filters"
	"github.com/allen-munsch/envoy-rust-proxy-example/filters/interceptor"
	"github.com/allen-munsch/envoy-rust-proxy-example/logging/loggingtest"
	"github.com/allen-munsch/envoy-rust-proxy-example/metrics/metricstest"
)

var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	server  *Server
	conn    *grpc.ClientConn
	client  extprocv3.ExternalProcessorClient
	metrics *metricstest.MockMetrics
	log     *loggingtest.TestLogger
}

// newTestServer starts the server on an in-memory listener. When factory
// is nil, an interceptor resolver is configured from config.
func newTestServer(t *testing.T, factory filters.Factory, config []byte, o Options) *testServer {
	t.Helper()

	l, tl := loggingtest.NewLogger()
	t.Cleanup(tl.Close)
	m := &metricstest.MockMetrics{}

	if factory == nil {
		r := interceptor.NewResolver(interceptor.Options{Log: l, Metrics: m})
		_ = r.Configure(config)
		factory = r
	}

	o.Log = l
	o.Metrics = m
	o.Now = func() time.Time { return testNow }
	s := NewServer(factory, o)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	s.Register(gs)
	go gs.Serve(lis)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
	})

	return &testServer{
		server:  s,
		conn:    conn,
		client:  extprocv3.NewExternalProcessorClient(conn),
		metrics: m,
		log:     tl,
	}
}

func headers(kv ...string) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	for i := 0; i+1 < len(kv); i += 2 {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: kv[i], RawValue: []byte(kv[i+1])})
	}

	return hm
}

func requestHeaders(eos bool, kv ...string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{Headers: headers(kv...), EndOfStream: eos},
		},
	}
}

func responseHeaders(eos bool, kv ...string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{Headers: headers(kv...), EndOfStream: eos},
		},
	}
}

func responseBody(body string, eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseBody{
			ResponseBody: &extprocv3.HttpBody{Body: []byte(body), EndOfStream: eos},
		},
	}
}

func setHeaders(t *testing.T, m *extprocv3.HeaderMutation) map[string]string {
	t.Helper()
	h := make(map[string]string)
	for _, o := range m.GetSetHeaders() {
		assert.Equal(t, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, o.GetAppendAction())
		h[o.GetHeader().GetKey()] = string(o.GetHeader().GetRawValue())
	}

	return h
}

func roundTrip(t *testing.T, s extprocv3.ExternalProcessor_ProcessClient, req *extprocv3.ProcessingRequest) *extprocv3.ProcessingResponse {
	t.Helper()
	require.NoError(t, s.Send(req))
	rsp, err := s.Recv()
	require.NoError(t, err)
	return rsp
}

func closeStream(t *testing.T, s extprocv3.ExternalProcessor_ProcessClient) {
	t.Helper()
	require.NoError(t, s.CloseSend())
	_, err := s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestProcessFullRequest(t *testing.T) {
	ts := newTestServer(t, nil, []byte(`{"header_name":"x-tenant","header_value":"edge","upstream_timeout_ms":750}`), Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	rsp := roundTrip(t, s, requestHeaders(true, ":method", "GET", ":path", "/hello?a=1", "x-tenant", "old"))
	assert.Nil(t, rsp.GetModeOverride())
	if d := cmp.Diff(map[string]string{
		"x-tenant":                       "edge",
		"x-envoy-upstream-rq-timeout-ms": "750",
	}, setHeaders(t, rsp.GetRequestHeaders().GetResponse().GetHeaderMutation())); d != "" {
		t.Errorf("unexpected request header mutation (-want +got):\n%s", d)
	}

	rsp = roundTrip(t, s, responseHeaders(false, ":status", "200", "content-type", "text/plain", "content-length", "11"))
	set := setHeaders(t, rsp.GetResponseHeaders().GetResponse().GetHeaderMutation())
	assert.Len(t, set, 2)
	assert.Equal(t, "processed", set["x-wasm-response"])
	assert.Equal(t, "/hello?a=1", gjson.Get(set["x-response-metadata"], "request_path").String())
	assert.Equal(t, "0.1.0", gjson.Get(set["x-response-metadata"], "filter_version").String())
	assert.Equal(t, testNow.Unix(), gjson.Get(set["x-response-metadata"], "timestamp.secs_since_epoch").Int())

	rsp = roundTrip(t, s, responseBody("hello ", false))
	assert.True(t, rsp.GetResponseBody().GetResponse().GetBodyMutation().GetClearBody())

	rsp = roundTrip(t, s, responseBody("world", true))
	assert.Equal(t, "hello world", string(rsp.GetResponseBody().GetResponse().GetBodyMutation().GetBody()))

	closeStream(t, s)

	assert.NoError(t, ts.log.WaitFor("HTTP request/response completed for context: 1", time.Second))
	assert.NoError(t, ts.log.WaitFor("Response body size: 11", time.Second))
	assert.Equal(t, int64(1), ts.metrics.Counter(KeyStreams))
	assert.Eventually(t, func() bool {
		var n int
		ts.metrics.WithMeasures(func(m map[string][]time.Duration) {
			n = len(m["extproc.serve.GET.200"])
		})

		return n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcessSingleBufferedBody(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(true, ":path", "/"))
	roundTrip(t, s, responseHeaders(false, ":status", "200"))

	rsp := roundTrip(t, s, responseBody("complete", true))
	assert.NotNil(t, rsp.GetResponseBody())
	assert.Nil(t, rsp.GetResponseBody().GetResponse())

	closeStream(t, s)
	assert.NoError(t, ts.log.WaitFor("Response body size: 8", time.Second))
}

func TestProcessNotConfigured(t *testing.T) {
	ts := newTestServer(t, nil, []byte(`{`), Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Send(requestHeaders(true, ":path", "/")))
	_, err = s.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, int64(1), ts.metrics.Counter(KeyNotConfigured))
}

func TestProcessPassThrough(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(false, ":method", "POST", ":path", "/"))

	rsp := roundTrip(t, s, &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestBody{
			RequestBody: &extprocv3.HttpBody{Body: []byte("payload"), EndOfStream: true},
		},
	})
	assert.NotNil(t, rsp.GetRequestBody())
	assert.Nil(t, rsp.GetRequestBody().GetResponse())

	rsp = roundTrip(t, s, &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestTrailers{RequestTrailers: &extprocv3.HttpTrailers{}},
	})
	if d := cmp.Diff(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{},
		},
	}, rsp, protocmp.Transform()); d != "" {
		t.Errorf("unexpected request trailers response (-want +got):\n%s", d)
	}

	rsp = roundTrip(t, s, &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extprocv3.HttpTrailers{}},
	})
	if d := cmp.Diff(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		},
	}, rsp, protocmp.Transform()); d != "" {
		t.Errorf("unexpected response trailers response (-want +got):\n%s", d)
	}

	assert.Equal(t, int64(0), ts.metrics.Counter(interceptor.KeyPhaseOrder))
	closeStream(t, s)
}

func TestProcessUnknownMessage(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Send(&extprocv3.ProcessingRequest{}))
	_, err = s.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, int64(1), ts.metrics.Counter(KeyErrors))
	assert.NoError(t, ts.log.WaitFor("HTTP request/response completed for context: 1", time.Second))
}

func TestProcessModeOverride(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{ResponseBodyMode: extprocfilterv3.ProcessingMode_STREAMED})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	rsp := roundTrip(t, s, requestHeaders(true, ":path", "/"))
	assert.Equal(t, extprocfilterv3.ProcessingMode_STREAMED, rsp.GetModeOverride().GetResponseBodyMode())
	closeStream(t, s)
}

func TestProcessClientCancel(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := ts.client.Process(ctx)
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(true, ":path", "/"))
	cancel()

	assert.NoError(t, ts.log.WaitFor("HTTP request/response completed for context: 1", time.Second))
}

type scriptedFilter struct {
	mu      sync.Mutex
	calls   []string
	actions []filters.Action
	panicOn string
	stream  filters.Stream
}

func (sf *scriptedFilter) CreateFilter(_ filters.ContextID, s filters.Stream) (filters.Filter, error) {
	sf.stream = s
	return sf, nil
}

func (sf *scriptedFilter) record(s string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.calls = append(sf.calls, s)
	if s == sf.panicOn {
		panic(errors.New("filter failure"))
	}
}

func (sf *scriptedFilter) recorded() []string {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return append([]string(nil), sf.calls...)
}

func (sf *scriptedFilter) OnRequestHeaders(int, bool) filters.Action {
	sf.record("request_headers")
	return filters.Continue
}

func (sf *scriptedFilter) OnResponseHeaders(int, bool) filters.Action {
	sf.record("response_headers")
	sf.stream.ResponseHeaders().Set("x-seen", "yes")
	return filters.Continue
}

func (sf *scriptedFilter) OnResponseBody(size int, eos bool) filters.Action {
	sf.record("response_body")

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if len(sf.actions) == 0 {
		return filters.Continue
	}

	a := sf.actions[0]
	sf.actions = sf.actions[1:]
	return a
}

func (sf *scriptedFilter) OnLog() {
	sf.record("log")
}

func TestProcessContinueFlushesWithheld(t *testing.T) {
	sf := &scriptedFilter{actions: []filters.Action{filters.Pause, filters.Continue, filters.Continue}}
	ts := newTestServer(t, sf, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	rsp := roundTrip(t, s, requestHeaders(true, ":path", "/"))
	assert.Nil(t, rsp.GetRequestHeaders().GetResponse())

	rsp = roundTrip(t, s, responseHeaders(false, ":status", "200", "content-length", "6"))
	assert.Equal(t, map[string]string{"x-seen": "yes"}, setHeaders(t, rsp.GetResponseHeaders().GetResponse().GetHeaderMutation()))

	rsp = roundTrip(t, s, responseBody("aa", false))
	assert.True(t, rsp.GetResponseBody().GetResponse().GetBodyMutation().GetClearBody())

	rsp = roundTrip(t, s, responseBody("bb", false))
	assert.Equal(t, "aabb", string(rsp.GetResponseBody().GetResponse().GetBodyMutation().GetBody()))

	rsp = roundTrip(t, s, responseBody("cc", true))
	assert.Nil(t, rsp.GetResponseBody().GetResponse())

	closeStream(t, s)

	assert.Eventually(t, func() bool {
		calls := sf.recorded()
		return len(calls) > 0 && calls[len(calls)-1] == "log"
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"request_headers",
		"response_headers",
		"response_body",
		"response_body",
		"response_body",
		"log",
	}, sf.recorded())
}

func TestProcessTrailersEndTheBody(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(true, ":path", "/stream"))
	roundTrip(t, s, responseHeaders(false, ":status", "200", "transfer-encoding", "chunked"))

	rsp := roundTrip(t, s, responseBody("hello ", false))
	assert.Nil(t, rsp.GetResponseBody().GetResponse())

	rsp = roundTrip(t, s, responseBody("world", false))
	assert.Nil(t, rsp.GetResponseBody().GetResponse())

	rsp = roundTrip(t, s, &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extprocv3.HttpTrailers{}},
	})
	if d := cmp.Diff(&extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		},
	}, rsp, protocmp.Transform()); d != "" {
		t.Errorf("unexpected response trailers response (-want +got):\n%s", d)
	}

	closeStream(t, s)
	assert.NoError(t, ts.log.WaitFor("Response body size: 11", time.Second))
	assert.Equal(t, int64(0), ts.metrics.Counter(KeyBodyLost))
}

func TestProcessWithholdsOnlyWithoutTrailers(t *testing.T) {
	for _, tt := range []struct {
		name     string
		headers  []string
		withhold bool
	}{{
		name:     "fixed length",
		headers:  []string{":status", "200", "content-length", "4"},
		withhold: true,
	}, {
		name:    "unknown length",
		headers: []string{":status", "200"},
	}, {
		name:    "declared trailers",
		headers: []string{":status", "200", "content-length", "4", "trailer", "x-checksum"},
	}, {
		name:    "grpc",
		headers: []string{":status", "200", "content-length", "4", "content-type", "application/grpc+proto"},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, nil, Options{})

			s, err := ts.client.Process(context.Background())
			require.NoError(t, err)

			roundTrip(t, s, requestHeaders(true, ":path", "/"))
			roundTrip(t, s, responseHeaders(false, tt.headers...))

			rsp := roundTrip(t, s, responseBody("ab", false))
			assert.Equal(t, tt.withhold, rsp.GetResponseBody().GetResponse().GetBodyMutation().GetClearBody())

			rsp = roundTrip(t, s, responseBody("cd", true))
			if tt.withhold {
				assert.Equal(t, "abcd", string(rsp.GetResponseBody().GetResponse().GetBodyMutation().GetBody()))
			} else {
				assert.Nil(t, rsp.GetResponseBody().GetResponse())
			}

			closeStream(t, s)
			assert.NoError(t, ts.log.WaitFor("Response body size: 4", time.Second))
		})
	}
}

func TestProcessUndeclaredTrailersAfterWithheldBody(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(true, ":path", "/"))
	roundTrip(t, s, responseHeaders(false, ":status", "200", "content-length", "5"))

	rsp := roundTrip(t, s, responseBody("hello", false))
	assert.True(t, rsp.GetResponseBody().GetResponse().GetBodyMutation().GetClearBody())

	rsp = roundTrip(t, s, &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extprocv3.HttpTrailers{}},
	})
	assert.NotNil(t, rsp.GetResponseTrailers())

	closeStream(t, s)
	assert.NoError(t, ts.log.WaitFor("response trailers received with 5 withheld body bytes", time.Second))
	assert.NoError(t, ts.log.WaitFor("Response body size: 5", time.Second))
	assert.Equal(t, int64(1), ts.metrics.Counter(KeyBodyLost))
}

func TestProcessResponseWithoutBody(t *testing.T) {
	sf := &scriptedFilter{}
	ts := newTestServer(t, sf, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	roundTrip(t, s, requestHeaders(true, ":path", "/health"))
	rsp := roundTrip(t, s, responseHeaders(true, ":status", "204"))
	assert.Equal(t, map[string]string{"x-seen": "yes"}, setHeaders(t, rsp.GetResponseHeaders().GetResponse().GetHeaderMutation()))

	closeStream(t, s)

	assert.Eventually(t, func() bool {
		calls := sf.recorded()
		return len(calls) > 0 && calls[len(calls)-1] == "log"
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"request_headers",
		"response_headers",
		"response_body",
		"log",
	}, sf.recorded())
}

func TestProcessFilterPanic(t *testing.T) {
	sf := &scriptedFilter{panicOn: "request_headers"}
	ts := newTestServer(t, sf, nil, Options{})

	s, err := ts.client.Process(context.Background())
	require.NoError(t, err)

	rsp := roundTrip(t, s, requestHeaders(true, ":path", "/"))
	assert.NotNil(t, rsp.GetRequestHeaders())
	closeStream(t, s)

	assert.Equal(t, int64(1), ts.metrics.Counter(KeyFilterPanic))
	assert.NoError(t, ts.log.WaitFor("error while processing filter during request headers", time.Second))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil, Options{})
	hc := grpc_health_v1.NewHealthClient(ts.conn)

	check := func(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
		rsp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return rsp.GetStatus()
	}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(ServiceName))

	ts.server.SetServing(false)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	ts.server.SetServing(true)
	ts.server.Shutdown()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(""))
}
