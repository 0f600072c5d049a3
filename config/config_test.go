package config

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyexample "github.com/allen-munsch/envoy-rust-proxy-example"
	"github.com/allen-munsch/envoy-rust-proxy-example/filterconfig"
	"github.com/allen-munsch/envoy-rust-proxy-example/logging"
	"github.com/allen-munsch/envoy-rust-proxy-example/otel"
	"github.com/allen-munsch/envoy-rust-proxy-example/proxy"
)

func defaultConfig(with func(*Config)) *Config {
	cfg := &Config{
		Flags:                     nil,
		Address:                   ":9090",
		Backend:                   "http://localhost:8080",
		SupportListener:           ":9911",
		ReadHeaderTimeout:         60 * time.Second,
		ShutdownTimeout:           10 * time.Second,
		FilterConfigDebounce:      filterconfig.DefaultDebounce,
		MaxResponseBodyBytes:      proxy.DefaultMaxBodyBytes,
		ApplicationLogLevel:       log.InfoLevel,
		ApplicationLogLevelString: "INFO",
		ApplicationLogPrefix:      "[APP]",
		LogMaxSizeMB:              100,
		LogMaxBackups:             3,
		MetricsPrefix:             "interceptor.",
		EnableRuntimeMetrics:      true,
		HistogramMetricBuckets:    prometheus.DefBuckets,
	}
	with(cfg)
	return cfg
}

func Test_NewConfigWithArgs(t *testing.T) {
	for _, tt := range []struct {
		name    string
		args    []string
		want    *Config
		wantErr bool
	}{
		{
			name:    "test args len bigger than 0 throws an error",
			args:    []string{"interceptor", "-backend=http://localhost:8080", "arg1"},
			wantErr: true,
		},
		{
			name:    "test non-existing config file throw an error",
			args:    []string{"interceptor", "-config-file=non-existent.yaml"},
			wantErr: true,
		},
		{
			name: "test defaults",
			args: []string{"interceptor", "-backend=http://localhost:8080"},
			want: defaultConfig(func(*Config) {}),
		},
		{
			name: "test only valid flag overwrite yaml file",
			args: []string{"interceptor", "-config-file=testdata/test.yaml", "-address=localhost:8080", "-log-max-size-mb=5"},
			want: defaultConfig(func(c *Config) {
				c.ConfigFile = "testdata/test.yaml"
				c.Address = "localhost:8080"
				c.Backend = "http://backend.test:8080"
				c.ExtProcAddress = ":50051"
				c.FilterConfigFile = "testdata/filter.json"
				c.WatchFilterConfig = true
				c.ApplicationLogLevel = log.DebugLevel
				c.ApplicationLogLevelString = "DEBUG"
				c.LogMaxSizeMB = 5
				c.LogMaxBackups = 7
				c.HistogramMetricBucketsString = "1,0.1,0.5"
				c.HistogramMetricBuckets = []float64{0.1, 0.5, 1}
				c.OpenTelemetry = &otel.Options{Initialized: true}
			}),
		},
		{
			name: "test OpenTelemetry flag",
			args: []string{"interceptor", "-backend=http://localhost:8080", "-open-telemetry={}"},
			want: defaultConfig(func(c *Config) {
				c.OpenTelemetry = &otel.Options{}
			}),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := cfg.ParseArgs(tt.args[0], tt.args[1:])

			if (err != nil) != tt.wantErr {
				t.Fatalf("config.NewConfig() error: %v, wantErr: %v", err, tt.wantErr)
			}

			if !tt.wantErr {
				d := cmp.Diff(cfg, tt.want, cmpopts.IgnoreFields(Config{}, "Flags"))
				if d != "" {
					t.Errorf("config.NewConfig() want vs got:\n%s", d)
				}
			}
		})
	}
}

func Test_Validate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		change  func(c *Config)
		want    error
		wantErr bool
	}{
		{
			name: "test wrong loglevel",
			change: func(c *Config) {
				c.ApplicationLogLevelString = "wrongLevel"
			},
			want:    errors.New(`not a valid logrus Level: "wrongLevel"`),
			wantErr: true,
		},
		{
			name:   "test valid config",
			change: func(c *Config) {},
		},
		{
			name: "test wrong HistoGramBuckets",
			change: func(c *Config) {
				c.HistogramMetricBucketsString = "5,10,abc"
			},
			wantErr: true,
			want:    errors.New(`unable to parse histogram-metric-buckets: strconv.ParseFloat: parsing "abc": invalid syntax`),
		},
		{
			name: "test no engine",
			change: func(c *Config) {
				c.Address = ""
			},
			wantErr: true,
			want:    errors.New("at least one of -address and -extproc-address is required"),
		},
		{
			name: "test extproc only needs no backend",
			change: func(c *Config) {
				c.Address = ""
				c.Backend = ""
				c.ExtProcAddress = ":50051"
			},
		},
		{
			name: "test missing backend",
			change: func(c *Config) {
				c.Backend = ""
			},
			wantErr: true,
			want:    errors.New("missing -backend of the proxy"),
		},
		{
			name: "test backend without scheme",
			change: func(c *Config) {
				c.Backend = "localhost:8080"
			},
			wantErr: true,
			want:    errors.New("invalid backend: localhost:8080"),
		},
		{
			name: "test both filter config sources",
			change: func(c *Config) {
				c.FilterConfig = "{}"
				c.FilterConfigFile = "filter.json"
			},
			wantErr: true,
			want:    errors.New("only one of -filter-config and -filter-config-file can be set"),
		},
		{
			name: "test watch without file",
			change: func(c *Config) {
				c.WatchFilterConfig = true
			},
			wantErr: true,
			want:    errors.New("-watch-filter-config requires -filter-config-file"),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(tt.change)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && err.Error() != tt.want.Error() {
				t.Errorf("Failed to get wanted error, got: %v, want: %v", err, tt.want)
			}
		})
	}
}

func Test_parseHistogramBuckets(t *testing.T) {
	for _, tt := range []struct {
		name    string
		args    string
		want    []float64
		wantErr bool
	}{
		{
			name: "test default",
			args: "",
			want: prometheus.DefBuckets,
		},
		{
			name: "test parse 1",
			args: "1",
			want: []float64{1},
		},
		{
			name: "test parse unsorted",
			args: "2, 1.33,1",
			want: []float64{1, 1.33, 2},
		},
		{
			name:    "test invalid",
			args:    "1,x",
			wantErr: true,
		}} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := new(Config)
			cfg.HistogramMetricBucketsString = tt.args

			got, err := cfg.parseHistogramBuckets()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToOptions(t *testing.T) {
	cfg := defaultConfig(func(c *Config) {
		c.ExtProcAddress = ":50051"
		c.FilterConfigFile = "testdata/filter.json"
		c.WatchFilterConfig = true
		c.AccessLogDisabled = true
		c.LogCompress = true
		c.ExtProcStreamBodyMode = true
		c.OpenTelemetry = &otel.Options{}
	})

	backend, err := url.Parse("http://localhost:8080")
	require.NoError(t, err)

	want := proxyexample.Options{
		Address:                   ":9090",
		Backend:                   backend,
		ExtProcAddress:            ":50051",
		SupportListener:           ":9911",
		ReadHeaderTimeout:         60 * time.Second,
		ShutdownTimeout:           10 * time.Second,
		FilterConfigFile:          "testdata/filter.json",
		WatchFilterConfig:         true,
		FilterConfigDebounce:      filterconfig.DefaultDebounce,
		MaxResponseBodyBytes:      proxy.DefaultMaxBodyBytes,
		ExtProcStreamBody:         true,
		ApplicationLogLevel:       log.InfoLevel,
		ApplicationLogPrefix:      "[APP]",
		AccessLogDisabled:         true,
		LogRotation:               logging.Rotation{MaxSizeMB: 100, MaxBackups: 3, Compress: true},
		MetricsPrefix:             "interceptor.",
		EnableRuntimeMetrics:      true,
		HistogramMetricBuckets:    prometheus.DefBuckets,
		ApplicationLogJSONEnabled: false,
		OpenTelemetry:             &otel.Options{},
	}

	if d := cmp.Diff(want, cfg.ToOptions()); d != "" {
		t.Errorf("unexpected options (-want +got):\n%s", d)
	}
}
