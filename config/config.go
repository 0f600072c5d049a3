package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	proxyexample "github.com/allen-munsch/envoy-rust-proxy-example"
	"github.com/allen-munsch/envoy-rust-proxy-example/filterconfig"
	"github.com/allen-munsch/envoy-rust-proxy-example/logging"
	"github.com/allen-munsch/envoy-rust-proxy-example/otel"
	"github.com/allen-munsch/envoy-rust-proxy-example/proxy"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address           string        `yaml:"address"`
	Backend           string        `yaml:"backend"`
	ExtProcAddress    string        `yaml:"extproc-address"`
	SupportListener   string        `yaml:"support-listener"`
	ReadHeaderTimeout time.Duration `yaml:"read-header-timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`

	// filter:
	FilterConfig          string        `yaml:"filter-config"`
	FilterConfigFile      string        `yaml:"filter-config-file"`
	WatchFilterConfig     bool          `yaml:"watch-filter-config"`
	FilterConfigDebounce  time.Duration `yaml:"filter-config-debounce"`
	MaxResponseBodyBytes  int           `yaml:"max-response-body-bytes"`
	ExtProcStreamBodyMode bool          `yaml:"extproc-stream-body-mode"`

	// logging:
	ApplicationLog            string    `yaml:"application-log"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	AccessLog                 string    `yaml:"access-log"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`
	LogMaxSizeMB              int       `yaml:"log-max-size-mb"`
	LogMaxBackups             int       `yaml:"log-max-backups"`
	LogMaxAgeDays             int       `yaml:"log-max-age-days"`
	LogCompress               bool      `yaml:"log-compress"`

	// metrics:
	MetricsPrefix                string    `yaml:"metrics-prefix"`
	EnableRuntimeMetrics         bool      `yaml:"enable-runtime-metrics"`
	HistogramMetricBucketsString string    `yaml:"histogram-metric-buckets"`
	HistogramMetricBuckets       []float64 `yaml:"-"`

	// tracing:
	OpenTelemetry *otel.Options `yaml:"open-telemetry"`
}

func NewConfig() *Config {
	cfg := new(Config)

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "network address that the proxy should listen on, empty to disable the proxy")
	flag.StringVar(&cfg.Backend, "backend", "", "URL of the upstream service of the proxy, e.g. http://localhost:8080")
	flag.StringVar(&cfg.ExtProcAddress, "extproc-address", "", "network address of the Envoy external processor gRPC service, empty to disable it")
	flag.StringVar(&cfg.SupportListener, "support-listener", ":9911", "network address used for exposing the /metrics and /healthz endpoints, empty to disable it")
	flag.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", 60*time.Second, "set ReadHeaderTimeout for http server connections")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "maximum time to wait for the in-flight requests on shutdown")

	// filter:
	flag.StringVar(&cfg.FilterConfig, "filter-config", "", `inline JSON configuration of the filter, e.g. {"header_name":"x-tenant","header_value":"edge","upstream_timeout_ms":750}`)
	flag.StringVar(&cfg.FilterConfigFile, "filter-config-file", "", "file containing the JSON configuration of the filter. When neither this nor -filter-config is set, "+filterconfig.EnvVar+" is used, and without it, the defaults")
	flag.BoolVar(&cfg.WatchFilterConfig, "watch-filter-config", false, "reload the filter configuration when -filter-config-file changes")
	flag.DurationVar(&cfg.FilterConfigDebounce, "filter-config-debounce", filterconfig.DefaultDebounce, "quiet period after a change of the filter configuration file before it is reloaded")
	flag.IntVar(&cfg.MaxResponseBodyBytes, "max-response-body-bytes", proxy.DefaultMaxBodyBytes, "maximum size of the response body buffered by the proxy, larger responses fail with 502")
	flag.BoolVar(&cfg.ExtProcStreamBodyMode, "extproc-stream-body-mode", false, "ask Envoy to stream the response body to the external processor, requires allow_mode_override in the Envoy filter")

	// logging:
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log. When not set, /dev/stderr is used")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.AccessLog, "access-log", "", "output file for the access log, When not set, /dev/stderr is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.IntVar(&cfg.LogMaxSizeMB, "log-max-size-mb", 100, "maximum size of the log files before they get rotated")
	flag.IntVar(&cfg.LogMaxBackups, "log-max-backups", 3, "maximum number of rotated log files to keep, 0 keeps all")
	flag.IntVar(&cfg.LogMaxAgeDays, "log-max-age-days", 0, "maximum number of days to keep rotated log files, 0 keeps them regardless of age")
	flag.BoolVar(&cfg.LogCompress, "log-compress", false, "compress the rotated log files")

	// metrics:
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "interceptor.", "allows setting a custom namespace for the exported metrics")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "enable-runtime-metrics", true, "enables Go runtime and process metrics")
	flag.StringVar(&cfg.HistogramMetricBucketsString, "histogram-metric-buckets", "", "use custom buckets for prometheus histograms, must be a comma-separated list of numbers")

	// tracing:
	flag.Var(newYamlFlag(&cfg.OpenTelemetry), "open-telemetry", "OpenTelemetry configuration in YAML format, use flow-style for convenience. When set, the spans are exported as configured by the OTEL_* environment variables")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	_, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}

	_, err = c.parseHistogramBuckets()
	if err != nil {
		return err
	}

	if c.Address == "" && c.ExtProcAddress == "" {
		return fmt.Errorf("at least one of -address and -extproc-address is required")
	}

	if c.Address != "" {
		if c.Backend == "" {
			return fmt.Errorf("missing -backend of the proxy")
		}

		u, err := url.Parse(c.Backend)
		if err != nil {
			return fmt.Errorf("invalid backend: %w", err)
		}

		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid backend: %s", c.Backend)
		}
	}

	if c.FilterConfig != "" && c.FilterConfigFile != "" {
		return fmt.Errorf("only one of -filter-config and -filter-config-file can be set")
	}

	if c.WatchFilterConfig && c.FilterConfigFile == "" {
		return fmt.Errorf("-watch-filter-config requires -filter-config-file")
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	c.HistogramMetricBuckets, _ = c.parseHistogramBuckets()
	return nil
}

func (c *Config) ToOptions() proxyexample.Options {
	var backend *url.URL
	if c.Backend != "" {
		backend, _ = url.Parse(c.Backend)
	}

	return proxyexample.Options{
		Address:              c.Address,
		Backend:              backend,
		ExtProcAddress:       c.ExtProcAddress,
		SupportListener:      c.SupportListener,
		ReadHeaderTimeout:    c.ReadHeaderTimeout,
		ShutdownTimeout:      c.ShutdownTimeout,
		FilterConfig:         c.FilterConfig,
		FilterConfigFile:     c.FilterConfigFile,
		WatchFilterConfig:    c.WatchFilterConfig,
		FilterConfigDebounce: c.FilterConfigDebounce,
		MaxResponseBodyBytes: c.MaxResponseBodyBytes,
		ExtProcStreamBody:    c.ExtProcStreamBodyMode,

		ApplicationLogOutput:      c.ApplicationLog,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogOutput:           c.AccessLog,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,
		LogRotation: logging.Rotation{
			MaxSizeMB:  c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			MaxAgeDays: c.LogMaxAgeDays,
			Compress:   c.LogCompress,
		},

		MetricsPrefix:          c.MetricsPrefix,
		EnableRuntimeMetrics:   c.EnableRuntimeMetrics,
		HistogramMetricBuckets: c.HistogramMetricBuckets,

		OpenTelemetry: c.OpenTelemetry,
	}
}

func (c *Config) parseHistogramBuckets() ([]float64, error) {
	if c.HistogramMetricBucketsString == "" {
		return prometheus.DefBuckets, nil
	}

	var result []float64
	thresholds := strings.Split(c.HistogramMetricBucketsString, ",")
	for _, v := range thresholds {
		bucket, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("unable to parse histogram-metric-buckets: %w", err)
		}
		result = append(result, bucket)
	}
	sort.Float64s(result)
	return result, nil
}
