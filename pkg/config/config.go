// Process configuration layered from defaults, an optional YAML file, DWELL_* env vars, and flags
// Read once at startup; the delay window never changes while the process runs
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. DWELL_DELAY_MS.
const EnvPrefix = "DWELL"

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Sink kinds.
const (
	SinkMemory   = "memory"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkStdout   = "stdout"
)

// Config is the full process configuration.
type Config struct {
	DelayMS   int             `mapstructure:"delay_ms"`
	Listen    string          `mapstructure:"listen"`
	Workers   int             `mapstructure:"workers"`
	Store     StoreConfig     `mapstructure:"store"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pprof     string          `mapstructure:"pprof"`
	Pyroscope string          `mapstructure:"pyroscope"`
}

// StoreConfig selects the trace state backend.
type StoreConfig struct {
	Kind   string `mapstructure:"kind"`
	Path   string `mapstructure:"path"`
	Shards int    `mapstructure:"shards"`
	// TTL evicts idle traces from the memory store. Zero disables eviction.
	TTL time.Duration `mapstructure:"ttl"`
}

// SinkConfig selects where finalized records go.
type SinkConfig struct {
	Kind       string `mapstructure:"kind"`
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	MaxRetries uint   `mapstructure:"max_retries"`
}

// TelemetryConfig controls the process's own OpenTelemetry signals.
type TelemetryConfig struct {
	Signals       string        `mapstructure:"signals"`
	Endpoint      string        `mapstructure:"endpoint"`
	Protocol      string        `mapstructure:"protocol"`
	Stdout        bool          `mapstructure:"stdout"`
	LateThreshold time.Duration `mapstructure:"late_threshold"`
}

// Default values.
const (
	DefaultDelayMS    = 5000
	DefaultListen     = ":3030"
	DefaultWorkers    = 8
	DefaultMaxRetries = 3
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("delay_ms", DefaultDelayMS)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("store.kind", StoreMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.shards", 64)
	v.SetDefault("store.ttl", time.Hour)
	v.SetDefault("sink.kind", SinkMemory)
	v.SetDefault("sink.path", "")
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.max_retries", DefaultMaxRetries)
	v.SetDefault("telemetry.signals", "")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.protocol", "http/protobuf")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.late_threshold", time.Second)
	v.SetDefault("pprof", "")
	v.SetDefault("pyroscope", "")
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"delay-ms":       "delay_ms",
	"listen":         "listen",
	"workers":        "workers",
	"store":          "store.kind",
	"store-path":     "store.path",
	"store-ttl":      "store.ttl",
	"sink":           "sink.kind",
	"sink-path":      "sink.path",
	"sink-dsn":       "sink.dsn",
	"max-retries":    "sink.max_retries",
	"signals":        "telemetry.signals",
	"endpoint":       "telemetry.endpoint",
	"protocol":       "telemetry.protocol",
	"stdout":         "telemetry.stdout",
	"late-threshold": "telemetry.late_threshold",
	"pprof":          "pprof",
	"pyroscope":      "pyroscope",
}

// Load builds a Config. path may be empty. Flags present in fs override
// every other source when set; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Delay returns the enrichment window.
func (c Config) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}

// StoreTTL returns the memory store eviction TTL, never shorter than the
// delay window so traces outlive the observations waiting on them.
func (c Config) StoreTTL() time.Duration {
	if c.Store.TTL <= 0 {
		return 0
	}
	return max(c.Store.TTL, c.Delay())
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

// Signals parses the comma-separated telemetry signal list.
func (c Config) Signals() (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(c.Telemetry.Signals, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// Validate checks the configuration for contradictions and missing values.
func (c Config) Validate() error {
	var errs []error
	if c.DelayMS < 0 {
		errs = append(errs, fmt.Errorf("delay_ms must not be negative, got %d", c.DelayMS))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}

	switch c.Store.Kind {
	case StoreMemory:
		if c.Store.Shards < 0 {
			errs = append(errs, fmt.Errorf("store.shards must not be negative, got %d", c.Store.Shards))
		}
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q, supported: memory, sqlite", c.Store.Kind))
	}
	if c.Store.TTL < 0 {
		errs = append(errs, fmt.Errorf("store.ttl must not be negative, got %s", c.Store.TTL))
	}

	switch c.Sink.Kind {
	case SinkMemory, SinkStdout:
	case SinkSQLite:
		if c.Sink.Path == "" {
			errs = append(errs, errors.New("sink.path is required for the sqlite sink"))
		}
	case SinkPostgres:
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required for the postgres sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink kind %q, supported: memory, sqlite, postgres, stdout", c.Sink.Kind))
	}

	switch c.Telemetry.Protocol {
	case "http/protobuf", "grpc":
	default:
		errs = append(errs, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", c.Telemetry.Protocol))
	}
	if _, err := c.Signals(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.LateThreshold < 0 {
		errs = append(errs, fmt.Errorf("telemetry.late_threshold must not be negative, got %s", c.Telemetry.LateThreshold))
	}
	return errors.Join(errs...)
}
