// Package config loads presenced configuration from TOML or YAML files.
//
// Example presence.toml:
//
//	offline_after = "20s"
//	log_level = "info"
//
//	[bus]
//	backend = "nats"
//	url = "${NATS_URL:-nats://localhost:4222}"
//
//	[store]
//	backend = "nats"
//	bucket = "presence-devices"
//
//	[http]
//	addr = ":8080"
//
//	[telemetry]
//	endpoint = "localhost:4317"
//	protocol = "grpc"
//	insecure = true
//
// The same keys are accepted in YAML. String values support ${VAR} and
// ${VAR:-default} expansion; PRESENCE_* environment variables override the
// file (see ApplyEnv).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/presencekit/logging"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// ErrUnsupportedFormat is returned for files that are neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the root configuration for presenced.
type Config struct {
	// OfflineAfter is the silence after which a device is offline.
	OfflineAfter Duration `toml:"offline_after" yaml:"offline_after"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http"`
	Dispatch  DispatchConfig  `toml:"dispatch" yaml:"dispatch"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Backend is "memory" or "nats".
	Backend string `toml:"backend" yaml:"backend"`

	// URL of the NATS server.
	URL string `toml:"url" yaml:"url"`

	// Name identifies this connection to NATS.
	Name string `toml:"name" yaml:"name"`

	// BufferSize for subscription channels.
	BufferSize int `toml:"buffer_size" yaml:"buffer_size"`
}

// StoreConfig selects where device state is persisted.
type StoreConfig struct {
	// Backend is "memory" or "nats" (JetStream KV, shares the bus connection).
	Backend string `toml:"backend" yaml:"backend"`

	// Bucket is the KV bucket name.
	Bucket string `toml:"bucket" yaml:"bucket"`

	// Replicas for the KV bucket.
	Replicas int `toml:"replicas" yaml:"replicas"`
}

// HTTPConfig configures the status API and notification hubs.
type HTTPConfig struct {
	// Addr to listen on. Empty disables the HTTP server.
	Addr string `toml:"addr" yaml:"addr"`

	// KeepAlive interval for SSE and WebSocket clients.
	KeepAlive Duration `toml:"keep_alive" yaml:"keep_alive"`
}

// DispatchConfig tunes the per-device dispatcher and bus ingress.
type DispatchConfig struct {
	MailboxSize     int      `toml:"mailbox_size" yaml:"mailbox_size"`
	IdleTimeout     Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxInFlight     int      `toml:"max_inflight" yaml:"max_inflight"`
	DispatchTimeout Duration `toml:"dispatch_timeout" yaml:"dispatch_timeout"`
}

// NotifyConfig tunes the notification publisher.
type NotifyConfig struct {
	QueueSize int `toml:"queue_size" yaml:"queue_size"`
}

// TelemetryConfig configures tracing and the status event log.
type TelemetryConfig struct {
	// Endpoint of the OTLP collector. Empty disables tracing.
	Endpoint string `toml:"endpoint" yaml:"endpoint"`

	// Protocol is "grpc" or "http".
	Protocol string `toml:"protocol" yaml:"protocol"`

	// Insecure disables TLS to the collector.
	Insecure bool `toml:"insecure" yaml:"insecure"`

	ServiceName string  `toml:"service_name" yaml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`

	// EventsProtocol is "file", "http" or "noop" for the status event log.
	EventsProtocol string `toml:"events_protocol" yaml:"events_protocol"`
	EventsEndpoint string `toml:"events_endpoint" yaml:"events_endpoint"`
}

// Duration wraps time.Duration so it can be written as "20s".
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		OfflineAfter: Duration(20 * time.Second),
		LogLevel:     "info",
		Bus: BusConfig{
			Backend:    BackendMemory,
			Name:       "presenced",
			BufferSize: 256,
		},
		Store: StoreConfig{
			Backend:  BackendMemory,
			Bucket:   "presence-devices",
			Replicas: 1,
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			KeepAlive: Duration(30 * time.Second),
		},
		Dispatch: DispatchConfig{
			MailboxSize:     64,
			MaxInFlight:     256,
			DispatchTimeout: Duration(10 * time.Second),
		},
		Notify: NotifyConfig{
			QueueSize: 1024,
		},
		Telemetry: TelemetryConfig{
			Protocol:       "grpc",
			ServiceName:    "presenced",
			SampleRatio:    1,
			EventsProtocol: "noop",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"presence.toml", "presence.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "presencekit", "presence.toml"),
			filepath.Join(home, ".config", "presencekit", "presence.yaml"),
		)
	}

	return paths
}

// Find loads the first config file present in the standard locations.
// When none exists it returns Default() and an empty path.
func Find() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			if err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	return Default(), "", nil
}

// Load reads a config file. The format follows the extension: .toml,
// .yaml or .yml. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ParseTOML parses TOML configuration over the defaults.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML parses YAML configuration over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expand applies ${VAR} substitution to string settings.
func (c *Config) expand() error {
	fields := []*string{
		&c.Bus.URL,
		&c.Bus.Name,
		&c.Store.Bucket,
		&c.HTTP.Addr,
		&c.Telemetry.Endpoint,
		&c.Telemetry.ServiceName,
		&c.Telemetry.EventsEndpoint,
	}
	for _, f := range fields {
		v, err := expandEnvVars(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment
// values. An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		hasDefault := sub[2] != ""

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return sub[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", name)
		return match
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// ApplyEnv overrides settings from PRESENCE_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}

	if err := dur("PRESENCE_OFFLINE_AFTER", &c.OfflineAfter); err != nil {
		return err
	}
	str("PRESENCE_LOG_LEVEL", &c.LogLevel)
	str("PRESENCE_BUS_BACKEND", &c.Bus.Backend)
	str("PRESENCE_BUS_URL", &c.Bus.URL)
	str("PRESENCE_STORE_BACKEND", &c.Store.Backend)
	str("PRESENCE_STORE_BUCKET", &c.Store.Bucket)
	str("PRESENCE_HTTP_ADDR", &c.HTTP.Addr)
	str("PRESENCE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	str("PRESENCE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	str("PRESENCE_SERVICE_NAME", &c.Telemetry.ServiceName)
	return nil
}

// Validate checks the configuration for contradictions and bad values.
func (c *Config) Validate() error {
	var errs []error

	if c.OfflineAfter <= 0 {
		errs = append(errs, fmt.Errorf("offline_after must be positive, got %s", c.OfflineAfter))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	switch c.Bus.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.URL == "" {
			errs = append(errs, errors.New("bus.url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q is not memory or nats", c.Bus.Backend))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.Backend != BackendNATS {
			errs = append(errs, errors.New("store.backend nats requires bus.backend nats"))
		}
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not memory or nats", c.Store.Backend))
	}

	if c.Dispatch.MailboxSize <= 0 {
		errs = append(errs, errors.New("dispatch.mailbox_size must be positive"))
	}
	if c.Dispatch.MaxInFlight <= 0 {
		errs = append(errs, errors.New("dispatch.max_inflight must be positive"))
	}
	if c.Dispatch.IdleTimeout < 0 {
		errs = append(errs, errors.New("dispatch.idle_timeout must not be negative"))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q is not grpc or http", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v is outside [0, 1]", c.Telemetry.SampleRatio))
	}
	switch c.Telemetry.EventsProtocol {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.EventsEndpoint == "" {
			errs = append(errs, fmt.Errorf("telemetry.events_endpoint is required for %s", c.Telemetry.EventsProtocol))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.events_protocol %q is not file, http or noop", c.Telemetry.EventsProtocol))
	}

	return errors.Join(errs...)
}
