package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pobradovic08/zigbee-beacon/internal/logger"
	"github.com/pobradovic08/zigbee-beacon/internal/tlsutil"
)

// Source modes.
const (
	ModeMQTT = "mqtt"
	ModeNATS = "nats"
	ModeREST = "rest"
)

// Config holds all configuration for the zigbee-beacon process.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Source    SourceConfig    `yaml:"source"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	REST      RESTConfig      `yaml:"rest"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Logging   logger.Config   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type HTTPConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLS          struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`
}

type SourceConfig struct {
	Mode string `yaml:"mode"`
	// StartupWait bounds how long start-up waits for the first bus connection.
	StartupWait time.Duration `yaml:"startup_wait"`
}

type MQTTConfig struct {
	Server    string         `yaml:"server"`
	Port      int            `yaml:"port"`
	User      string         `yaml:"user"`
	Password  string         `yaml:"password"`
	BaseTopic string         `yaml:"base_topic"`
	ClientID  string         `yaml:"client_id"`
	KeepAlive time.Duration  `yaml:"keepalive"`
	TLS       tlsutil.Config `yaml:"tls"`
}

type NATSConfig struct {
	URL           string         `yaml:"url"`
	SubjectPrefix string         `yaml:"subject_prefix"`
	User          string         `yaml:"user"`
	Password      string         `yaml:"password"`
	TLS           tlsutil.Config `yaml:"tls"`
}

type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type CacheConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled             bool          `yaml:"enabled"`
	RequestsPerInterval int           `yaml:"requests_per_interval"`
	Interval            time.Duration `yaml:"interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	TrustedProxies      []string      `yaml:"trusted_proxies"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type GRPCConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load builds the configuration from defaults, the optional YAML file at
// path and environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SOURCE_MODE"); v != "" {
		cfg.Source.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("MQTT_SERVER"); v != "" {
		cfg.MQTT.Server = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		cfg.MQTT.Port = port
	}
	if v, ok := os.LookupEnv("MQTT_USER"); ok {
		cfg.MQTT.User = v
	}
	if v, ok := os.LookupEnv("MQTT_PASSWORD"); ok {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ZIGBEE2MQTT_URL"); v != "" {
		cfg.REST.BaseURL = v
	}
	if v := os.Getenv("CACHE_TIMEOUT"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_TIMEOUT: %w", err)
		}
		cfg.Cache.Timeout = time.Duration(seconds) * time.Second
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = enabled
	}
	if v := os.Getenv("GRPC_LISTEN_ADDR"); v != "" {
		cfg.GRPC.Enabled = true
		cfg.GRPC.ListenAddr = v
	}
	return nil
}

// Validate checks the settings that the selected mode depends on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Mode {
	case ModeMQTT:
		if c.MQTT.Server == "" {
			errs = append(errs, errors.New("mqtt.server is required"))
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
		}
		if c.MQTT.BaseTopic == "" {
			errs = append(errs, errors.New("mqtt.base_topic is required"))
		}
	case ModeNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
		if c.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("nats.subject_prefix is required"))
		}
	case ModeREST:
		u, err := url.Parse(c.REST.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("rest.base_url %q is not an absolute URL", c.REST.BaseURL))
		}
		if c.REST.RequestTimeout <= 0 {
			errs = append(errs, errors.New("rest.request_timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.mode %q must be one of %s, %s, %s", c.Source.Mode, ModeMQTT, ModeNATS, ModeREST))
	}

	if c.Cache.Timeout < 0 {
		errs = append(errs, errors.New("cache.timeout must not be negative"))
	}
	if c.HTTP.ListenAddr == "" {
		errs = append(errs, errors.New("http.listen_addr is required"))
	}
	if (c.HTTP.TLS.Cert == "") != (c.HTTP.TLS.Key == "") {
		errs = append(errs, errors.New("http.tls needs both cert and key"))
	}
	if c.GRPC.Enabled && c.GRPC.CheckInterval <= 0 {
		errs = append(errs, errors.New("grpc.check_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Push reports whether the configured source is a message bus.
func (c *Config) Push() bool {
	return c.Source.Mode == ModeMQTT || c.Source.Mode == ModeNATS
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr:   ":5000",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Source: SourceConfig{
			Mode:        ModeMQTT,
			StartupWait: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			Server:    "192.168.1.88",
			Port:      1883,
			User:      "mqtt",
			Password:  "mqtt",
			BaseTopic: "zigbee2mqtt",
			ClientID:  "zigbee-beacon",
			KeepAlive: 60 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "zigbee2mqtt",
		},
		REST: RESTConfig{
			BaseURL:        "http://127.0.0.1:8080",
			RequestTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Timeout: 300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:             false,
			RequestsPerInterval: 60,
			Interval:            time.Minute,
			CleanupInterval:     time.Minute,
			StaleAfter:          5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		GRPC: GRPCConfig{
			Enabled:       false,
			ListenAddr:    ":9090",
			CheckInterval: 5 * time.Second,
		},
		Logging: logger.Config{
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "zigbee-beacon",
		},
	}
}
