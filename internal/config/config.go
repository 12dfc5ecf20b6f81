// Package config centralises runtime configuration for Tidegate services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Tidegate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration wraps time.Duration so YAML values can use Go duration
// strings ("30s", "300ms"). Bare integers decode as nanoseconds.
type Duration time.Duration

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes either a duration string or an integer value.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := node.Decode(&nanos); err != nil {
		return fmt.Errorf("duration must be a string or integer, got %q", node.Value)
	}
	*d = Duration(nanos)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// FeedSettings configures the market-data connection layer.
type FeedSettings struct {
	URL                string   `yaml:"url"`
	HeartbeatInterval  Duration `yaml:"heartbeatInterval"`
	SilenceThreshold   Duration `yaml:"silenceThreshold"`
	ReconnectBase      Duration `yaml:"reconnectBase"`
	ReconnectGrowth    float64  `yaml:"reconnectGrowth"`
	MaxReconnects      int      `yaml:"maxReconnects"`
	FallbackThreshold  int      `yaml:"fallbackThreshold"`
	ReplayStagger      Duration `yaml:"replayStagger"`
	DebounceWindow     Duration `yaml:"debounceWindow"`
	SpuriousCloseGuard Duration `yaml:"spuriousCloseGuard"`
	DemoTickInterval   Duration `yaml:"demoTickInterval"`
}

// ScopeLimit configures one fixed-window rate-limit bucket family.
type ScopeLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// GatewaySettings configures the request-signing proxy.
type GatewaySettings struct {
	UpstreamURL     string     `yaml:"upstreamURL"`
	UpstreamTimeout Duration   `yaml:"upstreamTimeout"`
	UpstreamRetries int        `yaml:"upstreamRetries"`
	RetryDelay      Duration   `yaml:"retryDelay"`
	NonceRetention  Duration   `yaml:"nonceRetention"`
	IPLimit         ScopeLimit `yaml:"ipLimit"`
	UserLimit       ScopeLimit `yaml:"userLimit"`
}

// RedisSettings configures the optional shared store backend.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the Tidegate configuration tree.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	LogLevel    string            `yaml:"logLevel"`
	Feed        FeedSettings      `yaml:"feed"`
	Gateway     GatewaySettings   `yaml:"gateway"`
	Redis       RedisSettings     `yaml:"redis"`
	Server      ServerSettings    `yaml:"server"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default Tidegate configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		LogLevel:    "info",
		Feed: FeedSettings{
			URL:                "wss://ws.kraken.com",
			HeartbeatInterval:  Duration(30 * time.Second),
			SilenceThreshold:   Duration(45 * time.Second),
			ReconnectBase:      Duration(time.Second),
			ReconnectGrowth:    1.5,
			MaxReconnects:      5,
			FallbackThreshold:  10,
			ReplayStagger:      Duration(300 * time.Millisecond),
			DebounceWindow:     Duration(2 * time.Second),
			SpuriousCloseGuard: Duration(500 * time.Millisecond),
			DemoTickInterval:   Duration(10 * time.Second),
		},
		Gateway: GatewaySettings{
			UpstreamURL:     "https://api.kraken.com",
			UpstreamTimeout: Duration(10 * time.Second),
			UpstreamRetries: 2,
			RetryDelay:      Duration(time.Second),
			NonceRetention:  Duration(10 * time.Minute),
			IPLimit:         ScopeLimit{Limit: 120, Window: Duration(time.Minute)},
			UserLimit:       ScopeLimit{Limit: 30, Window: Duration(time.Minute)},
		},
		Redis: RedisSettings{},
		Server: ServerSettings{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(10 * time.Second),
		},
		Telemetry: TelemetrySettings{ServiceName: "tidegate"},
	}
}

// LoadFile reads a YAML configuration file over the defaults. A missing file
// is not an error; callers receive the defaults and loaded=false.
func LoadFile(path string) (Settings, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

// FromEnv applies TIDEGATE_* environment overrides to the provided settings.
func FromEnv(cfg Settings) Settings {
	if env := strings.TrimSpace(os.Getenv("TIDEGATE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if level := strings.TrimSpace(os.Getenv("TIDEGATE_LOG_LEVEL")); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if url := strings.TrimSpace(os.Getenv("TIDEGATE_FEED_URL")); url != "" {
		cfg.Feed.URL = url
	}
	if url := strings.TrimSpace(os.Getenv("TIDEGATE_UPSTREAM_URL")); url != "" {
		cfg.Gateway.UpstreamURL = url
	}
	if addr := strings.TrimSpace(os.Getenv("TIDEGATE_LISTEN_ADDR")); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := strings.TrimSpace(os.Getenv("TIDEGATE_REDIS_ADDR")); addr != "" {
		cfg.Redis.Addr = addr
	}
	if endpoint := strings.TrimSpace(os.Getenv("TIDEGATE_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}
	if raw := strings.TrimSpace(os.Getenv("TIDEGATE_FALLBACK_THRESHOLD")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Feed.FallbackThreshold = v
		}
	}
	return cfg
}

// Validate reports configuration values that cannot produce a working process.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Feed.URL) == "" {
		return fmt.Errorf("feed url required")
	}
	if strings.TrimSpace(s.Gateway.UpstreamURL) == "" {
		return fmt.Errorf("gateway upstream url required")
	}
	if s.Feed.ReconnectGrowth < 1 {
		return fmt.Errorf("reconnect growth must be >= 1, got %v", s.Feed.ReconnectGrowth)
	}
	if s.Feed.MaxReconnects <= 0 {
		return fmt.Errorf("max reconnects must be positive")
	}
	if s.Feed.FallbackThreshold < s.Feed.MaxReconnects {
		return fmt.Errorf("fallback threshold %d below reconnect ceiling %d", s.Feed.FallbackThreshold, s.Feed.MaxReconnects)
	}
	if s.Gateway.IPLimit.Limit <= 0 || s.Gateway.UserLimit.Limit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}
