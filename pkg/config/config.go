// Package config loads the signup agent configuration from YAML, fills in
// defaults and overlays secrets from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/signup-agent/internal/observability"
	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// Config represents the application configuration
type Config struct {
	Debug bool `yaml:"debug"`

	Server    ServerConfig         `yaml:"server"`
	Mandate   MandateConfig        `yaml:"mandate"`
	Dispatch  DispatchConfig       `yaml:"dispatch"`
	Triad     TriadConfig          `yaml:"triad"`
	Discovery DiscoveryConfig      `yaml:"discovery"`
	Session   session.Config       `yaml:"session"`
	NLU       NLUConfig            `yaml:"nlu"`
	History   HistoryConfig        `yaml:"history"`
	Tracing   observability.Config `yaml:"tracing"`
	RateLimit RateLimitConfig      `yaml:"ratelimit"`

	// Providers lists the remote tool servers, including the directory.
	// Ignored when Server.Simulate is set.
	Providers []mcp.ServerConfig `yaml:"providers"`
}

// ServerConfig configures the HTTP host surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminAddr, when set, also serves health and metrics on a separate
	// listener.
	AdminAddr string `yaml:"admin_addr"`
	// Simulate serves the built-in provider simulator instead of remote
	// tool servers.
	Simulate bool `yaml:"simulate"`
	// DevKeys maps static keys to user IDs. They are accepted wherever an
	// identity token is, and are meant for local development only.
	DevKeys map[string]string `yaml:"dev_keys"`
}

// MandateConfig configures mandate signing.
type MandateConfig struct {
	// Secret signs mandates and identity tokens. Read from
	// SIGNUP_MANDATE_SECRET when empty.
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	Grace  time.Duration `yaml:"grace"`
}

// DispatchConfig bounds protected calls.
type DispatchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RemoteTTL       time.Duration `yaml:"remote_ttl"`
	RemoteGrace     time.Duration `yaml:"remote_grace"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// TriadConfig tunes intent tracking.
type TriadConfig struct {
	FastPathThreshold float64 `yaml:"fast_path_threshold"`
}

// DiscoveryConfig configures the discovery cache. Store is "memory" or
// "redis"; the redis store shares results between instances.
type DiscoveryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	EmptyTTL      time.Duration `yaml:"empty_ttl"`
	Store         string        `yaml:"store"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// NLUConfig selects the fact extractor. Provider is "rules", "openai",
// "gemini" or "bedrock"; model extractors always fall back to the rules.
type NLUConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	OpenAIKey    string `yaml:"openai_key"`
	OpenAIURL    string `yaml:"openai_base_url"`
	GoogleAPIKey string `yaml:"google_api_key"`
	GCPProject   string `yaml:"gcp_project"`
	GCPLocation  string `yaml:"gcp_location"`
	AWSRegion    string `yaml:"aws_region"`
}

// HistoryConfig selects the signup history store: "memory" or "postgres".
type HistoryConfig struct {
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
}

// RateLimitConfig limits calls per provider tool.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns a configuration that runs everything in memory against the
// simulator.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Server.Simulate = true
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return decode(func(cfg *Config) error {
		return security.DecodeYAMLReader(f, cfg, security.DefaultYAMLLimits())
	})
}

// Parse decodes a YAML document, applies defaults and then the environment.
func Parse(data []byte) (*Config, error) {
	return decode(func(cfg *Config) error {
		return security.DecodeYAML(data, cfg, security.DefaultYAMLLimits())
	})
}

func decode(fn func(*Config) error) (*Config, error) {
	var cfg Config
	if err := fn(&cfg); err != nil {
		if errors.Is(err, security.ErrYAMLTooLarge) {
			return nil, fmt.Errorf("config file too large: %w", err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.ApplyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * dispatch.DefaultTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Mandate.TTL == 0 {
		c.Mandate.TTL = mandate.DefaultTTL
	}
	if c.Mandate.Grace == 0 {
		c.Mandate.Grace = mandate.DefaultGrace
	}

	d := &c.Dispatch
	if d.Timeout == 0 {
		d.Timeout = dispatch.DefaultTimeout
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = dispatch.DefaultMaxAttempts
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = dispatch.DefaultInitialBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = dispatch.DefaultMaxBackoff
	}
	if d.RemoteTTL == 0 {
		d.RemoteTTL = dispatch.DefaultRemoteTTL
	}
	if d.RemoteGrace == 0 {
		d.RemoteGrace = dispatch.DefaultRemoteGrace
	}
	if d.BreakerFailures == 0 {
		d.BreakerFailures = 5
	}
	if d.BreakerReset == 0 {
		d.BreakerReset = 30 * time.Second
	}

	if c.Triad.FastPathThreshold == 0 {
		c.Triad.FastPathThreshold = triad.DefaultFastPathThreshold
	}

	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = discovery.DefaultTTL
	}
	if c.Discovery.EmptyTTL == 0 {
		c.Discovery.EmptyTTL = discovery.DefaultEmptyTTL
	}
	if c.Discovery.Store == "" {
		c.Discovery.Store = "memory"
	}
	if c.Discovery.RedisPrefix == "" {
		c.Discovery.RedisPrefix = "signup:discovery:"
	}
	if c.Discovery.SweepInterval == 0 {
		c.Discovery.SweepInterval = time.Minute
	}

	def := session.DefaultConfig()
	if c.Session.Store == "" {
		c.Session.Store = def.Store
	}
	if c.Session.IdleEviction == 0 {
		c.Session.IdleEviction = def.IdleEviction
	}
	if c.Session.PersistTimeout == 0 {
		c.Session.PersistTimeout = def.PersistTimeout
	}

	if c.NLU.Provider == "" {
		c.NLU.Provider = "rules"
	}
	if c.NLU.GCPLocation == "" {
		c.NLU.GCPLocation = "us-central1"
	}
	if c.History.Store == "" {
		c.History.Store = "memory"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = observability.ExporterNone
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// ApplyEnv overlays secrets and endpoints from the environment. Values set in
// the file win.
func (c *Config) ApplyEnv() {
	setIfEmpty(&c.Mandate.Secret, "SIGNUP_MANDATE_SECRET")
	setIfEmpty(&c.NLU.OpenAIKey, "OPENAI_API_KEY")
	setIfEmpty(&c.NLU.GoogleAPIKey, "GOOGLE_API_KEY")
	setIfEmpty(&c.NLU.GCPProject, "GCP_PROJECT")
	setIfEmpty(&c.NLU.AWSRegion, "AWS_REGION")
	setIfEmpty(&c.Session.Firestore.ProjectID, "GCP_PROJECT")
	setIfEmpty(&c.Session.Redis.Addr, "REDIS_ADDR")
	setIfEmpty(&c.History.DatabaseURL, "DATABASE_URL")
	c.Tracing.ApplyEnv()
}

func setIfEmpty(dst *string, env string) {
	if *dst != "" {
		return
	}
	*dst = os.Getenv(env)
}

// SaveConfig saves configuration to a YAML file. Secrets are not written.
func SaveConfig(cfg *Config, path string) error {
	out := *cfg
	out.Mandate.Secret = ""
	out.NLU.OpenAIKey = ""
	out.NLU.GoogleAPIKey = ""
	out.Session.Redis.Password = ""
	out.Server.DevKeys = nil

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Mandate.Secret == "" {
		return errors.New("mandate secret is required (mandate.secret or SIGNUP_MANDATE_SECRET)")
	}
	if len(c.Mandate.Secret) < 32 {
		return errors.New("mandate secret must be at least 32 bytes")
	}
	for key, user := range c.Server.DevKeys {
		if len(key) < 16 || user == "" {
			return errors.New("dev keys must be at least 16 bytes and map to a user id")
		}
	}
	if c.Mandate.Grace >= c.Mandate.TTL {
		return fmt.Errorf("mandate grace %s must be shorter than ttl %s", c.Mandate.Grace, c.Mandate.TTL)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.RemoteGrace >= c.Dispatch.RemoteTTL {
		return fmt.Errorf("dispatch remote grace %s must be shorter than remote ttl %s", c.Dispatch.RemoteGrace, c.Dispatch.RemoteTTL)
	}
	if th := c.Triad.FastPathThreshold; th <= 0 || th > 1 {
		return fmt.Errorf("triad.fast_path_threshold must be in (0, 1], got %v", th)
	}

	switch c.Session.Store {
	case "memory", "file":
	case "redis":
		if c.Session.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for the redis store (or REDIS_ADDR)")
		}
	case "firestore":
		if c.Session.Firestore.ProjectID == "" {
			return errors.New("session.firestore.project_id is required for the firestore store (or GCP_PROJECT)")
		}
	default:
		return fmt.Errorf("unknown session store: %s", c.Session.Store)
	}

	switch c.Discovery.Store {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			return errors.New("the redis discovery store needs session.redis.addr (or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("unknown discovery store: %s", c.Discovery.Store)
	}

	switch c.NLU.Provider {
	case "rules":
	case "openai":
		if c.NLU.OpenAIKey == "" {
			return errors.New("nlu.openai_key is required for the openai extractor (or OPENAI_API_KEY)")
		}
	case "gemini":
		if c.NLU.GoogleAPIKey == "" && c.NLU.GCPProject == "" {
			return errors.New("the gemini extractor needs nlu.google_api_key or nlu.gcp_project")
		}
	case "bedrock":
		if c.NLU.AWSRegion == "" {
			return errors.New("nlu.aws_region is required for the bedrock extractor (or AWS_REGION)")
		}
	default:
		return fmt.Errorf("unknown nlu provider: %s", c.NLU.Provider)
	}

	switch c.History.Store {
	case "memory":
	case "postgres":
		if c.History.DatabaseURL == "" {
			return errors.New("history.database_url is required for the postgres store (or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown history store: %s", c.History.Store)
	}

	if !c.Server.Simulate {
		if len(c.Providers) == 0 {
			return errors.New("providers are required unless server.simulate is set")
		}
		seen := make(map[string]bool, len(c.Providers))
		for _, p := range c.Providers {
			if p.Name == "" || p.Address == "" {
				return fmt.Errorf("provider %q needs a name and an address", p.Name)
			}
			if p.Transport != "" && p.Transport != "http" {
				return fmt.Errorf("provider %s: unsupported transport %s", p.Name, p.Transport)
			}
			if seen[p.Name] {
				return fmt.Errorf("provider %s listed twice", p.Name)
			}
			seen[p.Name] = true
		}
	}

	switch c.Tracing.Exporter {
	case observability.ExporterNone, observability.ExporterStdout, observability.ExporterOTLP:
	default:
		return fmt.Errorf("unknown tracing exporter: %s", c.Tracing.Exporter)
	}
	return nil
}
