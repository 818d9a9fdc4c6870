package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration. Values come from (lowest to
// highest precedence) built-in defaults, an optional YAML file, and
// SHIPYARD_* environment variables for the common knobs.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	Driver      DriverConfig      `yaml:"driver"`
	WarmPool    WarmPoolConfig    `yaml:"warm_pool"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Profiles    []Profile         `yaml:"profiles"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DriverConfig selects and configures the container driver.
type DriverConfig struct {
	// Type is "containerd" (default) or "memory" (in-process, dev/test).
	Type       string `yaml:"type"`
	Socket     string `yaml:"socket"`
	Namespace  string `yaml:"namespace"`
	VolumesDir string `yaml:"volumes_dir"`
	LogsDir    string `yaml:"logs_dir"`
}

// WarmPoolConfig tunes the warmup queue and pool scheduler.
type WarmPoolConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	RunOnStartup       bool          `yaml:"run_on_startup"`
	QueueMaxSize       int           `yaml:"queue_max_size"`
	QueueWorkers       int           `yaml:"queue_workers"`
	DropPolicy         string        `yaml:"drop_policy"` // drop_newest | drop_oldest
	DropAlertThreshold int           `yaml:"drop_alert_threshold"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

// ReconcilerConfig tunes the background GC loops.
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// IdempotencyConfig tunes the create-replay cache.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Profile is a named runtime configuration. Profiles are configuration
// values, not persisted entities.
type Profile struct {
	ID            string        `yaml:"id"`
	Image         string        `yaml:"image"`
	CPUs          float64       `yaml:"cpus"`
	Memory        int64         `yaml:"memory"` // bytes
	PidsLimit     int64         `yaml:"pids_limit"`
	Capabilities  []string      `yaml:"capabilities"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	RuntimePort   int           `yaml:"runtime_port"`
	WarmPoolSize  int           `yaml:"warm_pool_size"`
	WarmRotateTTL time.Duration `yaml:"warm_rotate_ttl"`
	Env           []string      `yaml:"env"`
}

// HasCapability reports whether the profile declares the capability tag.
func (p *Profile) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		DataDir: "/var/lib/shipyard",
		Log:     LogConfig{Level: "info"},
		Driver: DriverConfig{
			Type:       "containerd",
			Socket:     "/run/containerd/containerd.sock",
			Namespace:  "shipyard",
			VolumesDir: "/var/lib/shipyard/volumes",
			LogsDir:    "/var/lib/shipyard/logs",
		},
		WarmPool: WarmPoolConfig{
			Enabled:            true,
			Interval:           30 * time.Second,
			RunOnStartup:       true,
			QueueMaxSize:       64,
			QueueWorkers:       4,
			DropPolicy:         "drop_newest",
			DropAlertThreshold: 10,
			ShutdownGrace:      10 * time.Second,
		},
		Reconciler:  ReconcilerConfig{Interval: 15 * time.Second},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Profiles: []Profile{
			{
				ID:           "python-default",
				Image:        "shipyard/agent:latest",
				CPUs:         1.0,
				Memory:       1 << 30,
				PidsLimit:    256,
				Capabilities: []string{"python", "shell", "filesystem"},
				IdleTimeout:  30 * time.Minute,
				RuntimePort:  8000,
			},
		},
	}
}

// Load reads configuration from path (optional, "" = defaults only) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SHIPYARD_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHIPYARD_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SHIPYARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHIPYARD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHIPYARD_DRIVER_TYPE"); v != "" {
		cfg.Driver.Type = v
	}
	if v := os.Getenv("SHIPYARD_DRIVER_SOCKET"); v != "" {
		cfg.Driver.Socket = v
	}
	if v := os.Getenv("SHIPYARD_WARM_POOL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WarmPool.Enabled = b
		}
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one profile must be configured")
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.ID == "" {
			return fmt.Errorf("profile %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.Image == "" {
			return fmt.Errorf("profile %s: image is required", p.ID)
		}
		if p.RuntimePort <= 0 {
			p.RuntimePort = 8000
		}
		if p.PidsLimit <= 0 {
			p.PidsLimit = 256
		}
		if p.IdleTimeout <= 0 {
			p.IdleTimeout = 30 * time.Minute
		}
		if p.WarmRotateTTL <= 0 {
			p.WarmRotateTTL = 30 * time.Minute
		}
	}
	switch c.WarmPool.DropPolicy {
	case "", "drop_newest", "drop_oldest":
	default:
		return fmt.Errorf("invalid warm_pool.drop_policy: %s", c.WarmPool.DropPolicy)
	}
	if c.WarmPool.QueueWorkers <= 0 {
		c.WarmPool.QueueWorkers = 4
	}
	if c.WarmPool.QueueMaxSize <= 0 {
		c.WarmPool.QueueMaxSize = 64
	}
	return nil
}

// GetProfile returns the profile with the given id, or nil.
func (c *Config) GetProfile(id string) *Profile {
	for i := range c.Profiles {
		if c.Profiles[i].ID == id {
			return &c.Profiles[i]
		}
	}
	return nil
}

// WarmProfiles returns the profiles with a warm pool target.
func (c *Config) WarmProfiles() []*Profile {
	var out []*Profile
	for i := range c.Profiles {
		if c.Profiles[i].WarmPoolSize > 0 {
			out = append(out, &c.Profiles[i])
		}
	}
	return out
}
