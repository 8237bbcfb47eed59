package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Coordinator CoordinatorConfig          `yaml:"coordinator" toml:"coordinator"`
	AgentTypes  map[string]AgentTypeConfig `yaml:"agent_types" toml:"agent_types"`
	Context     ContextConfig              `yaml:"context" toml:"context"`
	Memory      MemoryConfig               `yaml:"memory" toml:"memory"`
	Store       StoreConfig                `yaml:"store" toml:"store"`
	Redis       RedisConfig                `yaml:"redis" toml:"redis"`
	NATS        NATSConfig                 `yaml:"nats" toml:"nats"`
	Bus         BusConfig                  `yaml:"bus" toml:"bus"`
	Maintenance MaintenanceConfig          `yaml:"maintenance" toml:"maintenance"`
	Web         WebConfig                  `yaml:"web" toml:"web"`
	Log         LogConfig                  `yaml:"log" toml:"log"`
}

type CoordinatorConfig struct {
	PoolSize    int           `yaml:"pool_size" toml:"pool_size"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// AgentTypeConfig describes one kind of agent the coordinator may spawn.
type AgentTypeConfig struct {
	Description   string   `yaml:"description" toml:"description"`
	Capabilities  []string `yaml:"capabilities" toml:"capabilities"`
	ContextBudget int      `yaml:"context_budget" toml:"context_budget"`
}

type ContextConfig struct {
	DefaultBudget    int     `yaml:"default_budget" toml:"default_budget"`
	WarningRatio     float64 `yaml:"warning_ratio" toml:"warning_ratio"`
	CriticalRatio    float64 `yaml:"critical_ratio" toml:"critical_ratio"`
	CompressionLevel int     `yaml:"compression_level" toml:"compression_level"`
}

type MemoryConfig struct {
	Driver     string `yaml:"driver" toml:"driver"` // sqlite, redis, none
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
}

type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// NATSConfig selects the event transport. When URL is empty an embedded
// server is started on Port.
type NATSConfig struct {
	Port int    `yaml:"port" toml:"port"`
	URL  string `yaml:"url" toml:"url"`
}

type BusConfig struct {
	Retention  time.Duration `yaml:"retention" toml:"retention"`
	InboxLimit int           `yaml:"inbox_limit" toml:"inbox_limit"`
	Mirror     bool          `yaml:"mirror" toml:"mirror"`
}

// MaintenanceConfig holds schedules (cron expressions or schedule JSON) for
// the background jobs.
type MaintenanceConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MemoryCleanup string        `yaml:"memory_cleanup" toml:"memory_cleanup"`
	BusGC         string        `yaml:"bus_gc" toml:"bus_gc"`
	IdleReap      string        `yaml:"idle_reap" toml:"idle_reap"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Port    int    `yaml:"port" toml:"port"`
	Auth    string `yaml:"auth" toml:"auth"` // basic auth password, empty disables auth
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func defaults() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			PoolSize:    3,
			MaxAttempts: 3,
			IdleTimeout: 10 * time.Minute,
		},
		AgentTypes: map[string]AgentTypeConfig{
			"generalist": {
				Description:  "General purpose agent",
				Capabilities: []string{"general", "research", "analysis", "documentation"},
			},
			"coder": {
				Description:  "Writes and reviews code",
				Capabilities: []string{"coding", "review", "testing"},
			},
		},
		Context: ContextConfig{
			DefaultBudget:    8000,
			WarningRatio:     0.80,
			CriticalRatio:    0.95,
			CompressionLevel: 3,
		},
		Memory: MemoryConfig{
			Driver: "sqlite",
		},
		Store: StoreConfig{
			Path: "data/syntonia.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "syntonia",
		},
		NATS: NATSConfig{
			Port: 4222,
		},
		Bus: BusConfig{
			Retention:  5 * time.Minute,
			InboxLimit: 1024,
			Mirror:     true,
		},
		Maintenance: MaintenanceConfig{
			PollInterval:  15 * time.Second,
			MemoryCleanup: "* * * * *",
			BusGC:         `{"kind":"interval","interval_ms":30000}`,
			IdleReap:      `{"kind":"interval","interval_ms":60000}`,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file named by SYNTONIA_CONFIG (YAML, or TOML when
// the path ends in .toml), applies environment overrides and validates the
// result. A missing file is not an error.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNTONIA_CONFIG")
	if path == "" {
		path = "config/syntonia.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Agent types from the file replace the built-in ones.
		builtin := cfg.AgentTypes
		cfg.AgentTypes = nil

		expanded := os.ExpandEnv(string(data))
		if strings.HasSuffix(path, ".toml") {
			if _, err := toml.Decode(expanded, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.AgentTypes == nil {
			cfg.AgentTypes = builtin
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNTONIA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordinator.PoolSize = n
		}
	}
	if v := os.Getenv("SYNTONIA_MEMORY_DRIVER"); v != "" {
		cfg.Memory.Driver = v
	}
	if v := os.Getenv("SYNTONIA_MEMORY_PASSPHRASE"); v != "" {
		cfg.Memory.Passphrase = v
	}
	if v := os.Getenv("SYNTONIA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNTONIA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SYNTONIA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SYNTONIA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNTONIA_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SYNTONIA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNTONIA_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SYNTONIA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Coordinator.PoolSize < 1 {
		errs = append(errs, errors.New("coordinator.pool_size must be at least 1"))
	}
	if c.Coordinator.MaxAttempts < 1 {
		errs = append(errs, errors.New("coordinator.max_attempts must be at least 1"))
	}
	if len(c.AgentTypes) == 0 {
		errs = append(errs, errors.New("at least one agent type is required"))
	}
	for name, at := range c.AgentTypes {
		if len(at.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("agent type %q has no capabilities", name))
		}
		if at.ContextBudget < 0 {
			errs = append(errs, fmt.Errorf("agent type %q has a negative context budget", name))
		}
	}
	if c.Context.DefaultBudget < 1 {
		errs = append(errs, errors.New("context.default_budget must be positive"))
	}
	if c.Context.WarningRatio <= 0 || c.Context.WarningRatio > 1 {
		errs = append(errs, errors.New("context.warning_ratio must be in (0,1]"))
	}
	if c.Context.CriticalRatio <= 0 || c.Context.CriticalRatio > 1 {
		errs = append(errs, errors.New("context.critical_ratio must be in (0,1]"))
	}
	if c.Context.WarningRatio >= c.Context.CriticalRatio {
		errs = append(errs, errors.New("context.warning_ratio must be below context.critical_ratio"))
	}
	switch c.Memory.Driver {
	case "sqlite", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown memory driver %q", c.Memory.Driver))
	}
	return errors.Join(errs...)
}

// BudgetFor returns the context budget for an agent type, falling back to
// the default budget.
func (c *Config) BudgetFor(agentType string) int {
	if at, ok := c.AgentTypes[agentType]; ok && at.ContextBudget > 0 {
		return at.ContextBudget
	}
	return c.Context.DefaultBudget
}
