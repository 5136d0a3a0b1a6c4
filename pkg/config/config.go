// Package config loads session files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/evaluator"
	"github.com/boristopalov/parley/pkg/storage"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

type ExperimentConfig struct {
	Name string `yaml:"name"`
	// Timeout bounds the whole session; zero means no limit
	Timeout     time.Duration   `yaml:"timeout"`
	Session     SessionConfig   `yaml:"session"`
	Environment EnvConfig       `yaml:"environment"`
	Agents      []AgentConfig   `yaml:"agents"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Evaluator   EvaluatorConfig `yaml:"evaluator"`
	Providers   ProvidersConfig `yaml:"providers"`
	Logging     LogConfig       `yaml:"logging"`
}

// SessionConfig drives the moderator
type SessionConfig struct {
	NodeName         string        `yaml:"node_name"`
	Tag              string        `yaml:"tag"`
	ActionOrder      string        `yaml:"action_order"`
	AvailableActions []string      `yaml:"available_actions"`
	MaxTurns         int           `yaml:"max_turns"`
	PushToDB         bool          `yaml:"push_to_db"`
	WillEval         bool          `yaml:"will_eval"`
	UsePKValue       bool          `yaml:"use_pk_value"`
	Authorization    string        `yaml:"authorization"`
	BootInterval     time.Duration `yaml:"boot_interval"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

type EnvConfig struct {
	// Profile names a built-in scenario; Scenario overrides its text
	Profile  string `yaml:"profile"`
	Scenario string `yaml:"scenario"`
}

type AgentConfig struct {
	Name           string  `yaml:"name"`
	Model          string  `yaml:"model"`
	Goal           string  `yaml:"goal"`
	Temperature    float64 `yaml:"temperature"`
	InputChannel   string  `yaml:"input_channel"`
	OutputChannel  string  `yaml:"output_channel"`
	MemoryCapacity int     `yaml:"memory_capacity"`
}

// BusConfig selects the transport. Redis settings are also used by the
// redis store.
type BusConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type StoreConfig struct {
	Type      string `yaml:"type"`
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix"`
}

type EvaluatorConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type ProvidersConfig struct {
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	BusMemory = "memory"
	BusRedis  = "redis"

	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTurns    = 20
)

// Default returns a config with every default filled in and no agents
func Default() *ExperimentConfig {
	cfg := &ExperimentConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML session file, fills defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is LoadConfig without the file
func Parse(data []byte) (*ExperimentConfig, error) {
	cfg := &ExperimentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ExperimentConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "session"
	}
	if c.Session.NodeName == "" {
		c.Session.NodeName = core.ModeratorName
	}
	if c.Session.ActionOrder == "" {
		c.Session.ActionOrder = "round-robin"
	}
	if c.Session.Authorization == "" {
		c.Session.Authorization = "advisory"
	}
	if c.Session.MaxTurns == 0 {
		c.Session.MaxTurns = DefaultMaxTurns
	}
	if c.Bus.Type == "" {
		c.Bus.Type = BusMemory
	}
	if c.Bus.Redis.Addr == "" {
		c.Bus.Redis.Addr = "localhost:6379"
	}
	if c.Store.Type == "" {
		c.Store.Type = storage.TypeMemory
	}
	if c.Evaluator.Type == "" {
		c.Evaluator.Type = evaluator.DummySelector
	}
	if c.Evaluator.Model == "" {
		c.Evaluator.Model = DefaultModel
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Model == "" {
			a.Model = DefaultModel
		}
		if a.Temperature == 0 {
			a.Temperature = DefaultTemperature
		}
		if a.InputChannel == "" {
			a.InputChannel = "moderator:" + a.Name
		}
		if a.OutputChannel == "" {
			a.OutputChannel = a.Name + ":moderator"
		}
	}
}

func (c *ExperimentConfig) applyEnv() {
	if v := os.Getenv("PARLEY_REDIS_ADDR"); v != "" {
		c.Bus.Redis.Addr = v
	}
	if v := os.Getenv("PARLEY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Bus.Redis.DB = db
		}
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if c.Providers.OpenAIAPIKey == "" {
		c.Providers.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.OpenAIBaseURL == "" {
		c.Providers.OpenAIBaseURL = os.Getenv("OPENAI_API_BASE_URL")
	}
	if c.Providers.GeminiAPIKey == "" {
		c.Providers.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate reports the first problem that would stop a session from running
func (c *ExperimentConfig) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("%w: no agents", ErrInvalid)
	}
	if c.Session.ActionOrder != "round-robin" {
		return fmt.Errorf("%w: action order %q is not supported", ErrInvalid, c.Session.ActionOrder)
	}
	switch c.Session.Authorization {
	case "advisory", "strict":
	default:
		return fmt.Errorf("%w: unknown authorization policy %q", ErrInvalid, c.Session.Authorization)
	}
	if c.Session.MaxTurns < 1 {
		return fmt.Errorf("%w: max_turns must be at least 1", ErrInvalid)
	}
	for _, a := range c.Session.AvailableActions {
		if !core.ActionType(a).Valid() {
			return fmt.Errorf("%w: unknown action type %q", ErrInvalid, a)
		}
	}

	names := map[string]bool{}
	channels := map[string]bool{}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("%w: agent without a name", ErrInvalid)
		}
		if a.Name == core.ModeratorName {
			return fmt.Errorf("%w: agent name %q is reserved", ErrInvalid, a.Name)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalid, a.Name)
		}
		names[a.Name] = true
		for _, ch := range []string{a.InputChannel, a.OutputChannel} {
			if channels[ch] {
				return fmt.Errorf("%w: channel %q used twice", ErrInvalid, ch)
			}
			channels[ch] = true
		}
	}

	switch c.Bus.Type {
	case BusMemory, BusRedis:
	default:
		return fmt.Errorf("%w: unknown bus type %q", ErrInvalid, c.Bus.Type)
	}
	switch c.Store.Type {
	case storage.TypeMemory, storage.TypeSQL, storage.TypeRedis:
	default:
		return fmt.Errorf("%w: unknown store type %q", ErrInvalid, c.Store.Type)
	}
	if !evaluator.Known(c.Evaluator.Type) {
		return fmt.Errorf("%w: unknown evaluator %q", ErrInvalid, c.Evaluator.Type)
	}
	return nil
}

// Agent returns the named agent's settings
func (c *ExperimentConfig) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
