// Package config loads the YAML wiring for a chat loop: which model
// endpoint to talk to, which memory backend to persist threads in, and how
// the loop is bounded.
//
// A minimal file:
//
//	model:
//	  name: qwen3:14b
//	  base_url: http://localhost:11434/v1
//	memory:
//	  backend: badger
//	  dir: /var/lib/chatloop
//	loop:
//	  max_iterations: 10
//	  timeout: 60s
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/cogentx/chatloop/pkg/chat/openai"
	"github.com/cogentx/chatloop/pkg/kv"
	"github.com/cogentx/chatloop/pkg/loop"
	"github.com/cogentx/chatloop/pkg/memory"
	"github.com/cogentx/chatloop/pkg/tool"
)

// Memory backends.
const (
	BackendVolatile = "volatile"
	BackendBadger   = "badger"
)

// Config is the top-level configuration.
type Config struct {
	Model  ModelConfig  `yaml:"model"`
	Memory MemoryConfig `yaml:"memory"`
	Loop   LoopConfig   `yaml:"loop"`
}

// ModelConfig selects the inference endpoint.
type ModelConfig struct {
	// Name is the model identifier, e.g. "qwen3:14b". Required.
	Name string `yaml:"name"`

	// BaseURL is the OpenAI-compatible endpoint. Defaults to a local
	// Ollama server.
	BaseURL string `yaml:"base_url"`

	// APIKey may be empty for servers that do not authenticate.
	APIKey string `yaml:"api_key"`

	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MemoryConfig selects the thread persistence backend.
type MemoryConfig struct {
	// Backend is "volatile" (process lifetime) or "badger" (durable).
	Backend string `yaml:"backend"`

	// Dir is the data directory for the badger backend.
	Dir string `yaml:"dir"`
}

// LoopConfig bounds the tool-call loop.
type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`

	// Timeout bounds each model round-trip, as a Go duration ("30s").
	Timeout string `yaml:"timeout"`

	Parallel bool `yaml:"parallel"`
}

// Default returns the configuration used when a field is left empty.
func Default() Config {
	return Config{
		Model: ModelConfig{
			BaseURL: "http://localhost:11434/v1",
		},
		Memory: MemoryConfig{
			Backend: BackendVolatile,
		},
		Loop: LoopConfig{
			MaxIterations: loop.DefaultMaxIterations,
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults, and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("config: model.name is required")
	}
	switch c.Memory.Backend {
	case BackendVolatile:
	case BackendBadger:
		if c.Memory.Dir == "" {
			return fmt.Errorf("config: memory.dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("config: unknown memory backend %q", c.Memory.Backend)
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("config: loop.max_iterations must not be negative")
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) timeout() (time.Duration, error) {
	if c.Loop.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Loop.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config: loop.timeout: %w", err)
	}
	return d, nil
}

// Build assembles a ready loop from the configuration. The caller supplies
// the tool registry (tools are code, not configuration) and must Close the
// loop's memory store when done.
func Build(cfg Config, tools *tool.Registry) (*loop.Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := openai.New(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name)
	if cfg.Model.Temperature > 0 || cfg.Model.MaxTokens > 0 {
		client.Params = &openai.Params{
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		}
	}

	var store memory.Store
	switch cfg.Memory.Backend {
	case BackendBadger:
		db, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.Memory.Dir})
		if err != nil {
			return nil, fmt.Errorf("config: open badger: %w", err)
		}
		store = memory.NewKV(db)
	default:
		store = memory.NewVolatile()
	}

	timeout, err := cfg.timeout()
	if err != nil {
		return nil, err
	}

	return &loop.Loop{
		Client:        client,
		Tools:         tools,
		Memory:        store,
		MaxIterations: cfg.Loop.MaxIterations,
		Timeout:       timeout,
		Parallel:      cfg.Loop.Parallel,
	}, nil
}
