package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config represents the main conductor configuration
type Config struct {
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Agents       []AgentConfig      `json:"agents" mapstructure:"agents"`
	AI           AIConfig           `json:"ai" mapstructure:"ai"`
	Storage      StorageConfig      `json:"storage" mapstructure:"storage"`
	Hooks        []HookConfig       `json:"hooks" mapstructure:"hooks"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port           int    `json:"port" mapstructure:"port"`
	Host           string `json:"host" mapstructure:"host"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalMs int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
}

// OrchestratorConfig tunes session lifecycle and the tool loop.
type OrchestratorConfig struct {
	SpawnTimeoutSeconds int         `json:"spawn_timeout_seconds" mapstructure:"spawn_timeout_seconds"`
	MaxIterations       int         `json:"max_iterations" mapstructure:"max_iterations"`
	Retry               RetryConfig `json:"retry" mapstructure:"retry"`
}

// RetryConfig holds model transport retry settings
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`
}

// AgentConfig declares one spawnable agent kind. Backend "process" runs
// Command as a child worker; backend "model" runs the in-process tool loop
// against the AI profile named by Profile.
type AgentConfig struct {
	Kind         string            `json:"kind" mapstructure:"kind"`
	Backend      string            `json:"backend" mapstructure:"backend"` // process, model
	Command      string            `json:"command" mapstructure:"command"`
	Args         []string          `json:"args" mapstructure:"args"`
	Env          map[string]string `json:"env" mapstructure:"env"`
	Profile      string            `json:"profile" mapstructure:"profile"`
	Model        string            `json:"model" mapstructure:"model"`
	SystemPrompt string            `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int               `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64           `json:"temperature" mapstructure:"temperature"`
	// Tools restricts the built-in tools a model agent may call. Deny wins
	// over Allow; an empty Allow means every tool.
	Tools ToolAccess `json:"tools" mapstructure:"tools"`
}

type ToolAccess struct {
	Disabled bool     `json:"disabled" mapstructure:"disabled"`
	Allow    []string `json:"allow" mapstructure:"allow"`
	Deny     []string `json:"deny" mapstructure:"deny"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
}

// TracingConfig controls OpenTelemetry span sampling. A ratio of 0
// disables sampling without removing the trace_id log correlation.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// StorageConfig selects where transcripts are persisted.
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // none, jsonl, sqlite
	Dir    string `json:"dir" mapstructure:"dir"`
}

// HookConfig binds a shell script to a session lifecycle event
// (session.spawned, session.terminated, session.error, prompt.completed).
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:           8420,
			Host:           "127.0.0.1",
			TickIntervalMs: 30000,
		},
		Orchestrator: OrchestratorConfig{
			SpawnTimeoutSeconds: 30,
			MaxIterations:       25,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialDelayMs: 1000,
			},
		},
		Agents: []AgentConfig{
			{
				Kind:      "claude",
				Backend:   BackendModel,
				Profile:   "anthropic",
				Model:     "claude-sonnet-4-5",
				MaxTokens: 8192,
			},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Storage: StorageConfig{
			Driver: StorageNone,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
	}
}

const (
	BackendProcess = "process"
	BackendModel   = "model"

	StorageNone   = "none"
	StorageJSONL  = "jsonl"
	StorageSQLite = "sqlite"
)

// SpawnTimeout returns the readiness timeout as a duration.
func (c OrchestratorConfig) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutSeconds) * time.Second
}

// InitialDelay returns the first retry backoff as a duration.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// Agent returns the agent definition for kind.
func (c *Config) Agent(kind string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Kind == kind {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Profile returns the AI profile with the given id.
func (c *Config) Profile(id string) (AIProfile, bool) {
	for _, p := range c.AI.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return AIProfile{}, false
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func describe(i int, kind string) string {
	if kind == "" {
		return fmt.Sprintf("agent %d", i)
	}
	return fmt.Sprintf("agent %s", kind)
}
