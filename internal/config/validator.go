package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unsupported provider %q (must be one of: anthropic, openai)", provider)
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateStorageDriver validates the transcript storage driver
func (v *Validator) ValidateStorageDriver(driver string) error {
	if driver == "" {
		return nil
	}
	return oneOf("storage driver", driver, StorageNone, StorageJSONL, StorageSQLite)
}

// ValidateAgent checks one agent definition against the configured profiles.
func (v *Validator) ValidateAgent(cfg *Config, i int, agent AgentConfig) []error {
	var errs []error
	name := describe(i, agent.Kind)

	if agent.Kind == "" {
		errs = append(errs, fmt.Errorf("%s: kind is required", name))
	}

	switch agent.Backend {
	case BackendProcess:
		if strings.TrimSpace(agent.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: command is required for process backend", name))
		}
	case BackendModel:
		if agent.Model == "" {
			errs = append(errs, fmt.Errorf("%s: model is required for model backend", name))
		}
		if _, ok := cfg.Profile(agent.Profile); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown AI profile %q", name, agent.Profile))
		}
		if agent.Temperature < 0 || agent.Temperature > 1 {
			errs = append(errs, fmt.Errorf("%s: temperature must be between 0 and 1, got %f", name, agent.Temperature))
		}
		if agent.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s: max_tokens must be >= 0", name))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: invalid backend %q (must be one of: process, model)", name, agent.Backend))
	}

	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Errorf("AI profile %d: id is required", i))
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if len(cfg.Agents) == 0 {
		errs = append(errs, fmt.Errorf("at least one agent must be configured"))
	}
	seen := make(map[string]bool)
	for i, agent := range cfg.Agents {
		if agent.Kind != "" && seen[agent.Kind] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate kind", agent.Kind))
		}
		seen[agent.Kind] = true
		errs = append(errs, v.ValidateAgent(cfg, i, agent)...)
	}

	o := cfg.Orchestrator
	if o.SpawnTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.spawn_timeout_seconds must be > 0"))
	}
	if o.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be >= 0"))
	}
	if o.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.retry.max_attempts must be >= 1"))
	}
	if o.Retry.InitialDelayMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.retry.initial_delay_ms must be >= 0"))
	}

	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", r))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateStorageDriver(cfg.Storage.Driver); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func oneOf(what, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}
