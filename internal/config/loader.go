package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".conductor"
	defaultFileName = "conductor.json"
	envPrefix       = "CONDUCTOR"
)

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (JSON or YAML, by extension), overlays
// CONDUCTOR_* environment variables and fills derived defaults. A missing
// file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

// Watch reloads the config whenever the file changes and hands every
// successfully parsed and validated version to fn. Invalid edits are logged
// and skipped. Load must have been called first.
func (l *Loader) Watch(fn func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload failed")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload: invalid config ignored")
			return
		}
		log.Info().Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg to the config path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("agents", cfg.Agents)
	v.Set("ai", cfg.AI)
	v.Set("storage", cfg.Storage)
	v.Set("hooks", cfg.Hooks)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	// A configured agent list replaces the default one instead of merging into it.
	if v.IsSet("agents") {
		cfg.Agents = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// bindEnv registers the scalar keys that are commonly overridden from the
// environment; viper only consults AutomaticEnv for keys it already knows.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"logging.level",
		"logging.file",
		"gateway.host",
		"gateway.port",
		"gateway.shared_secret",
		"orchestrator.spawn_timeout_seconds",
		"orchestrator.max_iterations",
		"storage.driver",
		"storage.dir",
	} {
		_ = v.BindEnv(key)
	}
}

// applyDerived fills paths under the data directory and adds provider
// profiles from the conventional ANTHROPIC_API_KEY / OPENAI_API_KEY variables
// when the file does not define them.
func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(cfg.DataDir, "transcripts")
	}

	for _, p := range []struct{ id, env string }{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
	} {
		if _, ok := cfg.Profile(p.id); ok {
			continue
		}
		if key := os.Getenv(p.env); key != "" {
			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: p.id, Provider: p.id, APIKey: key})
		}
	}
	return nil
}
