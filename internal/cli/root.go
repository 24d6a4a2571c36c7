package cli

import (
	"fmt"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - agent session orchestrator",
	Long: `Conductor runs long-lived AI agent sessions, either as child worker
processes or in-process model loops, and exposes them to clients over a
WebSocket and HTTP JSON-RPC gateway.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conductor/conductor.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config and applies the --log-level flag. Commands
// that only need paths skip validation.
func loadConfig(validate bool) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if !validate {
		return loader, cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return loader, cfg, nil
}

func newLogger(cfg config.LoggingConfig, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:      cfg.Level,
		File:       cfg.File,
		Console:    console,
		Pretty:     cfg.Pretty,
		Redaction:  cfg.Redaction,
		MaxSizeMB:  cfg.MaxSize,
		MaxAgeDays: cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}
