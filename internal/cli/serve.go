package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/hooks"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const pidFileName = "conductor.pid"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator behind the gateway",
	Long: `Run the session orchestrator and serve it over WebSocket and HTTP
JSON-RPC until interrupted. Config file edits to the log level are applied
without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if cfg.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required to serve")
	}

	lg, err := newLogger(cfg.Logging, true)
	if err != nil {
		return err
	}
	defer lg.Close()
	// The global level gates output so reloads can move it either way.
	log := lg.Zerolog().Level(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(lg.Zerolog().GetLevel())
	if redactor := lg.Redactor(); redactor != nil {
		redactor.AddSecret(cfg.Gateway.SharedSecret)
		for _, p := range cfg.AI.Profiles {
			redactor.AddSecret(p.APIKey)
		}
	}

	observability.EnsureRegistered()
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile, cfg.Logging.MaxSize, cfg.Logging.MaxAge); err != nil {
			log.Warn().Err(err).Msg("Failed to open audit log, continuing without it")
		}
	}
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.ProviderOptions{
			ServiceName:    "conductor",
			ServiceVersion: version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	pidFile := pidFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("conductor is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	hookMgr, err := newHookManager(cfg.Hooks, log)
	if err != nil {
		return err
	}
	if !hookMgr.Empty() {
		stopHooks := hookMgr.Attach(rt.orch)
		defer stopHooks()
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: time.Duration(cfg.Gateway.TickIntervalMs) * time.Millisecond,
		Engine:       rt.orch,
		Logger:       log.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	if err := loader.Watch(func(next *config.Config) { applyReload(log, next) }); err != nil {
		log.Debug().Err(err).Msg("Config hot reload disabled")
	}

	log.Info().
		Strs("agents", rt.mux.Kinds()).
		Str("storage", cfg.Storage.Driver).
		Int("pid", os.Getpid()).
		Msg("Conductor started")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutdown signal received")
	return server.Stop()
}

func newHookManager(list []config.HookConfig, log zerolog.Logger) (*hooks.Manager, error) {
	defs := make([]hooks.Hook, 0, len(list))
	for _, h := range list {
		defs = append(defs, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	}
	return hooks.NewManager(hooks.Config{Hooks: defs, Logger: log})
}

// applyReload applies the settings that are safe to change at runtime.
// Agent, gateway and storage changes need a restart.
func applyReload(log zerolog.Logger, next *config.Config) {
	level, err := zerolog.ParseLevel(next.Logging.Level)
	if err != nil || next.Logging.Level == "" {
		return
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("level", level.String()).Msg("Log level updated")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so probe with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}
