package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/coretools"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/toolexecutor"
	"github.com/harun/conductor/pkg/transcript"
	"github.com/harun/conductor/pkg/worker"
	"github.com/rs/zerolog"
)

const execTimeout = 2 * time.Minute

// runtime owns the worker hosts, the transcript store and the orchestrator
// built from one config.
type runtime struct {
	orch   *orchestrator.Orchestrator
	mux    *worker.Mux
	store  transcript.Store
	hosts  []io.Closer
	logger zerolog.Logger
}

func newRuntime(cfg *config.Config, log zerolog.Logger) (*runtime, error) {
	mux, hosts, err := buildWorkers(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := transcript.Open(cfg.Storage.Driver, cfg.Storage.Dir)
	if err != nil {
		closeAll(hosts, log)
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(log.With().Str("component", "orchestrator").Logger()),
		orchestrator.WithSpawnTimeout(cfg.Orchestrator.SpawnTimeout()),
	}
	if store != nil {
		opts = append(opts, orchestrator.WithTranscriptStore(store))
	}

	return &runtime{
		orch:   orchestrator.New(mux, opts...),
		mux:    mux,
		store:  store,
		hosts:  hosts,
		logger: log,
	}, nil
}

// buildWorkers registers every configured agent kind on a Mux. Process
// agents share one ProcessHost and model agents share one ModelHost.
func buildWorkers(cfg *config.Config, log zerolog.Logger) (*worker.Mux, []io.Closer, error) {
	processAgents := make(map[string]worker.ProcessAgent)
	modelAgents := make(map[string]worker.ModelAgent)

	for _, a := range cfg.Agents {
		switch a.Backend {
		case config.BackendProcess:
			processAgents[a.Kind] = worker.ProcessAgent{Command: a.Command, Args: a.Args, Env: a.Env}
		case config.BackendModel:
			profile, ok := cfg.Profile(a.Profile)
			if !ok {
				return nil, nil, fmt.Errorf("agent %s: unknown AI profile %q", a.Kind, a.Profile)
			}
			modelAgents[a.Kind] = worker.ModelAgent{
				Profile: agent.AuthProfile{
					ID:       profile.ID,
					Provider: profile.Provider,
					APIKey:   profile.APIKey,
					BaseURL:  profile.BaseURL,
				},
				Model:        a.Model,
				SystemPrompt: a.SystemPrompt,
				Temperature:  a.Temperature,
				MaxTokens:    a.MaxTokens,
				NoTools:      a.Tools.Disabled,
				Policy:       toolPolicy(a.Tools),
			}
		default:
			return nil, nil, fmt.Errorf("agent %s: unsupported backend %q", a.Kind, a.Backend)
		}
	}

	mux := worker.NewMux()
	var hosts []io.Closer

	if len(processAgents) > 0 {
		host := worker.NewProcessHost(worker.ProcessHostConfig{
			Agents: processAgents,
			Logger: log.With().Str("component", "process_host").Logger(),
		})
		for kind := range processAgents {
			mux.Register(kind, host)
		}
		hosts = append(hosts, host)
	}

	if len(modelAgents) > 0 {
		tools := toolexecutor.New()
		if err := coretools.RegisterCoreTools(tools, coretools.Options{ExecTimeout: execTimeout}); err != nil {
			closeAll(hosts, log)
			return nil, nil, err
		}
		retry := cfg.Orchestrator.Retry
		host := worker.NewModelHost(worker.ModelHostConfig{
			Agents:        modelAgents,
			Tools:         tools,
			MaxIterations: cfg.Orchestrator.MaxIterations,
			Retrier: agent.Retrier{
				MaxAttempts:  retry.MaxAttempts,
				InitialDelay: retry.InitialDelay(),
				Logger:       log.With().Str("component", "retry").Logger(),
			},
			Logger: log.With().Str("component", "model_host").Logger(),
		})
		for kind := range modelAgents {
			mux.Register(kind, host)
		}
		hosts = append(hosts, host)
	}

	return mux, hosts, nil
}

// toolPolicy returns nil when access is unrestricted.
func toolPolicy(access config.ToolAccess) *toolexecutor.ToolPolicy {
	if len(access.Allow) == 0 && len(access.Deny) == 0 {
		return nil
	}
	allow := access.Allow
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	return &toolexecutor.ToolPolicy{Allow: allow, Deny: access.Deny}
}

// Close stops the orchestrator, then the hosts (which end their workers)
// and the store.
func (r *runtime) Close() {
	r.orch.Close()
	closeAll(r.hosts, r.logger)
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close transcript store")
		}
	}
}

func closeAll(hosts []io.Closer, log zerolog.Logger) {
	for _, h := range hosts {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close worker host")
		}
	}
}
