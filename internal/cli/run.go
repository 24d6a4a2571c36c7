package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	runAgent   string
	runCwd     string
	runMode    string
	runYes     bool
	runTimeout time.Duration
	runFormat  string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Spawn a session, send one prompt and print the transcript",
	Long: `Spawn a session for the given agent kind, send the prompt, wait for
the turn to finish and print the transcript. Permission requests are denied
and file edits rejected unless --yes is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", "", "agent kind to spawn (default: first configured)")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "session working directory (default: current directory)")
	runCmd.Flags().StringVar(&runMode, "mode", worker.ModeAsk, "session mode (ask, auto)")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve every permission request and file edit")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "give up on the turn after this long")
	runCmd.Flags().StringVar(&runFormat, "format", "table", "output format (table, plain, json)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	// Keep stdout for the transcript; logs only go to the configured file.
	lg, err := newLogger(cfg.Logging, logLevel != "")
	if err != nil {
		return err
	}
	defer lg.Close()

	kind := runAgent
	if kind == "" {
		kind = cfg.Agents[0].Kind
	}
	cwd := runCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	rt, err := newRuntime(cfg, lg.Zerolog())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	res, err := runPrompt(ctx, rt.orch, runRequest{
		AgentKind: kind,
		Cwd:       cwd,
		Mode:      runMode,
		Prompt:    strings.Join(args, " "),
		Approve:   runYes,
	})
	if err != nil && res.SessionID == "" {
		return err
	}
	if renderErr := writeTranscript(cmd.OutOrStdout(), res.Messages, runFormat); renderErr != nil {
		return renderErr
	}
	if err != nil {
		return err
	}
	if res.Status == orchestrator.StatusError {
		return fmt.Errorf("session %s ended in error: %s", res.SessionID, res.LastError)
	}
	if res.Paused {
		fmt.Fprintln(cmd.ErrOrStderr(), "Turn paused at the iteration limit.")
	}
	return nil
}

// runRequest describes one spawn-and-prompt round trip.
type runRequest struct {
	AgentKind string
	Cwd       string
	Mode      string
	Prompt    string
	Approve   bool
}

type runResult struct {
	SessionID string
	Status    orchestrator.Status
	LastError string
	Paused    bool
	Messages  []orchestrator.Message
}

// runPrompt spawns a session, sends one prompt and answers approvals until
// the session stops prompting. The result carries whatever transcript
// exists even when err is set.
func runPrompt(ctx context.Context, orch *orchestrator.Orchestrator, req runRequest) (runResult, error) {
	wake := make(chan struct{}, 1)
	unwatch := orch.Watch(func(c orchestrator.Change) {
		switch c.Kind {
		case orchestrator.ChangeStatus, orchestrator.ChangeApprovals, orchestrator.ChangeSessionRemoved:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	defer unwatch()

	snap, err := orch.Spawn(ctx, req.AgentKind, req.Cwd, worker.SpawnOptions{Mode: req.Mode})
	if err != nil {
		return runResult{SessionID: snap.ID}, fmt.Errorf("spawn %s: %w", req.AgentKind, err)
	}

	sent, err := orch.SendPrompt(ctx, snap.ID, req.Prompt, worker.PromptContext{})
	if err != nil {
		return collect(orch, snap.ID), fmt.Errorf("send prompt: %w", err)
	}
	sid := sent.SessionID

	for {
		answerApprovals(ctx, orch, sid, req.Approve)

		current, err := orch.Session(sid)
		if err != nil {
			return runResult{SessionID: sid}, err
		}
		if current.Status != orchestrator.StatusPrompting && current.Queued == 0 {
			return collect(orch, sid), nil
		}

		select {
		case <-ctx.Done():
			_ = orch.Cancel(context.Background(), sid)
			return collect(orch, sid), ctx.Err()
		case <-wake:
		}
	}
}

func answerApprovals(ctx context.Context, orch *orchestrator.Orchestrator, sid string, approve bool) {
	for _, p := range orch.Permissions() {
		if p.SessionID != sid {
			continue
		}
		if option := allowOption(p.Request); approve && option != "" {
			_ = orch.RespondPermission(ctx, sid, p.Request.RequestID, option)
		} else {
			_ = orch.DismissPermission(ctx, sid, p.Request.RequestID)
		}
	}
	for _, d := range orch.DiffProposals() {
		if d.SessionID == sid {
			_ = orch.RespondDiffProposal(ctx, sid, d.Proposal.ProposalID, approve)
		}
	}
}

func allowOption(req worker.PermissionRequest) string {
	for _, opt := range req.Options {
		if opt.Kind == "allow" {
			return opt.ID
		}
	}
	return ""
}

func collect(orch *orchestrator.Orchestrator, sid string) runResult {
	res := runResult{SessionID: sid}
	if snap, err := orch.Session(sid); err == nil {
		res.Status = snap.Status
		res.LastError = snap.LastError
		res.Paused = snap.Continuation != nil
	}
	res.Messages, _ = orch.Transcript(sid)
	return res
}
