package gateway

import (
	"context"
	"fmt"

	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/worker"
)

// Engine is the part of the orchestrator the gateway exposes.
type Engine interface {
	Spawn(ctx context.Context, agentKind, cwd string, opts worker.SpawnOptions) (orchestrator.Snapshot, error)
	SendPrompt(ctx context.Context, sessionID, text string, pc worker.PromptContext) (orchestrator.PromptResult, error)
	Cancel(ctx context.Context, sessionID string) error
	Terminate(ctx context.Context, sessionID string) error
	SetMode(ctx context.Context, sessionID, mode string) error
	ContinueTurn(ctx context.Context, sessionID string, budget int) error
	DiscardContinuation(sessionID string) error
	SetActive(sessionID string) error
	Active() string

	Sessions() []orchestrator.Snapshot
	Session(sessionID string) (orchestrator.Snapshot, error)
	Transcript(sessionID string) ([]orchestrator.Message, error)
	Plan(sessionID string) ([]worker.PlanEntry, error)
	Buffers(sessionID string) (content, thought string, err error)

	RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error
	DismissPermission(ctx context.Context, sessionID, requestID string) error
	RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error
	Permissions() []orchestrator.PendingPermission
	DiffProposals() []orchestrator.PendingDiff

	Watch(fn func(orchestrator.Change)) func()
}

const defaultContinueBudget = 10

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"session.spawn":      s.handleSpawn,
		"session.prompt":     s.handlePrompt,
		"session.cancel":     s.handleCancel,
		"session.terminate":  s.handleTerminate,
		"session.setMode":    s.handleSetMode,
		"session.continue":   s.handleContinue,
		"session.setActive":  s.handleSetActive,
		"session.list":       s.handleList,
		"session.get":        s.handleGet,
		"permission.respond": s.handlePermissionRespond,
		"permission.dismiss": s.handlePermissionDismiss,
		"diff.respond":       s.handleDiffRespond,
		"approvals.list":     s.handleApprovalsList,
	}
	for name, handler := range methods {
		_ = s.router.RegisterMethod(name, handler)
	}
}

func (s *Server) handleSpawn(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	kind, err := stringParam(params, "agentKind", true)
	if err != nil {
		return nil, err
	}
	cwd, err := stringParam(params, "cwd", true)
	if err != nil {
		return nil, err
	}
	mode, err := stringParam(params, "mode", false)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("agent_kind", kind).
		Str("cwd", cwd).
		Str("client_id", ClientIDFrom(ctx)).
		Msg("Spawning session")
	return s.engine.Spawn(ctx, kind, cwd, worker.SpawnOptions{Mode: mode})
}

func (s *Server) handlePrompt(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text", true)
	if err != nil {
		return nil, err
	}
	images, err := imagesParam(params)
	if err != nil {
		return nil, err
	}
	return s.engine.SendPrompt(ctx, sid, text, worker.PromptContext{Images: images})
}

func (s *Server) handleCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.Cancel(ctx, sid)
}

func (s *Server) handleTerminate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.Terminate(ctx, sid)
}

func (s *Server) handleSetMode(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	mode, err := stringParam(params, "mode", true)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.SetMode(ctx, sid, mode)
}

// handleContinue resumes a paused turn, or abandons it when discard is set.
func (s *Server) handleContinue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	if discard, _ := params["discard"].(bool); discard {
		return success(), s.engine.DiscardContinuation(sid)
	}
	budget := defaultContinueBudget
	if v, present := params["budget"]; present {
		f, isNum := v.(float64)
		if !isNum || f < 1 {
			return nil, &RPCError{Code: InvalidParams, Message: "budget must be a positive number"}
		}
		budget = int(f)
	}
	return success(), s.engine.ContinueTurn(ctx, sid, budget)
}

func (s *Server) handleSetActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.SetActive(sid)
}

func (s *Server) handleList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions": s.engine.Sessions(),
		"active":   s.engine.Active(),
	}, nil
}

func (s *Server) handleGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := s.sessionParam(params)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.Session(sid)
	if err != nil {
		return nil, err
	}
	msgs, err := s.engine.Transcript(sid)
	if err != nil {
		return nil, err
	}
	plan, err := s.engine.Plan(sid)
	if err != nil {
		return nil, err
	}
	content, thought, err := s.engine.Buffers(sid)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session":    snap,
		"transcript": msgs,
		"plan":       plan,
		"buffers":    map[string]string{"content": content, "thought": thought},
	}, nil
}

func (s *Server) handlePermissionRespond(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	rid, err := stringParam(params, "requestId", true)
	if err != nil {
		return nil, err
	}
	option, err := stringParam(params, "optionId", true)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.RespondPermission(ctx, sid, rid, option)
}

func (s *Server) handlePermissionDismiss(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	rid, err := stringParam(params, "requestId", true)
	if err != nil {
		return nil, err
	}
	return success(), s.engine.DismissPermission(ctx, sid, rid)
}

func (s *Server) handleDiffRespond(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sid, err := stringParam(params, "sessionId", true)
	if err != nil {
		return nil, err
	}
	pid, err := stringParam(params, "proposalId", true)
	if err != nil {
		return nil, err
	}
	accepted, isBool := params["accepted"].(bool)
	if !isBool {
		return nil, &RPCError{Code: InvalidParams, Message: "accepted parameter is required and must be a boolean"}
	}
	return success(), s.engine.RespondDiffProposal(ctx, sid, pid, accepted)
}

func (s *Server) handleApprovalsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return approvalsPayload(s.engine), nil
}

func approvalsPayload(engine Engine) map[string]interface{} {
	return map[string]interface{}{
		"permissions": engine.Permissions(),
		"diffs":       engine.DiffProposals(),
	}
}

func success() map[string]bool {
	return map[string]bool{"success": true}
}

// sessionParam reads sessionId, falling back to the focused session.
func (s *Server) sessionParam(params map[string]interface{}) (string, error) {
	sid, err := stringParam(params, "sessionId", false)
	if err != nil {
		return "", err
	}
	if sid == "" {
		sid = s.engine.Active()
	}
	if sid == "" {
		return "", &RPCError{Code: InvalidParams, Message: "sessionId is required when no session is active"}
	}
	return sid, nil
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	v, present := params[key]
	if !present || v == nil {
		if required {
			return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required", key)}
		}
		return "", nil
	}
	str, isString := v.(string)
	if !isString || (required && str == "") {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter must be a non-empty string", key)}
	}
	return str, nil
}

func imagesParam(params map[string]interface{}) ([]agent.Image, error) {
	raw, present := params["images"]
	if !present || raw == nil {
		return nil, nil
	}
	list, isList := raw.([]interface{})
	if !isList {
		return nil, &RPCError{Code: InvalidParams, Message: "images must be an array"}
	}
	images := make([]agent.Image, 0, len(list))
	for i, item := range list {
		m, isMap := item.(map[string]interface{})
		if !isMap {
			return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("images[%d] must be an object", i)}
		}
		mediaType, _ := m["mediaType"].(string)
		data, _ := m["data"].(string)
		if mediaType == "" || data == "" {
			return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("images[%d] needs mediaType and data", i)}
		}
		images = append(images, agent.Image{MediaType: mediaType, Data: data})
	}
	return images, nil
}
