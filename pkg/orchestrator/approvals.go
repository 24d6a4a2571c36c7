package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
)

const (
	gatePermission = "permission"
	gateDiff       = "diff"

	fallbackDenyOption = "deny"
)

// approvalQueues holds the two human-in-the-loop queues in arrival order.
type approvalQueues struct {
	mu          sync.Mutex
	permissions []PendingPermission
	diffs       []PendingDiff
}

func (q *approvalQueues) init() {
	q.permissions = []PendingPermission{}
	q.diffs = []PendingDiff{}
}

func (q *approvalQueues) addPermission(p PendingPermission) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.permissions = append(q.permissions, p)
	return len(q.permissions)
}

func (q *approvalQueues) addDiff(d PendingDiff) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.diffs = append(q.diffs, d)
	return len(q.diffs)
}

func (q *approvalQueues) takePermission(sessionID, requestID string) (PendingPermission, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.permissions {
		if p.SessionID == sessionID && p.Request.RequestID == requestID {
			q.permissions = append(q.permissions[:i], q.permissions[i+1:]...)
			return p, len(q.permissions), true
		}
	}
	return PendingPermission{}, len(q.permissions), false
}

func (q *approvalQueues) takeDiff(sessionID, proposalID string) (PendingDiff, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.diffs {
		if d.SessionID == sessionID && d.Proposal.ProposalID == proposalID {
			q.diffs = append(q.diffs[:i], q.diffs[i+1:]...)
			return d, len(q.diffs), true
		}
	}
	return PendingDiff{}, len(q.diffs), false
}

// dropSession discards every entry owned by sessionID and reports whether
// anything was removed.
func (q *approvalQueues) dropSession(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	perms := q.permissions[:0]
	for _, p := range q.permissions {
		if p.SessionID == sessionID {
			dropped = true
			continue
		}
		perms = append(perms, p)
	}
	q.permissions = perms
	diffs := q.diffs[:0]
	for _, d := range q.diffs {
		if d.SessionID == sessionID {
			dropped = true
			continue
		}
		diffs = append(diffs, d)
	}
	q.diffs = diffs
	if dropped {
		observability.SetPendingApprovals(gatePermission, len(q.permissions))
		observability.SetPendingApprovals(gateDiff, len(q.diffs))
	}
	return dropped
}

// Permissions returns the pending permission requests, oldest first.
func (o *Orchestrator) Permissions() []PendingPermission {
	o.approvals.mu.Lock()
	defer o.approvals.mu.Unlock()
	return append([]PendingPermission(nil), o.approvals.permissions...)
}

// DiffProposals returns the pending diff proposals, oldest first.
func (o *Orchestrator) DiffProposals() []PendingDiff {
	o.approvals.mu.Lock()
	defer o.approvals.mu.Unlock()
	return append([]PendingDiff(nil), o.approvals.diffs...)
}

// RespondPermission resolves a permission request with optionID. The
// request leaves the queue even if the worker cannot be told; the forward
// error is then returned and the entry stays dropped.
func (o *Orchestrator) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	return o.respondPermission(ctx, sessionID, requestID, optionID, "")
}

// DismissPermission resolves a permission request as denied.
func (o *Orchestrator) DismissPermission(ctx context.Context, sessionID, requestID string) error {
	return o.respondPermission(ctx, sessionID, requestID, "", "dismissed")
}

func (o *Orchestrator) respondPermission(ctx context.Context, sessionID, requestID, optionID, decision string) error {
	entry, remaining, ok := o.approvals.takePermission(sessionID, requestID)
	if !ok {
		return ErrApprovalNotFound
	}
	observability.SetPendingApprovals(gatePermission, remaining)

	if optionID == "" {
		optionID = entry.Request.DenyOption()
		if optionID == "" {
			optionID = fallbackDenyOption
		}
	}
	if decision == "" {
		decision = optionID
		for _, opt := range entry.Request.Options {
			if opt.ID == optionID && opt.Kind != "" {
				decision = opt.Kind
			}
		}
	}

	err := o.handle.RespondPermission(ctx, sessionID, requestID, optionID)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("request_id", requestID).
			Msg("Failed to forward permission response, dropping request")
		err = fmt.Errorf("failed to forward permission response: %w", err)
	}
	observability.RecordApprovalAudit(ctx, gatePermission, sessionID, decision, err == nil, map[string]interface{}{
		"request_id": requestID,
		"option_id":  optionID,
	})
	o.notify(sessionID, ChangeApprovals)
	return err
}

// RespondDiffProposal accepts or rejects a proposed edit. Like permissions,
// the entry is removed whether or not the worker acknowledges it.
func (o *Orchestrator) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	_, remaining, ok := o.approvals.takeDiff(sessionID, proposalID)
	if !ok {
		return ErrApprovalNotFound
	}
	observability.SetPendingApprovals(gateDiff, remaining)

	err := o.handle.RespondDiffProposal(ctx, sessionID, proposalID, accepted)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("proposal_id", proposalID).
			Msg("Failed to forward diff decision, dropping proposal")
		err = fmt.Errorf("failed to forward diff decision: %w", err)
	}
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	observability.RecordApprovalAudit(ctx, gateDiff, sessionID, decision, err == nil, map[string]interface{}{
		"proposal_id": proposalID,
	})
	o.notify(sessionID, ChangeApprovals)
	return err
}
