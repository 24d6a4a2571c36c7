package orchestrator

import (
	"errors"
	"strings"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionUnavailable = errors.New("session is not accepting prompts")
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrNoContinuation     = errors.New("no paused turn to continue")
	ErrNotReady           = errors.New("session is not ready")
)

var deadSessionSignatures = []string{
	"worker thread dropped",
	"not found",
	"not initialized",
}

// IsDeadSessionError reports whether err means the worker behind a session
// is gone and the session must be respawned before it can take prompts.
func IsDeadSessionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range deadSessionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
