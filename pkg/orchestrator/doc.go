// Package orchestrator manages agent sessions on top of a worker.Handle.
//
// An Orchestrator spawns sessions, gates prompts on each session's
// readiness, serializes prompts per session, and folds the worker's single
// event stream into per-session transcripts, plans and approval queues.
// When a prompt fails because the worker has died, the session is
// respawned with its transcript and the prompt retried once.
package orchestrator
