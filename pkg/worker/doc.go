// Package worker defines the contract between the orchestrator and the
// hosts that run agent sessions, plus three hosts:
//
//   - ProcessHost runs one child process per session and exchanges NDJSON
//     envelopes with it over stdin and stdout.
//   - ModelHost runs sessions in-process, driving the agent tool loop
//     against a model provider.
//   - Mux routes each agent kind to a backend host and merges their event
//     streams into one subscription.
//
// Every published Event carries the id of the session it belongs to.
// Errors that mean a session is gone wrap ErrSessionNotFound,
// ErrNotInitialized or ErrWorkerDropped.
package worker
