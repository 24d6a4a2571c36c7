// Package agent drives model conversations that call tools.
//
// Invariants:
// - A ToolLoop never exceeds its iteration cap in one Run or Resume; hitting
//   the cap yields a resumable IterationState instead of an error.
// - Tool failures are fed back to the model as error-flagged results.
// - Transient transport failures (408, 429, 5xx) are retried with exponential
//   backoff; authentication failures are surfaced immediately.
//
// Usage:
//
//	loop, _ := agent.NewToolLoop(agent.LoopConfig{
//		Provider:      agent.NewAnthropicProvider(key, ""),
//		Tools:         agent.NewRegistryExecutor(registry, nil),
//		Retrier:       agent.DefaultRetrier(logger),
//		MaxIterations: 25,
//	})
//	out, _ := loop.Run(ctx, msgs, "claude-sonnet-4-5", agent.ToolSpecs(registry, nil), emit)
//	if out.State != nil {
//		out, _ = loop.Resume(ctx, *out.State, 10, emit)
//	}
package agent
