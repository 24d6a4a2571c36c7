// Package toolexecutor is the tool registry behind model-backed sessions.
//
// A tool is declared once with a ToolDefinition. Its parameter list doubles
// as the JSON schema sent to the model (InputSchema) and as the validator
// applied to every call before the handler runs.
//
// Execution never returns a Go error to the caller. Unknown tools, schema
// violations, handler errors, timeouts and panics all come back as a
// ToolResult with Success false, so the model sees the failure as tool
// output and can react. ExecuteAll fans a batch out under the configured
// concurrency and returns results in call order.
package toolexecutor
