package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harun/conductor/pkg/agent"
)

const maxLineSize = 1024 * 1024 // 1 MB

// Commands written to a process worker's stdin.
const (
	CmdInitialize         = "initialize"
	CmdPrompt             = "prompt"
	CmdCancel             = "cancel"
	CmdSetMode            = "set_mode"
	CmdPermissionResponse = "permission_response"
	CmdDiffResponse       = "diff_response"
	CmdShutdown           = "shutdown"
)

// Envelope frames every line exchanged with a process worker. Commands flow
// to the worker; events flow back with Type set to an EventType.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type InitializeCommand struct {
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Mode      string          `json:"mode,omitempty"`
	History   []agent.Message `json:"history,omitempty"`
}

type PromptCommand struct {
	Text   string        `json:"text"`
	Images []agent.Image `json:"images,omitempty"`
}

type SetModeCommand struct {
	Mode string `json:"mode"`
}

type PermissionResponse struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
}

type DiffResponse struct {
	ProposalID string `json:"proposalId"`
	Accepted   bool   `json:"accepted"`
}

func encodeEnvelope(typ string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		env.Data = data
	}
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// decodeEvent converts an event envelope into an Event owned by sessionID.
func decodeEvent(sessionID string, env Envelope) (Event, error) {
	ev := Event{Type: EventType(env.Type), SessionID: sessionID}

	var target interface{}
	switch ev.Type {
	case EventMessageChunk:
		ev.Chunk = &MessageChunk{}
		target = ev.Chunk
	case EventToolCall:
		ev.ToolCall = &ToolCall{}
		target = ev.ToolCall
	case EventToolResult:
		ev.ToolResult = &ToolResult{}
		target = ev.ToolResult
	case EventDiff:
		ev.Diff = &Diff{}
		target = ev.Diff
	case EventPlanUpdate:
		target = &ev.Plan
	case EventPromptComplete:
		ev.Complete = &PromptComplete{StopReason: StopEndTurn}
		target = ev.Complete
	case EventPermissionRequest:
		ev.Permission = &PermissionRequest{}
		target = ev.Permission
	case EventDiffProposal:
		ev.Proposal = &DiffProposal{}
		target = ev.Proposal
	case EventSessionStatus:
		ev.Status = &SessionStatus{}
		target = ev.Status
	case EventError:
		ev.Error = &ErrorInfo{}
		target = ev.Error
	case EventIterationLimit:
		ev.Limit = &IterationLimit{}
		target = ev.Limit
	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return Event{}, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
	}
	return ev, nil
}

type rawEnvelope struct {
	Env Envelope
	Raw []byte
	Err error
}

// parseEnvelopes reads NDJSON lines from r. The channel is closed at EOF or
// when ctx is cancelled.
func parseEnvelopes(ctx context.Context, r io.Reader) <-chan rawEnvelope {
	ch := make(chan rawEnvelope, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := make([]byte, len(line))
			copy(raw, line)

			var env Envelope
			item := rawEnvelope{Raw: raw}
			if err := json.Unmarshal(raw, &env); err != nil {
				item.Err = err
			} else {
				item.Env = env
			}

			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- rawEnvelope{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
