package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("should decode payloads by type", func(t *testing.T) {
		ev, err := decodeEvent("s1", Envelope{Type: "tool_call", Data: json.RawMessage(`{"id":"t1","title":"Read","kind":"read"}`)})
		require.NoError(t, err)
		assert.Equal(t, "s1", ev.SessionID)
		require.NotNil(t, ev.ToolCall)
		assert.Equal(t, "t1", ev.ToolCall.ID)

		ev, err = decodeEvent("s1", Envelope{Type: "plan_update", Data: json.RawMessage(`[{"content":"a","status":"done"}]`)})
		require.NoError(t, err)
		assert.Equal(t, []PlanEntry{{Content: "a", Status: "done"}}, ev.Plan)
	})

	t.Run("should default an empty completion to end_turn", func(t *testing.T) {
		ev, err := decodeEvent("s1", Envelope{Type: "prompt_complete"})
		require.NoError(t, err)
		assert.Equal(t, StopEndTurn, ev.Complete.StopReason)
	})

	t.Run("should reject unknown types and bad payloads", func(t *testing.T) {
		_, err := decodeEvent("s1", Envelope{Type: "bogus"})
		assert.Error(t, err)

		_, err = decodeEvent("s1", Envelope{Type: "error", Data: json.RawMessage(`[1]`)})
		assert.Error(t, err)
	})
}

func TestParseEnvelopes(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"message_chunk","data":{"text":"a"}}`,
		``,
		`garbage`,
		`{"type":"prompt_complete"}`,
	}, "\n")

	var items []rawEnvelope
	for item := range parseEnvelopes(context.Background(), strings.NewReader(input)) {
		items = append(items, item)
	}

	require.Len(t, items, 3)
	assert.Equal(t, "message_chunk", items[0].Env.Type)
	assert.Error(t, items[1].Err)
	assert.Equal(t, "prompt_complete", items[2].Env.Type)
}

func TestEncodeEnvelope(t *testing.T) {
	line, err := encodeEnvelope(CmdPrompt, PromptCommand{Text: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))
	assert.JSONEq(t, `{"type":"prompt","data":{"text":"hi"}}`, strings.TrimSpace(string(line)))
}
