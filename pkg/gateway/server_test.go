package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *fakeEngine, *httptest.Server) {
	t.Helper()
	engine := newFakeEngine()
	s, err := NewServer(Config{
		Port:         0,
		SharedSecret: testSecret,
		TickInterval: -1,
		Engine:       engine,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, engine, srv
}

func postRPC(t *testing.T, url string, body string, secret string) (*http.Response, RPCResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out RPCResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestNewServer(t *testing.T) {
	t.Run("should validate config", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080, Engine: newFakeEngine()})
		assert.ErrorContains(t, err, "shared secret")

		_, err = NewServer(Config{Port: 8080, SharedSecret: "x"})
		assert.ErrorContains(t, err, "engine")

		_, err = NewServer(Config{Port: 70000, SharedSecret: "x", Engine: newFakeEngine()})
		assert.ErrorContains(t, err, "invalid port")
	})

	t.Run("should register every session method", func(t *testing.T) {
		s, _, _ := newTestServer(t)
		assert.Equal(t, []string{
			"approvals.list",
			"diff.respond",
			"permission.dismiss",
			"permission.respond",
			"session.cancel",
			"session.continue",
			"session.get",
			"session.list",
			"session.prompt",
			"session.setActive",
			"session.setMode",
			"session.spawn",
			"session.terminate",
		}, s.Methods())
	})
}

func TestServer_HTTP(t *testing.T) {
	_, engine, srv := newTestServer(t)

	t.Run("should serve health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, float64(0), body["clients"])
	})

	t.Run("should reject RPC without the secret", func(t *testing.T) {
		resp, _ := postRPC(t, srv.URL, `{"id":"1","method":"session.list"}`, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject non-POST RPC", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("should report parse errors", func(t *testing.T) {
		resp, out := postRPC(t, srv.URL, `{oops`, testSecret)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.NotNil(t, out.Error)
		assert.Equal(t, ParseError, out.Error.Code)
	})

	t.Run("should spawn and list sessions", func(t *testing.T) {
		_, out := postRPC(t, srv.URL, `{"id":"1","method":"session.spawn","params":{"agentKind":"echo","cwd":"/tmp","mode":"ask"}}`, testSecret)
		require.Nil(t, out.Error)
		snap := out.Result.(map[string]interface{})
		assert.Equal(t, "s1", snap["id"])
		assert.Equal(t, "ask", snap["mode"])

		_, out = postRPC(t, srv.URL, `{"id":"2","method":"session.list"}`, testSecret)
		require.Nil(t, out.Error)
		result := out.Result.(map[string]interface{})
		assert.Equal(t, "s1", result["active"])
		assert.Len(t, result["sessions"], 1)
	})

	t.Run("should map unknown agents to invalid params", func(t *testing.T) {
		_, out := postRPC(t, srv.URL, `{"id":"1","method":"session.spawn","params":{"agentKind":"nope","cwd":"/tmp"}}`, testSecret)
		require.NotNil(t, out.Error)
		assert.Equal(t, InvalidParams, out.Error.Code)
	})

	t.Run("should default prompts to the active session", func(t *testing.T) {
		_, out := postRPC(t, srv.URL, `{"id":"1","method":"session.prompt","params":{"text":"hello","images":[{"mediaType":"image/png","data":"AAAA"}]}}`, testSecret)
		require.Nil(t, out.Error)
		assert.Equal(t, []string{"s1:hello"}, engine.recorded(&engine.prompts))
		assert.Equal(t, []int{1}, engine.images)
	})

	t.Run("should map missing sessions to not found", func(t *testing.T) {
		_, out := postRPC(t, srv.URL, `{"id":"1","method":"session.get","params":{"sessionId":"ghost"}}`, testSecret)
		require.NotNil(t, out.Error)
		assert.Equal(t, NotFound, out.Error.Code)
	})

	t.Run("should return the full session view", func(t *testing.T) {
		engine.appendMessage("s1", orchestrator.Message{ID: "m1", Kind: orchestrator.KindUser, Content: "hello"})
		_, out := postRPC(t, srv.URL, `{"id":"1","method":"session.get","params":{"sessionId":"s1"}}`, testSecret)
		require.Nil(t, out.Error)
		result := out.Result.(map[string]interface{})
		assert.Len(t, result["transcript"], 1)
		assert.Equal(t, map[string]interface{}{"content": "partial", "thought": "thinking"}, result["buffers"])
	})
}

func TestServer_Handlers(t *testing.T) {
	s, engine, _ := newTestServer(t)
	engine.addSession("s1")
	ctx := context.Background()

	invalid := func(t *testing.T, err error) {
		t.Helper()
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidParams, rpcErr.Code)
	}

	t.Run("should validate spawn params", func(t *testing.T) {
		_, err := s.handleSpawn(ctx, map[string]interface{}{"cwd": "/tmp"})
		invalid(t, err)
		_, err = s.handleSpawn(ctx, map[string]interface{}{"agentKind": 3, "cwd": "/tmp"})
		invalid(t, err)
	})

	t.Run("should validate prompt params", func(t *testing.T) {
		_, err := s.handlePrompt(ctx, map[string]interface{}{"sessionId": "s1"})
		invalid(t, err)
		_, err = s.handlePrompt(ctx, map[string]interface{}{"text": "x", "images": "nope"})
		invalid(t, err)
		_, err = s.handlePrompt(ctx, map[string]interface{}{"text": "x", "images": []interface{}{map[string]interface{}{"mediaType": "image/png"}}})
		invalid(t, err)
	})

	t.Run("should continue with the default budget or discard", func(t *testing.T) {
		_, err := s.handleContinue(ctx, map[string]interface{}{})
		require.NoError(t, err)
		_, err = s.handleContinue(ctx, map[string]interface{}{"budget": float64(3)})
		require.NoError(t, err)
		_, err = s.handleContinue(ctx, map[string]interface{}{"budget": float64(0)})
		invalid(t, err)
		_, err = s.handleContinue(ctx, map[string]interface{}{"discard": true})
		require.NoError(t, err)

		assert.Equal(t, []int{defaultContinueBudget, 3}, engine.continued)
		assert.Equal(t, []string{"s1"}, engine.recorded(&engine.discarded))
	})

	t.Run("should forward approval decisions", func(t *testing.T) {
		_, err := s.handlePermissionRespond(ctx, map[string]interface{}{"sessionId": "s1", "requestId": "r1", "optionId": "allow"})
		require.NoError(t, err)
		_, err = s.handlePermissionDismiss(ctx, map[string]interface{}{"sessionId": "s1", "requestId": "r2"})
		require.NoError(t, err)
		_, err = s.handleDiffRespond(ctx, map[string]interface{}{"sessionId": "s1", "proposalId": "p1", "accepted": false})
		require.NoError(t, err)
		_, err = s.handleDiffRespond(ctx, map[string]interface{}{"sessionId": "s1", "proposalId": "p1"})
		invalid(t, err)

		assert.Equal(t, []string{"perm:s1:r1:allow", "dismiss:s1:r2", "diff:s1:p1:false"}, engine.recorded(&engine.responded))
	})

	t.Run("should require a session when none is active", func(t *testing.T) {
		empty, _, _ := newTestServer(t)
		_, err := empty.handleCancel(ctx, map[string]interface{}{})
		invalid(t, err)
	})

	t.Run("should set mode and focus", func(t *testing.T) {
		_, err := s.handleSetMode(ctx, map[string]interface{}{"mode": "auto"})
		require.NoError(t, err)
		assert.Equal(t, []string{"s1:auto"}, engine.recorded(&engine.modes))

		_, err = s.handleSetActive(ctx, map[string]interface{}{"sessionId": "ghost"})
		assert.ErrorIs(t, err, orchestrator.ErrSessionNotFound)
	})
}

func dialAndAuth(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: computeHMAC(challenge.Challenge, testSecret)}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)
	return conn
}

func TestServer_WebSocket(t *testing.T) {
	t.Run("should require authentication before RPC", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "session.list"}))

		var resp RPCResponse
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		require.NoError(t, conn.ReadJSON(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should close after repeated bad signatures", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		for i := 0; i < maxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
			var result AuthResult
			require.NoError(t, conn.ReadJSON(&result))
			assert.False(t, result.Success)
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("should answer RPC and relay session changes", func(t *testing.T) {
		s, engine, srv := newTestServer(t)
		s.StartRelay()
		defer s.relay.close()

		conn := dialAndAuth(t, srv)
		require.Eventually(t, func() bool { return len(s.ConnectedClients()) == 1 }, waitFor, tick)

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "7", Method: "session.spawn", Params: map[string]interface{}{"agentKind": "echo", "cwd": "/tmp"}}))

		var sawResponse, sawEvent bool
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		for !(sawResponse && sawEvent) {
			var raw map[string]interface{}
			require.NoError(t, conn.ReadJSON(&raw))
			switch {
			case raw["id"] == "7":
				sawResponse = true
				assert.Nil(t, raw["error"])
			case raw["event"] == "session.session_added":
				sawEvent = true
				assert.Equal(t, "s1", raw["sessionId"])
			}
		}
		assert.Len(t, engine.Sessions(), 1)
	})
}

func TestServer_Stop(t *testing.T) {
	t.Run("should drain and report unhealthy", func(t *testing.T) {
		s, _, srv := newTestServer(t)
		s.StartRelay()

		require.NoError(t, s.Stop())
		require.NoError(t, s.Stop())

		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		resp, _ = postRPC(t, srv.URL, `{"id":"1","method":"session.list"}`, testSecret)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("should stop without a started relay", func(t *testing.T) {
		s, _, _ := newTestServer(t)
		assert.NoError(t, s.Stop())
	})
}
