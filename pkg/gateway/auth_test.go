package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(challenge, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAuthenticator_Challenge(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.Challenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		c1, err1 := auth.Challenge()
		c2, err2 := auth.Challenge()
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, c1, c2)
	})
}

func TestAuthenticator_Verify(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	t.Run("should accept an HMAC-SHA256 of the challenge", func(t *testing.T) {
		challenge, err := auth.Challenge()
		require.NoError(t, err)
		assert.True(t, auth.Verify(challenge, computeHMAC(challenge, "test-secret")))
		assert.Equal(t, computeHMAC(challenge, "test-secret"), auth.Sign(challenge))
	})

	t.Run("should reject a signature made with another secret", func(t *testing.T) {
		challenge, err := auth.Challenge()
		require.NoError(t, err)
		assert.False(t, auth.Verify(challenge, computeHMAC(challenge, "wrong")))
		assert.False(t, auth.Verify(challenge, "invalid-signature"))
	})
}

func TestAuthenticator_Respond(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	t.Run("should consume the challenge on success", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "abc"}
		result := auth.Respond(client, computeHMAC("abc", "test-secret"))
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Empty(t, client.Challenge)

		again := auth.Respond(client, computeHMAC("abc", "test-secret"))
		assert.False(t, again.Success)
		assert.Equal(t, "No challenge found", again.Message)
	})

	t.Run("should give up after three bad signatures", func(t *testing.T) {
		client := &Client{ID: "c2", Challenge: "abc"}
		for i := 0; i < maxAuthAttempts-1; i++ {
			result := auth.Respond(client, "bad")
			assert.Equal(t, "Invalid signature", result.Message)
		}
		result := auth.Respond(client, "bad")
		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, maxAuthAttempts, client.AuthAttempts)
	})
}

func TestAuthenticator_CheckRequest(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	t.Run("should accept the secret header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/rpc", nil)
		r.Header.Set(secretHeader, "test-secret")
		assert.True(t, auth.CheckRequest(r))
	})

	t.Run("should accept a bearer token", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/rpc", nil)
		r.Header.Set("Authorization", "Bearer test-secret")
		assert.True(t, auth.CheckRequest(r))
	})

	t.Run("should reject missing or wrong secrets", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/rpc", nil)
		assert.False(t, auth.CheckRequest(r))
		r.Header.Set(secretHeader, "nope")
		assert.False(t, auth.CheckRequest(r))
	})
}
