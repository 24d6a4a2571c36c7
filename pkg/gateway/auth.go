package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	maxAuthAttempts = 3
	secretHeader    = "X-Conductor-Secret"
)

// Authenticator runs the HMAC challenge handshake for WebSocket clients and
// checks the shared secret on HTTP requests.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(sharedSecret string) *Authenticator {
	return &Authenticator{secret: []byte(sharedSecret)}
}

// Challenge returns 32 random bytes, hex encoded.
func (a *Authenticator) Challenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the response a client must send for challenge.
func (a *Authenticator) Sign(challenge string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) Verify(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// Respond checks a client's signature against its outstanding challenge.
// The challenge is single use on success. Marking the client
// authenticated is left to the registry.
func (a *Authenticator) Respond(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: eventAuthFailure, Message: "No challenge found"}
	}
	if !a.Verify(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: eventAuthFailure, Message: "Too many failed attempts"}
		}
		return AuthResult{Event: eventAuthFailure, Message: "Invalid signature"}
	}

	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: eventAuthSuccess, Success: true}
}

// CheckRequest accepts the secret from X-Conductor-Secret or a bearer token.
func (a *Authenticator) CheckRequest(r *http.Request) bool {
	got := r.Header.Get(secretHeader)
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), a.secret) == 1
}
