package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit status", errors.New("POST /v1/messages: 429 Too Many Requests"), true},
		{"request timeout", errors.New("408 request timeout"), true},
		{"server error", errors.New("500 internal error"), true},
		{"bad gateway", errors.New("502 bad gateway"), true},
		{"unavailable", errors.New("503"), true},
		{"gateway timeout", errors.New("504 gateway timeout"), true},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"bad request", errors.New("400 bad request"), false},
		{"unrelated", errors.New("connection refused"), false},
		{"auth 401", errors.New("401 unauthorized"), false},
		{"auth invalid key", errors.New("invalid x-api-key"), false},
		{"cancelled", context.Canceled, false},
		{"interrupted stream", fmt.Errorf("%w: %w", ErrStreamInterrupted, errors.New("overloaded_error: 529")), false},
		{"port number is not a status", errors.New("dial tcp 10.0.0.1:5003"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestStatusCodeFromSDKErrors(t *testing.T) {
	t.Run("should read anthropic status", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &anthropic.Error{StatusCode: 529})
		assert.Equal(t, 529, StatusCode(err))
		assert.False(t, IsRetryableError(err))
	})

	t.Run("should read openai status", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &openai.Error{StatusCode: 503})
		assert.Equal(t, 503, StatusCode(err))
		assert.True(t, IsRetryableError(err))
	})

	t.Run("should treat 403 as auth", func(t *testing.T) {
		assert.True(t, IsAuthError(&openai.Error{StatusCode: 403}))
		assert.True(t, IsAuthError(&anthropic.Error{StatusCode: 401}))
	})

	t.Run("should return zero for plain errors", func(t *testing.T) {
		assert.Zero(t, StatusCode(errors.New("x")))
	})
}

func TestDo(t *testing.T) {
	fast := Retrier{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond}

	t.Run("should notify twice before succeeding on the third attempt", func(t *testing.T) {
		var slept []time.Duration
		r := fast
		r.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}

		attempts := 0
		var notified []int
		got, err := Do(context.Background(), r, func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("429 rate limited")
			}
			return "ok", nil
		}, func(info RetryInfo) {
			notified = append(notified, info.Attempt)
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, notified)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	})

	t.Run("should never retry authentication failures", func(t *testing.T) {
		attempts := 0
		_, err := Do(context.Background(), fast, func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("401 invalid api key")
		}, func(RetryInfo) { t.Fatal("unexpected retry") })

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("should surface non-transient errors immediately", func(t *testing.T) {
		attempts := 0
		cause := errors.New("400 bad request")
		_, err := Do(context.Background(), fast, func(context.Context) (int, error) {
			attempts++
			return 0, cause
		}, nil)

		assert.Equal(t, 1, attempts)
		assert.Same(t, cause, err)
	})

	t.Run("should wrap the last error when attempts are exhausted", func(t *testing.T) {
		r := fast
		r.sleep = noSleep
		cause := errors.New("503 unavailable")
		_, err := Do(context.Background(), r, func(context.Context) (int, error) {
			return 0, cause
		}, nil)

		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("should abort the backoff when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := Retrier{MaxAttempts: 3, InitialDelay: time.Hour}

		_, err := Do(ctx, r, func(context.Context) (int, error) {
			return 0, errors.New("502")
		}, func(RetryInfo) { cancel() })

		assert.ErrorIs(t, err, context.Canceled)
	})
}
