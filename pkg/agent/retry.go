package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
)

// ErrAuthentication marks a model transport failure caused by missing or
// rejected credentials. Such failures are never retried.
var ErrAuthentication = errors.New("authentication failed")

// ErrStreamInterrupted marks a streamed model call that failed after some
// text had already been delivered. Replaying the call would deliver that
// text twice, so it is never retried.
var ErrStreamInterrupted = errors.New("stream interrupted after partial output")

// RetryExhaustedError is returned when every attempt failed with a transient error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// RetryInfo is passed to the retry callback before each backoff sleep.
type RetryInfo struct {
	Attempt     int // attempt that just failed, 1-based
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// Retrier retries transient model transport failures with exponential backoff.
type Retrier struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Logger       zerolog.Logger

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetrier returns the standard policy: 3 attempts, 1s initial delay, doubling.
func DefaultRetrier(logger zerolog.Logger) Retrier {
	return Retrier{MaxAttempts: 3, InitialDelay: time.Second, Logger: logger}
}

var transientStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var (
	transientPattern = regexp.MustCompile(`\b(408|429|500|502|503|504)\b|(?i)rate.?limit|overloaded`)
	authPattern      = regexp.MustCompile(`\b(401|403)\b|(?i)invalid.?(x-)?api.?key|unauthorized|authentication_error|permission_error`)
)

// StatusCode extracts the HTTP status from an SDK error, or 0 if err does not
// carry one.
func StatusCode(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	return 0
}

// IsAuthError reports whether err is an authentication or authorization failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) {
		return true
	}
	if code := StatusCode(err); code != 0 {
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return authPattern.MatchString(err.Error())
}

// IsRetryableError reports whether err is a transient failure worth retrying.
// Authentication failures are never retryable; anything not matching a
// transient status is surfaced immediately.
func IsRetryableError(err error) bool {
	if err == nil || IsAuthError(err) || errors.Is(err, ErrStreamInterrupted) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return transientStatus[code]
	}
	return transientPattern.MatchString(err.Error())
}

// Do runs call until it succeeds, fails permanently, or MaxAttempts is
// reached. onRetry, if set, runs before every backoff sleep.
func Do[T any](ctx context.Context, r Retrier, call func(context.Context) (T, error), onRetry func(RetryInfo)) (T, error) {
	var zero T

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := r.InitialDelay
	if delay < 0 {
		delay = 0
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsAuthError(err) {
			if errors.Is(err, ErrAuthentication) {
				return zero, err
			}
			return zero, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		if !IsRetryableError(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		info := RetryInfo{Attempt: attempt, MaxAttempts: maxAttempts, Delay: delay, Err: err}
		r.Logger.Info().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying model call after transient error")
		if onRetry != nil {
			onRetry(info)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
	}

	return zero, &RetryExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
