package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one persisted transcript message.
type Record struct {
	SessionID  string          `json:"sessionId"`
	MessageID  string          `json:"messageId"`
	Kind       string          `json:"kind"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"durationMs,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Store persists transcript records per session, in append order.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) ([]Record, error)
	Sessions(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverNone   = "none"
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

// Open returns the store for driver rooted at dir. DriverNone (or "")
// returns a nil Store and a nil error.
func Open(driver, dir string) (Store, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverJSONL:
		s, err := NewJSONLStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := NewSQLiteStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown transcript driver %q", driver)
	}
}

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return errors.New("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return errors.New("session id contains invalid characters")
	}
	return nil
}

func validateRecord(rec Record) error {
	if err := validateSessionID(rec.SessionID); err != nil {
		return err
	}
	if rec.Kind == "" {
		return errors.New("record kind cannot be empty")
	}
	return nil
}
