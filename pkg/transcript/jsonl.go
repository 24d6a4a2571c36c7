package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// JSONLStore keeps one newline-delimited JSON file per session.
type JSONLStore struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJSONLStore creates the store, defaulting dir to ~/.conductor/transcripts.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".conductor", "transcripts")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("JSONL transcript store initialized")
	return &JSONLStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *JSONLStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *JSONLStore) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append writes rec as one line and syncs the file.
func (s *JSONLStore) Append(ctx context.Context, rec Record) error {
	ctx, span := tracing.StartSpan(ctx, "conductor.transcript", "transcript.append",
		attribute.String("session_id", rec.SessionID),
		attribute.String("kind", rec.Kind),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordTranscriptWrite(DriverJSONL, time.Since(start)) }()

	if err := validateRecord(rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	l := s.lock(rec.SessionID)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.path(rec.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", rec.SessionID).
		Str("kind", rec.Kind).
		Msg("Transcript record appended")
	return nil
}

// Load returns every readable record of a session. Malformed lines are
// skipped with a warning; a missing file yields an empty slice.
func (s *JSONLStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	f, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer f.Close()

	records := []Record{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logger.Warn().Str("session_id", sessionID).Int("line", line).Err(err).Msg("Failed to parse transcript line, skipping")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}
	return records, nil
}

// Sessions lists the ids with a transcript file, sorted.
func (s *JSONLStore) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}
	ids := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's file. Deleting an unknown session is not an error.
func (s *JSONLStore) Delete(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *JSONLStore) Close() error { return nil }
