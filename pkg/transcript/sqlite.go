package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SQLiteStore keeps every session's records in one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) transcripts.db under dir. A dir of
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	dsn := ":memory:"
	if dir != ":memory:" {
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".conductor")
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create transcript directory: %w", err)
		}
		dsn = filepath.Join(dir, "transcripts.db")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql would otherwise hand each connection its own :memory: db.
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite transcript store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			ts INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			tool_call_id TEXT NOT NULL DEFAULT '',
			data BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id, seq);
	`)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	ctx, span := tracing.StartSpan(ctx, "conductor.transcript", "transcript.append",
		attribute.String("session_id", rec.SessionID),
		attribute.String("kind", rec.Kind),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordTranscriptWrite(DriverSQLite, time.Since(start)) }()

	if err := validateRecord(rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var data []byte
	if len(rec.Data) > 0 {
		data = rec.Data
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (session_id, message_id, kind, content, ts, duration_ms, tool_call_id, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.MessageID, rec.Kind, rec.Content, rec.Timestamp.UnixNano(),
		rec.DurationMs, rec.ToolCallID, data,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, message_id, kind, content, ts, duration_ms, tool_call_id, data
		 FROM records WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec  Record
			ts   int64
			data []byte
		)
		if err := rows.Scan(&rec.SessionID, &rec.MessageID, &rec.Kind, &rec.Content, &ts,
			&rec.DurationMs, &rec.ToolCallID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		if len(data) > 0 {
			rec.Data = data
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM records ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
