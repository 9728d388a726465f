// Package usage provides a persistent ledger of provider dispatches.
// Records are append-only and indexed by timestamp so per-provider and
// per-model totals can be aggregated over any window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/aigent/internal/router"
)

// Record is one dispatch as served.
type Record struct {
	ID          string
	Timestamp   time.Time
	RequestID   string
	Primary     string
	Provider    string // "ollama", "openrouter"
	Model       string
	Forced      bool
	Stream      bool
	PromptChars int
	ReplyChars  int
	LatencyMs   int64
}

// Summary holds aggregated dispatch totals.
type Summary struct {
	Dispatches     int     `json:"dispatches"`
	Forced         int     `json:"forced"`
	PromptChars    int64   `json:"prompt_chars"`
	ReplyChars     int64   `json:"reply_chars"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Store is an append-only SQLite store for dispatch records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens a usage store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatches (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		request_id   TEXT NOT NULL,
		primary_name TEXT NOT NULL,
		provider     TEXT NOT NULL,
		model        TEXT NOT NULL,
		forced       INTEGER NOT NULL,
		stream       INTEGER NOT NULL,
		prompt_chars INTEGER NOT NULL,
		reply_chars  INTEGER NOT NULL,
		latency_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_timestamp ON dispatches(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches
			(id, timestamp, request_id, primary_name, provider, model,
			 forced, stream, prompt_chars, reply_chars, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.Primary,
		rec.Provider,
		rec.Model,
		rec.Forced,
		rec.Stream,
		rec.PromptChars,
		rec.ReplyChars,
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordDecision implements [router.Ledger].
func (s *Store) RecordDecision(ctx context.Context, d router.Decision) error {
	return s.Record(ctx, Record{
		Timestamp:   d.Timestamp,
		RequestID:   d.RequestID,
		Primary:     d.Primary,
		Provider:    d.ServedBy,
		Model:       d.Model,
		Forced:      d.Forced,
		Stream:      d.Stream,
		PromptChars: d.PromptChars,
		ReplyChars:  d.Chars,
		LatencyMs:   d.LatencyMs,
	})
}

const summaryColumns = `COUNT(*), COALESCE(SUM(forced), 0), COALESCE(SUM(prompt_chars), 0),
	COALESCE(SUM(reply_chars), 0), COALESCE(SUM(latency_ms), 0)`

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM dispatches
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.Dispatches, &sum.Forced, &sum.PromptChars, &sum.ReplyChars, &sum.TotalLatencyMs); err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	sum.average()
	return sum, nil
}

// SummaryByProvider returns per-provider totals for records within [start, end).
func (s *Store) SummaryByProvider(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "provider", start, end)
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT %s, `+summaryColumns+`
		 FROM dispatches
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Dispatches, &sum.Forced, &sum.PromptChars, &sum.ReplyChars, &sum.TotalLatencyMs); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		sum.average()
		result[key] = sum
	}
	return result, rows.Err()
}

func (s *Summary) average() {
	if s.Dispatches > 0 {
		s.AvgLatencyMs = float64(s.TotalLatencyMs) / float64(s.Dispatches)
	}
}
