// Package memory provides the tiered long-term memory store that
// supplies ranked background context for prompts.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Tier classifies a memory entry.
type Tier string

const (
	TierEpisodic   Tier = "episodic"
	TierSemantic   Tier = "semantic"
	TierProcedural Tier = "procedural"
	TierCore       Tier = "core"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierCore, TierSemantic, TierProcedural, TierEpisodic}

// ParseTier maps a name to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierEpisodic, TierSemantic, TierProcedural, TierCore:
		return t, nil
	}
	return "", fmt.Errorf("unknown memory tier %q", s)
}

// timeFormat has a fixed width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultConfidence is assigned to every new entry.
const DefaultConfidence = 0.7

// ErrQuarantined is returned when a core entry is refused.
var ErrQuarantined = errors.New("core memory update quarantined")

// Entry is one stored memory.
type Entry struct {
	ID             uuid.UUID `json:"id"`
	Tier           Tier      `json:"tier"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	ProvenanceHash string    `json:"provenance_hash"`
}

// Stats holds per-tier entry counts.
type Stats struct {
	Total      int `json:"total"`
	Core       int `json:"core"`
	Semantic   int `json:"semantic"`
	Procedural int `json:"procedural"`
	Episodic   int `json:"episodic"`
}

// Store is a SQLite-backed memory store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the memory database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle and creates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id              TEXT PRIMARY KEY,
		tier            TEXT NOT NULL,
		content         TEXT NOT NULL,
		source          TEXT NOT NULL,
		confidence      REAL NOT NULL DEFAULT 0.7,
		created_at      TEXT NOT NULL,
		provenance_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_tier ON memory_entries(tier);
	CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_entries(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a new entry. Core entries must come from a trusted
// source and must not contradict the assistant's values; others are
// accepted as-is.
func (s *Store) Record(ctx context.Context, tier Tier, content, source string) (Entry, error) {
	if _, err := ParseTier(string(tier)); err != nil {
		return Entry{}, err
	}
	if tier == TierCore {
		if reason := checkCoreUpdate(content, source); reason != "" {
			return Entry{}, fmt.Errorf("%w: %s", ErrQuarantined, reason)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate memory ID: %w", err)
	}

	e := Entry{
		ID:             id,
		Tier:           tier,
		Content:        content,
		Source:         source,
		Confidence:     DefaultConfidence,
		CreatedAt:      s.now().UTC(),
		ProvenanceHash: provenanceHash(tier, source, content),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, tier, content, source, confidence, created_at, provenance_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		string(e.Tier),
		e.Content,
		e.Source,
		e.Confidence,
		e.CreatedAt.Format(timeFormat),
		e.ProvenanceHash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert memory entry: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tier, content, source, confidence, created_at, provenance_hash
		 FROM memory_entries
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent memory: %w", err)
	}
	return scanEntries(rows)
}

// RecentInTier returns up to limit entries of one tier, newest first.
func (s *Store) RecentInTier(ctx context.Context, tier Tier, limit int) ([]Entry, error) {
	if _, err := ParseTier(string(tier)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tier, content, source, confidence, created_at, provenance_hash
		 FROM memory_entries
		 WHERE tier = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, string(tier), limit)
	if err != nil {
		return nil, fmt.Errorf("query %s memory: %w", tier, err)
	}
	return scanEntries(rows)
}

// Wipe deletes every entry in tier, or in every tier when tier is empty,
// and returns how many were removed.
func (s *Store) Wipe(ctx context.Context, tier Tier) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if tier == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM memory_entries`)
	} else {
		if _, perr := ParseTier(string(tier)); perr != nil {
			return 0, perr
		}
		res, err = s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE tier = ?`, string(tier))
	}
	if err != nil {
		return 0, fmt.Errorf("wipe memory: %w", err)
	}
	return res.RowsAffected()
}

// candidates loads every core entry and every non-core entry that was
// not written by the assistant's own turn bookkeeping.
func (s *Store) candidates(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tier, content, source, confidence, created_at, provenance_hash
		 FROM memory_entries
		 WHERE tier = ? OR source NOT LIKE 'assistant-turn%'
		 ORDER BY created_at ASC, id ASC`,
		string(TierCore))
	if err != nil {
		return nil, fmt.Errorf("query memory candidates: %w", err)
	}
	return scanEntries(rows)
}

// Stats returns per-tier counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*) FROM memory_entries GROUP BY tier`)
	if err != nil {
		return Stats{}, fmt.Errorf("query memory stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return Stats{}, fmt.Errorf("scan memory stats: %w", err)
		}
		st.Total += n
		switch Tier(tier) {
		case TierCore:
			st.Core = n
		case TierSemantic:
			st.Semantic = n
		case TierProcedural:
			st.Procedural = n
		case TierEpisodic:
			st.Episodic = n
		}
	}
	return st, rows.Err()
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory entries: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			id, tier  string
			createdAt string
		)
		if err := rows.Scan(&id, &tier, &e.Content, &e.Source, &e.Confidence, &createdAt, &e.ProvenanceHash); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse memory ID %q: %w", id, err)
		}
		e.ID = parsed
		e.Tier = Tier(tier)
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func provenanceHash(tier Tier, source, content string) string {
	sum := sha256.Sum256([]byte(string(tier) + "|" + source + "|" + content))
	return hex.EncodeToString(sum[:])
}

// checkCoreUpdate returns a non-empty reason when a core entry must be
// refused.
func checkCoreUpdate(content, source string) string {
	trusted := strings.HasPrefix(source, "onboarding") ||
		strings.HasPrefix(source, "identity:") ||
		strings.HasPrefix(source, "user-pin")
	if !trusted {
		return "core updates must come from onboarding, identity, or an explicit pin"
	}
	text := strings.ToLower(content)
	if strings.Contains(text, "ignore user") || strings.Contains(text, "deceive") {
		return "proposed core update conflicts with collaboration values"
	}
	return ""
}
