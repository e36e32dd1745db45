package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// SQLiteStore keeps memories in the memory_vectors table of the kioku
// database. Similarity is computed in Go over the persona's rows, which is
// adequate for tens of thousands of memories per persona.
//
// The caller must ensure the table exists (created by the store migrations).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLiteStore over db. If logger is nil, the
// default slog logger is used.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec memory.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("vector sqlite: marshal embedding: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata())
	if err != nil {
		return fmt.Errorf("vector sqlite: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_vectors
			(id, persona_id, source_system_id, context_id, content, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PersonaID,
		rec.SourceSystemID,
		rec.ContextID,
		rec.Content,
		string(embeddingJSON),
		string(metadataJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("vector sqlite: upsert %s: %w", rec.ID, err)
	}

	s.logger.Debug("vector sqlite: upserted memory",
		"id", rec.ID,
		"persona_id", rec.PersonaID,
		"dims", len(rec.Embedding),
	)
	return nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM memory_vectors WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vector sqlite: exists %s: %w", id, err)
	}
	return true, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, embedding, metadata FROM memory_vectors WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Search implements Store. An empty personaID searches every persona.
func (s *SQLiteStore) Search(ctx context.Context, personaID string, query []float32, topK int) ([]Match, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}

	q := `SELECT id, content, embedding, metadata FROM memory_vectors`
	var args []any
	if personaID != "" {
		q += ` WHERE persona_id = ?`
		args = append(args, personaID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector sqlite: query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("vector sqlite: skip malformed row", "err", err)
			continue
		}
		matches = append(matches, Match{Record: rec, Score: cosineSimilarity(query, rec.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector sqlite: iterate rows: %w", err)
	}
	return topMatches(matches, topK), nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vector sqlite: count: %w", err)
	}
	return n, nil
}

// Close implements Store. The database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (memory.Record, error) {
	var (
		id, content   string
		embeddingJSON string
		metadataJSON  sql.NullString
	)
	if err := row.Scan(&id, &content, &embeddingJSON, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.Record{}, err
		}
		return memory.Record{}, fmt.Errorf("vector sqlite: scan row: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal([]byte(embeddingJSON), &embedding); err != nil {
		return memory.Record{}, fmt.Errorf("vector sqlite: unmarshal embedding of %s: %w", id, err)
	}
	meta := map[string]string{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
			return memory.Record{}, fmt.Errorf("vector sqlite: unmarshal metadata of %s: %w", id, err)
		}
	}
	return recordFromMetadata(id, content, embedding, meta)
}
