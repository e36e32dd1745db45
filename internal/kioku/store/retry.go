package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// RetryState is the lifecycle state of a retry entry.
type RetryState string

const (
	RetryPending   RetryState = "pending"
	RetryExhausted RetryState = "exhausted"
)

// RetryEntry is a memory whose ingestion failed and may be re-driven.
type RetryEntry struct {
	MemoryID      string
	Record        memory.Record
	Attempts      int
	State         RetryState
	LastError     string
	LastAttemptAt time.Time
	ClaimedBy     string
	ClaimedAt     time.Time
	CreatedAt     time.Time
}

// RetryFailure describes one failed ingestion to be recorded.
type RetryFailure struct {
	Record memory.Record
	Err    string
}

// storedRecord is the on-disk form of a memory.Record. The embedding is not
// persisted; it is recomputed when the entry is retried.
type storedRecord struct {
	ID             string    `json:"id"`
	PersonaID      string    `json:"persona_id"`
	SourceSystemID string    `json:"source_system_id"`
	Content        string    `json:"content"`
	ContextID      string    `json:"context_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Provenance     string    `json:"provenance"`
}

func encodeRecord(r memory.Record) (string, error) {
	b, err := json.Marshal(storedRecord{
		ID:             r.ID,
		PersonaID:      r.PersonaID,
		SourceSystemID: r.SourceSystemID,
		Content:        r.Content,
		ContextID:      r.ContextID,
		CreatedAt:      r.CreatedAt.UTC(),
		Provenance:     string(r.Provenance),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(s string) (memory.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal([]byte(s), &sr); err != nil {
		return memory.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return memory.Record{
		ID:             sr.ID,
		PersonaID:      sr.PersonaID,
		SourceSystemID: sr.SourceSystemID,
		Content:        sr.Content,
		ContextID:      sr.ContextID,
		CreatedAt:      sr.CreatedAt,
		Provenance:     memory.Provenance(sr.Provenance),
	}, nil
}

// EnqueueRetries records failures in a single transaction. A new entry starts
// with zero attempts. An existing entry keeps its attempt count and state and
// only has its last error refreshed, so re-running an ingestion never resets
// the retry budget.
func (s *Store) EnqueueRetries(ctx context.Context, failures []RetryFailure) error {
	if len(failures) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO retry_entries (memory_id, record_json, attempts, state, last_error, last_attempt_at, created_at)
			VALUES (?, ?, 0, 'pending', ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				record_json     = excluded.record_json,
				last_error      = excluded.last_error,
				last_attempt_at = excluded.last_attempt_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare retry insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range failures {
			if f.Record.ID == "" {
				return fmt.Errorf("failed to enqueue retry: record has no id")
			}
			payload, err := encodeRecord(f.Record)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, f.Record.ID, payload, f.Err, now, now); err != nil {
				return fmt.Errorf("failed to enqueue retry %s: %w", f.Record.ID, err)
			}
		}
		return nil
	})
}

// ClaimOptions selects which entries a retry pass takes.
type ClaimOptions struct {
	// PassID identifies the claiming pass. Required.
	PassID string
	// MaxAttempts bounds the entries eligible for another attempt.
	MaxAttempts int
	// Limit caps the number of entries claimed. Zero means no limit.
	Limit int
	// LeaseTTL is how long a claim by another pass is honoured. Zero means a
	// claim never expires on its own.
	LeaseTTL time.Duration
	// Cooldown optionally returns the wait required after an entry's last
	// attempt before it may be retried.
	Cooldown func(attempts int) time.Duration
}

// ClaimRetryEntries atomically marks eligible pending entries as claimed by
// opts.PassID and returns them. Entries held by an unexpired lease of another
// pass are skipped, so each entry is worked by at most one pass at a time.
func (s *Store) ClaimRetryEntries(ctx context.Context, opts ClaimOptions) ([]RetryEntry, error) {
	if opts.PassID == "" {
		return nil, fmt.Errorf("failed to claim retry entries: empty pass id")
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("failed to claim retry entries: max attempts must be positive")
	}
	now := s.now().UTC()

	var claimed []RetryEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+retryColumns+`
			FROM retry_entries
			WHERE state = 'pending' AND attempts < ?
			ORDER BY created_at, memory_id
		`, opts.MaxAttempts)
		if err != nil {
			return fmt.Errorf("failed to query retry entries: %w", err)
		}
		candidates, err := scanRetryRows(rows)
		if err != nil {
			return err
		}

		for _, e := range candidates {
			if opts.Limit > 0 && len(claimed) >= opts.Limit {
				break
			}
			if e.ClaimedBy != "" && e.ClaimedBy != opts.PassID {
				if opts.LeaseTTL <= 0 || now.Before(e.ClaimedAt.Add(opts.LeaseTTL)) {
					continue
				}
			}
			if opts.Cooldown != nil {
				if wait := opts.Cooldown(e.Attempts); wait > 0 && now.Before(e.LastAttemptAt.Add(wait)) {
					continue
				}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE retry_entries SET claimed_by = ?, claimed_at = ? WHERE memory_id = ?
			`, opts.PassID, formatTime(now), e.MemoryID); err != nil {
				return fmt.Errorf("failed to claim retry entry %s: %w", e.MemoryID, err)
			}
			e.ClaimedBy = opts.PassID
			e.ClaimedAt = now
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordRetryFailure increments the attempt count of an entry claimed by
// passID, stores errMsg and releases the claim. The entry moves to
// RetryExhausted once attempts reaches maxAttempts. The updated entry is
// returned.
func (s *Store) RecordRetryFailure(ctx context.Context, memoryID, passID, errMsg string, maxAttempts int) (*RetryEntry, error) {
	var out *RetryEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE retry_entries SET
				attempts        = attempts + 1,
				state           = CASE WHEN attempts + 1 >= ? THEN 'exhausted' ELSE 'pending' END,
				last_error      = ?,
				last_attempt_at = ?,
				claimed_by      = NULL,
				claimed_at      = NULL
			WHERE memory_id = ? AND claimed_by = ?
		`, maxAttempts, errMsg, formatTime(s.now()), memoryID, passID)
		if err != nil {
			return fmt.Errorf("failed to record retry failure: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("retry entry %s claimed by %s: %w", memoryID, passID, ErrNotFound)
		}
		e, err := getRetryEntry(ctx, tx, memoryID)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteRetry deletes an entry claimed by passID after a successful retry.
func (s *Store) CompleteRetry(ctx context.Context, memoryID, passID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM retry_entries WHERE memory_id = ? AND claimed_by = ?
	`, memoryID, passID)
	if err != nil {
		return fmt.Errorf("failed to delete retry entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry entry %s claimed by %s: %w", memoryID, passID, ErrNotFound)
	}
	return nil
}

// ReleaseRetryClaims drops every claim held by passID without changing
// attempts. Used when a pass stops early.
func (s *Store) ReleaseRetryClaims(ctx context.Context, passID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries SET claimed_by = NULL, claimed_at = NULL WHERE claimed_by = ?
	`, passID)
	if err != nil {
		return fmt.Errorf("failed to release retry claims: %w", err)
	}
	return nil
}

// RenewRetryClaims restarts the lease on every entry still claimed by
// passID. Long passes call it so their remaining claims do not expire.
func (s *Store) RenewRetryClaims(ctx context.Context, passID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries SET claimed_at = ? WHERE claimed_by = ?
	`, formatTime(s.now()), passID)
	if err != nil {
		return fmt.Errorf("failed to renew retry claims: %w", err)
	}
	return nil
}

// deleteChunk bounds the IDs bound into one DELETE statement.
const deleteChunk = 500

// DeleteRetryEntries removes the entries for memoryIDs in any state and
// returns how many existed. It is used once those memories are known to be
// stored.
func (s *Store) DeleteRetryEntries(ctx context.Context, memoryIDs []string) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(memoryIDs); start += deleteChunk {
			chunk := memoryIDs[start:min(start+deleteChunk, len(memoryIDs))]
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
			res, err := tx.ExecContext(ctx,
				"DELETE FROM retry_entries WHERE memory_id IN ("+placeholders+")", args...)
			if err != nil {
				return fmt.Errorf("failed to delete retry entries: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RequeueRetryEntry resets an entry to pending with zero attempts. This is an
// operator action; passes never reset attempts themselves.
func (s *Store) RequeueRetryEntry(ctx context.Context, memoryID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_entries SET attempts = 0, state = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE memory_id = ?
	`, memoryID)
	if err != nil {
		return fmt.Errorf("failed to requeue retry entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry entry %s: %w", memoryID, ErrNotFound)
	}
	return nil
}

// GetRetryEntry retrieves a retry entry by memory ID.
func (s *Store) GetRetryEntry(ctx context.Context, memoryID string) (*RetryEntry, error) {
	return getRetryEntry(ctx, s.db, memoryID)
}

// ListRetryEntries returns entries in the given state, or all entries when
// state is empty, oldest first. limit <= 0 means no limit.
func (s *Store) ListRetryEntries(ctx context.Context, state RetryState, limit int) ([]RetryEntry, error) {
	var (
		where []string
		args  []any
	)
	if state != "" {
		where = append(where, "state = ?")
		args = append(args, string(state))
	}
	query := "SELECT " + retryColumns + " FROM retry_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, memory_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry entries: %w", err)
	}
	return scanRetryRows(rows)
}

// CountRetryEntries returns the number of entries per state.
func (s *Store) CountRetryEntries(ctx context.Context) (map[RetryState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM retry_entries GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count retry entries: %w", err)
	}
	defer rows.Close()

	counts := map[RetryState]int{RetryPending: 0, RetryExhausted: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan retry count: %w", err)
		}
		counts[RetryState(state)] = n
	}
	return counts, rows.Err()
}

const retryColumns = `memory_id, record_json, attempts, state, last_error, last_attempt_at, claimed_by, claimed_at, created_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getRetryEntry(ctx context.Context, q queryer, memoryID string) (*RetryEntry, error) {
	row := q.QueryRowContext(ctx, "SELECT "+retryColumns+" FROM retry_entries WHERE memory_id = ?", memoryID)
	e, err := scanRetryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry entry %s: %w", memoryID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanRetryEntry(row rowScanner) (*RetryEntry, error) {
	var (
		e                        RetryEntry
		payload, state           string
		lastAttemptAt, createdAt string
		claimedBy, claimedAt     sql.NullString
	)
	if err := row.Scan(&e.MemoryID, &payload, &e.Attempts, &state, &e.LastError,
		&lastAttemptAt, &claimedBy, &claimedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan retry entry: %w", err)
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("retry entry %s: %w", e.MemoryID, err)
	}
	e.Record = rec
	e.State = RetryState(state)
	e.ClaimedBy = claimedBy.String
	if e.LastAttemptAt, err = parseTime(lastAttemptAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		if e.ClaimedAt, err = parseTime(claimedAt.String); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func scanRetryRows(rows *sql.Rows) ([]RetryEntry, error) {
	defer rows.Close()
	var out []RetryEntry
	for rows.Next() {
		e, err := scanRetryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry entries: %w", err)
	}
	return out, nil
}
