package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Persona kinds.
const (
	PersonaKindUser   = "user"
	PersonaKindOrphan = "orphan"
)

// Persona is a canonical owner of memories.
type Persona struct {
	ID        string
	Name      string
	Kind      string
	CreatedAt time.Time
}

// CreatePersona inserts a new persona. Kind defaults to PersonaKindUser.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		return fmt.Errorf("failed to create persona: empty id")
	}
	if p.Kind == "" {
		p.Kind = PersonaKindUser
	}
	p.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, kind, created_at) VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, p.Kind, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create persona: %w", err)
	}
	return nil
}

// GetPersona retrieves a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	p := &Persona{}
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, created_at FROM personas WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return p, nil
}

// LinkIdentity maps a bridging key to a persona, replacing any earlier link
// for the same key.
func (s *Store) LinkIdentity(ctx context.Context, bridgingKey, personaID string) error {
	if bridgingKey == "" {
		return fmt.Errorf("failed to link identity: empty bridging key")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_links (bridging_key, persona_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(bridging_key) DO UPDATE SET persona_id = excluded.persona_id
	`, bridgingKey, personaID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

// LookupByBridgingKey returns the persona linked to bridgingKey. The boolean
// is false when no link exists.
func (s *Store) LookupByBridgingKey(ctx context.Context, bridgingKey string) (string, bool, error) {
	var personaID string
	err := s.db.QueryRowContext(ctx, `
		SELECT persona_id FROM identity_links WHERE bridging_key = ?
	`, bridgingKey).Scan(&personaID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up bridging key: %w", err)
	}
	return personaID, true, nil
}

// OrphanPersona returns the ID of the orphan persona, creating it on first
// use. Concurrent callers all observe the same ID.
func (s *Store) OrphanPersona(ctx context.Context) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO personas (id, name, kind, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, memory.OrphanPersonaID, memory.OrphanPersonaName, PersonaKindOrphan, formatTime(s.now())); err != nil {
			return fmt.Errorf("failed to create orphan persona: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM personas WHERE kind = ?
		`, PersonaKindOrphan).Scan(&id); err != nil {
			return fmt.Errorf("failed to read orphan persona: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
