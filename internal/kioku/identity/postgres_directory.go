package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// PostgresDirectory is a persona directory kept in PostgreSQL, for
// deployments where the canonical personas live next to the live source.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory connects to databaseURL and ensures the directory
// tables exist.
func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("identity: connect postgres: %w", err)
	}
	if err := initDirectorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresDirectory{pool: pool}, nil
}

// NewPostgresDirectoryFromPool wraps an existing pool. The schema is
// assumed to exist.
func NewPostgresDirectoryFromPool(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func initDirectorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kioku_personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kioku_personas_single_orphan ON kioku_personas (kind) WHERE kind = 'orphan';`,
		`CREATE TABLE IF NOT EXISTS kioku_identity_links (
			bridging_key TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL REFERENCES kioku_personas(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("identity: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}

// LookupByBridgingKey implements Directory.
func (d *PostgresDirectory) LookupByBridgingKey(ctx context.Context, key string) (string, bool, error) {
	var personaID string
	err := d.pool.QueryRow(ctx,
		`SELECT persona_id FROM kioku_identity_links WHERE bridging_key = $1`, key,
	).Scan(&personaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("identity: lookup bridging key: %w", err)
	}
	return personaID, true, nil
}

// OrphanPersona implements Directory.
func (d *PostgresDirectory) OrphanPersona(ctx context.Context) (string, error) {
	if _, err := d.pool.Exec(ctx,
		`INSERT INTO kioku_personas (id, name, kind) VALUES ($1, $2, 'orphan') ON CONFLICT DO NOTHING`,
		memory.OrphanPersonaID, memory.OrphanPersonaName,
	); err != nil {
		return "", fmt.Errorf("identity: create orphan persona: %w", err)
	}
	var id string
	if err := d.pool.QueryRow(ctx,
		`SELECT id FROM kioku_personas WHERE kind = 'orphan'`,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("identity: read orphan persona: %w", err)
	}
	return id, nil
}

// LinkIdentity maps a bridging key to a persona, creating the persona if it
// does not exist yet.
func (d *PostgresDirectory) LinkIdentity(ctx context.Context, bridgingKey, personaID, name string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin link: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO kioku_personas (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		personaID, name,
	); err != nil {
		return fmt.Errorf("identity: ensure persona: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO kioku_identity_links (bridging_key, persona_id) VALUES ($1, $2)
		 ON CONFLICT (bridging_key) DO UPDATE SET persona_id = EXCLUDED.persona_id`,
		bridgingKey, personaID,
	); err != nil {
		return fmt.Errorf("identity: link bridging key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit link: %w", err)
	}
	return nil
}
