package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/identity"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// LiveConfig selects what LiveStore reads.
type LiveConfig struct {
	DSN string
	// SourceSystemID restricts the read to one bot character. Empty reads
	// all of them.
	SourceSystemID string
	// ContextID restricts the read to one conversation.
	ContextID string
	// Since skips turns created before it. Zero reads everything.
	Since time.Time
	// HintPlatform is the platform of users.platform_account_id.
	HintPlatform string
	// Connect controls connection retries at startup.
	Connect retry.Config
}

// LiveStore reads conversation history from the live PostgreSQL database.
// It only ever reads.
type LiveStore struct {
	pool   *pgxpool.Pool
	cfg    LiveConfig
	logger *slog.Logger
}

var _ Source = (*LiveStore)(nil)

// liveQuery joins each turn to its author. The filters are optional: an
// empty string or NULL disables them.
const liveQuery = `
	SELECT h.conversation_id,
	       h.personality_id,
	       h.user_id::text,
	       COALESCE(u.platform_account_id, ''),
	       h.role,
	       h.content,
	       h.created_at
	FROM conversation_history h
	LEFT JOIN users u ON u.id = h.user_id
	WHERE ($1::text = '' OR h.personality_id = $1)
	  AND ($2::text = '' OR h.conversation_id = $2)
	  AND ($3::timestamptz IS NULL OR h.created_at >= $3)
	ORDER BY h.conversation_id, h.personality_id, h.user_id, h.created_at, h.id`

// NewLiveStore connects to the live database, retrying per cfg.Connect. A
// connection that still fails is returned as an error. A nil logger uses
// slog.Default().
func NewLiveStore(ctx context.Context, cfg LiveConfig, logger *slog.Logger) (*LiveStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("source live: dsn is required")
	}
	if cfg.HintPlatform == "" {
		cfg.HintPlatform = identity.DefaultPlatform
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("source live: parse dsn %s: %w", redact.DSN(dsn), err)
	}

	var pool *pgxpool.Pool
	err = retry.Do(ctx, cfg.Connect, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source live: connect %s: %w", redact.DSN(dsn), err)
	}

	logger.Info("source live: connected", "dsn", redact.DSN(dsn))
	return &LiveStore{pool: pool, cfg: cfg, logger: logger}, nil
}

// Name implements Source.
func (s *LiveStore) Name() string { return "live" }

// Provenance implements Source.
func (s *LiveStore) Provenance() memory.Provenance { return memory.ProvenanceLive }

// Close implements Source.
func (s *LiveStore) Close() error {
	s.pool.Close()
	return nil
}

// liveRow is one joined row of liveQuery.
type liveRow struct {
	ContextID      string
	SourceSystemID string
	UserID         string
	AccountID      string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Read implements Source.
func (s *LiveStore) Read(ctx context.Context) (*Snapshot, error) {
	var since any
	if !s.cfg.Since.IsZero() {
		since = s.cfg.Since
	}
	rows, err := s.pool.Query(ctx, liveQuery, s.cfg.SourceSystemID, s.cfg.ContextID, since)
	if err != nil {
		return nil, fmt.Errorf("source live: query history: %w", err)
	}
	defer rows.Close()

	var out []liveRow
	for rows.Next() {
		var r liveRow
		if err := rows.Scan(&r.ContextID, &r.SourceSystemID, &r.UserID, &r.AccountID, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("source live: scan history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source live: iterate history: %w", err)
	}

	snap := groupLiveRows(out, s.cfg.HintPlatform)
	s.logger.Info("source live: history read",
		"records", snap.Records,
		"malformed", snap.Malformed,
		"threads", len(snap.Threads),
	)
	return snap, nil
}

// groupLiveRows builds threads from joined rows. Rows missing a context,
// source system or user are malformed.
func groupLiveRows(rows []liveRow, platform string) *Snapshot {
	snap := &Snapshot{Records: len(rows)}
	builder := newThreadBuilder(memory.ProvenanceLive)
	hints := make(map[string]*identity.Hint)

	for _, r := range rows {
		if r.ContextID == "" || r.SourceSystemID == "" || r.UserID == "" {
			snap.Malformed++
			continue
		}
		if r.AccountID != "" {
			hints[r.UserID] = &identity.Hint{Platform: platform, AccountID: r.AccountID}
		}
		builder.add(r.ContextID, r.SourceSystemID, r.UserID, memory.Turn{
			Role:      memory.ParseRole(r.Role),
			Content:   r.Content,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}

	builder.setHints(hints)
	snap.Threads = builder.build()
	return snap
}
