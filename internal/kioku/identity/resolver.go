// Package identity maps source-system user identifiers to canonical persona
// identifiers through a bridging key shared across systems.
//
// Resolution never fails for an individual user: when no persona can be
// found the memory is attributed to the well-known orphan persona so it can
// be reattributed later.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Directory is the canonical persona directory.
type Directory interface {
	// LookupByBridgingKey returns the persona linked to key; found is false
	// when there is no link.
	LookupByBridgingKey(ctx context.Context, key string) (personaID string, found bool, err error)
	// OrphanPersona returns the orphan persona, creating it if needed.
	// Implementations must be idempotent under concurrent callers.
	OrphanPersona(ctx context.Context) (string, error)
}

// Result is the outcome of resolving one source user.
type Result struct {
	// Resolved is true when a canonical persona was found.
	Resolved bool
	// PersonaID is the canonical persona, or the orphan persona when
	// IsOrphaned is set. It is never empty on a nil error.
	PersonaID  string
	IsOrphaned bool
	// BridgingKey is the normalized key used for the lookup, if any.
	BridgingKey string
}

// Request is one entry of a ResolveMany batch.
type Request struct {
	SourceUserID string
	Hint         *Hint
}

// Stats counts resolver activity for one run.
type Stats struct {
	Lookups  int64
	CacheHit int64
	Orphaned int64
	Errors   int64
}

// Resolver resolves source users to personas. It is safe for concurrent use.
type Resolver struct {
	dir    Directory
	cache  *Cache
	logger *slog.Logger

	orphanMu sync.Mutex
	orphanID string

	lookups  atomic.Int64
	hits     atomic.Int64
	orphaned atomic.Int64
	errors   atomic.Int64
}

// NewResolver creates a resolver over dir. cache is owned by the caller and
// typically lives for a single run. A nil logger uses slog.Default().
func NewResolver(dir Directory, cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, cache: cache, logger: logger}
}

// Resolve maps sourceUserID to a persona. A missing hint or an unknown
// bridging key yields the orphan persona. A directory lookup error is logged
// and also yields the orphan persona, but is not cached. The only error
// returned is a failure to obtain the orphan persona itself.
func (r *Resolver) Resolve(ctx context.Context, sourceUserID string, hint *Hint) (Result, error) {
	key, ok := "", false
	if e, hit := r.cache.bridgingKey(sourceUserID); hit {
		key, ok = e.BridgingKey, true
	} else if key, ok = NormalizeBridgingKey(hint); ok {
		r.cache.setBridgingKey(sourceUserID, userEntry{BridgingKey: key})
	}
	if !ok {
		return r.orphan(ctx, "")
	}

	if e, hit := r.cache.persona(key); hit {
		r.hits.Add(1)
		if !e.Found {
			return r.orphan(ctx, key)
		}
		return Result{Resolved: true, PersonaID: e.PersonaID, BridgingKey: key}, nil
	}

	r.lookups.Add(1)
	personaID, found, err := r.dir.LookupByBridgingKey(ctx, key)
	if err != nil {
		r.errors.Add(1)
		r.logger.Warn("identity: lookup failed, using orphan persona",
			"source_user_id", sourceUserID, "bridging_key", key, "err", err)
		return r.orphan(ctx, key)
	}
	r.cache.setPersona(key, personaEntry{PersonaID: personaID, Found: found})
	if !found {
		return r.orphan(ctx, key)
	}
	return Result{Resolved: true, PersonaID: personaID, BridgingKey: key}, nil
}

// ResolveMany resolves a batch. Requests repeating a source user ID are
// resolved once; the result map is keyed by SourceUserID.
func (r *Resolver) ResolveMany(ctx context.Context, reqs []Request) (map[string]Result, error) {
	out := make(map[string]Result, len(reqs))
	for _, req := range reqs {
		if _, done := out[req.SourceUserID]; done {
			continue
		}
		res, err := r.Resolve(ctx, req.SourceUserID, req.Hint)
		if err != nil {
			return nil, err
		}
		out[req.SourceUserID] = res
	}
	return out, nil
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Lookups:  r.lookups.Load(),
		CacheHit: r.hits.Load(),
		Orphaned: r.orphaned.Load(),
		Errors:   r.errors.Load(),
	}
}

func (r *Resolver) orphan(ctx context.Context, key string) (Result, error) {
	id, err := r.orphanPersona(ctx)
	if err != nil {
		return Result{}, err
	}
	r.orphaned.Add(1)
	return Result{PersonaID: id, IsOrphaned: true, BridgingKey: key}, nil
}

// orphanPersona fetches the orphan persona once per resolver.
func (r *Resolver) orphanPersona(ctx context.Context) (string, error) {
	r.orphanMu.Lock()
	defer r.orphanMu.Unlock()
	if r.orphanID != "" {
		return r.orphanID, nil
	}
	id, err := r.dir.OrphanPersona(ctx)
	if err != nil {
		return "", fmt.Errorf("identity: get orphan persona: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("identity: directory returned an empty orphan persona")
	}
	r.orphanID = id
	return id, nil
}
