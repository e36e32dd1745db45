// Package source reads conversation history from the systems kioku ingests
// and groups it into threads: the turns one source user exchanged with one
// bot character inside one conversation.
package source

import (
	"context"
	"sort"

	"github.com/bdobrica/kioku/internal/kioku/identity"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Thread is the unit handed to pairing. Turns are in read order; callers
// sort them before pairing.
type Thread struct {
	ContextID      string
	SourceSystemID string
	// SourceUserID is namespaced by provenance ("live:42") so IDs from
	// different systems never collide in the resolver cache.
	SourceUserID string
	Hint         *identity.Hint
	Turns        []memory.Turn
}

// Snapshot is everything read from a source in one pass.
type Snapshot struct {
	Threads []Thread
	// Records is the number of raw records read, valid or not.
	Records int
	// Malformed counts records rejected at the boundary.
	Malformed int
}

// Source produces snapshots of conversation history.
type Source interface {
	Name() string
	Provenance() memory.Provenance
	Read(ctx context.Context) (*Snapshot, error)
	Close() error
}

type threadKey struct {
	context, system, user string
}

// threadBuilder groups turns into threads. Turns keep read order inside a
// thread; threads are returned ordered by key.
type threadBuilder struct {
	prov    memory.Provenance
	index   map[threadKey]int
	threads []Thread
}

func newThreadBuilder(prov memory.Provenance) *threadBuilder {
	return &threadBuilder{prov: prov, index: make(map[threadKey]int)}
}

func (b *threadBuilder) add(contextID, systemID, userID string, turn memory.Turn) {
	k := threadKey{contextID, systemID, userID}
	i, ok := b.index[k]
	if !ok {
		i = len(b.threads)
		b.index[k] = i
		b.threads = append(b.threads, Thread{
			ContextID:      contextID,
			SourceSystemID: systemID,
			SourceUserID:   namespacedUserID(b.prov, userID),
		})
	}
	turn.ContextID = contextID
	b.threads[i].Turns = append(b.threads[i].Turns, turn)
}

// setHints attaches a hint to every thread of a raw user ID.
func (b *threadBuilder) setHints(hints map[string]*identity.Hint) {
	for i := range b.threads {
		raw := b.threads[i].SourceUserID[len(b.prov)+1:]
		if h, ok := hints[raw]; ok {
			b.threads[i].Hint = h
		}
	}
}

func (b *threadBuilder) build() []Thread {
	out := b.threads
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ContextID != out[j].ContextID {
			return out[i].ContextID < out[j].ContextID
		}
		if out[i].SourceSystemID != out[j].SourceSystemID {
			return out[i].SourceSystemID < out[j].SourceSystemID
		}
		return out[i].SourceUserID < out[j].SourceUserID
	})
	return out
}

func namespacedUserID(prov memory.Provenance, raw string) string {
	return string(prov) + ":" + raw
}
