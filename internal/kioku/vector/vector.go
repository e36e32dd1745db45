// Package vector stores memory records with their embeddings and answers
// similarity queries over them. Writes are upserts keyed by the record ID, so
// writing the same record twice leaves a single entry.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// ErrNotFound is returned by Get when no record has the requested ID.
var ErrNotFound = errors.New("vector: record not found")

// Store is a vector store keyed by memory.Record.ID.
type Store interface {
	// Upsert writes rec, replacing any record with the same ID. rec must
	// carry an embedding.
	Upsert(ctx context.Context, rec memory.Record) error
	// Exists reports whether a record with id has been written.
	Exists(ctx context.Context, id string) (bool, error)
	// Get returns the record with id, or ErrNotFound.
	Get(ctx context.Context, id string) (memory.Record, error)
	// Search returns up to topK records of personaID ordered by descending
	// similarity to query.
	Search(ctx context.Context, personaID string, query []float32, topK int) ([]Match, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Match is a search hit.
type Match struct {
	Record memory.Record
	Score  float64
}

func validateRecord(rec memory.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("vector: record has no id")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("vector: record %s has no embedding", rec.ID)
	}
	return nil
}

// recordFromMetadata rebuilds a record from the attribution written by
// memory.Record.Metadata.
func recordFromMetadata(id, content string, embedding []float32, meta map[string]string) (memory.Record, error) {
	rec := memory.Record{
		ID:             id,
		PersonaID:      meta[memory.MetaPersonaID],
		SourceSystemID: meta[memory.MetaSourceSystemID],
		ContextID:      meta[memory.MetaContextID],
		Content:        content,
		Embedding:      embedding,
		Provenance:     memory.Provenance(meta[memory.MetaProvenance]),
	}
	if s := meta[memory.MetaCreatedAt]; s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return memory.Record{}, fmt.Errorf("vector: parse created_at of %s: %w", id, err)
		}
		rec.CreatedAt = t
	}
	return rec, nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if either vector is empty, has zero magnitude, or the lengths
// differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// topMatches sorts by descending score, ties broken by ID, and keeps topK.
func topMatches(matches []Match, topK int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if topK < len(matches) {
		matches = matches[:topK]
	}
	return matches
}
