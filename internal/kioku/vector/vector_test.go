package vector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB(), nil)
}

func newChromemTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{}, nil)
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var backends = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"sqlite", newSQLiteTestStore},
	{"chromem", newChromemTestStore},
}

func testRecord(persona, content string, embedding []float32) memory.Record {
	return memory.Record{
		ID:             memory.DeriveID(persona, "bot", content),
		PersonaID:      persona,
		SourceSystemID: "bot",
		Content:        content,
		Embedding:      embedding,
		ContextID:      "ctx-1",
		CreatedAt:      time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		Provenance:     memory.ProvenanceLegacy,
	}
}

func TestStore_UpsertExistsGet(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			rec := testRecord("p1", "User: hi\nAssistant: hello", []float32{1, 0, 0})

			ok, err := s.Exists(ctx, rec.ID)
			if err != nil || ok {
				t.Fatalf("Exists before upsert: ok=%v err=%v", ok, err)
			}
			if err := s.Upsert(ctx, rec); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			ok, err = s.Exists(ctx, rec.ID)
			if err != nil || !ok {
				t.Fatalf("Exists after upsert: ok=%v err=%v", ok, err)
			}

			got, err := s.Get(ctx, rec.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Content != rec.Content || got.PersonaID != "p1" || got.SourceSystemID != "bot" {
				t.Errorf("Get: unexpected record %+v", got)
			}
			if !got.CreatedAt.Equal(rec.CreatedAt) {
				t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, rec.CreatedAt)
			}
			if got.Provenance != memory.ProvenanceLegacy {
				t.Errorf("Provenance: got %q", got.Provenance)
			}
		})
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			rec := testRecord("p1", "User: a\nAssistant: b", []float32{0, 1, 0})

			for i := 0; i < 3; i++ {
				if err := s.Upsert(ctx, rec); err != nil {
					t.Fatalf("Upsert #%d: %v", i, err)
				}
			}
			n, err := s.Count(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("Count: got %d, want 1", n)
			}
		})
	}
}

func TestStore_GetNotFound(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_RejectsRecordWithoutEmbedding(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			rec := testRecord("p1", "User: x\nAssistant: y", nil)
			if err := s.Upsert(context.Background(), rec); err == nil {
				t.Error("expected error for record without embedding")
			}
		})
	}
}

func TestStore_SearchScopedByPersona(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			recs := []memory.Record{
				testRecord("p1", "User: cats\nAssistant: meow", []float32{1, 0, 0}),
				testRecord("p1", "User: dogs\nAssistant: woof", []float32{0, 1, 0}),
				testRecord("p2", "User: cats\nAssistant: purr", []float32{1, 0, 0}),
			}
			for _, r := range recs {
				if err := s.Upsert(ctx, r); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
			}

			matches, err := s.Search(ctx, "p1", []float32{0.9, 0.1, 0}, 2)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(matches) != 2 {
				t.Fatalf("matches: got %d, want 2", len(matches))
			}
			if matches[0].Record.ID != recs[0].ID {
				t.Errorf("best match: got %q, want the cats memory", matches[0].Record.Content)
			}
			for _, m := range matches {
				if m.Record.PersonaID != "p1" {
					t.Errorf("match from wrong persona: %+v", m.Record)
				}
			}
		})
	}
}

func TestStore_SearchEmpty(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			matches, err := s.Search(context.Background(), "p1", []float32{1, 0, 0}, 5)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(matches) != 0 {
				t.Errorf("expected no matches, got %d", len(matches))
			}
		})
	}
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rec := testRecord("p1", "User: keep\nAssistant: me", []float32{0, 0, 1})

	s1, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s1.Close()

	s2, err := NewChromemStore(ChromemConfig{Path: dir}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	ok, err := s2.Exists(ctx, rec.ID)
	if err != nil || !ok {
		t.Errorf("record not persisted: ok=%v err=%v", ok, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
