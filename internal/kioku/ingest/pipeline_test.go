package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// fakeEmbedder returns a fixed vector, failing for content containing any of
// the configured markers.
type fakeEmbedder struct {
	mu    sync.Mutex
	fail  []string
	dims  int
	calls int
	block bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, m := range f.fail {
		if strings.Contains(text, m) {
			return nil, fmt.Errorf("embedding service unavailable: %w", memory.ErrTransient)
		}
	}
	dims := f.dims
	if dims == 0 {
		dims = 3
	}
	v := make([]float32, dims)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeWriter is an in-memory Writer.
type fakeWriter struct {
	mu        sync.Mutex
	records   map[string]memory.Record
	upserts   int
	upsertErr error
	existsErr error
	onUpsert  func()
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{records: make(map[string]memory.Record)}
}

func (w *fakeWriter) Exists(_ context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.existsErr != nil {
		return false, w.existsErr
	}
	_, ok := w.records[id]
	return ok, nil
}

func (w *fakeWriter) Upsert(_ context.Context, rec memory.Record) error {
	w.mu.Lock()
	if w.upsertErr != nil {
		w.mu.Unlock()
		return w.upsertErr
	}
	w.records[rec.ID] = rec
	w.upserts++
	hook := w.onUpsert
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (w *fakeWriter) has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.records[id]
	return ok
}

// countingObserver tallies observer events.
type countingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	embeds   int
}

func (o *countingObserver) ObserveOutcome(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[out]++
}

func (o *countingObserver) ObserveEmbedding(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.embeds++
}

func candidates(n int) []memory.Record {
	out := make([]memory.Record, n)
	for i := range out {
		content := fmt.Sprintf("User: question %d\nAssistant: answer %d", i+1, i+1)
		out[i] = memory.Record{
			ID:             memory.DeriveID("persona", "bot", content),
			PersonaID:      "persona",
			SourceSystemID: "bot",
			Content:        content,
			CreatedAt:      time.Unix(int64(100+i), 0).UTC(),
			Provenance:     memory.ProvenanceLive,
		}
	}
	return out
}

func TestIngest_FailureIsolation(t *testing.T) {
	emb := &fakeEmbedder{fail: []string{"question 2\n"}}
	w := newFakeWriter()
	p := New(emb, w, Options{BatchSize: 5}, nil, nil)
	recs := candidates(5)

	res, err := p.Ingest(context.Background(), recs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Succeeded != 4 {
		t.Errorf("Succeeded: got %d, want 4", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].Record.ID != recs[1].ID {
		t.Fatalf("Failed: got %+v, want only item 2", res.Failed)
	}
	if !memory.IsTransient(res.Failed[0].Err) {
		t.Errorf("failure should stay classified transient: %v", res.Failed[0].Err)
	}
	for i, r := range recs {
		if want := i != 1; w.has(r.ID) != want {
			t.Errorf("item %d written=%v, want %v", i+1, w.has(r.ID), want)
		}
	}
}

func TestIngest_Idempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	w := newFakeWriter()
	p := New(emb, w, Options{BatchSize: 2}, nil, nil)
	recs := candidates(3)

	if _, err := p.Ingest(context.Background(), recs); err != nil {
		t.Fatal(err)
	}
	res, err := p.Ingest(context.Background(), recs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deduplicated != 3 || res.Succeeded != 0 || len(res.Failed) != 0 {
		t.Errorf("second run: %+v", res)
	}
	if w.upserts != 3 {
		t.Errorf("upserts: got %d, want 3", w.upserts)
	}
	if emb.callCount() != 3 {
		t.Errorf("embed calls: got %d, want 3", emb.callCount())
	}
}

func TestIngest_DuplicateCandidatesInOneRun(t *testing.T) {
	w := newFakeWriter()
	p := New(&fakeEmbedder{}, w, Options{}, nil, nil)
	recs := candidates(2)
	recs = append(recs, recs[0])

	res, err := p.Ingest(context.Background(), recs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 2 || res.Deduplicated != 1 {
		t.Errorf("got %+v, want 2 succeeded 1 deduplicated", res)
	}
}

func TestIngest_DryRun(t *testing.T) {
	emb := &fakeEmbedder{}
	w := newFakeWriter()
	p := New(emb, w, Options{DryRun: true}, nil, nil)

	res, err := p.Ingest(context.Background(), candidates(4))
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 4 {
		t.Errorf("Succeeded: got %d, want 4", res.Succeeded)
	}
	if w.upserts != 0 {
		t.Errorf("dry run wrote %d records", w.upserts)
	}
	if emb.callCount() != 4 {
		t.Errorf("dry run should still embed: got %d calls", emb.callCount())
	}
}

func TestIngest_StoredIDs(t *testing.T) {
	emb := &fakeEmbedder{fail: []string{"question 3\n"}}
	w := newFakeWriter()
	recs := candidates(3)
	w.records[recs[0].ID] = recs[0]
	p := New(emb, w, Options{BatchSize: 2}, nil, nil)

	res, err := p.Ingest(context.Background(), recs)
	if err != nil {
		t.Fatal(err)
	}
	stored := make(map[string]bool, len(res.Stored))
	for _, id := range res.Stored {
		stored[id] = true
	}
	if len(res.Stored) != 2 || !stored[recs[0].ID] || !stored[recs[1].ID] {
		t.Errorf("Stored: got %v, want items 1 and 2", res.Stored)
	}

	dry := New(emb, newFakeWriter(), Options{DryRun: true}, nil, nil)
	res, err = dry.Ingest(context.Background(), recs[:2])
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stored) != 0 {
		t.Errorf("dry run Stored: got %v, want none", res.Stored)
	}
}

func TestIngest_Batches(t *testing.T) {
	p := New(&fakeEmbedder{}, newFakeWriter(), Options{BatchSize: 3}, nil, nil)

	res, err := p.Ingest(context.Background(), candidates(7))
	if err != nil {
		t.Fatal(err)
	}
	if res.Batches != 3 {
		t.Errorf("Batches: got %d, want 3", res.Batches)
	}
	if res.Succeeded != 7 {
		t.Errorf("Succeeded: got %d, want 7", res.Succeeded)
	}
}

func TestIngest_BatchDelay(t *testing.T) {
	p := New(&fakeEmbedder{}, newFakeWriter(), Options{BatchSize: 1, BatchDelay: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	if _, err := p.Ingest(context.Background(), candidates(3)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected two inter-batch pauses, elapsed %v", elapsed)
	}
}

func TestIngest_CancelBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newFakeWriter()
	w.onUpsert = cancel
	p := New(&fakeEmbedder{}, w, Options{BatchSize: 1, Concurrency: 1}, nil, nil)

	res, err := p.Ingest(ctx, candidates(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("Succeeded: got %d, want 1", res.Succeeded)
	}
	if res.Remaining != 2 {
		t.Errorf("Remaining: got %d, want 2", res.Remaining)
	}
}

func TestIngest_DimensionGuard(t *testing.T) {
	p := New(&fakeEmbedder{dims: 4}, newFakeWriter(), Options{Dimensions: 3}, nil, nil)

	res, err := p.Ingest(context.Background(), candidates(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 2 {
		t.Errorf("Failed: got %d, want 2", len(res.Failed))
	}
}

func TestIngest_StoreFailuresArePerItem(t *testing.T) {
	tests := []struct {
		name  string
		setup func(w *fakeWriter)
	}{
		{"exists", func(w *fakeWriter) { w.existsErr = errors.New("store offline") }},
		{"upsert", func(w *fakeWriter) { w.upsertErr = errors.New("disk full") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWriter()
			tt.setup(w)
			p := New(&fakeEmbedder{}, w, Options{}, nil, nil)

			res, err := p.Ingest(context.Background(), candidates(3))
			if err != nil {
				t.Fatalf("store failures must not abort the run: %v", err)
			}
			if len(res.Failed) != 3 {
				t.Errorf("Failed: got %d, want 3", len(res.Failed))
			}
		})
	}
}

func TestIngest_CallTimeoutIsItemFailure(t *testing.T) {
	p := New(&fakeEmbedder{block: true}, newFakeWriter(), Options{CallTimeout: 10 * time.Millisecond}, nil, nil)

	res, err := p.Ingest(context.Background(), candidates(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("Failed: got %d, want 1", len(res.Failed))
	}
	if !memory.IsTransient(res.Failed[0].Err) {
		t.Errorf("timeout should be transient: %v", res.Failed[0].Err)
	}
}

func TestIngestOne(t *testing.T) {
	emb := &fakeEmbedder{fail: []string{"question 2\n"}}
	w := newFakeWriter()
	p := New(emb, w, Options{}, nil, nil)
	recs := candidates(2)
	ctx := context.Background()

	if err := p.IngestOne(ctx, recs[0]); err != nil {
		t.Errorf("IngestOne: %v", err)
	}
	if err := p.IngestOne(ctx, recs[0]); err != nil {
		t.Errorf("IngestOne on existing record should succeed: %v", err)
	}
	if err := p.IngestOne(ctx, recs[1]); err == nil {
		t.Error("expected failure for item 2")
	}
	if err := p.IngestOne(ctx, memory.Record{Content: "x"}); err == nil {
		t.Error("expected failure for record without id")
	}
}

func TestIngest_Observer(t *testing.T) {
	obs := &countingObserver{}
	w := newFakeWriter()
	p := New(&fakeEmbedder{fail: []string{"question 3\n"}}, w, Options{}, obs, nil)
	recs := candidates(3)
	if err := w.Upsert(context.Background(), recs[0]); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Ingest(context.Background(), recs); err != nil {
		t.Fatal(err)
	}
	want := map[Outcome]int{OutcomeDeduplicated: 1, OutcomeSucceeded: 1, OutcomeFailed: 1}
	for o, n := range want {
		if obs.outcomes[o] != n {
			t.Errorf("outcome %s: got %d, want %d", o, obs.outcomes[o], n)
		}
	}
	if obs.embeds != 2 {
		t.Errorf("embed observations: got %d, want 2", obs.embeds)
	}
}
