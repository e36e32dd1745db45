package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/ingest"
	"github.com/bdobrica/kioku/internal/kioku/lock"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeIngester fails records whose ID is in failing and counts calls.
type fakeIngester struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   map[string]int
	onCall  func()
}

func newFakeIngester(failing ...string) *fakeIngester {
	f := &fakeIngester{failing: make(map[string]bool), calls: make(map[string]int)}
	for _, id := range failing {
		f.failing[id] = true
	}
	return f
}

func (f *fakeIngester) IngestOne(_ context.Context, rec memory.Record) error {
	f.mu.Lock()
	f.calls[rec.ID]++
	fail := f.failing[rec.ID]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return fmt.Errorf("embedding service unavailable: %w", memory.ErrTransient)
	}
	return nil
}

func (f *fakeIngester) setFailing(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = fail
}

func (f *fakeIngester) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return nil, lock.ErrHeld
}

func testRecord(n int) memory.Record {
	content := fmt.Sprintf("User: q%d\nAssistant: a%d", n, n)
	return memory.Record{
		ID:             memory.DeriveID("persona", "bot", content),
		PersonaID:      "persona",
		SourceSystemID: "bot",
		Content:        content,
		CreatedAt:      time.Unix(int64(n), 0).UTC(),
		Provenance:     memory.ProvenanceLive,
	}
}

func failures(recs ...memory.Record) []ingest.FailureRecord {
	out := make([]ingest.FailureRecord, len(recs))
	for i, r := range recs {
		out[i] = ingest.FailureRecord{Record: r, Err: errors.New("initial failure")}
	}
	return out
}

func TestPass_SuccessRemovesEntry(t *testing.T) {
	st := newTestStore(t)
	ing := newFakeIngester()
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()
	rec := testRecord(1)

	if err := q.Enqueue(ctx, failures(rec)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res, err := q.Pass(ctx, 3)
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if res.Succeeded != 1 || res.Retried() != 1 {
		t.Errorf("result: %+v", res)
	}
	if _, err := st.GetRetryEntry(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("entry should be removed after success, got %v", err)
	}
}

func TestPass_LostClaimSkipped(t *testing.T) {
	st := newTestStore(t)
	gone, kept := testRecord(1), testRecord(2)
	ing := newFakeIngester(gone.ID)
	ing.onCall = func() {
		if _, err := st.DeleteRetryEntries(context.Background(), []string{gone.ID}); err != nil {
			t.Errorf("DeleteRetryEntries: %v", err)
		}
	}
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(gone, kept)); err != nil {
		t.Fatal(err)
	}
	res, err := q.Pass(ctx, 3)
	if err != nil {
		t.Fatalf("Pass should survive a lost claim: %v", err)
	}
	if res.Lost != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Errorf("result: %+v, want 1 lost 1 succeeded", res)
	}
	if _, err := st.GetRetryEntry(ctx, gone.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted entry came back: %v", err)
	}
}

func TestResolve_DropsStoredEntries(t *testing.T) {
	st := newTestStore(t)
	q := New(st, newFakeIngester(), nil, Options{}, nil, nil)
	ctx := context.Background()
	a, b := testRecord(1), testRecord(2)

	if err := q.Enqueue(ctx, failures(a, b)); err != nil {
		t.Fatal(err)
	}
	n, err := q.Resolve(ctx, []string{a.ID})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved: got %d, want 1", n)
	}
	if _, err := st.GetRetryEntry(ctx, b.ID); err != nil {
		t.Errorf("unrelated entry removed: %v", err)
	}
	if n, err := q.Resolve(ctx, nil); err != nil || n != 0 {
		t.Errorf("empty resolve: n=%d err=%v", n, err)
	}
}

func TestPass_RetryBound(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord(1)
	ing := newFakeIngester(rec.ID)
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()
	const maxAttempts = 3

	if err := q.Enqueue(ctx, failures(rec)); err != nil {
		t.Fatal(err)
	}

	var exhausted int
	for pass := 0; pass < 6; pass++ {
		res, err := q.Pass(ctx, maxAttempts)
		if err != nil {
			t.Fatalf("Pass %d: %v", pass, err)
		}
		exhausted += res.Exhausted
	}

	if n := ing.callCount(rec.ID); n != maxAttempts {
		t.Errorf("retried %d times, want %d", n, maxAttempts)
	}
	if exhausted != 1 {
		t.Errorf("exhausted transitions: got %d, want 1", exhausted)
	}
	e, err := st.GetRetryEntry(ctx, rec.ID)
	if err != nil {
		t.Fatalf("exhausted entry must be kept: %v", err)
	}
	if e.State != store.RetryExhausted || e.Attempts != maxAttempts {
		t.Errorf("entry: state=%q attempts=%d", e.State, e.Attempts)
	}
}

func TestPass_AttemptsNeverDecrease(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord(1)
	ing := newFakeIngester(rec.ID)
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(rec)); err != nil {
		t.Fatal(err)
	}
	last := 0
	for i := 0; i < 3; i++ {
		if _, err := q.Pass(ctx, 10); err != nil {
			t.Fatal(err)
		}
		// A re-run of ingestion enqueues the same failure again.
		if err := q.Enqueue(ctx, failures(rec)); err != nil {
			t.Fatal(err)
		}
		e, _ := st.GetRetryEntry(ctx, rec.ID)
		if e.Attempts < last {
			t.Fatalf("attempts decreased from %d to %d", last, e.Attempts)
		}
		last = e.Attempts
	}
	if last != 3 {
		t.Errorf("attempts: got %d, want 3", last)
	}
}

func TestPass_Mixed(t *testing.T) {
	st := newTestStore(t)
	ok1, bad, ok2 := testRecord(1), testRecord(2), testRecord(3)
	ing := newFakeIngester(bad.ID)
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(ok1, bad, ok2)); err != nil {
		t.Fatal(err)
	}
	res, err := q.Pass(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 3 || res.Succeeded != 2 || res.Failed != 1 || res.Exhausted != 0 {
		t.Errorf("result: %+v", res)
	}
	e, err := st.GetRetryEntry(ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Attempts != 1 || e.State != store.RetryPending || e.ClaimedBy != "" {
		t.Errorf("failing entry: %+v", e)
	}
}

func TestPass_LockHeld(t *testing.T) {
	st := newTestStore(t)
	q := New(st, newFakeIngester(), heldLocker{}, Options{}, nil, nil)

	if _, err := q.Pass(context.Background(), 3); !errors.Is(err, ErrPassInProgress) {
		t.Errorf("expected ErrPassInProgress, got %v", err)
	}
}

func TestPass_InvalidMaxAttempts(t *testing.T) {
	q := New(newTestStore(t), newFakeIngester(), nil, Options{}, nil, nil)
	if _, err := q.Pass(context.Background(), 0); err == nil {
		t.Error("expected error for zero max attempts")
	}
}

func TestPass_CancelReleasesClaims(t *testing.T) {
	st := newTestStore(t)
	ing := newFakeIngester()
	q := New(st, ing, nil, Options{}, nil, nil)
	recs := []memory.Record{testRecord(1), testRecord(2), testRecord(3)}

	if err := q.Enqueue(context.Background(), failures(recs...)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.onCall = cancel

	res, err := q.Pass(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("Succeeded: got %d, want 1", res.Succeeded)
	}

	left, err := st.ListRetryEntries(context.Background(), store.RetryPending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("remaining entries: got %d, want 2", len(left))
	}
	for _, e := range left {
		if e.ClaimedBy != "" || e.Attempts != 0 {
			t.Errorf("untouched entry changed: %+v", e)
		}
	}
}

func TestPass_Cooldown(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord(1)
	ing := newFakeIngester(rec.ID)
	q := New(st, ing, nil, Options{Cooldown: retry.Config{InitialDelay: time.Hour}}, nil, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(rec)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pass(ctx, 5); err != nil {
		t.Fatal(err)
	}
	res, err := q.Pass(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 0 {
		t.Errorf("entry retried during cooldown")
	}
}

func TestRequeue_ExhaustedEntryRetriedAgain(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord(1)
	ing := newFakeIngester(rec.ID)
	q := New(st, ing, nil, Options{}, nil, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(rec)); err != nil {
		t.Fatal(err)
	}
	if res, err := q.Pass(ctx, 1); err != nil || res.Exhausted != 1 {
		t.Fatalf("expected exhaustion: %+v %v", res, err)
	}

	exhausted, err := q.List(ctx, store.RetryExhausted, 0)
	if err != nil || len(exhausted) != 1 {
		t.Fatalf("List exhausted: %d %v", len(exhausted), err)
	}

	if err := q.Requeue(ctx, rec.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	ing.setFailing(rec.ID, false)
	res, err := q.Pass(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Errorf("requeued entry not retried: %+v", res)
	}
}

type transitionCounter struct {
	mu sync.Mutex
	n  map[Transition]int
}

func (c *transitionCounter) ObserveRetry(t Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[Transition]int)
	}
	c.n[t]++
}

func TestPass_Observer(t *testing.T) {
	st := newTestStore(t)
	good, bad := testRecord(1), testRecord(2)
	obs := &transitionCounter{}
	q := New(st, newFakeIngester(bad.ID), nil, Options{}, obs, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, failures(good, bad)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pass(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if obs.n[TransitionSucceeded] != 1 || obs.n[TransitionExhausted] != 1 {
		t.Errorf("transitions: %+v", obs.n)
	}
}
