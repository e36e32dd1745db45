// Package retryqueue re-drives memories whose ingestion failed.
//
// An entry moves through three states:
//
//	pending -> (retry succeeds)        -> removed
//	pending -> (retry fails)           -> pending, attempts+1
//	pending -> (attempts reaches max)  -> exhausted, kept for operators
//
// Exhausted entries are never retried automatically. A pass claims the
// entries it works, so concurrent passes never retry the same entry.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/internal/kioku/ingest"
	"github.com/bdobrica/kioku/internal/kioku/lock"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// ErrPassInProgress is returned by Pass when another pass holds the lock.
var ErrPassInProgress = errors.New("retryqueue: another retry pass is in progress")

// LockName is the lock taken for the duration of a pass.
const LockName = "retry-pass"

// Store is the durable backing of the queue.
type Store interface {
	EnqueueRetries(ctx context.Context, failures []store.RetryFailure) error
	ClaimRetryEntries(ctx context.Context, opts store.ClaimOptions) ([]store.RetryEntry, error)
	RecordRetryFailure(ctx context.Context, memoryID, passID, errMsg string, maxAttempts int) (*store.RetryEntry, error)
	CompleteRetry(ctx context.Context, memoryID, passID string) error
	ReleaseRetryClaims(ctx context.Context, passID string) error
	RenewRetryClaims(ctx context.Context, passID string) error
	DeleteRetryEntries(ctx context.Context, memoryIDs []string) (int, error)
	ListRetryEntries(ctx context.Context, state store.RetryState, limit int) ([]store.RetryEntry, error)
	RequeueRetryEntry(ctx context.Context, memoryID string) error
}

var _ Store = (*store.Store)(nil)

// Ingester is the single-record ingestion path.
type Ingester interface {
	IngestOne(ctx context.Context, rec memory.Record) error
}

// Transition is a state change of one entry during a pass.
type Transition string

const (
	TransitionSucceeded Transition = "succeeded"
	TransitionPending   Transition = "pending"
	TransitionExhausted Transition = "exhausted"
)

// Observer receives retry transitions.
type Observer interface {
	ObserveRetry(t Transition)
}

// Options tunes a Queue.
type Options struct {
	// LeaseTTL bounds how long a crashed pass can hold its claims.
	LeaseTTL time.Duration
	// LockTTL bounds the pass lock.
	LockTTL time.Duration
	// Limit caps the entries claimed per pass. Zero means all eligible.
	Limit int
	// Cooldown spaces automatic attempts; a zero InitialDelay disables it.
	Cooldown retry.Config
}

// Default option values.
const (
	DefaultLeaseTTL = 15 * time.Minute
	DefaultLockTTL  = 30 * time.Minute
)

// Queue is the retry queue.
type Queue struct {
	store    Store
	ingester Ingester
	locker   lock.Locker
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// New creates a queue. locker and observer may be nil. A nil logger uses
// slog.Default().
func New(st Store, ingester Ingester, locker lock.Locker, opts Options, observer Observer, logger *slog.Logger) *Queue {
	if locker == nil {
		locker = lock.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Queue{
		store:    st,
		ingester: ingester,
		locker:   locker,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Enqueue durably records ingestion failures. Entries that already exist
// keep their attempt count.
func (q *Queue) Enqueue(ctx context.Context, failures []ingest.FailureRecord) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([]store.RetryFailure, 0, len(failures))
	for _, f := range failures {
		msg := "unknown error"
		if f.Err != nil {
			msg = f.Err.Error()
		}
		rows = append(rows, store.RetryFailure{Record: f.Record, Err: msg})
	}
	if err := q.store.EnqueueRetries(ctx, rows); err != nil {
		return fmt.Errorf("retryqueue: enqueue: %w", err)
	}
	q.logger.Info("retryqueue: enqueued failures", "count", len(rows))
	return nil
}

// PassResult summarizes one retry pass.
type PassResult struct {
	PassID    string
	Claimed   int
	Succeeded int
	// Failed counts entries that failed again and stay pending.
	Failed    int
	Exhausted int
	// Lost counts entries whose claim vanished before the outcome was
	// recorded.
	Lost      int
}

// Retried is the number of entries re-driven through ingestion.
func (r PassResult) Retried() int {
	return r.Succeeded + r.Failed + r.Exhausted
}

// Pass claims the entries with fewer than maxAttempts attempts and retries
// each once. Cancelling ctx stops the pass after the current entry and
// releases the remaining claims; the partial result is returned with the
// context's error.
func (q *Queue) Pass(ctx context.Context, maxAttempts int) (*PassResult, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("retryqueue: max attempts must be positive, got %d", maxAttempts)
	}
	passID := trace.RunIDFromContext(ctx)
	if passID == "" {
		passID = trace.GenerateRunID()
	}
	res := &PassResult{PassID: passID}

	lease, err := q.locker.Acquire(ctx, LockName, q.opts.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return res, ErrPassInProgress
	}
	if err != nil {
		return res, fmt.Errorf("retryqueue: acquire pass lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			q.logger.Warn("retryqueue: release pass lock", "err", err)
		}
	}()

	claim := store.ClaimOptions{
		PassID:      passID,
		MaxAttempts: maxAttempts,
		Limit:       q.opts.Limit,
		LeaseTTL:    q.opts.LeaseTTL,
	}
	if q.opts.Cooldown.InitialDelay > 0 {
		cfg := q.opts.Cooldown
		claim.Cooldown = func(attempts int) time.Duration { return retry.Backoff(cfg, attempts) }
	}
	entries, err := q.store.ClaimRetryEntries(ctx, claim)
	if err != nil {
		return res, fmt.Errorf("retryqueue: claim: %w", err)
	}
	res.Claimed = len(entries)
	defer func() {
		if err := q.store.ReleaseRetryClaims(context.WithoutCancel(ctx), passID); err != nil {
			q.logger.Warn("retryqueue: release claims", "pass_id", passID, "err", err)
		}
	}()

	q.logger.Info("retryqueue: pass started", "pass_id", passID, "claimed", len(entries), "max_attempts", maxAttempts)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := q.store.RenewRetryClaims(ctx, passID); err != nil {
			return res, fmt.Errorf("retryqueue: renew claims: %w", err)
		}
		if err := q.retryOne(ctx, passID, e, maxAttempts, res); err != nil {
			return res, err
		}
	}

	q.logger.Info("retryqueue: pass complete",
		"pass_id", passID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"exhausted", res.Exhausted,
		"lost", res.Lost,
	)
	return res, nil
}

// retryOne re-drives one claimed entry. Only store errors are returned;
// an ingestion failure is recorded on the entry. The outcome is recorded
// even if ctx is cancelled meanwhile.
func (q *Queue) retryOne(ctx context.Context, passID string, e store.RetryEntry, maxAttempts int, res *PassResult) error {
	ingestErr := q.ingester.IngestOne(ctx, e.Record)
	recordCtx := context.WithoutCancel(ctx)
	if ingestErr == nil {
		err := q.store.CompleteRetry(recordCtx, e.MemoryID, passID)
		if errors.Is(err, store.ErrNotFound) {
			q.claimLost(e, res)
			return nil
		}
		if err != nil {
			return fmt.Errorf("retryqueue: complete %s: %w", e.MemoryID, err)
		}
		res.Succeeded++
		q.observe(TransitionSucceeded)
		q.logger.Debug("retryqueue: entry succeeded", "memory_id", e.MemoryID, "attempts", e.Attempts)
		return nil
	}

	updated, err := q.store.RecordRetryFailure(recordCtx, e.MemoryID, passID, ingestErr.Error(), maxAttempts)
	if errors.Is(err, store.ErrNotFound) {
		q.claimLost(e, res)
		return nil
	}
	if err != nil {
		return fmt.Errorf("retryqueue: record failure %s: %w", e.MemoryID, err)
	}
	if updated.State == store.RetryExhausted {
		res.Exhausted++
		q.observe(TransitionExhausted)
		q.logger.Warn("retryqueue: entry exhausted",
			"memory_id", e.MemoryID, "attempts", updated.Attempts, "err", ingestErr)
		return nil
	}
	res.Failed++
	q.observe(TransitionPending)
	q.logger.Info("retryqueue: entry failed again",
		"memory_id", e.MemoryID, "attempts", updated.Attempts, "err", ingestErr)
	return nil
}

// claimLost handles an entry whose claim disappeared mid-pass: it was
// deleted or taken over by another pass. Whoever holds it now owns the
// outcome.
func (q *Queue) claimLost(e store.RetryEntry, res *PassResult) {
	res.Lost++
	q.logger.Warn("retryqueue: claim lost, skipping entry", "memory_id", e.MemoryID, "pass_id", res.PassID)
}

// Resolve drops the entries of memories that are now stored, whatever
// their state.
func (q *Queue) Resolve(ctx context.Context, memoryIDs []string) (int, error) {
	if len(memoryIDs) == 0 {
		return 0, nil
	}
	n, err := q.store.DeleteRetryEntries(ctx, memoryIDs)
	if err != nil {
		return 0, fmt.Errorf("retryqueue: resolve: %w", err)
	}
	if n > 0 {
		q.logger.Info("retryqueue: resolved entries of stored memories", "count", n)
	}
	return n, nil
}

// List returns entries in state, or all entries when state is empty.
func (q *Queue) List(ctx context.Context, state store.RetryState, limit int) ([]store.RetryEntry, error) {
	entries, err := q.store.ListRetryEntries(ctx, state, limit)
	if err != nil {
		return nil, fmt.Errorf("retryqueue: list: %w", err)
	}
	return entries, nil
}

// Requeue resets an entry, usually an exhausted one, to pending with zero
// attempts.
func (q *Queue) Requeue(ctx context.Context, memoryID string) error {
	if err := q.store.RequeueRetryEntry(ctx, memoryID); err != nil {
		return fmt.Errorf("retryqueue: requeue: %w", err)
	}
	q.logger.Info("retryqueue: entry requeued", "memory_id", memoryID)
	return nil
}

func (q *Queue) observe(t Transition) {
	if q.observer != nil {
		q.observer.ObserveRetry(t)
	}
}
