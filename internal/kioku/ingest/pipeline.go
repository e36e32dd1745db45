// Package ingest embeds memory records and writes them to the vector store
// in fixed-size batches. Each record succeeds or fails on its own; a failing
// record never aborts its batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Writer is the subset of the vector store the pipeline needs.
type Writer interface {
	Exists(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, rec memory.Record) error
}

// Outcome classifies what happened to one record.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeFailed       Outcome = "failed"
)

// Observer receives per-record events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveOutcome(o Outcome)
	ObserveEmbedding(d time.Duration, err error)
}

// Default option values.
const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultCallTimeout = 30 * time.Second
)

// Options tunes a Pipeline.
type Options struct {
	// BatchSize is the number of records processed per batch.
	BatchSize int
	// Concurrency bounds the records of one batch processed in parallel.
	Concurrency int
	// BatchDelay is the pause between batches. Zero disables it.
	BatchDelay time.Duration
	// CallTimeout bounds each embedding and vector store call.
	CallTimeout time.Duration
	// Dimensions, when positive, is the required embedding length.
	Dimensions int
	// DryRun embeds records but does not write them.
	DryRun bool
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	return o
}

// FailureRecord is a record that could not be ingested.
type FailureRecord struct {
	Record memory.Record
	Err    error
}

// Result summarizes one Ingest call.
type Result struct {
	Succeeded    int
	Deduplicated int
	Failed       []FailureRecord
	// Remaining counts records never attempted because the context was
	// cancelled between batches.
	Remaining int
	Batches   int
	// Stored lists the IDs known to be in the vector store after the run:
	// written now or found already present. Dry runs write nothing.
	Stored []string
}

// Pipeline ingests records through an embedder into a vector store.
type Pipeline struct {
	embedder memory.Embedder
	writer   Writer
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// New creates a pipeline. observer may be nil. A nil logger uses
// slog.Default().
func New(embedder memory.Embedder, writer Writer, opts Options, observer Observer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		embedder: embedder,
		writer:   writer,
		opts:     opts.withDefaults(),
		observer: observer,
		logger:   logger,
	}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// Ingest processes candidates batch by batch. Records already present in the
// store, or repeated earlier in candidates, are counted as deduplicated and
// not embedded again. Per-record failures are collected in the result.
//
// The only error returned is the context's, when it is cancelled between
// batches; the partial result is returned with it.
func (p *Pipeline) Ingest(ctx context.Context, candidates []memory.Record) (*Result, error) {
	res := &Result{}
	seen := make(map[string]struct{}, len(candidates))
	unique := make([]memory.Record, 0, len(candidates))
	for _, rec := range candidates {
		if _, dup := seen[rec.ID]; dup {
			res.Deduplicated++
			p.observe(OutcomeDeduplicated)
			continue
		}
		seen[rec.ID] = struct{}{}
		unique = append(unique, rec)
	}

	for start := 0; start < len(unique); start += p.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(unique) - start
			return res, err
		}
		if start > 0 && p.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				res.Remaining = len(unique) - start
				return res, ctx.Err()
			case <-time.After(p.opts.BatchDelay):
			}
		}

		end := min(start+p.opts.BatchSize, len(unique))
		p.runBatch(ctx, unique[start:end], res)
		res.Batches++
	}
	return res, nil
}

// IngestOne processes a single record. A record already in the store is a
// success.
func (p *Pipeline) IngestOne(ctx context.Context, rec memory.Record) error {
	_, err := p.process(ctx, rec)
	return err
}

type itemResult struct {
	outcome Outcome
	err     error
}

func (p *Pipeline) runBatch(ctx context.Context, batch []memory.Record, res *Result) {
	results := make([]itemResult, len(batch))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, rec := range batch {
		g.Go(func() error {
			outcome, err := p.process(ctx, rec)
			results[i] = itemResult{outcome: outcome, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var succeeded, deduplicated, failed int
	for i, r := range results {
		switch r.outcome {
		case OutcomeSucceeded:
			succeeded++
			if !p.opts.DryRun {
				res.Stored = append(res.Stored, batch[i].ID)
			}
		case OutcomeDeduplicated:
			deduplicated++
			res.Stored = append(res.Stored, batch[i].ID)
		default:
			failed++
			res.Failed = append(res.Failed, FailureRecord{Record: batch[i], Err: r.err})
			p.logger.Warn("ingest: record failed",
				"memory_id", batch[i].ID,
				"persona_id", batch[i].PersonaID,
				"transient", memory.IsTransient(r.err),
				"err", r.err,
			)
		}
	}
	res.Succeeded += succeeded
	res.Deduplicated += deduplicated

	p.logger.Info("ingest: batch complete",
		"batch", res.Batches+1,
		"size", len(batch),
		"succeeded", succeeded,
		"deduplicated", deduplicated,
		"failed", failed,
		"dry_run", p.opts.DryRun,
	)
}

// process runs one record through exists, embed and upsert.
func (p *Pipeline) process(ctx context.Context, rec memory.Record) (Outcome, error) {
	outcome, err := p.processRecord(ctx, rec)
	if err != nil {
		outcome = OutcomeFailed
	}
	p.observe(outcome)
	return outcome, err
}

func (p *Pipeline) processRecord(ctx context.Context, rec memory.Record) (Outcome, error) {
	if rec.ID == "" {
		return OutcomeFailed, errors.New("ingest: record has no id")
	}

	exists, err := p.exists(ctx, rec.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		return OutcomeDeduplicated, nil
	}

	embedding, err := p.embed(ctx, rec.Content)
	if err != nil {
		return OutcomeFailed, err
	}
	if p.opts.DryRun {
		return OutcomeSucceeded, nil
	}

	rec.Embedding = embedding
	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	if err := p.writer.Upsert(callCtx, rec); err != nil {
		return OutcomeFailed, fmt.Errorf("ingest: upsert %s: %w", rec.ID, err)
	}
	return OutcomeSucceeded, nil
}

func (p *Pipeline) exists(ctx context.Context, id string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	ok, err := p.writer.Exists(callCtx, id)
	if err != nil {
		return false, fmt.Errorf("ingest: check %s: %w", id, err)
	}
	return ok, nil
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	embedding, err := p.embedder.Embed(callCtx, text)
	if p.observer != nil {
		p.observer.ObserveEmbedding(time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: embed: %w", err)
	}
	if p.opts.Dimensions > 0 && len(embedding) != p.opts.Dimensions {
		return nil, fmt.Errorf("ingest: embedding has %d dimensions, want %d", len(embedding), p.opts.Dimensions)
	}
	return embedding, nil
}

func (p *Pipeline) observe(o Outcome) {
	if p.observer != nil {
		p.observer.ObserveOutcome(o)
	}
}
