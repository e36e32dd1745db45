package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/internal/kioku/identity"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/observability"
	"github.com/bdobrica/kioku/internal/kioku/retryqueue"
	"github.com/bdobrica/kioku/internal/kioku/source"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Options tunes one ingestion run. Zero values fall back to the App's
// settings.
type Options struct {
	DryRun    bool
	BatchSize int
	// MaxAttempts bounds the backlog retry pass that precedes ingestion.
	MaxAttempts int
}

// RunSummary is the structured outcome of a run or retry pass.
type RunSummary struct {
	RunID  string `json:"run_id"`
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	DryRun bool   `json:"dry_run"`

	// Seen counts raw records read from the source.
	Seen      int `json:"seen"`
	Threads   int `json:"threads"`
	Paired    int `json:"paired"`
	Malformed int `json:"malformed"`
	// Orphaned counts exchanges attributed to the orphan persona.
	Orphaned     int `json:"orphaned"`
	Deduplicated int `json:"deduplicated"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	// Queued counts failures recorded in the retry queue.
	Queued int `json:"queued"`
	// Remaining counts candidates left unattempted by cancellation.
	Remaining int `json:"remaining"`
	// Cleared counts retry entries dropped because their memory is now
	// stored.
	Cleared int `json:"cleared"`

	// Retried, Recovered and Exhausted describe the retry pass.
	Retried   int `json:"retried"`
	Recovered int `json:"recovered"`
	Exhausted int `json:"exhausted"`

	Pairing  memory.PairStats `json:"pairing"`
	Duration time.Duration    `json:"duration_ns"`
}

// LogValue implements slog.LogValuer.
func (s *RunSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.String("kind", s.Kind),
		slog.String("source", s.Source),
		slog.Bool("dry_run", s.DryRun),
		slog.Int("seen", s.Seen),
		slog.Int("threads", s.Threads),
		slog.Int("paired", s.Paired),
		slog.Int("malformed", s.Malformed),
		slog.Int("orphaned", s.Orphaned),
		slog.Int("deduplicated", s.Deduplicated),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("failed", s.Failed),
		slog.Int("queued", s.Queued),
		slog.Int("remaining", s.Remaining),
		slog.Int("cleared", s.Cleared),
		slog.Int("retried", s.Retried),
		slog.Int("recovered", s.Recovered),
		slog.Int("exhausted", s.Exhausted),
		slog.Group("pairing",
			slog.Int("unmatched_initiators", s.Pairing.UnmatchedInitiators),
			slog.Int("duplicate_initiators", s.Pairing.DuplicateInitiators),
			slog.Int("dropped_responders", s.Pairing.DroppedResponders),
			slog.Int("noise_turns", s.Pairing.NoiseTurns),
		),
		slog.Duration("duration", s.Duration),
	)
}

func (s *RunSummary) addPass(res *retryqueue.PassResult) {
	if res == nil {
		return
	}
	s.Retried += res.Retried()
	s.Recovered += res.Succeeded
	s.Exhausted += res.Exhausted
}

// RunIngestion reads src, turns its threads into memory records and ingests
// them. Unless DryRun is set, it first re-drives the retry backlog left by
// earlier runs. Afterwards it drops queued entries for records that are now
// stored and records this run's failures for the next pass. Only
// configuration, connectivity and operational store errors are returned;
// per-record problems are counted in the summary.
func (a *App) RunIngestion(ctx context.Context, src source.Source, opts Options) (*RunSummary, error) {
	ctx, runID := withRun(ctx)
	logger := observability.WithRun(ctx, a.logger)
	started := a.now()

	sum := &RunSummary{RunID: runID, Kind: store.RunKindIngest, Source: src.Name(), DryRun: opts.DryRun}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = a.settings.MaxAttempts
	}
	ingestOpts := a.settings.Ingest
	if opts.BatchSize > 0 {
		ingestOpts.BatchSize = opts.BatchSize
	}
	ingestOpts.DryRun = ingestOpts.DryRun || opts.DryRun
	sum.DryRun = ingestOpts.DryRun
	p := a.pipeline(ingestOpts, logger)

	logger.Info("ingest: run started", "source", src.Name(), "dry_run", sum.DryRun, "max_attempts", maxAttempts)

	if !sum.DryRun {
		res, err := a.queue(p, logger).Pass(ctx, maxAttempts)
		sum.addPass(res)
		switch {
		case errors.Is(err, retryqueue.ErrPassInProgress):
			logger.Warn("ingest: retry backlog skipped, another pass is running")
		case err != nil:
			return a.finish(ctx, sum, started, fmt.Errorf("app: retry backlog: %w", err))
		}
	}

	snapshot, err := src.Read(ctx)
	if err != nil {
		return a.finish(ctx, sum, started, fmt.Errorf("app: read %s: %w", src.Name(), err))
	}
	sum.Seen = snapshot.Records
	sum.Threads = len(snapshot.Threads)
	sum.Malformed = snapshot.Malformed

	candidates, err := a.buildCandidates(ctx, snapshot.Threads, src.Provenance(), sum, logger)
	if err != nil {
		return a.finish(ctx, sum, started, err)
	}

	res, ingestErr := p.Ingest(ctx, candidates)
	if res != nil {
		sum.Succeeded = res.Succeeded
		sum.Deduplicated = res.Deduplicated
		sum.Failed = len(res.Failed)
		sum.Remaining = res.Remaining
		if !sum.DryRun {
			cleared, err := a.queue(p, logger).Resolve(context.WithoutCancel(ctx), res.Stored)
			if err != nil {
				return a.finish(ctx, sum, started, fmt.Errorf("app: %w", err))
			}
			sum.Cleared = cleared
		}
		if !sum.DryRun && len(res.Failed) > 0 {
			if err := a.queue(p, logger).Enqueue(context.WithoutCancel(ctx), res.Failed); err != nil {
				return a.finish(ctx, sum, started, fmt.Errorf("app: %w", err))
			}
			sum.Queued = len(res.Failed)
		}
	}
	return a.finish(ctx, sum, started, ingestErr)
}

// buildCandidates resolves, sorts and pairs every thread and derives the
// records to ingest. Exchanges missing content on either side are counted
// as malformed.
func (a *App) buildCandidates(ctx context.Context, threads []source.Thread, prov memory.Provenance, sum *RunSummary, logger *slog.Logger) ([]memory.Record, error) {
	cache, err := identity.NewCache(a.settings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	defer cache.Close()
	resolver := identity.NewResolver(a.directory, cache, logger)

	var candidates []memory.Record
	for _, th := range threads {
		res, err := resolver.Resolve(ctx, th.SourceUserID, th.Hint)
		if err != nil {
			return nil, fmt.Errorf("app: resolve %s: %w", th.SourceUserID, err)
		}

		turns := slices.Clone(th.Turns)
		memory.SortTurns(turns)
		exchanges, stats := memory.Pair(turns)
		sum.Pairing.Add(stats)

		for _, ex := range exchanges {
			ex.PersonaID = res.PersonaID
			ex.SourceSystemID = th.SourceSystemID
			rec, err := memory.NewRecord(ex, prov)
			if errors.Is(err, memory.ErrEmptyContent) {
				sum.Malformed++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("app: build record: %w", err)
			}
			if res.IsOrphaned {
				sum.Orphaned++
			}
			candidates = append(candidates, rec)
		}
	}
	sum.Paired = sum.Pairing.Exchanges

	rs := resolver.Stats()
	logger.Info("ingest: candidates built",
		"threads", len(threads),
		"candidates", len(candidates),
		"lookups", rs.Lookups,
		"cache_hits", rs.CacheHit,
		"lookup_errors", rs.Errors,
	)
	return candidates, nil
}

// RunRetryPass re-drives the retry queue once. A pass already running
// elsewhere yields retryqueue.ErrPassInProgress with an empty summary.
func (a *App) RunRetryPass(ctx context.Context, maxAttempts int) (*RunSummary, error) {
	ctx, runID := withRun(ctx)
	logger := observability.WithRun(ctx, a.logger)
	started := a.now()
	sum := &RunSummary{RunID: runID, Kind: store.RunKindRetry}
	if maxAttempts <= 0 {
		maxAttempts = a.settings.MaxAttempts
	}

	opts := a.settings.Ingest
	opts.DryRun = false
	res, err := a.queue(a.pipeline(opts, logger), logger).Pass(ctx, maxAttempts)
	sum.addPass(res)
	if res != nil {
		sum.Succeeded = res.Succeeded
		sum.Failed = res.Failed + res.Exhausted
	}
	if errors.Is(err, retryqueue.ErrPassInProgress) {
		return sum, err
	}
	return a.finish(ctx, sum, started, err)
}

// finish records the run audit and metrics and logs the summary. err is
// returned unchanged unless the audit itself fails.
func (a *App) finish(ctx context.Context, sum *RunSummary, started time.Time, err error) (*RunSummary, error) {
	logger := observability.WithRun(ctx, a.logger)
	finished := a.now()
	sum.Duration = finished.Sub(started)

	a.metrics.AddCandidates("seen", sum.Seen)
	a.metrics.AddCandidates("malformed", sum.Malformed)
	a.metrics.AddCandidates("orphaned", sum.Orphaned)
	a.metrics.ObservePairing(sum.Pairing)
	a.metrics.SetRunResult(err == nil)

	run := &store.Run{
		ID:         sum.RunID,
		Kind:       sum.Kind,
		Source:     sum.Source,
		DryRun:     sum.DryRun,
		StartedAt:  started,
		FinishedAt: finished,
		Summary:    sum,
	}
	if err != nil {
		run.Error = err.Error()
	}
	recordCtx := context.WithoutCancel(ctx)
	if auditErr := a.store.WriteRun(recordCtx, run); auditErr != nil {
		err = errors.Join(err, fmt.Errorf("app: write run audit: %w", auditErr))
	}

	if a.settings.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(recordCtx, 10*time.Second)
		if pushErr := a.metrics.Push(pushCtx, a.settings.PushgatewayURL, a.settings.MetricsJob); pushErr != nil {
			logger.Warn("metrics push failed", "err", pushErr)
		}
		cancel()
	}

	if err != nil {
		logger.Error("run finished with error", "summary", sum, "err", err)
	} else {
		logger.Info("run finished", "summary", sum)
	}
	return sum, err
}

func withRun(ctx context.Context) (context.Context, string) {
	if id := trace.RunIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := trace.GenerateRunID()
	return trace.WithRunID(ctx, id), id
}
