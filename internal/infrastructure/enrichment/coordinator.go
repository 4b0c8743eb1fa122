// Package enrichment implements the Enrichment Coordinator (spec.md
// §4.D): advisory-lock-guarded, rate-limited batches of remote metadata
// lookups diffed and committed against Storage.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aucontraire/chronovista-core/internal/clock"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/ratelimit"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/events"
)

// lockName is the stable name the advisory lock is derived from; see the
// postgres adapter's TryAcquireAdvisoryLock for how it becomes a bigint.
const lockName = "chronovista.enrichment"

// defaultFailureThreshold is the number of consecutive failed batch
// commits that raises a network-instability warning (spec.md §4.D).
const defaultFailureThreshold = 3

// Config holds the Coordinator's rate-governor pacing and failure
// tolerance, analogous to the Warm Pipeline's CacheConfig-derived
// settings.
type Config struct {
	Delay                       time.Duration
	BackoffBase                 time.Duration
	BackoffCap                  time.Duration
	ConsecutiveFailureThreshold int
}

// DefaultConfig returns the spec-default failure threshold with no
// steady-state pacing delay.
func DefaultConfig() Config {
	return Config{ConsecutiveFailureThreshold: defaultFailureThreshold}
}

// Options configures one enrich() call.
type Options struct {
	Kinds    []model.EnrichKind
	Priority model.Priority
	Limit    int // 0 means unbounded
	DryRun   bool
	Verbose  bool
	Progress model.ProgressFunc
}

// Coordinator drives one enrich pass. It holds no state across calls.
type Coordinator struct {
	storage   repository.Storage
	remote    repository.RemoteAPI
	shutdown  *repository.ShutdownFlag
	publisher *events.Publisher // optional; nil is a valid no-op
	cfg       Config
	clock     clock.Clock
	log       *slog.Logger
}

// New returns a Coordinator. publisher may be nil. clk is normally
// clock.Real{} in production; tests inject clock.Fake.
func New(storage repository.Storage, remote repository.RemoteAPI, shutdown *repository.ShutdownFlag, publisher *events.Publisher, cfg Config, clk clock.Clock, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = defaultFailureThreshold
	}
	return &Coordinator{storage: storage, remote: remote, shutdown: shutdown, publisher: publisher, cfg: cfg, clock: clk, log: log}
}

// Enrich runs one enrichment pass across opts.Kinds, holding the Storage
// advisory lock for the duration. It returns ErrValidation synchronously
// for bad arguments and ErrLockUnavailable immediately if the lock is
// already held — it never waits for it (spec.md §4.D).
func (c *Coordinator) Enrich(ctx context.Context, opts Options) (model.RunResult, error) {
	if err := validateKinds(opts.Kinds); err != nil {
		return model.RunResult{}, err
	}

	lock, err := c.storage.TryAcquireAdvisoryLock(ctx, lockName)
	if err != nil {
		metrics.AdvisoryLockAcquisitionsTotal.WithLabelValues(metrics.StatusError).Inc()
		return model.RunResult{}, fmt.Errorf("enrichment: acquire lock: %w", err)
	}
	if lock == nil {
		metrics.AdvisoryLockAcquisitionsTotal.WithLabelValues(metrics.StatusAbsent).Inc()
		return model.RunResult{}, repository.ErrLockUnavailable
	}
	metrics.AdvisoryLockAcquisitionsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			c.log.Warn("enrichment: release advisory lock failed", "error", releaseErr)
		}
	}()

	runID := uuid.New().String()
	result := model.RunResult{StartedAt: c.clock.Now()}

	governor := ratelimit.New(ratelimit.Config{
		Delay:       c.cfg.Delay,
		BackoffBase: c.cfg.BackoffBase,
		BackoffCap:  c.cfg.BackoffCap,
	}, c.clock, opts.Progress, metrics.SourceEnrichment)

	consecutiveFailures := 0
	batchIndex := 0

	for _, kind := range opts.Kinds {
		if err := c.enrichKind(ctx, runID, kind, opts, governor, &batchIndex, &consecutiveFailures, &result); err != nil {
			result.CompletedAt = c.clock.Now()
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
			return result, err
		}
	}

	result.CompletedAt = c.clock.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.ConsecutiveFailureStreak = consecutiveFailures
	return result, nil
}

func validateKinds(kinds []model.EnrichKind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: no enrichment kinds given", repository.ErrValidation)
	}
	for _, kind := range kinds {
		switch kind {
		case model.EnrichVideos, model.EnrichChannels, model.EnrichPlaylists:
		default:
			return fmt.Errorf("%w: unknown enrichment kind %q", repository.ErrValidation, kind)
		}
	}
	return nil
}

func (c *Coordinator) enrichKind(ctx context.Context, runID string, kind model.EnrichKind, opts Options, governor *ratelimit.Governor, batchIndex, consecutiveFailures *int, result *model.RunResult) error {
	iter, err := c.storage.IterateEntitiesNeedingEnrichment(ctx, kind, opts.Priority, opts.Limit)
	if err != nil {
		return fmt.Errorf("enrichment: iterate candidates for %s: %w", kind, err)
	}
	defer iter.Close()

	for {
		if c.shutdown != nil && c.shutdown.IsRaised() {
			result.WasInterrupted = true
			break
		}

		batch, err := nextBatch(ctx, iter)
		if err != nil {
			return fmt.Errorf("enrichment: read next candidate for %s: %w", kind, err)
		}
		if len(batch) == 0 {
			break
		}

		*batchIndex++
		c.processBatch(ctx, runID, kind, *batchIndex, batch, opts, governor, consecutiveFailures, result)
	}

	return nil
}

// nextBatch pulls up to model.MaxBatchSize entities from iter, preserving
// order.
func nextBatch(ctx context.Context, iter repository.EntityIterator) ([]repository.StorageEntity, error) {
	batch := make([]repository.StorageEntity, 0, model.MaxBatchSize)
	for len(batch) < model.MaxBatchSize {
		entity, ok, err := iter.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		batch = append(batch, entity)
	}
	return batch, nil
}

func (c *Coordinator) processBatch(ctx context.Context, runID string, kind model.EnrichKind, batchIndex int, batch []repository.StorageEntity, opts Options, governor *ratelimit.Governor, consecutiveFailures *int, result *model.RunResult) {
	if err := governor.Acquire(ctx); err != nil {
		return
	}

	ids := make([]string, len(batch))
	for i, entity := range batch {
		ids[i] = entity.ID
	}

	items, err := c.callRemote(ctx, kind, ids, governor, result)
	if err != nil {
		governor.RecordFailure(repository.ErrKindTransport.String())
		c.recordFailedBatch(batch, repository.ErrKindTransport.String(), err, opts, result)
		c.recordConsecutiveFailure(consecutiveFailures, result)
		return
	}
	governor.RecordSuccess()

	byID := make(map[string]repository.RemoteItem, len(items))
	for _, item := range items {
		byID[item.ID] = normalizeItem(item)
	}

	outcomes := make([]model.EnrichmentOutcome, 0, len(batch))
	commit, commitErr := c.beginCommit(ctx, opts)
	if commitErr != nil {
		c.recordFailedBatch(batch, repository.ErrKindCommit.String(), commitErr, opts, result)
		c.recordConsecutiveFailure(consecutiveFailures, result)
		return
	}

	for _, entity := range batch {
		outcomes = append(outcomes, c.resolveItem(entity, kind, byID, commit, opts))
	}

	if opts.DryRun {
		for _, outcome := range outcomes {
			emitOutcome(opts.Progress, result, outcome, opts.Verbose)
		}
		result.BatchCount++
		*consecutiveFailures = 0
		return
	}

	if err := commit.Commit(ctx); err != nil {
		if rollbackErr := commit.Rollback(ctx); rollbackErr != nil {
			c.log.Warn("enrichment: rollback after failed commit also failed", "error", rollbackErr)
		}
		c.recordFailedBatch(batch, repository.ErrKindCommit.String(), err, opts, result)
		c.recordConsecutiveFailure(consecutiveFailures, result)
		metrics.EnrichmentBatchesTotal.WithLabelValues(metrics.StatusError).Inc()
		return
	}

	metrics.EnrichmentBatchesTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	*consecutiveFailures = 0

	for _, outcome := range outcomes {
		emitOutcome(opts.Progress, result, outcome, opts.Verbose)
	}
	result.BatchCount++

	c.publisher.PublishBatchCommitted(ctx, events.BatchCompletedEvent{
		RunID:        runID,
		BatchIndex:   batchIndex,
		Kind:         string(kind),
		UpdatedCount: countOutcomes(outcomes, model.OutcomeUpdated),
		DeletedCount: countOutcomes(outcomes, model.OutcomeDeleted),
		SkippedCount: countOutcomes(outcomes, model.OutcomeSkipped),
		FailedCount:  countOutcomes(outcomes, model.OutcomeFailed),
		CommittedAt:  c.clock.Now(),
	})
}

func (c *Coordinator) beginCommit(ctx context.Context, opts Options) (repository.BatchCommit, error) {
	if opts.DryRun {
		return noopCommit{}, nil
	}
	return c.storage.BeginBatchCommit(ctx)
}

// callRemote issues the batch lookup, replaying once on a throttle signal
// per spec.md §4.D step 7. A second consecutive throttle is surfaced as an
// error so the caller marks the whole batch failed.
func (c *Coordinator) callRemote(ctx context.Context, kind model.EnrichKind, ids []string, governor *ratelimit.Governor, result *model.RunResult) ([]repository.RemoteItem, error) {
	for attempt := 0; ; attempt++ {
		result.QuotaUnits++
		items, err := c.fetchByKind(ctx, kind, ids)
		if err == nil {
			return items, nil
		}

		var rateLimit repository.RateLimitError
		if !errors.As(err, &rateLimit) {
			return nil, err
		}

		governor.RecordThrottled()
		if attempt > 0 {
			return nil, err
		}
		if acqErr := governor.Acquire(ctx); acqErr != nil {
			return nil, acqErr
		}
	}
}

func (c *Coordinator) fetchByKind(ctx context.Context, kind model.EnrichKind, ids []string) ([]repository.RemoteItem, error) {
	switch kind {
	case model.EnrichChannels:
		return c.remote.GetChannelsByIDs(ctx, ids)
	case model.EnrichVideos:
		return c.remote.GetVideosByIDs(ctx, ids)
	default:
		// Playlists have no remote metadata lookup wired (SPEC_FULL §6.A:
		// storage does not model playlists beyond what the core reads).
		return nil, nil
	}
}

func (c *Coordinator) resolveItem(entity repository.StorageEntity, kind model.EnrichKind, byID map[string]repository.RemoteItem, commit repository.BatchCommit, opts Options) model.EnrichmentOutcome {
	item, present := byID[entity.ID]
	if !present {
		if !opts.DryRun {
			commit.Stage(repository.EntityUpdate{EntityID: entity.ID, Kind: kind, Tombstone: true})
		}
		return model.EnrichmentOutcome{EntityID: entity.ID, Kind: model.OutcomeDeleted, DryRun: opts.DryRun}
	}

	changed := diffAgainstStored(kind, entity, item)
	if len(changed) == 0 {
		return model.EnrichmentOutcome{EntityID: entity.ID, Kind: model.OutcomeSkipped, SkipReason: "unchanged", DryRun: opts.DryRun}
	}

	if !opts.DryRun {
		commit.Stage(repository.EntityUpdate{EntityID: entity.ID, Kind: kind, Fields: changed})
	}
	return model.EnrichmentOutcome{EntityID: entity.ID, Kind: model.OutcomeUpdated, FieldsChanged: fieldNames(kind, changed), DryRun: opts.DryRun}
}

// recordConsecutiveFailure increments the run's consecutive-failure streak
// and latches NetworkInstabilityWarning the instant it crosses the
// configured threshold. The warning is a one-way latch for the whole run:
// a later batch resetting the streak to zero must not un-set it, since it
// exists to tell the operator instability happened at some point during
// the run (spec.md §4.D).
func (c *Coordinator) recordConsecutiveFailure(consecutiveFailures *int, result *model.RunResult) {
	*consecutiveFailures++
	if *consecutiveFailures >= c.cfg.ConsecutiveFailureThreshold {
		result.NetworkInstabilityWarning = true
	}
}

func (c *Coordinator) recordFailedBatch(batch []repository.StorageEntity, errorKind string, err error, opts Options, result *model.RunResult) {
	result.BatchCount++
	for _, entity := range batch {
		outcome := model.EnrichmentOutcome{
			EntityID:     entity.ID,
			Kind:         model.OutcomeFailed,
			ErrorKind:    errorKind,
			ErrorMessage: err.Error(),
			DryRun:       opts.DryRun,
		}
		emitOutcome(opts.Progress, result, outcome, opts.Verbose)
	}
}

func emitOutcome(cb model.ProgressFunc, result *model.RunResult, outcome model.EnrichmentOutcome, verbose bool) {
	model.ItemEvent(outcome.EntityID, string(outcome.Kind)).Emit(cb)
	result.Record(outcome, verbose)
}

func countOutcomes(outcomes []model.EnrichmentOutcome, kind model.OutcomeKind) int {
	n := 0
	for _, o := range outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// noopCommit is used in place of a real BatchCommit during dry runs: it
// discards staged updates instead of forwarding them to Storage.
type noopCommit struct{}

func (noopCommit) Stage(repository.EntityUpdate)  {}
func (noopCommit) Commit(context.Context) error   { return nil }
func (noopCommit) Rollback(context.Context) error { return nil }
