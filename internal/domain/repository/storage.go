package repository

import (
	"context"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
)

// StorageEntity is the subset of a stored channel/video/playlist row the
// core reads and writes. The full relational shape (transcripts, tags,
// topics, foreign keys) belongs to the excluded storage layer; the core
// only needs enough to resolve an image URL and to diff enrichment fields.
type StorageEntity struct {
	ID    string
	Kind  model.Kind
	ImageURL string // channel avatar URL, or the video thumbnail URL for the requested quality

	// Enrichment-relevant fields, used for diffing against a remote
	// response (spec.md §4.D step 5).
	Title           string
	Description     string
	Country         string
	DefaultLanguage string
	Statistics      map[string]int64

	IsPlaceholder bool // created as a foreign-key target, never enriched
	NeverEnriched bool
}

// EntityUpdate is one staged change inside a batch commit: either a field
// update or a tombstone.
type EntityUpdate struct {
	EntityID  string
	Kind      model.EnrichKind // which table the commit routes this to
	Tombstone bool
	Fields    map[string]any // changed field name -> new value; empty for a tombstone
}

// BatchCommit is the unit-of-work handle returned by BeginBatchCommit.
// Stage zero or more updates, then exactly one of Commit or Rollback.
type BatchCommit interface {
	Stage(update EntityUpdate)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Lock is the opaque handle returned by TryAcquireAdvisoryLock.
type Lock interface {
	// Release returns the lock to Storage. Implementations must make
	// Release idempotent: calling it twice must not error or double-free.
	Release(ctx context.Context) error
}

// Storage is the collaborator contract from spec.md §6: iteration over
// candidates, single-entity lookup, batch commit, and the single
// process-wide advisory enrichment lock.
type Storage interface {
	// IterateEntitiesNeedingImage yields channels with an avatar URL, or
	// videos with a resolvable thumbnail URL for the given quality,
	// depending on kind. Iteration order is Storage's choice; callers
	// must not depend on it. The returned iterator is exhausted by
	// repeatedly calling Next until it returns (zero, false, nil).
	IterateEntitiesNeedingImage(ctx context.Context, kind model.Kind, quality model.Quality, limit int) (EntityIterator, error)

	// IterateEntitiesNeedingEnrichment yields candidates ordered by the
	// given priority policy. Order IS significant here: callers must not
	// reorder within a batch (spec.md §4.D).
	IterateEntitiesNeedingEnrichment(ctx context.Context, kind model.EnrichKind, priority model.Priority, limit int) (EntityIterator, error)

	// GetEntityByID retrieves one entity row. Returns ErrEntityNotFound
	// if it does not exist.
	GetEntityByID(ctx context.Context, kind model.EnrichKind, id string) (StorageEntity, error)

	// BeginBatchCommit opens a unit of work for one enrichment batch.
	BeginBatchCommit(ctx context.Context) (BatchCommit, error)

	// TryAcquireAdvisoryLock attempts to acquire the single process-wide
	// enrichment lock named by name. Returns (nil, nil) if the lock is
	// already held elsewhere — this is not an error.
	TryAcquireAdvisoryLock(ctx context.Context, name string) (Lock, error)

	// GetCacheStatsCounters returns the row counts Storage tracks
	// independently of the filesystem cache (e.g. how many channel/video
	// rows exist at all), used to enrich CacheStats for operators.
	GetCacheStatsCounters(ctx context.Context) (channelRows, videoRows int, err error)
}

// EntityIterator is a simple pull iterator over StorageEntity. It is not
// safe for concurrent use; the core never calls it from more than one
// goroutine at a time (spec.md §5).
type EntityIterator interface {
	Next(ctx context.Context) (StorageEntity, bool, error)
	Close() error
}
