// Package rediscache decorates a repository.Storage with a Redis-backed
// read-through cache for GetEntityByID, the same cache-aside-plus-singleflight
// shape as the teacher's cachedVideoService wrapping VideoService.GetVideo.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
)

const keyPrefix = "entity:"

// entityJSON is the wire shape cached in Redis, explicit so it is not
// coupled to repository.StorageEntity's field order or future additions.
type entityJSON struct {
	ID              string           `json:"id"`
	Kind            model.Kind       `json:"kind"`
	ImageURL        string           `json:"image_url"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Country         string           `json:"country"`
	DefaultLanguage string           `json:"default_language"`
	Statistics      map[string]int64 `json:"statistics"`
	IsPlaceholder   bool             `json:"is_placeholder"`
	NeverEnriched   bool             `json:"never_enriched"`
}

// Config holds the decorator's cache TTL.
type Config struct {
	TTL time.Duration
}

// DefaultConfig returns a 5-minute TTL, matching the teacher's
// CachedVideoServiceConfig default.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute}
}

// Decorator wraps a repository.Storage, adding a Redis read-through cache
// in front of GetEntityByID and invalidating cache entries on commit via
// BeginBatchCommit. Every other method delegates untouched.
// Singleflight collapses concurrent GetEntityByID calls for the same
// (kind, id) into one Storage read.
type Decorator struct {
	repository.Storage
	client  *redis.Client
	ttl     time.Duration
	sfGroup singleflight.Group
}

// New wraps delegate with a Redis read-through cache.
func New(delegate repository.Storage, client *redis.Client, cfg Config) *Decorator {
	return &Decorator{Storage: delegate, client: client, ttl: cfg.TTL}
}

var _ repository.Storage = (*Decorator)(nil)

// GetEntityByID serves from Redis on a hit; on a miss it falls through to
// the delegate and populates the cache. Singleflight coalesces concurrent
// requests for the same key within this process only; separate processes
// each read through on their own. It does not add parallelism inside a
// single warm/enrich run.
func (d *Decorator) GetEntityByID(ctx context.Context, kind model.EnrichKind, id string) (repository.StorageEntity, error) {
	key := buildKey(kind, id)

	result, err, shared := d.sfGroup.Do(key, func() (any, error) {
		return d.getWithCache(ctx, kind, id, key)
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}
	if err != nil {
		return repository.StorageEntity{}, err
	}
	return result.(repository.StorageEntity), nil
}

func (d *Decorator) getWithCache(ctx context.Context, kind model.EnrichKind, id, key string) (repository.StorageEntity, error) {
	if entity, ok, err := d.get(ctx, key); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusError).Inc()
	} else if ok {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusPresent).Inc()
		return entity, nil
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusMissing).Inc()

	entity, err := d.Storage.GetEntityByID(ctx, kind, id)
	if err != nil {
		return repository.StorageEntity{}, err
	}

	if err := d.set(ctx, key, entity); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusError).Inc()
	} else {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusSuccess).Inc()
	}

	return entity, nil
}

func (d *Decorator) get(ctx context.Context, key string) (repository.StorageEntity, bool, error) {
	data, err := d.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return repository.StorageEntity{}, false, nil
		}
		return repository.StorageEntity{}, false, fmt.Errorf("rediscache: get %s: %w", key, err)
	}

	var v entityJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return repository.StorageEntity{}, false, fmt.Errorf("rediscache: unmarshal %s: %w", key, err)
	}
	return repository.StorageEntity{
		ID:              v.ID,
		Kind:            v.Kind,
		ImageURL:        v.ImageURL,
		Title:           v.Title,
		Description:     v.Description,
		Country:         v.Country,
		DefaultLanguage: v.DefaultLanguage,
		Statistics:      v.Statistics,
		IsPlaceholder:   v.IsPlaceholder,
		NeverEnriched:   v.NeverEnriched,
	}, true, nil
}

func (d *Decorator) set(ctx context.Context, key string, entity repository.StorageEntity) error {
	data, err := json.Marshal(entityJSON{
		ID:              entity.ID,
		Kind:            entity.Kind,
		ImageURL:        entity.ImageURL,
		Title:           entity.Title,
		Description:     entity.Description,
		Country:         entity.Country,
		DefaultLanguage: entity.DefaultLanguage,
		Statistics:      entity.Statistics,
		IsPlaceholder:   entity.IsPlaceholder,
		NeverEnriched:   entity.NeverEnriched,
	})
	if err != nil {
		return fmt.Errorf("rediscache: marshal entity: %w", err)
	}
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a cached entity. BeginBatchCommit's returned
// BatchCommit calls this for every staged update's ID after the commit
// succeeds, so later reads fall through to Storage; if the delete fails,
// the stale entry stays until its TTL expires.
func (d *Decorator) Invalidate(ctx context.Context, kind model.EnrichKind, id string) error {
	if err := d.client.Del(ctx, buildKey(kind, id)).Err(); err != nil {
		return fmt.Errorf("rediscache: del %s: %w", buildKey(kind, id), err)
	}
	return nil
}

// BeginBatchCommit wraps the delegate's BatchCommit so every staged
// update invalidates its cache entry once the batch actually commits —
// Storage's commit path remains the sole source of truth; the cache is
// never the basis for a durability decision.
func (d *Decorator) BeginBatchCommit(ctx context.Context) (repository.BatchCommit, error) {
	inner, err := d.Storage.BeginBatchCommit(ctx)
	if err != nil {
		return nil, err
	}
	return &invalidatingCommit{inner: inner, decorator: d, ctx: ctx}, nil
}

type invalidatingCommit struct {
	inner     repository.BatchCommit
	decorator *Decorator
	ctx       context.Context
	staged    []repository.EntityUpdate
}

func (c *invalidatingCommit) Stage(update repository.EntityUpdate) {
	c.staged = append(c.staged, update)
	c.inner.Stage(update)
}

func (c *invalidatingCommit) Commit(ctx context.Context) error {
	if err := c.inner.Commit(ctx); err != nil {
		return err
	}
	for _, update := range c.staged {
		if err := c.decorator.Invalidate(ctx, update.Kind, update.EntityID); err != nil {
			// Invalidation failure leaves a stale cache entry until TTL
			// expiry; it must never fail a commit that already succeeded.
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.StatusError).Inc()
		}
	}
	return nil
}

func (c *invalidatingCommit) Rollback(ctx context.Context) error {
	return c.inner.Rollback(ctx)
}

func buildKey(kind model.EnrichKind, id string) string {
	return keyPrefix + string(kind) + ":" + id
}
