// Package warm implements the Warm Pipeline (spec.md §4.C): a
// rate-limited pass over channel avatars and/or video thumbnails that
// downloads missing images into the Cache Store and reports structured
// per-item progress.
package warm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aucontraire/chronovista-core/internal/clock"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/imagecache"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/ratelimit"
)

// Options configures one warm() call.
type Options struct {
	Target   model.WarmTarget
	Quality  model.Quality // only meaningful for TargetVideos/TargetAll
	Limit    int           // 0 means unbounded
	Delay    time.Duration
	DryRun   bool
	// SkipMissing opts out of the default behaviour of retrying entries
	// with a .missing marker. spec.md §4.C: the documented default mode
	// refreshes (retries) Missing entries; this is the only knob to
	// disable that.
	SkipMissing bool
	Progress    model.ProgressFunc
}

// Pipeline drives one warm pass. It holds no state across calls; every
// field is a read-only collaborator handed in at construction.
type Pipeline struct {
	storage  repository.Storage
	remote   repository.RemoteAPI
	cache    *imagecache.Store
	mirror   *imagecache.Mirror // optional
	shutdown *repository.ShutdownFlag
	cfg      model.CacheConfig
	clock    clock.Clock
	log      *slog.Logger
}

// New returns a Pipeline. mirror may be nil. clk is normally clock.Real{}
// in production; tests inject clock.Fake.
func New(storage repository.Storage, remote repository.RemoteAPI, cache *imagecache.Store, mirror *imagecache.Mirror, shutdown *repository.ShutdownFlag, cfg model.CacheConfig, clk clock.Clock, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Pipeline{storage: storage, remote: remote, cache: cache, mirror: mirror, shutdown: shutdown, cfg: cfg, clock: clk, log: log}
}

// Warm runs one pass per opts.Target. For TargetAll, channels are
// processed to completion before videos begin (spec.md §4.C: this
// ordering is observable under interruption).
func (p *Pipeline) Warm(ctx context.Context, opts Options) (model.ByKindWarmResult, error) {
	var agg model.ByKindWarmResult
	agg.ByKind = make(map[model.Kind]model.WarmResult)

	if opts.Target == model.TargetChannels || opts.Target == model.TargetAll {
		result, err := p.warmKind(ctx, model.KindChannel, opts)
		if err != nil {
			return agg, err
		}
		agg.ByKind[model.KindChannel] = result
		mergeInto(&agg.Total, result)
		agg.WasInterrupted = agg.WasInterrupted || result.WasInterrupted
	}

	if opts.Target == model.TargetVideos || opts.Target == model.TargetAll {
		result, err := p.warmKind(ctx, model.KindVideo, opts)
		if err != nil {
			return agg, err
		}
		agg.ByKind[model.KindVideo] = result
		mergeInto(&agg.Total, result)
		agg.WasInterrupted = agg.WasInterrupted || result.WasInterrupted
	}

	return agg, nil
}

func mergeInto(total *model.WarmResult, r model.WarmResult) {
	total.Downloaded += r.Downloaded
	total.Skipped += r.Skipped
	total.Failed += r.Failed
	total.NoURL += r.NoURL
	total.Total += r.Total
	total.WasInterrupted = total.WasInterrupted || r.WasInterrupted
	if room := model.MaxLoggedErrors - len(total.Errors); room > 0 {
		if room > len(r.Errors) {
			room = len(r.Errors)
		}
		total.Errors = append(total.Errors, r.Errors[:room]...)
	}
}

func (p *Pipeline) warmKind(ctx context.Context, kind model.Kind, opts Options) (model.WarmResult, error) {
	var result model.WarmResult

	quality := opts.Quality
	if kind == model.KindChannel {
		quality = ""
	} else if quality == "" {
		quality = p.cfg.DefaultQuality
	}

	iter, err := p.storage.IterateEntitiesNeedingImage(ctx, kind, quality, opts.Limit)
	if err != nil {
		return result, fmt.Errorf("warm: iterate candidates for %s: %w", kind, err)
	}
	defer iter.Close()

	governor := ratelimit.New(ratelimit.Config{
		Delay:       opts.Delay,
		BackoffBase: p.cfg.BackoffBase,
		BackoffCap:  p.cfg.BackoffCap,
	}, p.clock, opts.Progress, metrics.SourceWarm)

	considered := 0
	for {
		if opts.Limit > 0 && considered >= opts.Limit {
			break
		}
		if p.shutdown != nil && p.shutdown.IsRaised() {
			result.WasInterrupted = true
			break
		}

		entity, ok, err := iter.Next(ctx)
		if err != nil {
			return result, fmt.Errorf("warm: read next candidate for %s: %w", kind, err)
		}
		if !ok {
			break
		}
		considered++

		p.warmOne(ctx, kind, quality, entity, opts, governor, &result)

		if p.shutdown != nil && p.shutdown.IsRaised() {
			result.WasInterrupted = true
			break
		}
	}

	return result, nil
}

func (p *Pipeline) warmOne(ctx context.Context, kind model.Kind, quality model.Quality, entity repository.StorageEntity, opts Options, governor *ratelimit.Governor, result *model.WarmResult) {
	ref := refFor(kind, entity.ID, quality)
	key := ref.Key()

	if entity.ImageURL == "" {
		emit(opts.Progress, result, ref, "no_url", "", "")
		return
	}

	entry, err := p.cache.Lookup(key)
	if err != nil {
		emit(opts.Progress, result, ref, "failed:transport", repository.ErrKindTransport.String(), err.Error())
		return
	}

	if entry.IsPresent() {
		emit(opts.Progress, result, ref, "skipped", "", "")
		return
	}
	if entry.IsMissing() && opts.SkipMissing {
		emit(opts.Progress, result, ref, "skipped", "", "")
		return
	}

	if err := governor.Acquire(ctx); err != nil {
		return
	}

	if opts.DryRun {
		emit(opts.Progress, result, ref, "dry_run", "", "")
		return
	}

	p.fetchAndStore(ctx, ref, key, entity.ImageURL, governor, opts, result)
}

func (p *Pipeline) fetchAndStore(ctx context.Context, ref model.EntityRef, key model.CacheKey, url string, governor *ratelimit.Governor, opts Options, result *model.WarmResult) {
	attempt := 0
	for {
		img, err := p.remote.GetImage(ctx, url)
		if err == nil {
			if _, storeErr := p.cache.Store(key, img.Bytes); storeErr != nil {
				emit(opts.Progress, result, ref, "failed:transport", repository.ErrKindTransport.String(), storeErr.Error())
				governor.RecordFailure(repository.ErrKindTransport.String())
				return
			}
			if p.mirror != nil {
				_ = p.mirror.Upload(ctx, key, img.Bytes)
			}
			emit(opts.Progress, result, ref, "downloaded", "", "")
			governor.RecordSuccess()
			return
		}

		var notFound repository.NotFoundError
		var contentErr repository.ContentError
		var rateLimit repository.RateLimitError

		switch {
		case errors.As(err, &notFound):
			p.markMissingAndEmit(key, ref, "not_found", repository.ErrKindNotFound, opts, result)
			governor.RecordFailure(repository.ErrKindNotFound.String())
			return

		case errors.As(err, &contentErr):
			p.markMissingAndEmit(key, ref, "content", repository.ErrKindContent, opts, result)
			governor.RecordFailure(repository.ErrKindContent.String())
			return

		case errors.As(err, &rateLimit):
			governor.RecordThrottled()
			if attempt > 0 {
				// a second consecutive 429 for this item counts as a failure
				p.markMissingAndEmit(key, ref, "throttled", repository.ErrKindThrottled, opts, result)
				return
			}
			attempt++
			if acqErr := governor.Acquire(ctx); acqErr != nil {
				return
			}
			continue

		default:
			attempt++
			if attempt > p.cfg.MaxRetries {
				p.markMissingAndEmit(key, ref, "transport", repository.ErrKindTransport, opts, result)
				governor.RecordFailure(repository.ErrKindTransport.String())
				return
			}
			governor.RecordFailure(repository.ErrKindTransport.String())
			if acqErr := governor.Acquire(ctx); acqErr != nil {
				return
			}
			continue
		}
	}
}

func (p *Pipeline) markMissingAndEmit(key model.CacheKey, ref model.EntityRef, reason string, kind repository.ErrorKind, opts Options, result *model.WarmResult) {
	if _, err := p.cache.MarkMissing(key, reason); err != nil {
		p.log.Warn("failed to record missing marker", "key", string(key), "error", err)
	}
	emit(opts.Progress, result, ref, "failed:"+reason, kind.String(), reason)
}

func emit(cb model.ProgressFunc, result *model.WarmResult, ref model.EntityRef, status, errKind, message string) {
	model.ItemEvent(ref.ID(), status).Emit(cb)
	result.Add(status, ref.ID(), errKind, message)
	metrics.WarmItemsTotal.WithLabelValues(string(ref.Kind()), status).Inc()
}

func refFor(kind model.Kind, id string, quality model.Quality) model.EntityRef {
	if kind == model.KindChannel {
		return model.NewChannelRef(id)
	}
	return model.NewVideoRef(id, quality)
}
