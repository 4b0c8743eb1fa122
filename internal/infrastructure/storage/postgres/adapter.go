package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
)

// DBTX abstracts pgxpool.Pool and pgx.Tx so the read/write paths are
// testable against pgxmock without a live database, mirroring the
// teacher's video_repository.go.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Adapter implements repository.Storage against the channels/videos shape
// inferred from the cleanup migration's column references (channel_id,
// title, subscriber_count, channel_name_hint, is_placeholder and friends):
// it does not own migrations and does not model playlists, transcripts,
// tags, or topics.
//
// db carries every query/exec call and is what unit tests substitute with
// pgxmock. pool is kept alongside only for TryAcquireAdvisoryLock, which
// needs a single dedicated connection for the lifetime of the lock — a
// pool-level capability pgxmock does not model, so that one path is
// exercised by integration tests rather than the adapter's unit suite.
type Adapter struct {
	db   DBTX
	pool *pgxpool.Pool
}

// NewAdapter returns an Adapter backed by pool. The caller retains
// ownership of pool's lifecycle (see Client in client.go).
func NewAdapter(pool *pgxpool.Pool) *Adapter {
	return &Adapter{db: pool, pool: pool}
}

// NewAdapterWithDB returns an Adapter over an arbitrary DBTX, for unit
// tests that substitute a pgxmock pool. TryAcquireAdvisoryLock is not
// usable on an Adapter built this way (pool is nil).
func NewAdapterWithDB(db DBTX) *Adapter {
	return &Adapter{db: db}
}

var _ repository.Storage = (*Adapter)(nil)

// videoThumbnailURL derives the CDN thumbnail URL for a video deterministically
// from its ID and quality; unlike channel avatars, videos carry no stored
// thumbnail column.
func videoThumbnailURL(videoID string, quality model.Quality) string {
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/%s.jpg", videoID, quality)
}

// IterateEntitiesNeedingImage yields channels with a stored avatar URL, or
// videos with a resolvable thumbnail for quality, ordered by ID for
// reproducibility (the caller must not depend on the order).
func (a *Adapter) IterateEntitiesNeedingImage(ctx context.Context, kind model.Kind, quality model.Quality, limit int) (repository.EntityIterator, error) {
	switch kind {
	case model.KindChannel:
		const query = `
			SELECT channel_id, thumbnail_url
			FROM channels
			WHERE deleted = false AND thumbnail_url IS NOT NULL
			ORDER BY channel_id
			` + limitClause(limit)
		rows, err := a.db.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres: iterate channels needing image: %w", err)
		}
		return &channelImageIterator{rows: rows}, nil

	case model.KindVideo:
		const query = `
			SELECT video_id
			FROM videos
			WHERE deleted = false
			ORDER BY video_id
			` + limitClause(limit)
		rows, err := a.db.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres: iterate videos needing image: %w", err)
		}
		return &videoImageIterator{rows: rows, quality: quality}, nil

	default:
		return nil, fmt.Errorf("postgres: unknown kind %q", kind)
	}
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

type channelImageIterator struct {
	rows pgx.Rows
}

func (it *channelImageIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	if !it.rows.Next() {
		return repository.StorageEntity{}, false, it.rows.Err()
	}
	var id string
	var thumb *string
	if err := it.rows.Scan(&id, &thumb); err != nil {
		return repository.StorageEntity{}, false, fmt.Errorf("postgres: scan channel image row: %w", err)
	}
	entity := repository.StorageEntity{ID: id, Kind: model.KindChannel}
	if thumb != nil {
		entity.ImageURL = *thumb
	}
	return entity, true, nil
}

func (it *channelImageIterator) Close() error {
	it.rows.Close()
	return nil
}

type videoImageIterator struct {
	rows    pgx.Rows
	quality model.Quality
}

func (it *videoImageIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	if !it.rows.Next() {
		return repository.StorageEntity{}, false, it.rows.Err()
	}
	var id string
	if err := it.rows.Scan(&id); err != nil {
		return repository.StorageEntity{}, false, fmt.Errorf("postgres: scan video image row: %w", err)
	}
	return repository.StorageEntity{ID: id, Kind: model.KindVideo, ImageURL: videoThumbnailURL(id, it.quality)}, true, nil
}

func (it *videoImageIterator) Close() error {
	it.rows.Close()
	return nil
}

// priorityPredicate translates a Priority into the WHERE fragment that
// selects enrichment candidates. PriorityHigh favors placeholders and
// never-enriched rows; PriorityAll admits every non-deleted row;
// PriorityDefault is the conservative default: never-enriched or stale.
func priorityPredicate(priority model.Priority) string {
	switch priority {
	case model.PriorityHigh:
		return "deleted = false AND (is_placeholder = true OR never_enriched = true)"
	case model.PriorityAll:
		return "deleted = false"
	default:
		return "deleted = false AND (never_enriched = true OR updated_at < now() - interval '30 days')"
	}
}

// IterateEntitiesNeedingEnrichment yields candidates in a stable ID order.
// Playlists are not modeled by this adapter's schema (SPEC_FULL §6.A); it
// returns an empty iterator for EnrichPlaylists rather than erroring, since
// an enrichment run over mixed kinds must not abort on an unmodeled one.
func (a *Adapter) IterateEntitiesNeedingEnrichment(ctx context.Context, kind model.EnrichKind, priority model.Priority, limit int) (repository.EntityIterator, error) {
	switch kind {
	case model.EnrichChannels:
		query := fmt.Sprintf(`
			SELECT channel_id, title, description, country, default_language,
			       subscriber_count, video_count, is_placeholder, never_enriched
			FROM channels
			WHERE %s
			ORDER BY channel_id
			%s`, priorityPredicate(priority), limitClause(limit))
		rows, err := a.db.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres: iterate channels needing enrichment: %w", err)
		}
		return &channelEnrichIterator{rows: rows}, nil

	case model.EnrichVideos:
		query := fmt.Sprintf(`
			SELECT video_id, title, description, view_count, like_count,
			       comment_count, is_placeholder, never_enriched
			FROM videos
			WHERE %s
			ORDER BY video_id
			%s`, priorityPredicate(priority), limitClause(limit))
		rows, err := a.db.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("postgres: iterate videos needing enrichment: %w", err)
		}
		return &videoEnrichIterator{rows: rows}, nil

	case model.EnrichPlaylists:
		return &emptyIterator{}, nil

	default:
		return nil, fmt.Errorf("postgres: unknown enrich kind %q", kind)
	}
}

type channelEnrichIterator struct {
	rows pgx.Rows
}

func (it *channelEnrichIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	if !it.rows.Next() {
		return repository.StorageEntity{}, false, it.rows.Err()
	}
	entity, err := scanChannelEnrich(it.rows)
	return entity, err == nil, err
}

func (it *channelEnrichIterator) Close() error {
	it.rows.Close()
	return nil
}

type videoEnrichIterator struct {
	rows pgx.Rows
}

func (it *videoEnrichIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	if !it.rows.Next() {
		return repository.StorageEntity{}, false, it.rows.Err()
	}
	entity, err := scanVideoEnrich(it.rows)
	return entity, err == nil, err
}

func (it *videoEnrichIterator) Close() error {
	it.rows.Close()
	return nil
}

// emptyIterator yields nothing; used for enrichment kinds this adapter's
// schema does not model.
type emptyIterator struct{}

func (emptyIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	return repository.StorageEntity{}, false, nil
}
func (emptyIterator) Close() error { return nil }

func scanChannelEnrich(row pgx.Row) (repository.StorageEntity, error) {
	var (
		id, title               string
		description, country    *string
		defaultLanguage         *string
		subscriberCount         *int64
		videoCount              *int64
		isPlaceholder           bool
		neverEnriched           bool
	)
	if err := row.Scan(&id, &title, &description, &country, &defaultLanguage, &subscriberCount, &videoCount, &isPlaceholder, &neverEnriched); err != nil {
		return repository.StorageEntity{}, fmt.Errorf("postgres: scan channel enrichment row: %w", err)
	}
	entity := repository.StorageEntity{
		ID:            id,
		Kind:          model.KindChannel,
		Title:         title,
		IsPlaceholder: isPlaceholder,
		NeverEnriched: neverEnriched,
		Statistics:    map[string]int64{},
	}
	if description != nil {
		entity.Description = *description
	}
	if country != nil {
		entity.Country = *country
	}
	if defaultLanguage != nil {
		entity.DefaultLanguage = *defaultLanguage
	}
	if subscriberCount != nil {
		entity.Statistics["subscriberCount"] = *subscriberCount
	}
	if videoCount != nil {
		entity.Statistics["videoCount"] = *videoCount
	}
	return entity, nil
}

func scanVideoEnrich(row pgx.Row) (repository.StorageEntity, error) {
	var (
		id, title                         string
		description                       *string
		viewCount, likeCount, commentCount *int64
		isPlaceholder, neverEnriched       bool
	)
	if err := row.Scan(&id, &title, &description, &viewCount, &likeCount, &commentCount, &isPlaceholder, &neverEnriched); err != nil {
		return repository.StorageEntity{}, fmt.Errorf("postgres: scan video enrichment row: %w", err)
	}
	entity := repository.StorageEntity{
		ID:            id,
		Kind:          model.KindVideo,
		Title:         title,
		IsPlaceholder: isPlaceholder,
		NeverEnriched: neverEnriched,
		Statistics:    map[string]int64{},
	}
	if description != nil {
		entity.Description = *description
	}
	if viewCount != nil {
		entity.Statistics["viewCount"] = *viewCount
	}
	if likeCount != nil {
		entity.Statistics["likeCount"] = *likeCount
	}
	if commentCount != nil {
		entity.Statistics["commentCount"] = *commentCount
	}
	return entity, nil
}

// GetEntityByID retrieves a single row by kind.
func (a *Adapter) GetEntityByID(ctx context.Context, kind model.EnrichKind, id string) (repository.StorageEntity, error) {
	switch kind {
	case model.EnrichChannels:
		const query = `
			SELECT channel_id, title, description, country, default_language,
			       subscriber_count, video_count, is_placeholder, never_enriched
			FROM channels
			WHERE channel_id = $1`
		entity, err := scanChannelEnrich(a.db.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.StorageEntity{}, repository.ErrEntityNotFound
			}
			return repository.StorageEntity{}, err
		}
		return entity, nil

	case model.EnrichVideos:
		const query = `
			SELECT video_id, title, description, view_count, like_count,
			       comment_count, is_placeholder, never_enriched
			FROM videos
			WHERE video_id = $1`
		entity, err := scanVideoEnrich(a.db.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.StorageEntity{}, repository.ErrEntityNotFound
			}
			return repository.StorageEntity{}, err
		}
		return entity, nil

	default:
		return repository.StorageEntity{}, fmt.Errorf("postgres: GetEntityByID: unsupported kind %q", kind)
	}
}

// GetCacheStatsCounters returns the row counts backing CacheStats.
func (a *Adapter) GetCacheStatsCounters(ctx context.Context) (channelRows, videoRows int, err error) {
	const query = `
		SELECT
			(SELECT count(*) FROM channels) AS channel_rows,
			(SELECT count(*) FROM videos) AS video_rows`
	if err := a.db.QueryRow(ctx, query).Scan(&channelRows, &videoRows); err != nil {
		return 0, 0, fmt.Errorf("postgres: get cache stats counters: %w", err)
	}
	return channelRows, videoRows, nil
}

// TryAcquireAdvisoryLock dedicates one pooled connection to a session-level
// pg_try_advisory_lock for the run's lifetime; the lock name is hashed to a
// stable int64 with FNV-1a rather than relying on the server-internal
// hashtext() function. Returns (nil, nil) when the lock is already held
// elsewhere, per the Storage contract.
func (a *Adapter) TryAcquireAdvisoryLock(ctx context.Context, name string) (repository.Lock, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire connection for advisory lock: %w", err)
	}

	lockID := advisoryLockID(name)
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &advisoryLock{conn: conn, lockID: lockID}, nil
}

func advisoryLockID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

type advisoryLock struct {
	conn     *pgxpool.Conn
	lockID   int64
	released bool
}

// Release unlocks and returns the dedicated connection to the pool. It is
// idempotent: a second call is a no-op.
func (l *advisoryLock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	defer l.conn.Release()

	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("postgres: pg_advisory_unlock: %w", err)
	}
	return nil
}

// BeginBatchCommit opens one enrichment batch's unit of work.
func (a *Adapter) BeginBatchCommit(ctx context.Context) (repository.BatchCommit, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin batch commit: %w", err)
	}
	return &txBatchCommit{tx: tx}, nil
}

type txBatchCommit struct {
	tx     pgx.Tx
	staged []repository.EntityUpdate
}

func (c *txBatchCommit) Stage(update repository.EntityUpdate) {
	c.staged = append(c.staged, update)
}

// Commit applies every staged update within the transaction and commits as
// one unit; a single failing statement rolls back the whole batch (spec.md
// §4.D step 6: no partial batch is ever visible).
func (c *txBatchCommit) Commit(ctx context.Context) error {
	for _, update := range c.staged {
		if err := applyUpdate(ctx, c.tx, update); err != nil {
			_ = c.tx.Rollback(ctx)
			return fmt.Errorf("postgres: apply staged update %s: %w", update.EntityID, err)
		}
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit batch: %w", err)
	}
	return nil
}

func (c *txBatchCommit) Rollback(ctx context.Context) error {
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback batch: %w", err)
	}
	return nil
}

func applyUpdate(ctx context.Context, tx pgx.Tx, update repository.EntityUpdate) error {
	table, idColumn, err := tableFor(update.Kind)
	if err != nil {
		return err
	}

	if update.Tombstone {
		query := fmt.Sprintf("UPDATE %s SET deleted = true WHERE %s = $1", table, idColumn)
		_, err := tx.Exec(ctx, query, update.EntityID)
		return err
	}

	if len(update.Fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(update.Fields))
	args := make([]any, 0, len(update.Fields)+1)
	i := 1
	for field, value := range update.Fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, i))
		args = append(args, value)
		i++
	}
	args = append(args, update.EntityID)

	query := fmt.Sprintf("UPDATE %s SET %s, never_enriched = false WHERE %s = $%d", table, joinClauses(setClauses), idColumn, i)
	_, err = tx.Exec(ctx, query, args...)
	return err
}

func tableFor(kind model.EnrichKind) (table, idColumn string, err error) {
	switch kind {
	case model.EnrichChannels:
		return "channels", "channel_id", nil
	case model.EnrichVideos:
		return "videos", "video_id", nil
	default:
		return "", "", fmt.Errorf("postgres: no writable table for enrich kind %q", kind)
	}
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}
