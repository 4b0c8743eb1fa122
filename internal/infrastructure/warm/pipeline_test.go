package warm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aucontraire/chronovista-core/internal/clock"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/imagecache"
)

type fakeIterator struct {
	items []repository.StorageEntity
	pos   int
}

func (f *fakeIterator) Next(ctx context.Context) (repository.StorageEntity, bool, error) {
	if f.pos >= len(f.items) {
		return repository.StorageEntity{}, false, nil
	}
	item := f.items[f.pos]
	f.pos++
	return item, true, nil
}

func (f *fakeIterator) Close() error { return nil }

type mockStorage struct {
	channels []repository.StorageEntity
	videos   []repository.StorageEntity
}

func (m *mockStorage) IterateEntitiesNeedingImage(ctx context.Context, kind model.Kind, quality model.Quality, limit int) (repository.EntityIterator, error) {
	if kind == model.KindChannel {
		return &fakeIterator{items: m.channels}, nil
	}
	return &fakeIterator{items: m.videos}, nil
}

func (m *mockStorage) IterateEntitiesNeedingEnrichment(ctx context.Context, kind model.EnrichKind, priority model.Priority, limit int) (repository.EntityIterator, error) {
	return &fakeIterator{}, nil
}

func (m *mockStorage) GetEntityByID(ctx context.Context, kind model.EnrichKind, id string) (repository.StorageEntity, error) {
	return repository.StorageEntity{}, repository.ErrEntityNotFound
}

func (m *mockStorage) BeginBatchCommit(ctx context.Context) (repository.BatchCommit, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStorage) TryAcquireAdvisoryLock(ctx context.Context, name string) (repository.Lock, error) {
	return nil, nil
}

func (m *mockStorage) GetCacheStatsCounters(ctx context.Context) (int, int, error) {
	return 0, 0, nil
}

type mockRemote struct {
	getImageFn func(ctx context.Context, url string) (repository.RemoteImage, error)
}

func (m *mockRemote) GetChannelsByIDs(ctx context.Context, ids []string) ([]repository.RemoteItem, error) {
	return nil, nil
}

func (m *mockRemote) GetVideosByIDs(ctx context.Context, ids []string) ([]repository.RemoteItem, error) {
	return nil, nil
}

func (m *mockRemote) GetImage(ctx context.Context, url string) (repository.RemoteImage, error) {
	return m.getImageFn(ctx, url)
}

func newTestPipeline(t *testing.T, storage repository.Storage, remote repository.RemoteAPI) *Pipeline {
	t.Helper()
	cache := imagecache.NewStore(model.CacheConfig{CacheRoot: t.TempDir()})
	if err := cache.EnsureDirs(model.QualityMQDefault); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	cfg := model.CacheConfig{
		MaxRetries:     2,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		DefaultQuality: model.QualityMQDefault,
	}
	return New(storage, remote, cache, nil, repository.NewShutdownFlag(), cfg, clock.NewFake(time.Unix(0, 0)), nil)
}

func TestPipeline_Warm_HappyPath(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
			{ID: "UC2", Kind: model.KindChannel, ImageURL: "https://img.example/uc2.jpg"},
		},
	}
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			return repository.RemoteImage{Bytes: []byte("jpeg bytes"), ContentType: "image/jpeg"}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels, Delay: 0})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}

	got := result.ByKind[model.KindChannel]
	if got.Downloaded != 2 {
		t.Errorf("downloaded: got %d, expected 2", got.Downloaded)
	}
	if got.Failed != 0 || got.Skipped != 0 || got.NoURL != 0 {
		t.Errorf("unexpected non-zero counters: %+v", got)
	}
	if got.Total != 2 {
		t.Errorf("total: got %d, expected 2", got.Total)
	}
}

func TestPipeline_Warm_NoURL(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: ""},
		},
	}
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			t.Fatal("remote should not be called for an entity with no URL")
			return repository.RemoteImage{}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}

	got := result.ByKind[model.KindChannel]
	if got.NoURL != 1 {
		t.Errorf("no_url: got %d, expected 1", got.NoURL)
	}
}

func TestPipeline_Warm_SkipsAlreadyPresent(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	calls := 0
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			calls++
			return repository.RemoteImage{Bytes: []byte("bytes"), ContentType: "image/jpeg"}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	if _, err := p.Warm(context.Background(), Options{Target: model.TargetChannels}); err != nil {
		t.Fatalf("first Warm: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one download on first pass, got %d", calls)
	}

	// cache now has UC1 present on disk; re-running should skip it.
	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("second Warm: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no new download on second pass, got %d total calls", calls)
	}
	got := result.ByKind[model.KindChannel]
	if got.Skipped != 1 {
		t.Errorf("skipped: got %d, expected 1", got.Skipped)
	}
}

func TestPipeline_Warm_DryRun_NoNetworkCall(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			t.Fatal("dry run must not call the network")
			return repository.RemoteImage{}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels, DryRun: true})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	got := result.ByKind[model.KindChannel]
	if got.Downloaded != 1 {
		t.Errorf("dry_run counted as downloaded: got %d, expected 1", got.Downloaded)
	}
}

func TestPipeline_Warm_NotFound_MarksMissing(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			return repository.RemoteImage{}, repository.NotFoundError{URL: url}
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	got := result.ByKind[model.KindChannel]
	if got.Failed != 1 {
		t.Errorf("failed: got %d, expected 1", got.Failed)
	}
	if len(got.Errors) != 1 || got.Errors[0].ErrKind != "not_found" {
		t.Errorf("errors: got %+v, expected one not_found entry", got.Errors)
	}
}

func TestPipeline_Warm_RateLimited_RetriesOnceThenFails(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	calls := 0
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			calls++
			return repository.RemoteImage{}, repository.RateLimitError{RetryAfterSeconds: 1}
		},
	}
	var backoffSeen bool
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{
		Target: model.TargetChannels,
		Progress: func(entityID, status string) {
			if entityID == model.BackoffEntityID {
				backoffSeen = true
			}
		},
	})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if calls != 2 {
		t.Errorf("remote calls: got %d, expected 2 (one retry after backoff)", calls)
	}
	if !backoffSeen {
		t.Error("expected a __backoff__ progress event")
	}
	got := result.ByKind[model.KindChannel]
	if got.Failed != 1 {
		t.Errorf("failed: got %d, expected 1", got.Failed)
	}
	if len(got.Errors) != 1 || got.Errors[0].ErrKind != "throttled" {
		t.Errorf("errors: got %+v, expected one throttled entry", got.Errors)
	}
}

func TestPipeline_Warm_RateLimited_SucceedsAfterOneRetry(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	calls := 0
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			calls++
			if calls == 1 {
				return repository.RemoteImage{}, repository.RateLimitError{RetryAfterSeconds: 1}
			}
			return repository.RemoteImage{Bytes: []byte("bytes"), ContentType: "image/jpeg"}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	got := result.ByKind[model.KindChannel]
	if got.Downloaded != 1 {
		t.Errorf("downloaded: got %d, expected 1", got.Downloaded)
	}
	if got.Failed != 0 {
		t.Errorf("failed: got %d, expected 0", got.Failed)
	}
}

func TestPipeline_Warm_TransportError_RetriesUpToMaxThenFails(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
		},
	}
	calls := 0
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			calls++
			return repository.RemoteImage{}, errors.New("connection reset")
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if calls < 2 {
		t.Errorf("expected at least 2 attempts for a persistent transport error, got %d", calls)
	}
	got := result.ByKind[model.KindChannel]
	if got.Failed != 1 {
		t.Errorf("failed: got %d, expected 1", got.Failed)
	}
}

func TestPipeline_Warm_All_ProcessesChannelsBeforeVideos(t *testing.T) {
	var order []string
	storage := &mockStorage{
		channels: []repository.StorageEntity{{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"}},
		videos:   []repository.StorageEntity{{ID: "v1", Kind: model.KindVideo, ImageURL: "https://img.example/v1.jpg"}},
	}
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			order = append(order, url)
			return repository.RemoteImage{Bytes: []byte("bytes"), ContentType: "image/jpeg"}, nil
		},
	}
	p := newTestPipeline(t, storage, remote)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetAll, Quality: model.QualityMQDefault})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if len(order) != 2 || order[0] != "https://img.example/uc1.jpg" || order[1] != "https://img.example/v1.jpg" {
		t.Errorf("processing order: got %v, expected channels before videos", order)
	}
	if result.Total.Downloaded != 2 {
		t.Errorf("aggregate downloaded: got %d, expected 2", result.Total.Downloaded)
	}
}

func TestPipeline_Warm_ShutdownFlag_InterruptsRun(t *testing.T) {
	storage := &mockStorage{
		channels: []repository.StorageEntity{
			{ID: "UC1", Kind: model.KindChannel, ImageURL: "https://img.example/uc1.jpg"},
			{ID: "UC2", Kind: model.KindChannel, ImageURL: "https://img.example/uc2.jpg"},
		},
	}
	shutdown := repository.NewShutdownFlag()
	remote := &mockRemote{
		getImageFn: func(ctx context.Context, url string) (repository.RemoteImage, error) {
			shutdown.Raise()
			return repository.RemoteImage{Bytes: []byte("bytes"), ContentType: "image/jpeg"}, nil
		},
	}
	cache := imagecache.NewStore(model.CacheConfig{CacheRoot: t.TempDir()})
	if err := cache.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	cfg := model.CacheConfig{MaxRetries: 2, BackoffBase: time.Second, BackoffCap: 30 * time.Second}
	p := New(storage, remote, cache, nil, shutdown, cfg, clock.NewFake(time.Unix(0, 0)), nil)

	result, err := p.Warm(context.Background(), Options{Target: model.TargetChannels})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	got := result.ByKind[model.KindChannel]
	if got.Total != 1 {
		t.Errorf("total after interruption: got %d, expected 1 (only the in-flight item completes)", got.Total)
	}
	if !got.WasInterrupted {
		t.Error("expected per-kind WasInterrupted to be true")
	}
	if !result.WasInterrupted {
		t.Error("expected aggregate WasInterrupted to be true")
	}
}
