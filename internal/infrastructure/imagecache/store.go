// Package imagecache implements the Cache Store (spec.md §4.B): a
// content-addressed on-disk cache for image bytes with explicit negative
// caching and crash-safe atomic writes.
package imagecache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
)

// Store owns the filesystem subtree rooted at CacheRoot/images for the
// lifetime of a run. It is safe for sequential use only: the Warm
// Pipeline never issues concurrent writes for the same key, and the spec
// forbids concurrent warm runs within one process.
type Store struct {
	root string // CacheConfig.CacheRoot/images
}

// NewStore returns a Store rooted at cfg.CacheRoot/images. The directory
// tree is not created here; EnsureDirs does that explicitly so callers can
// surface a clear startup error.
func NewStore(cfg model.CacheConfig) *Store {
	return &Store{root: filepath.Join(cfg.CacheRoot, "images")}
}

// EnsureDirs creates the channels/ and videos/<quality>/ directories this
// run needs. Safe to call repeatedly.
func (s *Store) EnsureDirs(qualities ...model.Quality) error {
	if err := os.MkdirAll(filepath.Join(s.root, "channels"), 0o755); err != nil {
		return fmt.Errorf("imagecache: create channels dir: %w", err)
	}
	for _, q := range qualities {
		dir := filepath.Join(s.root, "videos", string(q))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("imagecache: create videos dir for quality %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) contentPath(key model.CacheKey) string {
	return filepath.Join(s.root, filepath.FromSlash(string(key)))
}

func (s *Store) missingPath(key model.CacheKey) string {
	return s.contentPath(key) + ".missing"
}

// Lookup reports the current on-disk state for key without reading its
// full contents.
func (s *Store) Lookup(key model.CacheKey) (model.CacheEntry, error) {
	contentPath := s.contentPath(key)

	if fi, err := os.Stat(contentPath); err == nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusPresent).Inc()
		return model.CacheEntry{
			State:     model.EntryPresent,
			SizeBytes: fi.Size(),
			ModTime:   fi.ModTime(),
		}, nil
	} else if !os.IsNotExist(err) {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: stat %s: %w", contentPath, err)
	}

	missingPath := s.missingPath(key)
	if fi, err := os.Stat(missingPath); err == nil {
		reason, _ := readMissingReason(missingPath)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusMissing).Inc()
		return model.CacheEntry{
			State:           model.EntryMissing,
			MissingReason:   reason,
			MissingRecorded: fi.ModTime(),
		}, nil
	} else if !os.IsNotExist(err) {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: stat %s: %w", missingPath, err)
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.StatusAbsent).Inc()
	return model.CacheEntry{State: model.EntryAbsent}, nil
}

// Store writes bytes to key via temp-file + fsync + rename, then removes
// any stale .missing marker. Rename happens before the marker is removed,
// per spec.md §4.B: a crash between the two leaves a valid cache hit, the
// only acceptable inconsistency.
func (s *Store) Store(key model.CacheKey, data []byte) (model.CacheEntry, error) {
	contentPath := s.contentPath(key)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0o755); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: create parent dir for %s: %w", contentPath, err)
	}

	if err := atomicWrite(contentPath, data); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusError).Inc()
		return model.CacheEntry{}, err
	}

	missingPath := s.missingPath(key)
	if err := os.Remove(missingPath); err != nil && !os.IsNotExist(err) {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: remove stale missing marker %s: %w", missingPath, err)
	}

	fi, err := os.Stat(contentPath)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: stat after store %s: %w", contentPath, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.StatusSuccess).Inc()
	return model.CacheEntry{State: model.EntryPresent, SizeBytes: fi.Size(), ModTime: fi.ModTime()}, nil
}

// MarkMissing records that key could not be fetched, without touching a
// pre-existing content file (spec.md §4.B: "If the content file exists it
// MUST NOT be touched").
func (s *Store) MarkMissing(key model.CacheKey, reason string) (model.CacheEntry, error) {
	contentPath := s.contentPath(key)
	if _, err := os.Stat(contentPath); err == nil {
		entry, lookupErr := s.Lookup(key)
		if lookupErr != nil {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusError).Inc()
			return model.CacheEntry{}, lookupErr
		}
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusPresent).Inc()
		return entry, nil
	}

	missingPath := s.missingPath(key)
	if err := os.MkdirAll(filepath.Dir(missingPath), 0o755); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: create parent dir for %s: %w", missingPath, err)
	}
	if err := atomicWrite(missingPath, []byte(reason)); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusError).Inc()
		return model.CacheEntry{}, err
	}

	fi, err := os.Stat(missingPath)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusError).Inc()
		return model.CacheEntry{}, fmt.Errorf("imagecache: stat after mark_missing %s: %w", missingPath, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpMarkMissing, metrics.StatusSuccess).Inc()
	return model.CacheEntry{
		State:           model.EntryMissing,
		MissingReason:   reason,
		MissingRecorded: fi.ModTime(),
	}, nil
}

// Delete removes both the content file and the missing marker for key, if
// present. It is not an error for neither to exist.
func (s *Store) Delete(key model.CacheKey) error {
	for _, p := range []string{s.contentPath(key), s.missingPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.StatusError).Inc()
			return fmt.Errorf("imagecache: delete %s: %w", p, err)
		}
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.StatusSuccess).Inc()
	return nil
}

// DeleteAll removes every file under kind's subtree (channels, or all
// video qualities) and returns the total bytes freed (content files only;
// marker files do not count toward freed space).
func (s *Store) DeleteAll(kind model.Kind) (int64, error) {
	var subdir string
	switch kind {
	case model.KindChannel:
		subdir = "channels"
	case model.KindVideo:
		subdir = "videos"
	default:
		return 0, fmt.Errorf("imagecache: unknown kind %q", kind)
	}

	dir := filepath.Join(s.root, subdir)
	var freed int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".missing" {
			freed += info.Size()
		}
		return os.Remove(path)
	})
	if err != nil {
		return freed, fmt.Errorf("imagecache: delete all under %s: %w", dir, err)
	}
	return freed, nil
}

// Stats walks the whole cache tree once and summarizes it.
func (s *Store) Stats() (model.CacheStats, error) {
	var stats model.CacheStats

	walk := func(subdir string, isChannel bool) error {
		dir := filepath.Join(s.root, subdir)
		return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			isMissing := filepath.Ext(path) == ".missing"

			if isChannel {
				if isMissing {
					stats.ChannelMissingCount++
				} else {
					stats.ChannelCount++
				}
			} else {
				if isMissing {
					stats.VideoMissingCount++
				} else {
					stats.VideoCount++
				}
			}
			if !isMissing {
				stats.TotalSizeBytes += info.Size()
				mod := info.ModTime()
				if stats.OldestFile.IsZero() || mod.Before(stats.OldestFile) {
					stats.OldestFile = mod
				}
				if mod.After(stats.NewestFile) {
					stats.NewestFile = mod
				}
			}
			return nil
		})
	}

	if err := walk("channels", true); err != nil {
		return stats, fmt.Errorf("imagecache: stats over channels: %w", err)
	}
	if err := walk("videos", false); err != nil {
		return stats, fmt.Errorf("imagecache: stats over videos: %w", err)
	}
	return stats, nil
}

// atomicWrite writes data to a sibling temp file, fsyncs it, and renames
// it onto path. The temp file lives in the same directory as path so the
// rename is guaranteed to be on the same filesystem.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("imagecache: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("imagecache: write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("imagecache: fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("imagecache: close temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("imagecache: rename %s to %s: %w", tmpPath, path, err)
	}
	cleanup = false
	return nil
}

func readMissingReason(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 4096))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
