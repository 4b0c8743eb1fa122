package model

import "time"

// CacheConfig holds the immutable, process-wide settings for one cache
// engine instance. Created once at startup by the composition root and
// shared read-only with every component.
type CacheConfig struct {
	// CacheRoot is the directory containing the "images" subtree.
	CacheRoot string
	// ChannelsDir and VideosDir name the per-kind subdirectories under
	// CacheRoot/images. The Cache Store does not read them: its layout is
	// always images/channels and images/videos.
	ChannelsDir string
	VideosDir   string
	// RequestTimeout bounds a single outbound HTTP call (image GET or
	// remote API call).
	RequestTimeout time.Duration
	// MaxRetries bounds the retry count for transport/5xx failures.
	MaxRetries int
	// BackoffBase and BackoffCap bound the Rate Governor's exponential
	// backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// UserAgent is sent on every outbound HTTP request.
	UserAgent string
	// DefaultQuality is used when a caller does not specify one.
	DefaultQuality Quality
}

// EntryState is the closed set of states a CacheEntry may be in.
type EntryState int

const (
	EntryAbsent EntryState = iota
	EntryPresent
	EntryMissing
)

// CacheEntry is the on-disk state for one CacheKey. Present and Missing
// are mutually exclusive by construction (see imagecache.Store).
type CacheEntry struct {
	State EntryState

	// Present fields.
	SizeBytes int64
	ModTime   time.Time

	// Missing fields.
	MissingReason   string
	MissingRecorded time.Time
}

func (e CacheEntry) IsPresent() bool { return e.State == EntryPresent }
func (e CacheEntry) IsMissing() bool { return e.State == EntryMissing }
func (e CacheEntry) IsAbsent() bool  { return e.State == EntryAbsent }

// CacheStats summarizes the on-disk cache after walking it once.
type CacheStats struct {
	ChannelCount        int
	VideoCount          int
	ChannelMissingCount int
	VideoMissingCount   int
	TotalSizeBytes      int64
	OldestFile          time.Time
	NewestFile          time.Time
}
