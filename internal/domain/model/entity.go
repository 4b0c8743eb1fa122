// Package model holds the data types shared by the image-cache and
// enrichment cores: entity references, cache keys/entries, and the
// result types produced by a warm or enrich run.
package model

import (
	"errors"
	"fmt"
)

// Kind distinguishes the two entity families the cache warms images for.
type Kind string

const (
	KindChannel Kind = "channel"
	KindVideo   Kind = "video"
)

func (k Kind) String() string { return string(k) }

// Quality selects a thumbnail variant for a video. The zero value is not
// a valid quality; use ParseQuality or one of the named constants.
type Quality string

const (
	QualityDefault    Quality = "default"
	QualityMQDefault  Quality = "mqdefault"
	QualityHQDefault  Quality = "hqdefault"
	QualitySDDefault  Quality = "sddefault"
	QualityMaxRes     Quality = "maxresdefault"
)

var validQualities = map[Quality]struct{}{
	QualityDefault:   {},
	QualityMQDefault: {},
	QualityHQDefault: {},
	QualitySDDefault: {},
	QualityMaxRes:    {},
}

// ErrInvalidQuality is returned by ParseQuality for unknown quality strings.
var ErrInvalidQuality = errors.New("invalid thumbnail quality")

// ParseQuality validates a raw quality string against the closed set.
func ParseQuality(raw string) (Quality, error) {
	q := Quality(raw)
	if _, ok := validQualities[q]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuality, raw)
	}
	return q, nil
}

// EntityRef is a tagged union identifying one unit of warm-pipeline work:
// either a channel avatar or a video thumbnail at a given quality.
type EntityRef struct {
	kind    Kind
	id      string
	quality Quality // only meaningful when kind == KindVideo
}

// NewChannelRef builds an EntityRef for a channel avatar.
func NewChannelRef(id string) EntityRef {
	return EntityRef{kind: KindChannel, id: id}
}

// NewVideoRef builds an EntityRef for a video thumbnail at the given quality.
func NewVideoRef(id string, quality Quality) EntityRef {
	return EntityRef{kind: KindVideo, id: id, quality: quality}
}

func (e EntityRef) Kind() Kind        { return e.kind }
func (e EntityRef) ID() string        { return e.id }
func (e EntityRef) Quality() Quality  { return e.quality }

// CacheKey is the deterministic, collision-free relative filesystem path
// derived from an EntityRef: "<kind>/<id>.jpg" for channels, or
// "videos/<quality>/<id>.jpg" for videos.
type CacheKey string

// Key derives the CacheKey for this EntityRef.
func (e EntityRef) Key() CacheKey {
	switch e.kind {
	case KindChannel:
		return CacheKey(fmt.Sprintf("channels/%s.jpg", e.id))
	case KindVideo:
		return CacheKey(fmt.Sprintf("videos/%s/%s.jpg", e.quality, e.id))
	default:
		// Unreachable: EntityRef is only constructed via the two
		// exported factories above.
		panic(fmt.Sprintf("model: unknown entity kind %q", e.kind))
	}
}

// String renders a human-readable identifier for logging, e.g.
// "channel:UCxxxx" or "video:abc123@mqdefault".
func (e EntityRef) String() string {
	switch e.kind {
	case KindChannel:
		return fmt.Sprintf("channel:%s", e.id)
	case KindVideo:
		return fmt.Sprintf("video:%s@%s", e.id, e.quality)
	default:
		return fmt.Sprintf("unknown:%s", e.id)
	}
}
