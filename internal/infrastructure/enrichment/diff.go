package enrichment

import (
	"strings"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
)

// maxDescriptionLength is the bound applied to a remote item's description
// before it is compared against the stored row or staged as an update.
const maxDescriptionLength = 10000

// normalizeItem maps a raw RemoteItem onto the bounded field set the
// Coordinator diffs against storage: description truncated, default
// language lower-cased. Title, country, and statistics pass through
// unchanged.
func normalizeItem(item repository.RemoteItem) repository.RemoteItem {
	normalized := item
	if len(normalized.Description) > maxDescriptionLength {
		normalized.Description = normalized.Description[:maxDescriptionLength]
	}
	normalized.DefaultLanguage = strings.ToLower(normalized.DefaultLanguage)
	return normalized
}

// statisticsColumns maps a RemoteItem.Statistics key to the storage column
// it is persisted under, per enrich kind. Playlists have no writable
// columns in this adapter's schema, so they diff no statistics.
func statisticsColumns(kind model.EnrichKind) map[string]string {
	switch kind {
	case model.EnrichChannels:
		return map[string]string{"subscriberCount": "subscriber_count", "videoCount": "video_count"}
	case model.EnrichVideos:
		return map[string]string{"viewCount": "view_count", "likeCount": "like_count", "commentCount": "comment_count"}
	default:
		return nil
	}
}

// statisticsColumnOrder is statisticsColumns' key set in the fixed order
// FieldsChanged reports them, so it is stable across runs for the same diff.
func statisticsColumnOrder(kind model.EnrichKind) []string {
	switch kind {
	case model.EnrichChannels:
		return []string{"subscriber_count", "video_count"}
	case model.EnrichVideos:
		return []string{"view_count", "like_count", "comment_count"}
	default:
		return nil
	}
}

// diffAgainstStored compares a normalized remote item against the
// currently stored entity and returns the set of changed fields, keyed by
// the real storage column name each value is staged under. Statistics are
// expanded per field (subscriber_count, view_count, ...) rather than
// passed through as one opaque blob, since that blob has no matching
// column in this adapter's own schema.
func diffAgainstStored(kind model.EnrichKind, stored repository.StorageEntity, remote repository.RemoteItem) map[string]any {
	changed := make(map[string]any)

	if remote.Title != stored.Title {
		changed["title"] = remote.Title
	}
	if remote.Description != stored.Description {
		changed["description"] = remote.Description
	}
	if remote.Country != stored.Country {
		changed["country"] = remote.Country
	}
	if remote.DefaultLanguage != stored.DefaultLanguage {
		changed["default_language"] = remote.DefaultLanguage
	}
	for statKey, column := range statisticsColumns(kind) {
		if stored.Statistics[statKey] != remote.Statistics[statKey] {
			changed[column] = remote.Statistics[statKey]
		}
	}

	return changed
}

// fieldNames returns the changed column names in a fixed order (title,
// description, country, default_language, then the kind's statistics
// columns), so FieldsChanged is stable across runs for the same diff.
func fieldNames(kind model.EnrichKind, changed map[string]any) []string {
	order := append([]string{"title", "description", "country", "default_language"}, statisticsColumnOrder(kind)...)
	var names []string
	for _, name := range order {
		if _, ok := changed[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
