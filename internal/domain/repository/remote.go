package repository

import "context"

// RemoteItem is one item returned by a batched metadata lookup. Absent
// items (an ID requested but not present in the response) signal deletion
// to the caller.
type RemoteItem struct {
	ID              string
	Title           string
	Description     string
	Country         string
	DefaultLanguage string
	Statistics      map[string]int64
}

// RemoteImage is the result of a successful image GET.
type RemoteImage struct {
	Bytes       []byte
	ContentType string
}

// RateLimitError is returned by RemoteAPI methods when the remote signals a
// rate limit (HTTP 429), distinguishable from a generic transport/5xx
// error per spec.md §7.
type RateLimitError struct {
	RetryAfterSeconds float64
}

func (RateLimitError) Error() string { return "remote api: rate limited" }

// NotFoundError is returned by GetImage for a 404/410 response.
type NotFoundError struct {
	URL string
}

func (e NotFoundError) Error() string { return "remote api: not found: " + e.URL }

// ContentError is returned by GetImage when a 200 response fails content
// validation (wrong content-type, zero bytes).
type ContentError struct {
	Reason string
}

func (e ContentError) Error() string { return "remote api: invalid content: " + e.Reason }

// RemoteAPI is the collaborator contract for the rate-limited third-party
// service: batched metadata lookups and raw image fetches.
type RemoteAPI interface {
	// GetChannelsByIDs resolves up to MaxBatchSize channel IDs in one
	// call. IDs absent from the result have been deleted upstream.
	GetChannelsByIDs(ctx context.Context, ids []string) ([]RemoteItem, error)

	// GetVideosByIDs resolves up to MaxBatchSize video IDs in one call.
	GetVideosByIDs(ctx context.Context, ids []string) ([]RemoteItem, error)

	// GetImage fetches raw image bytes from a resolved URL.
	GetImage(ctx context.Context, url string) (RemoteImage, error)
}
