package model

// WarmTarget selects which entity kind(s) a warm pass covers. Unlike Kind,
// it admits an "all" value for the combined channels-then-videos pass.
type WarmTarget string

const (
	TargetChannels WarmTarget = "channels"
	TargetVideos   WarmTarget = "videos"
	TargetAll      WarmTarget = "all"
)

// WarmResult is the accumulated outcome of one warm pass.
type WarmResult struct {
	Downloaded int
	Skipped    int
	Failed     int
	NoURL      int
	Total      int

	// Errors is a bounded log of the first few failures encountered,
	// for display; the rest are only counted in Failed.
	Errors []WarmError

	// WasInterrupted is true when the pass stopped early because the
	// ShutdownFlag was raised, rather than because candidates ran out.
	WasInterrupted bool
}

// MaxLoggedErrors caps WarmResult.Errors, matching the CLI collaborator's
// documented behaviour of showing the first five errors and counting the
// rest (spec.md §7).
const MaxLoggedErrors = 5

// WarmError is one bounded error-log entry.
type WarmError struct {
	EntityID string
	ErrKind  string
	Message  string
}

// Add records one outcome into the result's running totals. status follows
// the progress-callback vocabulary (spec.md §4.C): "downloaded", "dry_run",
// "skipped", "no_url", or "failed:<kind>". The backoff sentinel must never
// be passed here — callers filter it out before calling Add.
func (r *WarmResult) Add(status string, entityID string, kind string, message string) {
	r.Total++
	switch {
	case status == "downloaded" || status == "dry_run":
		r.Downloaded++
	case status == "skipped":
		r.Skipped++
	case status == "no_url":
		r.NoURL++
	case hasFailedPrefix(status):
		r.Failed++
		if len(r.Errors) < MaxLoggedErrors {
			r.Errors = append(r.Errors, WarmError{EntityID: entityID, ErrKind: kind, Message: message})
		}
	}
}

func hasFailedPrefix(status string) bool {
	return len(status) >= 6 && status[:6] == "failed"
}

// ByKindWarmResult aggregates a warm(kind=all) pass: the grand total plus
// the per-kind breakdown the CLI collaborator's summary table displays
// (original_source/src/chronovista/cli/commands/cache.py shows channel and
// video totals separately even for --type all).
type ByKindWarmResult struct {
	Total          WarmResult
	ByKind         map[Kind]WarmResult
	WasInterrupted bool
}
