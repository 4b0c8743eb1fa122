package model

import "fmt"

// ProgressFunc is the boundary contract for progress reporting
// (spec.md §4.E): a synchronous, non-blocking callback of
// (entity_id, status). The sentinel entity_id "__backoff__" carries
// backoff notifications and must never advance a caller's item counter.
type ProgressFunc func(entityID, status string)

// BackoffEntityID is the sentinel entity_id used for __backoff__ events.
const BackoffEntityID = "__backoff__"

// ProgressEvent is the tagged-variant form recommended by spec.md §9 for
// languages with sum types. Components build one of these internally and
// convert to the two-string callback shape only at the ProgressFunc
// boundary, via Emit.
type ProgressEvent struct {
	// Backoff is true for a __backoff__ notification; Item fields are
	// unset in that case.
	Backoff     bool
	BackoffWait string // human-readable delay, e.g. "2.5s"

	EntityID string
	Status   string // "downloaded" | "dry_run" | "skipped" | "no_url" | "limit_reached" | "failed:<kind>"
}

// Emit converts the event to the callback's two-string shape and invokes
// cb, unless cb is nil.
func (e ProgressEvent) Emit(cb ProgressFunc) {
	if cb == nil {
		return
	}
	if e.Backoff {
		cb(BackoffEntityID, fmt.Sprintf("__backoff__:%s", e.BackoffWait))
		return
	}
	cb(e.EntityID, e.Status)
}

// BackoffEvent builds a __backoff__ progress event carrying the new delay.
func BackoffEvent(wait string) ProgressEvent {
	return ProgressEvent{Backoff: true, BackoffWait: wait}
}

// ItemEvent builds a per-item progress event.
func ItemEvent(entityID, status string) ProgressEvent {
	return ProgressEvent{EntityID: entityID, Status: status}
}
