// Package ratelimit implements the Rate Governor (spec.md §4.A): a
// single-waiter, token-paced release of work that expands into exponential
// backoff when the remote API signals overload.
package ratelimit

import (
	"context"
	"time"

	"github.com/aucontraire/chronovista-core/internal/clock"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
)

// Config holds the governor's steady-state spacing and backoff bounds.
// Delay must be >= 0; the cmd/ composition roots reject a negative
// --delay (spec.md §4.A: "negative or NaN delays are rejected by
// configuration validation, not here"). BackoffBase and BackoffCap are
// used as given; nothing validates them.
type Config struct {
	Delay       time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Governor is the per-run Rate Governor. It is not safe for concurrent
// use by design: spec.md §4.A requires acquire() calls to be serialized,
// and only one waiter ever exists by construction (§5).
type Governor struct {
	cfg    Config
	clock  clock.Clock
	source string

	nextReleaseAt  time.Time
	currentBackoff time.Duration
	backoffDeadline time.Time // zero value means unset

	onBackoff model.ProgressFunc // optional, receives the __backoff__ sentinel
}

// New creates a Governor for one run. cb may be nil. source labels the
// RateGovernorBackoffTotal metric, e.g. "warm" or "enrichment".
func New(cfg Config, clk clock.Clock, cb model.ProgressFunc, source string) *Governor {
	now := clk.Now()
	return &Governor{
		cfg:           cfg,
		clock:         clk,
		source:        source,
		nextReleaseAt: now,
		onBackoff:     cb,
	}
}

// Acquire blocks until the current instant is at or past both
// next_release_at and backoff_deadline. It returns ctx.Err() if ctx is
// cancelled before that point; callers must abandon their unit of work in
// that case. Acquire does not consult the ShutdownFlag; callers check it
// between items.
func (g *Governor) Acquire(ctx context.Context) error {
	deadline := g.nextReleaseAt
	if !g.backoffDeadline.IsZero() && g.backoffDeadline.After(deadline) {
		deadline = g.backoffDeadline
	}

	wait := deadline.Sub(g.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return g.clock.Sleep(ctx, wait)
}

// RecordSuccess resets the backoff and advances the steady-state schedule.
func (g *Governor) RecordSuccess() {
	g.currentBackoff = 0
	g.backoffDeadline = time.Time{}
	g.nextReleaseAt = g.clock.Now().Add(g.cfg.Delay)
}

// RecordThrottled expands the exponential backoff and emits a __backoff__
// progress event carrying the new delay. It returns the new backoff
// duration.
func (g *Governor) RecordThrottled() time.Duration {
	doubled := g.currentBackoff * 2
	next := doubled
	if next < g.cfg.BackoffBase {
		next = g.cfg.BackoffBase
	}
	if next > g.cfg.BackoffCap {
		next = g.cfg.BackoffCap
	}
	g.currentBackoff = next
	g.backoffDeadline = g.clock.Now().Add(next)

	metrics.RateGovernorBackoffTotal.WithLabelValues(g.source).Inc()
	model.BackoffEvent(next.String()).Emit(g.onBackoff)
	return next
}

// RecordFailure handles a non-throttling error: it does not extend
// backoff, only advances the steady-state schedule as a normal success
// would for pacing purposes. kind is accepted for call-site symmetry with
// the spec's vocabulary and future instrumentation; it does not change
// governor state.
func (g *Governor) RecordFailure(kind string) {
	g.nextReleaseAt = g.clock.Now().Add(g.cfg.Delay)
}

// CurrentBackoff exposes the governor's current backoff duration, mainly
// for tests asserting invariant 4 (backoff monotonicity).
func (g *Governor) CurrentBackoff() time.Duration {
	return g.currentBackoff
}

// BackoffDeadline exposes the current backoff deadline, or the zero Time
// if unset.
func (g *Governor) BackoffDeadline() time.Time {
	return g.backoffDeadline
}
