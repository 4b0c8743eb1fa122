// Package repository defines the collaborator contracts the core consumes:
// Storage (candidate iteration, batch commit, advisory locking) and the
// Remote API (batched metadata lookups, image fetch). Concrete adapters
// live under internal/infrastructure/storage and .../remoteapi.
package repository

import "errors"

// ErrorKind is the closed set of error kinds the core distinguishes
// (spec.md §7). It is attached to item-level outcomes; it is never itself
// propagated as a Go error value, except where noted below.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindThrottled   ErrorKind = "throttled"
	ErrKindTransport   ErrorKind = "transport"
	ErrKindContent     ErrorKind = "content"
	ErrKindCommit      ErrorKind = "commit"
	ErrKindLockUnavail ErrorKind = "lock_unavailable"
	ErrKindCancelled   ErrorKind = "cancelled"
)

func (k ErrorKind) String() string { return string(k) }

// Run-level sentinel errors, surfaced synchronously to the caller before
// any work begins (spec.md §7's propagation policy).
var (
	// ErrValidation wraps a bad-argument error, e.g. unknown kind or a
	// negative delay.
	ErrValidation = errors.New("validation error")

	// ErrLockUnavailable is returned immediately by Enrich when the
	// Storage advisory lock could not be acquired; the caller must not
	// wait or retry internally.
	ErrLockUnavailable = errors.New("enrichment lock unavailable")

	// ErrEntityNotFound is returned by Storage.GetEntityByID for an
	// unknown ID.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrObjectNotFound names a missing object-storage key. The image
	// mirror only uploads, so no code path in this module returns it.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the mirror's configured bucket
	// does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)
