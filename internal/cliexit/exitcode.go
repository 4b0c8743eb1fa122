// Package cliexit maps a composition root's terminal error into the exit
// code the spec's CLI layer expects: 0 success, 1 partial failure, 2
// validation error, 130 interrupted (spec.md §7).
package cliexit

import (
	"errors"

	"github.com/aucontraire/chronovista-core/internal/domain/repository"
)

// ErrInterrupted signals the run was cut short by a shutdown signal.
var ErrInterrupted = errors.New("interrupted")

// ErrPartialFailure signals the run completed but at least one item failed.
var ErrPartialFailure = errors.New("partial failure")

// Code maps err to the process exit code. A nil err is success.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInterrupted):
		return 130
	case errors.Is(err, repository.ErrValidation), errors.Is(err, repository.ErrLockUnavailable):
		return 2
	case errors.Is(err, ErrPartialFailure):
		return 1
	default:
		return 1
	}
}
