package repository

import "sync/atomic"

// ShutdownFlag is the process-wide cooperative cancellation signal
// (spec.md §3). An Interrupt collaborator (SIGINT/SIGTERM handler) raises
// it; every loop in the core polls it at well-defined safe points. Once
// raised it stays raised for the remainder of the run — there is no way to
// lower it, by design.
type ShutdownFlag struct {
	raised atomic.Bool
}

// NewShutdownFlag returns a flag in the not-raised state.
func NewShutdownFlag() *ShutdownFlag {
	return &ShutdownFlag{}
}

// Raise sets the flag. Safe to call from a signal handler goroutine.
func (f *ShutdownFlag) Raise() {
	f.raised.Store(true)
}

// IsRaised reports whether the flag has been raised.
func (f *ShutdownFlag) IsRaised() bool {
	return f.raised.Load()
}
