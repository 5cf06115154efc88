// Package scheduler drives the periodic oracle computation and owns the shared
// state the API and push channel read from.
package scheduler

import "errors"

var (
	// ErrUnknownInstrument indicates an instrument that is not configured.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrNotReady indicates that no tick has completed yet.
	ErrNotReady = errors.New("no oracle result yet")
	// ErrTickPanicked indicates a tick that was aborted by a recovered panic.
	ErrTickPanicked = errors.New("tick panicked")
)
