// Package oracle turns one tick of venue prices into a consensus KRW price.
package oracle

import "errors"

var (
	// ErrInvalidOverride indicates a manual override that is not a positive number.
	ErrInvalidOverride = errors.New("override must be a positive number")
)
