package api

import "errors"

var (
	// ErrInvalidBody indicates a request body that could not be parsed.
	ErrInvalidBody = errors.New("invalid request body")
)
