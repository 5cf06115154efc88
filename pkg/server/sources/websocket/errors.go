// Package websocket provides the reconnecting streaming client used by venue feeds.
package websocket

import "errors"

var (
	// ErrMaxRetriesExceeded indicates that the maximum connection retries have been exceeded.
	ErrMaxRetriesExceeded = errors.New("max connection retries exceeded")
	// ErrNotConnected indicates that the client is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost indicates that the connection was lost.
	ErrConnectionLost = errors.New("connection lost")
)
