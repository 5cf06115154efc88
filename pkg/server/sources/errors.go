// Package sources provides the venue feed contract, its shared state machine and caching.
package sources

import "errors"

var (
	// ErrUnexpectedStatus indicates an unexpected HTTP status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")
	// ErrRateLimitExceeded indicates that a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrAPIError indicates that the venue reported an error in its payload.
	ErrAPIError = errors.New("API error")
	// ErrInvalidResponse indicates a response that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrMalformedFrame indicates a streaming frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrWebSocketDisconnect indicates a WebSocket disconnection.
	ErrWebSocketDisconnect = errors.New("websocket disconnected")
	// ErrNoTransport indicates a feed configured with neither streaming nor REST.
	ErrNoTransport = errors.New("feed has neither stream nor REST transport")
	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("feed already connected")
	// ErrUnknownVenue indicates a configured venue with no registered factory.
	ErrUnknownVenue = errors.New("unknown venue")
	// ErrNoInstruments indicates a feed asked to connect with no instruments.
	ErrNoInstruments = errors.New("no instruments")
)
