package model

import "errors"

var (
	// ErrInvalidRole is returned when a handshake carries no recognised role.
	ErrInvalidRole = errors.New("invalid role")

	// ErrEmptyToken is returned when a handshake carries no token.
	ErrEmptyToken = errors.New("token is required")

	// ErrTokenRejected is returned when a token fails the configured policy.
	ErrTokenRejected = errors.New("token rejected")

	// ErrNotConnected is returned when sending on a client that is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed is returned when using a client after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrHubStopped is returned when the hub loop is no longer running.
	ErrHubStopped = errors.New("hub stopped")
)
