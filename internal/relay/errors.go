package relay

import "errors"

var (
	// ErrExtensionNotConnected is returned when a command cannot be routed to
	// a live extension socket.
	ErrExtensionNotConnected = errors.New("Extension not connected")
	// ErrExtensionClosed rejects pending requests when their socket closes.
	ErrExtensionClosed = errors.New("Extension connection closed")
)
