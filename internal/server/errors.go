package server

import "errors"

// Domain errors for the command server.
var (
	// ErrValidation is returned for requests with missing or out-of-range
	// arguments. The session stays open.
	ErrValidation = errors.New("server: invalid request")

	// ErrProtocol is logged when a client sends data that is not JSON. The
	// session is closed.
	ErrProtocol = errors.New("server: protocol error")

	// ErrUnknownCommand is returned for unrecognized request types.
	ErrUnknownCommand = errors.New("server: unknown command")

	// ErrUnavailable is returned when a command needs a collaborator that
	// was not configured.
	ErrUnavailable = errors.New("server: command unavailable")

	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("server: not listening")
)
