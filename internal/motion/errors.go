package motion

import "errors"

// Domain errors for motion commands.
var (
	// ErrTransport is returned when the request frame could not be sent.
	// It is never reported as a timeout.
	ErrTransport = errors.New("motion: transport error")

	// ErrTimeout is returned when no matching acknowledgement arrived in time.
	ErrTimeout = errors.New("motion: acknowledgement timeout")

	// ErrAborted is returned when the device rejected an SDO request.
	ErrAborted = errors.New("motion: request aborted by device")

	// ErrInvalidStep is returned for out-of-range stepper arguments.
	ErrInvalidStep = errors.New("motion: invalid step command")

	// ErrInvalidMotorID is returned for DC motor ids that fail validation.
	ErrInvalidMotorID = errors.New("motion: invalid dc motor id")

	// ErrInvalidDC is returned for out-of-range DC motor arguments.
	ErrInvalidDC = errors.New("motion: invalid dc command")
)
