package state

import "errors"

var (
	// ErrUnknownTarget is returned when a device or group ID is not present
	// in the published snapshot or on the gateway.
	ErrUnknownTarget = errors.New("state: unknown target")

	// ErrInvalidArgument is returned when an ID or value is out of range.
	ErrInvalidArgument = errors.New("state: invalid argument")

	// ErrCapabilityMismatch describes a field the target cannot apply.
	// Dispatch drops such fields; the error is only used for logging.
	ErrCapabilityMismatch = errors.New("state: capability mismatch")

	// ErrNotReady is returned by reads before the first successful refresh.
	ErrNotReady = errors.New("state: no snapshot published yet")
)
