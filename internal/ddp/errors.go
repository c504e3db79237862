package ddp

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevice is returned when no active device is configured.
	ErrNoDevice = errors.New("no active DDoS Protector device")
	// ErrDuplicateBinding is returned when pushing a rule that is already
	// bound to a remote rule.
	ErrDuplicateBinding = errors.New("rule is already bound to a DDoS Protector rule")
	// ErrNotBound is returned when an operation needs a bound extras row.
	ErrNotBound = errors.New("rule is not bound to a DDoS Protector rule")
	// ErrNotFoundOnDevice is returned when the device no longer knows the rule.
	ErrNotFoundOnDevice = errors.New("rule not found on DDoS Protector")
)

// ConnectionError reports a device that could not be reached.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to DDoS Protector %s: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected response status from a device.
type ProtocolError struct {
	Device     string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("DDoS Protector %s responded with status %d: %s", e.Device, e.StatusCode, e.Body)
}
