package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means no matching persisted device or no live session.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument rejects malformed input before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransportError reports a failure of the underlying messaging client,
// either while creating it or while sending through it.
type TransportError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed for device %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// asTransportError keeps an existing TransportError intact and wraps anything else.
func asTransportError(op, deviceID string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, DeviceID: deviceID, Err: err}
}
