package bluetooth

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Callers tell outcomes apart with errors.Is.
var (
	ErrUserCancelled           = errors.New("device selection cancelled")
	ErrPermissionDenied        = errors.New("bluetooth permission denied")
	ErrTransportUnavailable    = errors.New("bluetooth unavailable")
	ErrOutOfRange              = errors.New("printer out of range")
	ErrConnectTimeout          = errors.New("connection timed out")
	ErrSendTimeout             = errors.New("print timed out")
	ErrDisconnectedMidTransfer = errors.New("printer disconnected during transfer")
	ErrProtocol                = errors.New("printer protocol error")

	ErrNotConnected           = errors.New("printer not connected")
	ErrEnumerationUnsupported = errors.New("authorized device enumeration unsupported")
	ErrServiceNotFound        = errors.New("service not found")
)

var taxonomy = []error{
	ErrUserCancelled,
	ErrPermissionDenied,
	ErrTransportUnavailable,
	ErrOutOfRange,
	ErrConnectTimeout,
	ErrSendTimeout,
	ErrDisconnectedMidTransfer,
	ErrProtocol,
	ErrNotConnected,
}

// IsCancelled reports whether err is a user cancellation rather than a
// failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrUserCancelled)
}

// classify maps an adapter error into the taxonomy. Errors already in the
// taxonomy pass through; deadline errors become timeout; anything else is a
// protocol error carrying the original text.
func classify(err error, timeout error) error {
	if err == nil {
		return nil
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeout
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}
