package usb

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// Transport-level sentinel errors.
var (
	ErrNoDevice    = errors.New("no dongle present")
	ErrNoEndpoints = errors.New("bulk endpoints not found")
	ErrClosed      = errors.New("device closed")
)

// Kind classifies a transport error for the session layer's recovery
// decision: a vanished device is a detach, anything else fatal ends the
// session.
type Kind int

const (
	// KindDeviceGone means the device left the bus mid-operation. The
	// session treats it like a transport detach, not a failure.
	KindDeviceGone Kind = iota
	// KindIoFatal means the device is still there but IO is broken.
	KindIoFatal
)

// Error wraps a low-level USB error with the operation that produced it
// and its recovery classification.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("usb %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err with op and a Kind derived from the underlying
// libusb code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindIoFatal
	if isGone(err) {
		kind = KindDeviceGone
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// isGone reports whether the error means the device has left the bus.
func isGone(err error) bool {
	return errors.Is(err, gousb.ErrorNoDevice) ||
		errors.Is(err, gousb.ErrorNotFound) ||
		errors.Is(err, gousb.TransferNoDevice) ||
		errors.Is(err, ErrNoDevice)
}

// IsDeviceGone reports whether err (at any wrap depth) classifies as the
// device having disappeared.
func IsDeviceGone(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindDeviceGone
	}
	return isGone(err)
}
