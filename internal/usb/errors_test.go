package usb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/gousb"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		gone bool
	}{
		{"libusb no device", gousb.ErrorNoDevice, true},
		{"libusb not found", gousb.ErrorNotFound, true},
		{"transfer no device", gousb.TransferNoDevice, true},
		{"io error", gousb.ErrorIO, false},
		{"pipe error", gousb.ErrorPipe, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify("read", tc.err)
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("classify returned %T", err)
			}
			if got := ue.Kind == KindDeviceGone; got != tc.gone {
				t.Errorf("gone = %v, want %v", got, tc.gone)
			}
			if IsDeviceGone(err) != tc.gone {
				t.Errorf("IsDeviceGone = %v, want %v", IsDeviceGone(err), tc.gone)
			}
			if !errors.Is(err, tc.err) {
				t.Error("wrapped error lost")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	if classify("read", nil) != nil {
		t.Error("nil must classify to nil")
	}
}

func TestIsDeviceGone_Wrapped(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("session: %w", classify("write", gousb.TransferNoDevice))
	if !IsDeviceGone(err) {
		t.Error("classification lost through wrapping")
	}
}
