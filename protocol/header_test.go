package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeHeader_RoundTrip(t *testing.T) {
	t.Parallel()
	hdr := EncodeHeader(typeVideoData, 1234)
	h, err := DecodeHeader(hdr[:], 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != typeVideoData || h.Length != 1234 {
		t.Errorf("decoded %+v", h)
	}
	again := EncodeHeader(h.Type, h.Length)
	if !bytes.Equal(hdr[:], again[:]) {
		t.Errorf("re-encode mismatch: % X vs % X", hdr, again)
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	t.Parallel()
	if _, err := DecodeHeader(make([]byte, HeaderSize-1), 0); !errors.Is(err, ErrShortHeader) {
		t.Errorf("err = %v, want ErrShortHeader", err)
	}
}

func TestDecodeHeader_BadMagic(t *testing.T) {
	t.Parallel()
	hdr := EncodeHeader(typeCommand, 4)
	hdr[0] ^= 0xFF
	if _, err := DecodeHeader(hdr[:], 0); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeHeader_BadChecksum(t *testing.T) {
	t.Parallel()
	hdr := EncodeHeader(typeCommand, 4)
	hdr[12] ^= 0x01
	if _, err := DecodeHeader(hdr[:], 0); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("err = %v, want ErrBadChecksum", err)
	}
}

func TestDecodeHeader_TooBig(t *testing.T) {
	t.Parallel()
	hdr := EncodeHeader(typeVideoData, 512)
	if _, err := DecodeHeader(hdr[:], 256); !errors.Is(err, ErrFrameTooBig) {
		t.Errorf("err = %v, want ErrFrameTooBig", err)
	}
}
