package video

import (
	"bytes"
	"testing"
)

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, u...)
	}
	return out
}

// A real 1280x720 High-profile SPS.
var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := annexB(
		[]byte{0x67, 0x42, 0xE0, 0x1E},
		[]byte{0x68, 0xCE, 0x38, 0x80},
		[]byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE},
	)
	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("units = %d, want 3", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS || nalus[1].Type != NALTypePPS || nalus[2].Type != NALTypeIDR {
		t.Errorf("types = %d %d %d", nalus[0].Type, nalus[1].Type, nalus[2].Type)
	}
}

func TestParseAnnexB3ByteStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("units = %d, want 2", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS || nalus[1].Type != NALTypeIDR {
		t.Errorf("types = %d %d", nalus[0].Type, nalus[1].Type)
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("nil input: %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("short input: %d units", len(nalus))
	}
}

func TestFindNALU(t *testing.T) {
	t.Parallel()
	data := annexB(sps720p, []byte{0x65, 0x88, 0x84})
	got := FindNALU(data, NALTypeSPS)
	if !bytes.Equal(got, sps720p) {
		t.Errorf("FindNALU(SPS) = % X", got)
	}
	if FindNALU(data, NALTypePPS) != nil {
		t.Error("found PPS in a stream without one")
	}
}

func TestIsKeyframe(t *testing.T) {
	t.Parallel()
	idr := annexB(sps720p, []byte{0x65, 0x88, 0x84})
	if !IsKeyframe(idr) {
		t.Error("IDR stream not flagged as keyframe")
	}
	p := annexB([]byte{0x41, 0x9A, 0x00})
	if IsKeyframe(p) {
		t.Error("P-slice stream flagged as keyframe")
	}
}

func TestParseSPS720p(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(sps720p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("geometry = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if got := info.CodecString(); got != "avc1.64001F" {
		t.Errorf("codec = %q", got)
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x67, 0x64, 0x00}); err == nil {
		t.Error("want error for too-short SPS")
	}
	if _, err := ParseSPS(nil); err == nil {
		t.Error("want error for nil SPS")
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	t.Parallel()
	in := []byte{0x00, 0x00, 0x03, 0x01, 0xAB}
	want := []byte{0x00, 0x00, 0x01, 0xAB}
	if got := removeEmulationPrevention(in); !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
	// 0x03 followed by a byte > 3 is not an emulation marker.
	in = []byte{0x00, 0x00, 0x03, 0xFF}
	if got := removeEmulationPrevention(in); !bytes.Equal(got, in) {
		t.Errorf("got % X, want unchanged", got)
	}
}

func TestStripVendorHeader(t *testing.T) {
	t.Parallel()
	stream := annexB([]byte{0x65, 0x88})
	withVendor := append(make([]byte, VendorHeaderSize), stream...)
	if got := StripVendorHeader(withVendor); !bytes.Equal(got, stream) {
		t.Errorf("vendor header not stripped: % X", got)
	}
	// Already-bare streams pass through.
	if got := StripVendorHeader(stream); !bytes.Equal(got, stream) {
		t.Errorf("bare stream modified: % X", got)
	}
}
