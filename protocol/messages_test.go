package protocol

import (
	"bytes"
	"math"
	"reflect"
	"testing"
)

// marshalPayload frames msg and returns just the payload bytes.
func marshalPayload(t *testing.T, msg Message) []byte {
	t.Helper()
	b, err := Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b[HeaderSize:]
}

// decodeBack runs a marshalled frame through header + payload decode.
func decodeBack(t *testing.T, msg Message) Message {
	t.Helper()
	b, err := Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	h, err := DecodeHeader(b[:HeaderSize], 0)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodePayload(h, b[HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTouchEncoding(t *testing.T) {
	t.Parallel()
	payload := marshalPayload(t, &Touch{X: 0.25, Y: 0.5, Action: TouchDown})
	want := []byte{
		0x00, 0x00, 0x80, 0x3E, // 0.25f LE
		0x00, 0x00, 0x00, 0x3F, // 0.5f LE
		0x00, 0x00, 0x00, 0x00, // Down
	}
	if !bytes.Equal(payload, want) {
		t.Errorf("payload = % X, want % X", payload, want)
	}
}

func TestAudioData_TailDispatch(t *testing.T) {
	t.Parallel()
	head := func(tail ...byte) []byte {
		b := make([]byte, 12, 12+len(tail))
		b[0] = 5                            // decodeType
		b[8] = 1                            // audioType
		copy(b[4:8], []byte{0, 0, 0x80, 0x3F}) // volume 1.0f
		return append(b, tail...)
	}
	h := Header{Type: typeAudioData}

	cases := []struct {
		name string
		data []byte
		want AudioData
	}{
		{"command", head(byte(AudioSiriStart)), AudioData{DecodeType: 5, Volume: 1, AudioType: 1, Command: AudioSiriStart}},
		{"volumeDuration", head(0xE8, 0x03, 0, 0), AudioData{DecodeType: 5, Volume: 1, AudioType: 1, VolumeDuration: 1000}},
		{"pcm", head(1, 2, 3, 4, 5, 6), AudioData{DecodeType: 5, Volume: 1, AudioType: 1, Data: []byte{1, 2, 3, 4, 5, 6}}},
		{"empty", head(), AudioData{DecodeType: 5, Volume: 1, AudioType: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := h
			h.Length = uint32(len(tc.data))
			got, err := DecodePayload(h, tc.data)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, &tc.want) {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestVideoData_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &VideoData{Width: 800, Height: 480, Flags: 1, Length: 6, Data: []byte{0, 0, 0, 1, 0x65, 0xAA}}
	out := decodeBack(t, in)
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestMultiTouch_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &MultiTouch{Touches: []TouchItem{
		{ID: 0, X: 0.1, Y: 0.2, Action: TouchDown},
		{ID: 1, X: 0.9, Y: 0.8, Action: TouchMove},
	}}
	out := decodeBack(t, in)
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestOpened_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &Open{Width: 800, Height: 480, VideoFrameRate: 60, Format: 5, PacketMax: 49152, IBoxVersion: 2, PhoneWorkMode: 2}
	out := decodeBack(t, in)
	want := &Opened{Width: 800, Height: 480, Fps: 60, Format: 5, PacketMax: 49152, IBoxVersion: 2, PhoneWorkMode: 2}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %+v, want %+v", out, want)
	}
}

func TestSendFile_Layout(t *testing.T) {
	t.Parallel()
	payload := marshalPayload(t, &SendFile{Name: "/tmp/screen_dpi", Content: []byte{0x8C, 0, 0, 0}})
	nameLen := int(payload[0])
	if nameLen != len("/tmp/screen_dpi")+1 {
		t.Errorf("name length = %d", nameLen)
	}
	if payload[4+nameLen-1] != 0 {
		t.Error("file name not null-terminated")
	}
	content := payload[4+nameLen+4:]
	if !bytes.Equal(content, []byte{0x8C, 0, 0, 0}) {
		t.Errorf("content = % X", content)
	}
}

func TestMediaData_Variants(t *testing.T) {
	t.Parallel()
	bag := decodeBack(t, &MediaData{Type: MediaTypeData, Media: []byte(`{"MediaSongName":"x"}`)})
	if m := bag.(*MediaData); string(m.Media) != `{"MediaSongName":"x"}` {
		t.Errorf("media bag = %q", m.Media)
	}
	img := decodeBack(t, &MediaData{Type: MediaTypeAlbumCover, AlbumCover: []byte{0xFF, 0xD8, 0x00, 0x01}})
	if m := img.(*MediaData); !bytes.Equal(m.AlbumCover, []byte{0xFF, 0xD8, 0x00, 0x01}) {
		t.Errorf("album cover = % X", m.AlbumCover)
	}
}

func TestUnknownType_Preserved(t *testing.T) {
	t.Parallel()
	h := Header{Type: 0x7F, Length: 3}
	got, err := DecodePayload(h, []byte{9, 8, 7})
	if err != nil {
		t.Fatal(err)
	}
	u, ok := got.(*Unknown)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if u.Type != 0x7F || !bytes.Equal(u.Data, []byte{9, 8, 7}) {
		t.Errorf("unknown = %+v", u)
	}
}

func TestPlugged_Variants(t *testing.T) {
	t.Parallel()
	h := Header{Type: typePlugged, Length: 4}
	got, err := DecodePayload(h, []byte{3, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if p := got.(*Plugged); p.PhoneType != PhoneTypeCarPlay || p.WifiAvail {
		t.Errorf("plugged = %+v", p)
	}
	h.Length = 8
	got, err = DecodePayload(h, []byte{5, 0, 0, 0, 1, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if p := got.(*Plugged); p.PhoneType != PhoneTypeAndroidAuto || !p.WifiAvail {
		t.Errorf("plugged = %+v", p)
	}
}

func TestVolumeFloat(t *testing.T) {
	t.Parallel()
	payload := marshalPayload(t, &AudioData{DecodeType: 1, Volume: 0.5, AudioType: 2})
	bits := uint32(payload[4]) | uint32(payload[5])<<8 | uint32(payload[6])<<16 | uint32(payload[7])<<24
	if math.Float32frombits(bits) != 0.5 {
		t.Errorf("volume bits = %08X", bits)
	}
}
