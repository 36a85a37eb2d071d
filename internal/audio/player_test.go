package audio

import (
	"testing"
)

func TestPlayer_WritePCMConvertsLittleEndian(t *testing.T) {
	t.Parallel()
	pl := NewPlayer(StreamKey{DecodeType: 5, AudioType: 1}, monoFormat(16000), nil)
	// 0x0102 and -2 little-endian.
	n := pl.WritePCM([]byte{0x02, 0x01, 0xFE, 0xFF})
	if n != 2 {
		t.Fatalf("wrote %d samples", n)
	}
	out := make([]int16, 2)
	pl.Ring.Read(out)
	if out[0] != 0x0102 || out[1] != -2 {
		t.Errorf("samples = %v", out)
	}
}

func TestPlayer_WritePCMDropsOddTrailingByte(t *testing.T) {
	t.Parallel()
	pl := NewPlayer(StreamKey{DecodeType: 5, AudioType: 1}, monoFormat(16000), nil)
	if n := pl.WritePCM([]byte{1, 0, 2}); n != 1 {
		t.Errorf("wrote %d samples, want 1", n)
	}
}

func TestPlayer_VolumeAppliedDuringRender(t *testing.T) {
	t.Parallel()
	pl := NewPlayer(StreamKey{DecodeType: 5, AudioType: 1}, monoFormat(16000), nil)
	pl.Worklet.SetRampMs(0)
	pl.SetVolume(0.5, 0, 0)

	// 16kHz mono base preroll is 1 quantum.
	pcm := make([]byte, 2*FramesPerQuantum)
	for i := 0; i < FramesPerQuantum; i++ {
		pcm[2*i] = 0xE8 // 1000 LE
		pcm[2*i+1] = 0x03
	}
	pl.WritePCM(pcm)

	out := make([]int16, FramesPerQuantum)
	pl.Render(out)
	if out[0] != 500 || out[FramesPerQuantum-1] != 500 {
		t.Errorf("volume not applied: %d .. %d", out[0], out[FramesPerQuantum-1])
	}
}

func TestPlayer_DelayedVolumeApply(t *testing.T) {
	t.Parallel()
	pl := NewPlayer(StreamKey{DecodeType: 3, AudioType: 2}, monoFormat(8000), nil)
	pl.Worklet.SetRampMs(0)

	// 10ms at 8kHz = 80 frames of old gain before the new one lands.
	pl.SetVolume(0.5, 0, 10)

	pcm := make([]byte, 2*FramesPerQuantum)
	for i := 0; i < FramesPerQuantum; i++ {
		pcm[2*i] = 0xE8
		pcm[2*i+1] = 0x03
	}
	pl.WritePCM(pcm)

	out := make([]int16, FramesPerQuantum)
	pl.Render(out)
	if out[0] != 1000 {
		t.Errorf("frame 0 = %d, want pre-delay gain 1000", out[0])
	}
	if out[80] != 500 || out[127] != 500 {
		t.Errorf("post-delay frames = %d %d, want 500", out[80], out[127])
	}
}
