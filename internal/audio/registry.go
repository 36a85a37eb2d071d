// Package audio routes dongle PCM to per-stream players: a decode-type
// registry, a lock-free sample ring per stream, and a worklet-style
// consumer with preroll, ramp, and adaptive buffering. The audible sink
// is host-provided; this package guarantees what comes out of Render.
package audio

import "github.com/go-audio/audio"

// StreamFormat describes the PCM layout of one dongle decode type.
type StreamFormat struct {
	Mime     string
	Format   *audio.Format
	BitDepth int
}

// SampleRate returns the stream sample rate in Hz.
func (f StreamFormat) SampleRate() int { return f.Format.SampleRate }

// Channels returns the interleaved channel count.
func (f StreamFormat) Channels() int { return f.Format.NumChannels }

// decodeTypes is the closed mapping from the wire decodeType byte to PCM
// metadata, pinned against the CPC200 firmware in use. Types outside the
// table are dropped by the pipeline and reported once.
var decodeTypes = map[int]StreamFormat{
	1: {"audio/pcm", &audio.Format{SampleRate: 44100, NumChannels: 2}, 16},
	2: {"audio/pcm", &audio.Format{SampleRate: 44100, NumChannels: 2}, 16},
	3: {"audio/pcm", &audio.Format{SampleRate: 8000, NumChannels: 1}, 16},
	4: {"audio/pcm", &audio.Format{SampleRate: 48000, NumChannels: 2}, 16},
	5: {"audio/pcm", &audio.Format{SampleRate: 16000, NumChannels: 1}, 16},
	6: {"audio/pcm", &audio.Format{SampleRate: 24000, NumChannels: 1}, 16},
	7: {"audio/pcm", &audio.Format{SampleRate: 16000, NumChannels: 2}, 16},
}

// LookupDecodeType resolves a wire decodeType to its PCM format.
func LookupDecodeType(decodeType int) (StreamFormat, bool) {
	f, ok := decodeTypes[decodeType]
	return f, ok
}

// MicDecodeType is the decode type the head unit uses for upstream
// microphone PCM (16 kHz mono).
const MicDecodeType = 5

// Audio types with a dedicated navigation volume channel.
const (
	AudioTypeNavStart = 2
	AudioTypeNavCont  = 3
)

// StreamKey identifies one PCM stream: the decode format plus the
// dongle's audio channel class.
type StreamKey struct {
	DecodeType int
	AudioType  int
}

// IsNav reports whether the stream is turn-by-turn guidance, which rides
// its own volume channel.
func (k StreamKey) IsNav() bool {
	return k.AudioType == AudioTypeNavStart || k.AudioType == AudioTypeNavCont
}
