package audio

import (
	"log/slog"
	"math"
	"sync/atomic"
)

// ringSeconds sizes each stream ring: enough to absorb scheduling jitter
// on the decode side without adding audible latency at the consumer.
const ringSeconds = 2

// gainRamp is a volume trajectory: linear from From to To over Frames
// frames, starting after Delay frames. The control side publishes a fresh
// ramp through the player's atomic pointer; the render side advances pos.
type gainRamp struct {
	From   float32
	To     float32
	Frames int32
	Delay  int32
	pos    atomic.Int32
}

// at returns the gain at frame position p.
func (r *gainRamp) at(p int32) float32 {
	switch {
	case p < r.Delay:
		return r.From
	case r.Frames == 0 || p >= r.Delay+r.Frames:
		return r.To
	default:
		return r.From + (r.To-r.From)*float32(p-r.Delay)/float32(r.Frames)
	}
}

// Player owns playback state for one (decodeType, audioType) stream: its
// ring, its worklet, and its volume trajectory.
type Player struct {
	Key     StreamKey
	Format  StreamFormat
	Ring    *Ring
	Worklet *Worklet

	log  *slog.Logger
	ramp atomic.Pointer[gainRamp]
}

// NewPlayer builds a player with a ring sized for the stream format.
func NewPlayer(key StreamKey, f StreamFormat, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	ring := NewRing(f.SampleRate() * f.Channels() * ringSeconds)
	p := &Player{
		Key:     key,
		Format:  f,
		Ring:    ring,
		Worklet: NewWorklet(ring, f),
		log: log.With("component", "audio-player",
			"decodeType", key.DecodeType, "audioType", key.AudioType),
	}
	p.ramp.Store(&gainRamp{From: 1, To: 1})
	return p
}

// WritePCM converts little-endian int16 bytes into the ring. A trailing
// odd byte is dropped. Returns samples accepted.
func (p *Player) WritePCM(data []byte) int {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	n := p.Ring.Write(samples)
	if n < len(samples) {
		p.log.Debug("ring full, dropped samples", "dropped", len(samples)-n)
	}
	return n
}

// SetVolume schedules a linear gain change over durationMs, starting
// after delayMs. Zero duration applies at the next rendered frame.
func (p *Player) SetVolume(target float32, durationMs, delayMs int) {
	cur := p.Gain()
	sr := p.Format.SampleRate()
	p.ramp.Store(&gainRamp{
		From:   cur,
		To:     target,
		Frames: int32(durationMs * sr / 1000),
		Delay:  int32(delayMs * sr / 1000),
	})
}

// Gain samples the current volume without advancing the ramp.
func (p *Player) Gain() float32 {
	r := p.ramp.Load()
	return r.at(r.pos.Load())
}

// Render fills out with the next block of samples, volume applied.
// Called from the host audio thread.
func (p *Player) Render(out []int16) {
	p.Worklet.Render(out)
	r := p.ramp.Load()
	channels := p.Format.Channels()
	frames := len(out) / channels
	pos := r.pos.Load()
	for f := 0; f < frames; f++ {
		g := r.at(pos)
		pos++
		if g == 1 {
			continue
		}
		for c := 0; c < channels; c++ {
			i := f*channels + c
			v := float32(out[i]) * g
			if v > math.MaxInt16 {
				v = math.MaxInt16
			} else if v < math.MinInt16 {
				v = math.MinInt16
			}
			out[i] = int16(v)
		}
	}
	r.pos.Store(pos)
}
