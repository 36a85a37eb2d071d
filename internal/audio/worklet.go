package audio

import "sync/atomic"

// FramesPerQuantum is the render block size, in frames.
const FramesPerQuantum = 128

// Default buffering parameters, in milliseconds.
const (
	DefaultPrerollMs = 8
	MaxPrerollMs     = 40
	DefaultRampMs    = 5
)

// Streak thresholds for adaptive preroll: short quanta this many times in
// a row raise the target; this many consecutive full quanta lower it back
// toward base.
const (
	softUnderrunLimit = 4
	stableQuantaLimit = 128
)

// Event is a playback state transition reported by the worklet.
type Event int

const (
	// EventUnderrun fires once when a stream runs completely dry and the
	// worklet re-primes at a raised target.
	EventUnderrun Event = iota
	// EventRecovered fires on the first full-quantum delivery after an
	// underrun.
	EventRecovered
)

// Worklet is the render-side consumer of one PCM ring. Render executes on
// the audio-driver thread; everything it shares with other threads is
// either the ring's atomic indices or the parameter mailboxes below.
//
// The contract: silence until the preroll target is buffered, a linear
// ramp from the last held sample across any discontinuity, last-sample
// hold for short quanta, and a preroll target that adapts to observed
// underruns.
type Worklet struct {
	ring       *Ring
	channels   int
	sampleRate int

	basePreroll   int // quanta
	targetPreroll int
	maxPreroll    int

	rampFrames int
	rampPos    int
	rampActive bool
	rampFrom   []int16

	hold    []int16
	priming bool
	underrunActive bool

	softStreak   int
	stableStreak int

	// Parameter mailboxes written by the control thread, consumed at the
	// top of Render. Stored as ms+1 so a pending zero is distinguishable
	// from no change.
	pendingPrerollMs atomic.Int32
	pendingRampMs    atomic.Int32

	events chan Event
}

// NewWorklet builds the consumer for one stream ring.
func NewWorklet(ring *Ring, f StreamFormat) *Worklet {
	w := &Worklet{
		ring:       ring,
		channels:   f.Channels(),
		sampleRate: f.SampleRate(),
		hold:       make([]int16, f.Channels()),
		rampFrom:   make([]int16, f.Channels()),
		priming:    true,
		events:     make(chan Event, 8),
	}
	w.basePreroll = w.prerollQuanta(DefaultPrerollMs)
	w.targetPreroll = w.basePreroll
	w.maxPreroll = w.prerollQuanta(MaxPrerollMs)
	w.rampFrames = w.rampFrameCount(DefaultRampMs)
	return w
}

// prerollQuanta converts a preroll duration to whole render quanta,
// rounding up.
func (w *Worklet) prerollQuanta(ms int) int {
	num := ms * w.sampleRate
	den := 1000 * FramesPerQuantum
	q := (num + den - 1) / den
	if q < 1 {
		q = 1
	}
	return q
}

func (w *Worklet) rampFrameCount(ms int) int {
	return ms * w.sampleRate / 1000
}

// Events delivers underrun/recovered transitions. The send never blocks
// the audio thread; a full channel drops the event.
func (w *Worklet) Events() <-chan Event {
	return w.events
}

// SetPrerollMs requests a new working preroll target. It only ever raises
// the target, and never below the base derived from the default.
func (w *Worklet) SetPrerollMs(ms int) {
	if ms < 0 {
		ms = 0
	}
	w.pendingPrerollMs.Store(int32(ms) + 1)
}

// SetRampMs requests a new crossfade length. Zero disables the crossfade.
func (w *Worklet) SetRampMs(ms int) {
	if ms < 0 {
		ms = 0
	}
	w.pendingRampMs.Store(int32(ms) + 1)
}

// TargetPrerollQuanta returns the current working target. Render-thread
// state; test and diagnostic use only.
func (w *Worklet) TargetPrerollQuanta() int {
	return w.targetPreroll
}

func (w *Worklet) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

func (w *Worklet) applyPending() {
	if enc := w.pendingPrerollMs.Swap(0); enc > 0 {
		t := w.prerollQuanta(int(enc - 1))
		if t > w.targetPreroll {
			w.targetPreroll = t
		}
		if w.targetPreroll > w.maxPreroll {
			w.targetPreroll = w.maxPreroll
		}
	}
	if enc := w.pendingRampMs.Swap(0); enc > 0 {
		w.rampFrames = w.rampFrameCount(int(enc - 1))
	}
}

// startRamp freezes the held frame as the crossfade origin.
func (w *Worklet) startRamp() {
	copy(w.rampFrom, w.hold)
	w.rampPos = 0
	w.rampActive = w.rampFrames > 0
}

// fillHold writes the last emitted frame across the whole output.
func (w *Worklet) fillHold(out []int16) {
	for i := range out {
		out[i] = w.hold[i%w.channels]
	}
}

// Render produces one block of interleaved samples. Called by the host's
// audio driver at quantum cadence; out is normally
// FramesPerQuantum*channels long, but any length is handled, clamped to a
// whole number of frames.
func (w *Worklet) Render(out []int16) {
	w.applyPending()

	want := (len(out) / w.channels) * w.channels
	// Anything past the last whole frame holds the previous sample.
	for i := want; i < len(out); i++ {
		out[i] = w.hold[i%w.channels]
	}
	out = out[:want]
	if want == 0 {
		return
	}

	if w.priming {
		if w.ring.Available() >= w.targetPreroll*FramesPerQuantum*w.channels {
			w.priming = false
			w.startRamp()
		} else {
			for i := range out {
				out[i] = 0
			}
			return
		}
	}

	aligned := (w.ring.Available() / w.channels) * w.channels
	if aligned == 0 {
		// Hard underrun: hold the last sample, raise the target, and go
		// back to priming until the new target is buffered.
		w.fillHold(out)
		if !w.underrunActive {
			w.underrunActive = true
			if w.targetPreroll < w.maxPreroll {
				w.targetPreroll++
			}
			w.emit(EventUnderrun)
		}
		w.priming = true
		w.softStreak = 0
		w.stableStreak = 0
		return
	}

	n := aligned
	if n > want {
		n = want
	}
	w.ring.Read(out[:n])
	w.applyRamp(out[:n])
	copy(w.hold, out[n-w.channels:n])

	if n < want {
		// Short quantum: clickless pad with the last emitted frame.
		for i := n; i < want; i++ {
			out[i] = w.hold[(i-n)%w.channels]
		}
		w.softStreak++
		w.stableStreak = 0
		if w.softStreak >= softUnderrunLimit {
			w.softStreak = 0
			if w.targetPreroll < w.maxPreroll {
				w.targetPreroll++
			}
		}
		return
	}

	w.softStreak = 0
	w.stableStreak++
	if w.underrunActive {
		w.underrunActive = false
		w.emit(EventRecovered)
	}
	if w.stableStreak >= stableQuantaLimit && w.targetPreroll > w.basePreroll {
		w.targetPreroll--
		w.stableStreak = 0
	}
}

// applyRamp crossfades from the frozen held frame into the live stream.
func (w *Worklet) applyRamp(out []int16) {
	if !w.rampActive {
		return
	}
	frames := len(out) / w.channels
	for f := 0; f < frames && w.rampPos < w.rampFrames; f++ {
		alpha := float64(w.rampPos+1) / float64(w.rampFrames)
		for c := 0; c < w.channels; c++ {
			i := f*w.channels + c
			mixed := float64(w.rampFrom[c])*(1-alpha) + float64(out[i])*alpha
			out[i] = int16(mixed)
		}
		w.rampPos++
	}
	if w.rampPos >= w.rampFrames {
		w.rampActive = false
	}
}
