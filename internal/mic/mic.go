// Package mic bridges the OS capture device to the dongle: a continuous
// 16 kHz mono int16 producer whose chunks are framed as upstream
// AudioData messages. Capture backends are pluggable; a host without one
// degrades to a no-op.
package mic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/wikilift/pi-carplay/internal/audio"
	"github.com/wikilift/pi-carplay/protocol"
)

// Capture format: the dongle expects 16 kHz mono for upstream audio.
const (
	SampleRate = 16000
	Channels   = 1
)

// chunkBytes is one upstream frame: 20 ms of samples.
const chunkBytes = SampleRate / 50 * 2

// ErrNoCaptureDevice is returned by a Backend with nothing to record
// from; Start treats it as a no-op rather than a failure.
var ErrNoCaptureDevice = errors.New("no capture device")

// Backend opens an OS capture endpoint producing little-endian int16 PCM
// at the requested rate.
type Backend interface {
	Open(sampleRate, channels int) (io.ReadCloser, error)
}

// NoBackend is the null capture backend for hosts without audio input.
type NoBackend struct{}

func (NoBackend) Open(int, int) (io.ReadCloser, error) {
	return nil, ErrNoCaptureDevice
}

// State is the capture lifecycle state, visible for tests and diagnostics.
type State int

const (
	Stopped State = iota
	Running
)

// Capture owns the microphone producer task. Start is idempotent in the
// replace sense: a second Start tears down the previous producer and
// begins a fresh one. Stop is idempotent. Capture failures surface as an
// internal stop, never as a session failure.
type Capture struct {
	log     *slog.Logger
	backend Backend
	send    func(*protocol.AudioData)

	mu     sync.Mutex
	cancel context.CancelFunc
	reader io.ReadCloser
	done   chan struct{}
	state  State

	dump *wavDump
}

// NewCapture builds the capture bridge. send receives each upstream chunk
// in order; dumpPath, when non-empty, mirrors captured PCM into a WAV
// file for debugging.
func NewCapture(backend Backend, send func(*protocol.AudioData), dumpPath string, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	c := &Capture{
		log:     log.With("component", "mic"),
		backend: backend,
		send:    send,
	}
	if dumpPath != "" {
		c.dump = newWavDump(dumpPath, c.log)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins capture, replacing any previous producer. A backend with
// no capture device makes Start a successful no-op.
func (c *Capture) Start() error {
	c.Stop()

	reader, err := c.backend.Open(SampleRate, Channels)
	if err != nil {
		if errors.Is(err, ErrNoCaptureDevice) {
			c.log.Info("no capture device, microphone idle")
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.reader = reader
	c.done = done
	c.state = Running
	c.mu.Unlock()

	c.log.Info("microphone capture started", "rate", SampleRate, "channels", Channels)
	go c.run(ctx, reader, done)
	return nil
}

// Stop terminates the producer and releases the device. Safe to call in
// any state, any number of times.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	reader := c.reader
	done := c.done
	c.cancel = nil
	c.reader = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	// Closing the device unblocks a read in flight; backends must
	// tolerate Close racing Read.
	reader.Close()
	<-done
}

// run is the producer task: fixed-size chunks from the reader, framed and
// sent in capture order until cancelled or the device fails.
func (c *Capture) run(ctx context.Context, reader io.ReadCloser, done chan struct{}) {
	defer func() {
		reader.Close()
		if c.dump != nil {
			c.dump.flush()
		}
		c.mu.Lock()
		c.state = Stopped
		c.mu.Unlock()
		close(done)
		c.log.Info("microphone capture stopped")
	}()

	buf := make([]byte, chunkBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := io.ReadFull(reader, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if c.dump != nil {
				c.dump.write(chunk)
			}
			c.send(&protocol.AudioData{
				DecodeType: audio.MicDecodeType,
				Volume:     1,
				AudioType:  0,
				Data:       chunk,
			})
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.log.Error("capture read failed", "error", err)
			}
			return
		}
	}
}
