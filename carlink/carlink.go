// Package carlink assembles the dongle core: one CarLink value owns the
// session, the media pipelines, the microphone bridge, and the input
// encoders, exposing an upward event stream and a downward command
// surface. Hosts construct it with their decoder, renderer, and audio
// sink; nothing in here is a process-wide singleton.
package carlink

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wikilift/pi-carplay/config"
	"github.com/wikilift/pi-carplay/internal/audio"
	"github.com/wikilift/pi-carplay/internal/demux"
	"github.com/wikilift/pi-carplay/internal/input"
	"github.com/wikilift/pi-carplay/internal/mic"
	"github.com/wikilift/pi-carplay/internal/session"
	"github.com/wikilift/pi-carplay/internal/usb"
	"github.com/wikilift/pi-carplay/internal/video"
	"github.com/wikilift/pi-carplay/media"
	"github.com/wikilift/pi-carplay/protocol"
)

// ErrInvalidKey rejects key values outside the closed command set.
var ErrInvalidKey = errors.New("key command outside the closed set")

// Options wires the host's surfaces into the core. OpenDevice is
// required; every other collaborator is optional and degrades to a
// logged no-op.
type Options struct {
	Config      *config.DongleConfig
	OpenDevice  func() (session.Transport, error)
	Decoder     video.Decoder
	Renderers   map[video.RendererKind]video.Candidate
	AudioSink   audio.Sink
	MicBackend  mic.Backend
	MicDumpPath string
	// Watch delivers transport hot-plug events; nil disables automatic
	// start/stop on attach/detach.
	Watch <-chan usb.EventKind
	// AutoConnect starts a session when the watcher reports an attach.
	AutoConnect bool
	Logger      *slog.Logger
}

// CarLink is the assembled core. Construct with New, drive with Run, and
// feed commands through the exported methods.
type CarLink struct {
	log  *slog.Logger
	opts Options

	sessMu    sync.RWMutex
	session   *session.Session
	audioPipe *audio.Pipeline
	videoPipe *video.Pipeline
	capture   *mic.Capture
	dmx       *demux.Demux
	cell      *demux.VideoCell

	events chan media.Event

	touchMu sync.Mutex
	tracker *input.MultiTouchTracker

	metaMu sync.Mutex
	meta   media.MediaMeta
}

// New assembles the core from the host's options.
func New(opts Options) *CarLink {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}

	c := &CarLink{
		log:     log.With("component", "carlink"),
		opts:    opts,
		events:  make(chan media.Event, media.EventBufferSize),
		tracker: input.NewMultiTouchTracker(),
	}

	c.audioPipe = audio.NewPipeline(opts.AudioSink, c.micController(), opts.Config.AudioTransferMode, c.emit, log)
	c.videoPipe = video.NewPipeline(opts.Decoder, opts.Renderers, int(opts.Config.Fps), c.emit, log)

	c.cell = demux.NewVideoCell()
	c.dmx = demux.New(c.cell, demux.Handlers{
		Audio:   c.audioPipe.HandleAudioData,
		Media:   c.handleMediaData,
		Command: c.handleCommand,
	}, log)

	c.session = session.New(opts.Config, opts.OpenDevice, c.dmx.Dispatch, c.emit, log)

	backend := opts.MicBackend
	if backend == nil {
		backend = mic.NoBackend{}
	}
	c.capture = mic.NewCapture(backend, func(m *protocol.AudioData) { c.sess().SendAudio(m) }, opts.MicDumpPath, log)
	return c
}

// sess returns the current session under the read lock; SetConfig swaps
// it.
func (c *CarLink) sess() *session.Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.session
}

// micController adapts the capture bridge for the audio pipeline's
// command routing, deferring construction order.
func (c *CarLink) micController() audio.MicController {
	return micHook{c}
}

type micHook struct{ c *CarLink }

func (h micHook) Start() error { return h.c.capture.Start() }
func (h micHook) Stop()        { h.c.capture.Stop() }

// Events is the upward stream. A slow consumer loses events rather than
// stalling the transport.
func (c *CarLink) Events() <-chan media.Event {
	return c.events
}

func (c *CarLink) emit(ev media.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped, consumer too slow")
	}
}

// Run drives the long-lived tasks: the video decode and render loops and
// the hot-plug reactions. Blocks until the context ends; the session is
// stopped on the way out.
func (c *CarLink) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	videoOn := c.opts.Decoder != nil && len(c.opts.Renderers) > 0
	if !videoOn {
		c.log.Warn("no video decoder or renderer, video frames dropped")
	}

	g.Go(func() error {
		if !videoOn {
			<-ctx.Done()
			return nil
		}
		for {
			msg, err := c.cell.Next(ctx)
			if err != nil {
				return nil
			}
			c.videoPipe.HandleVideoData(msg)
		}
	})

	g.Go(func() error {
		if !videoOn {
			return nil
		}
		err := c.videoPipe.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if c.opts.Watch != nil {
		g.Go(func() error {
			c.watchLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	c.Stop()
	return err
}

// watchLoop reacts to authoritative transport hot-plug events.
func (c *CarLink) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.opts.Watch:
			if !ok {
				return
			}
			switch ev {
			case usb.Attached:
				if c.opts.AutoConnect {
					if err := c.sess().Start(ctx); err != nil {
						c.log.Warn("auto start failed", "error", err)
					}
				}
			case usb.Detached:
				c.capture.Stop()
				c.sess().Stop()
			}
		}
	}
}

// Start brings the dongle session up. Concurrent calls coalesce.
func (c *CarLink) Start(ctx context.Context) error {
	return c.sess().Start(ctx)
}

// Stop tears the session down and quiesces capture. Idempotent.
func (c *CarLink) Stop() {
	c.capture.Stop()
	c.audioPipe.Close()
	c.sess().Stop()
}

// SendKey forwards a key command from the closed set.
func (c *CarLink) SendKey(value protocol.CommandValue) error {
	msg := input.Key(value)
	if msg == nil {
		return ErrInvalidKey
	}
	return c.sess().SendKey(msg.Value)
}

// SendTouch forwards a normalized single-touch event.
func (c *CarLink) SendTouch(x, y float64, action protocol.TouchAction) error {
	return c.sess().SendTouch(input.SingleTouch(x, y, action))
}

// TouchDown, TouchMove and TouchUp drive the multi-touch tracker; each
// produces a full-frame snapshot on the wire.
func (c *CarLink) TouchDown(pointerID int, x, y float64) error {
	c.touchMu.Lock()
	frame := c.tracker.Down(pointerID, x, y)
	c.touchMu.Unlock()
	return c.sess().SendMultiTouch(frame)
}

func (c *CarLink) TouchMove(pointerID int, x, y float64) error {
	c.touchMu.Lock()
	frame := c.tracker.Move(pointerID, x, y)
	c.touchMu.Unlock()
	if frame == nil {
		return nil
	}
	return c.sess().SendMultiTouch(frame)
}

func (c *CarLink) TouchUp(pointerID int) error {
	c.touchMu.Lock()
	frame := c.tracker.Up(pointerID)
	c.touchMu.Unlock()
	if frame == nil {
		return nil
	}
	return c.sess().SendMultiTouch(frame)
}

// SetConfig replaces the configuration. The session must be stopped
// first; configuration is an immutable snapshot per session.
func (c *CarLink) SetConfig(cfg *config.DongleConfig) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.session.State() != session.StateClosed {
		return session.ErrWrongState
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.opts.Config = cfg
	c.session = session.New(cfg, c.opts.OpenDevice, c.dmx.Dispatch, c.emit, c.log)
	return nil
}

// ForceReset resets the USB device, forcing re-enumeration.
func (c *CarLink) ForceReset() error {
	return c.sess().ForceReset()
}

// SetAudioVolume and SetNavVolume adjust the two volume channels.
func (c *CarLink) SetAudioVolume(v float32) { c.audioPipe.SetAudioVolume(v) }
func (c *CarLink) SetNavVolume(v float32)   { c.audioPipe.SetNavVolume(v) }

// handleMediaData folds partial metadata updates into the merged state
// and emits the result.
func (c *CarLink) handleMediaData(msg *protocol.MediaData) {
	c.metaMu.Lock()
	c.meta = c.meta.Merge(msg)
	merged := c.meta
	c.metaMu.Unlock()
	c.emit(merged)
}

// handleCommand forwards dongle commands upward.
func (c *CarLink) handleCommand(msg *protocol.Command) {
	c.emit(media.Command{Value: msg.Value})
}
