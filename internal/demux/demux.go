// Package demux splits decoded protocol messages by kind onto typed
// subscriber sinks: video to a single-slot latest-wins cell drained by
// the decode task, audio and metadata and commands pushed straight
// through. Dispatch never blocks the transport reader.
package demux

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wikilift/pi-carplay/protocol"
)

// VideoCell is the latest-wins hand-off between the reader task and the
// video decode task. A new frame arriving before the previous one was
// taken replaces it; the decode task never sees a backlog.
type VideoCell struct {
	mu     sync.Mutex
	msg    *protocol.VideoData
	signal chan struct{}
}

// NewVideoCell creates an empty cell.
func NewVideoCell() *VideoCell {
	return &VideoCell{signal: make(chan struct{}, 1)}
}

// Put stores the frame, dropping any unconsumed predecessor.
func (c *VideoCell) Put(msg *protocol.VideoData) {
	c.mu.Lock()
	c.msg = msg
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is available or the context ends.
func (c *VideoCell) Next(ctx context.Context) (*protocol.VideoData, error) {
	for {
		c.mu.Lock()
		msg := c.msg
		c.msg = nil
		c.mu.Unlock()
		if msg != nil {
			return msg, nil
		}
		select {
		case <-c.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Handlers are the demux subscriber sinks. Video is omitted: it rides the
// cell. Any nil handler drops its class of message.
type Handlers struct {
	Audio   func(*protocol.AudioData)
	Media   func(*protocol.MediaData)
	Command func(*protocol.Command)
	// Control receives everything that is not media or input: Plugged,
	// Unplugged, BoxInfo, Phase, version strings, Unknown.
	Control func(protocol.Message)
}

// Demux fans decoded messages out by kind.
type Demux struct {
	log      *slog.Logger
	video    *VideoCell
	handlers Handlers
}

// New creates a Demux delivering video into cell and the rest to h.
func New(cell *VideoCell, h Handlers, log *slog.Logger) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{
		log:      log.With("component", "demux"),
		video:    cell,
		handlers: h,
	}
}

// Dispatch routes one decoded message. Called from the USB reader task;
// must not block, and does not.
func (d *Demux) Dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.VideoData:
		d.video.Put(m)
	case *protocol.AudioData:
		if d.handlers.Audio != nil {
			d.handlers.Audio(m)
		}
	case *protocol.MediaData:
		if d.handlers.Media != nil {
			d.handlers.Media(m)
		}
	case *protocol.Command:
		if d.handlers.Command != nil {
			d.handlers.Command(m)
		}
	case *protocol.Unknown:
		d.log.Debug("unknown message type", "type", m.Type, "len", len(m.Data))
		if d.handlers.Control != nil {
			d.handlers.Control(m)
		}
	default:
		if d.handlers.Control != nil {
			d.handlers.Control(msg)
		}
	}
}
