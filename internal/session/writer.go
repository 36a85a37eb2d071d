package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wikilift/pi-carplay/protocol"
)

// Category classifies outbound frames for the queue's overflow policy.
type Category int

const (
	// CatControl frames (handshake, config, commands) never drop; queue
	// overflow on this category is a session failure.
	CatControl Category = iota
	// CatTouch frames coalesce: successive Move-only frames collapse and
	// the oldest touch drops first on overflow.
	CatTouch
	// CatMicAudio frames are real-time: oldest drops first on overflow.
	CatMicAudio
)

// defaultQueueDepth bounds the writer queue. Control traffic is tiny;
// the depth mostly absorbs touch and mic bursts.
const defaultQueueDepth = 256

// drainGrace bounds how long Stop waits for in-flight writes.
const drainGrace = 200 * time.Millisecond

// ErrQueueOverflow reports a full queue on a non-droppable category.
var ErrQueueOverflow = errors.New("writer queue overflow")

type outFrame struct {
	cat      Category
	moveOnly bool
	msg      protocol.Message
}

// frameWriter is the byte sink the writer drains into (the bulk-out
// endpoint in production).
type frameWriter interface {
	Write(p []byte) (int, error)
}

// Writer serializes outbound frames from every producer onto the single
// bulk-out endpoint. Producers post without blocking; one task drains.
type Writer struct {
	log     *slog.Logger
	dev     frameWriter
	onFatal func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outFrame
	max    int
	closed bool
}

// NewWriter creates the queue. onFatal is invoked (once per incident)
// when a control frame cannot be queued or a device write fails.
func NewWriter(dev frameWriter, onFatal func(error), log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	w := &Writer{
		log:     log.With("component", "usb-writer"),
		dev:     dev,
		onFatal: onFatal,
		max:     defaultQueueDepth,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Post queues one frame. moveOnly marks a touch frame containing only
// Move actions, making it eligible for coalescing with its predecessor.
// Never blocks.
func (w *Writer) Post(cat Category, msg protocol.Message, moveOnly bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	// Coalesce successive Move-only touch frames: the newest position is
	// the only one that matters, and Down/Up boundaries are preserved
	// because only a moveOnly tail is replaced.
	if cat == CatTouch && moveOnly && len(w.queue) > 0 {
		tail := &w.queue[len(w.queue)-1]
		if tail.cat == CatTouch && tail.moveOnly {
			tail.msg = msg
			return
		}
	}

	if len(w.queue) >= w.max {
		if cat == CatControl {
			// Control frames never drop: a queue this backed up means
			// the device stopped consuming, which is fatal.
			w.log.Error("queue overflow on control frame")
			go w.onFatal(ErrQueueOverflow)
			return
		}
		if !w.dropOldest(cat) {
			// Nothing of this category queued: drop the incoming frame.
			w.log.Debug("dropped incoming frame on overflow", "category", int(cat))
			return
		}
	}
	w.queue = append(w.queue, outFrame{cat: cat, moveOnly: moveOnly, msg: msg})
	w.cond.Signal()
}

// dropOldest removes the oldest queued frame of the same category.
func (w *Writer) dropOldest(cat Category) bool {
	for i, f := range w.queue {
		if f.cat == cat {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			w.log.Debug("dropped oldest frame on overflow", "category", int(cat))
			return true
		}
	}
	return false
}

// Depth returns the queued frame count.
func (w *Writer) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run drains the queue to the device until the context ends. Returns nil
// on cancellation, or the write error that stopped it.
func (w *Writer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}()

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return nil
		}
		frame := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		b, err := protocol.Marshal(frame.msg)
		if err != nil {
			w.log.Error("marshal failed", "type", frame.msg.WireType(), "error", err)
			continue
		}
		if _, err := w.dev.Write(b); err != nil {
			w.onFatal(err)
			return err
		}
	}
}

// Drain waits up to the grace period for the queue to empty. Used by
// session stop before the device handle is force-closed.
func (w *Writer) Drain() {
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		if w.Depth() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.log.Warn("abandoning queued writes after grace period", "pending", w.Depth())
}
