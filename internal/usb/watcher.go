package usb

import (
	"context"
	"log/slog"
	"time"
)

// EventKind is a hot-plug transition for the set of known dongle ids.
type EventKind int

const (
	Attached EventKind = iota
	Detached
)

func (k EventKind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// defaultPollInterval is how often the watcher samples the bus. libusb
// hotplug callbacks are not available on every platform the head unit
// targets, so presence is polled.
const defaultPollInterval = 500 * time.Millisecond

// Watcher polls for dongle presence and emits serialized Attached and
// Detached events. Duplicate observations are filtered against the last
// known state, so consumers see strict alternation.
type Watcher struct {
	log     *slog.Logger
	present func() bool
	poll    time.Duration
	events  chan EventKind
	last    bool
}

// NewWatcher creates a Watcher around a presence probe. poll <= 0 uses
// the default interval. Events must be drained by a single consumer; the
// channel holds a small backlog, and once it is full the poller waits for
// the consumer (or for cancellation) before sampling again.
func NewWatcher(present func() bool, poll time.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Watcher{
		log:     log.With("component", "usb-watcher"),
		present: present,
		poll:    poll,
		events:  make(chan EventKind, 8),
	}
}

// Events returns the hot-plug event channel. Closed when Run returns.
func (w *Watcher) Events() <-chan EventKind {
	return w.events
}

// Run polls until the context is cancelled. The initial state is sampled
// immediately, so a dongle already on the bus yields an Attached event at
// startup.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		now := w.present()
		if now != w.last {
			w.last = now
			ev := Detached
			if now {
				ev = Attached
			}
			w.log.Info("dongle presence changed", "event", ev.String())
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
