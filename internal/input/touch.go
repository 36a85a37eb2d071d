// Package input normalizes host pointer and key events into protocol
// messages: clamped single-touch, full-frame multi-touch snapshots with
// stable slot ids, and the closed key-command set.
package input

import (
	"math"
	"sort"

	"github.com/wikilift/pi-carplay/protocol"
)

// clamp01 forces a coordinate into [0,1]; NaN and infinities become 0.
func clamp01(v float64) float32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return float32(v)
}

// SingleTouch builds a single-pointer Touch message with normalized,
// clamped coordinates.
func SingleTouch(x, y float64, action protocol.TouchAction) *protocol.Touch {
	return &protocol.Touch{X: clamp01(x), Y: clamp01(y), Action: action}
}

type pointer struct {
	slot uint32
	x    float32
	y    float32
}

// MultiTouchTracker maps host pointer ids to wire slot ids and emits a
// full-frame snapshot on every update: all active pointers at their
// current positions, with the changed pointer's action overriding the
// default Move. Slots are allocated at pointer-down, stay stable for the
// pointer's lifetime, and the smallest free slot is reused after release.
type MultiTouchTracker struct {
	active map[int]*pointer
}

// NewMultiTouchTracker creates an empty tracker.
func NewMultiTouchTracker() *MultiTouchTracker {
	return &MultiTouchTracker{active: make(map[int]*pointer)}
}

// nextSlot returns the smallest slot id not held by an active pointer.
func (t *MultiTouchTracker) nextSlot() uint32 {
	used := make(map[uint32]bool, len(t.active))
	for _, p := range t.active {
		used[p.slot] = true
	}
	for slot := uint32(0); ; slot++ {
		if !used[slot] {
			return slot
		}
	}
}

// Down registers a new pointer and returns the snapshot announcing it.
// A Down for an already-active pointer updates it in place.
func (t *MultiTouchTracker) Down(pointerID int, x, y float64) *protocol.MultiTouch {
	p, ok := t.active[pointerID]
	if !ok {
		p = &pointer{slot: t.nextSlot()}
		t.active[pointerID] = p
	}
	p.x, p.y = clamp01(x), clamp01(y)
	return t.snapshot(pointerID, protocol.TouchDown)
}

// Move updates a pointer's position. Unknown pointers are ignored and
// yield no frame.
func (t *MultiTouchTracker) Move(pointerID int, x, y float64) *protocol.MultiTouch {
	p, ok := t.active[pointerID]
	if !ok {
		return nil
	}
	p.x, p.y = clamp01(x), clamp01(y)
	return t.snapshot(pointerID, protocol.TouchMove)
}

// Up releases a pointer. The snapshot still includes it, action Up, so
// the dongle sees the final position; the slot frees afterwards.
func (t *MultiTouchTracker) Up(pointerID int) *protocol.MultiTouch {
	if _, ok := t.active[pointerID]; !ok {
		return nil
	}
	frame := t.snapshot(pointerID, protocol.TouchUp)
	delete(t.active, pointerID)
	return frame
}

// ActiveSlots returns the currently held slot ids, sorted.
func (t *MultiTouchTracker) ActiveSlots() []uint32 {
	slots := make([]uint32, 0, len(t.active))
	for _, p := range t.active {
		slots = append(slots, p.slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// snapshot builds the full-frame update, ordered by slot for a stable
// wire layout.
func (t *MultiTouchTracker) snapshot(changedID int, action protocol.TouchAction) *protocol.MultiTouch {
	ids := make([]int, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return t.active[ids[i]].slot < t.active[ids[j]].slot })

	frame := &protocol.MultiTouch{Touches: make([]protocol.TouchItem, 0, len(ids))}
	for _, id := range ids {
		p := t.active[id]
		a := protocol.TouchMove
		if id == changedID {
			a = action
		}
		frame.Touches = append(frame.Touches, protocol.TouchItem{
			ID:     p.slot,
			X:      p.x,
			Y:      p.y,
			Action: a,
		})
	}
	return frame
}

// validKeys is the closed command set a host may send as key input.
var validKeys = map[protocol.CommandValue]bool{
	protocol.CmdSiri:       true,
	protocol.CmdLeft:       true,
	protocol.CmdRight:      true,
	protocol.CmdUp:         true,
	protocol.CmdDown:       true,
	protocol.CmdSelectDown: true,
	protocol.CmdSelectUp:   true,
	protocol.CmdBack:       true,
	protocol.CmdHome:       true,
	protocol.CmdPlay:       true,
	protocol.CmdPause:      true,
	protocol.CmdPlayOrPause: true,
	protocol.CmdNext:        true,
	protocol.CmdPrev:        true,
	protocol.CmdAcceptPhone: true,
	protocol.CmdRejectPhone: true,
	protocol.CmdRequestHostUI: true,
	protocol.CmdWifiPair:      true,
	protocol.CmdFrame:         true,
}

// Key builds a key Command message. Values outside the closed set return
// nil.
func Key(value protocol.CommandValue) *protocol.Command {
	if !validKeys[value] {
		return nil
	}
	return &protocol.Command{Value: value}
}
