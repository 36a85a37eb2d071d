// Package media defines the event types the core emits upward to its host,
// and the channel buffer sizes used on the producer and consumer sides of
// that stream.
package media

import (
	"encoding/json"

	"github.com/wikilift/pi-carplay/protocol"
)

// Channel buffer sizes decoupling the session's reader task from the host.
// Events are small; video and audio payloads never cross this boundary.
const (
	EventBufferSize   = 64
	CommandBufferSize = 16
)

// Event is anything the core reports upward. The concrete types below are
// the full set; hosts switch on them.
type Event interface {
	isEvent()
}

// Plugged reports a phone attached to the dongle (in-band, informational;
// transport attach/detach is authoritative for device presence).
type Plugged struct {
	PhoneType protocol.PhoneType
	WifiAvail bool
}

// Unplugged reports the phone leaving the dongle.
type Unplugged struct{}

// Resolution reports the negotiated video geometry.
type Resolution struct {
	Width  int
	Height int
}

// AudioInfo describes a newly observed PCM stream.
type AudioInfo struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int
}

// MediaMeta is the merged now-playing state. Fields carries the opaque
// key/value bag; Image the most recent album art, if any.
type MediaMeta struct {
	Fields map[string]any
	Image  []byte
}

// Merge folds a partial update into the existing state: a metadata update
// keeps the last album cover, and a cover update keeps the metadata.
func (m MediaMeta) Merge(upd *protocol.MediaData) MediaMeta {
	out := MediaMeta{Fields: m.Fields, Image: m.Image}
	switch upd.Type {
	case protocol.MediaTypeAlbumCover:
		out.Image = upd.AlbumCover
	case protocol.MediaTypeData:
		fields := make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			fields[k] = v
		}
		var incoming map[string]any
		if err := json.Unmarshal(upd.Media, &incoming); err == nil {
			for k, v := range incoming {
				fields[k] = v
			}
		}
		out.Fields = fields
	}
	return out
}

// Command is a key/link command forwarded from the dongle.
type Command struct {
	Value protocol.CommandValue
}

// DongleInfo identifies the attached adapter.
type DongleInfo struct {
	Serial       string
	Manufacturer string
	Product      string
	FwVersion    string
}

// AudioUnderrun reports a playback stream running dry; Recovered follows
// the next full render quantum.
type AudioUnderrun struct {
	DecodeType int
	AudioType  int
	Recovered  bool
}

// Failure reports a fatal session error. The host must Stop and Start to
// recover.
type Failure struct {
	Err error
}

func (Plugged) isEvent()       {}
func (Unplugged) isEvent()     {}
func (Resolution) isEvent()    {}
func (AudioInfo) isEvent()     {}
func (MediaMeta) isEvent()     {}
func (Command) isEvent()       {}
func (DongleInfo) isEvent()    {}
func (AudioUnderrun) isEvent() {}
func (Failure) isEvent()       {}
