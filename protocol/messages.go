package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lunixbochs/struc"
)

// Wire type tags for every known message. The same tag can mean different
// things per direction (0x01 is Open outbound, Opened inbound; 0x14 is
// ManufacturerInfo outbound, BoxInfo inbound).
const (
	typeOpen           = 0x01
	typePlugged        = 0x02
	typePhase          = 0x03
	typeUnplugged      = 0x04
	typeTouch          = 0x05
	typeVideoData      = 0x06
	typeAudioData      = 0x07
	typeCommand        = 0x08
	typeLogoType       = 0x09
	typeBluetoothAddr  = 0x0A
	typeBluetoothPIN   = 0x0C
	typeBluetoothName  = 0x0D
	typeWifiName       = 0x0E
	typeDisconnect     = 0x0F
	typePairedList     = 0x12
	typeBoxInfo        = 0x14
	typeCloseDongle    = 0x15
	typeMultiTouch     = 0x17
	typeHiCarLink      = 0x18
	typeBoxSettings    = 0x19
	typeMediaData      = 0x2A
	typeSendFile       = 0x99
	typeHeartbeat      = 0xAA
	typeSoftwareVer    = 0xCC
)

// Message is any frame payload, inbound or outbound. WireType returns the
// u32 tag placed in the frame header.
type Message interface {
	WireType() uint32
}

// Open asks the dongle to start a phone link with the given video geometry.
// Sent as part of the initialise sequence; the dongle answers with Opened.
type Open struct {
	Width         int32 `struc:"int32,little"`
	Height        int32 `struc:"int32,little"`
	VideoFrameRate int32 `struc:"int32,little"`
	Format        int32 `struc:"int32,little"`
	PacketMax     int32 `struc:"int32,little"`
	IBoxVersion   int32 `struc:"int32,little"`
	PhoneWorkMode int32 `struc:"int32,little"`
}

func (*Open) WireType() uint32 { return typeOpen }

// Opened is the dongle's echo of the negotiated link parameters.
type Opened struct {
	Width         int32 `struc:"int32,little"`
	Height        int32 `struc:"int32,little"`
	Fps           int32 `struc:"int32,little"`
	Format        int32 `struc:"int32,little"`
	PacketMax     int32 `struc:"int32,little"`
	IBoxVersion   int32 `struc:"int32,little"`
	PhoneWorkMode int32 `struc:"int32,little"`
}

func (*Opened) WireType() uint32 { return typeOpen }

// Plugged reports a phone attaching to the dongle. WifiAvail is only
// present in the 8-byte variant of the payload.
type Plugged struct {
	PhoneType PhoneType
	WifiAvail bool
}

func (*Plugged) WireType() uint32 { return typePlugged }

// Unplugged reports the phone detaching from the dongle.
type Unplugged struct{}

func (*Unplugged) WireType() uint32 { return typeUnplugged }

// Phase reports a dongle-internal link phase change. Informational.
type Phase struct {
	Phase uint32 `struc:"uint32,little"`
}

func (*Phase) WireType() uint32 { return typePhase }

// Touch is a single-pointer input event. Coordinates are normalized to
// the configured video geometry, 0..1 on each axis.
type Touch struct {
	X      float32     `struc:"float32,little"`
	Y      float32     `struc:"float32,little"`
	Action TouchAction `struc:"uint32,little"`
}

func (*Touch) WireType() uint32 { return typeTouch }

// TouchItem is one pointer inside a MultiTouch full-frame snapshot.
type TouchItem struct {
	ID     uint32
	X      float32
	Y      float32
	Action TouchAction
}

// MultiTouch carries the full set of active pointers each update.
type MultiTouch struct {
	Touches []TouchItem
}

func (*MultiTouch) WireType() uint32 { return typeMultiTouch }

// VideoData carries one H.264 access unit. The five-word head is the
// vendor's 20-byte preamble; Data is the Annex-B stream that follows.
type VideoData struct {
	Width    int32
	Height   int32
	Flags    int32
	Length   int32
	Reserved int32
	Data     []byte
}

func (*VideoData) WireType() uint32 { return typeVideoData }

// AudioData is either a PCM chunk, an in-band audio command, or a volume
// change, distinguished by the length of the payload tail (1 byte =
// command, 4 bytes = volume duration, anything else = samples).
type AudioData struct {
	DecodeType     int32
	Volume         float32
	AudioType      int32
	Command        AudioCommand
	VolumeDuration uint32
	Data           []byte
}

func (*AudioData) WireType() uint32 { return typeAudioData }

// Command carries a key/navigation/link command code, both directions.
type Command struct {
	Value CommandValue `struc:"uint32,little"`
}

func (*Command) WireType() uint32 { return typeCommand }

// LogoType selects the boot logo variant on the dongle.
type LogoType struct {
	Type int32 `struc:"int32,little"`
}

func (*LogoType) WireType() uint32 { return typeLogoType }

// ManufacturerInfo is part of the initialise sequence.
type ManufacturerInfo struct {
	A int32 `struc:"int32,little"`
	B int32 `struc:"int32,little"`
}

func (*ManufacturerInfo) WireType() uint32 { return typeBoxInfo }

// BoxInfo is the dongle's JSON settings blob, answering BoxSettings.
type BoxInfo struct {
	Settings []byte
}

func (*BoxInfo) WireType() uint32 { return typeBoxInfo }

// BoxSettings pushes a JSON settings blob to the dongle.
type BoxSettings struct {
	Settings []byte
}

func (*BoxSettings) WireType() uint32 { return typeBoxSettings }

// MediaData is now-playing metadata. Exactly one of Media (a JSON bag) or
// AlbumCover (raw image bytes) is set, per the Type tag.
type MediaData struct {
	Type       MediaType
	Media      []byte
	AlbumCover []byte
}

func (*MediaData) WireType() uint32 { return typeMediaData }

// SendFile writes a named file on the dongle's filesystem. The initialise
// sequence uses it for DPI, icons, and the OEM name.
type SendFile struct {
	Name    string
	Content []byte
}

func (*SendFile) WireType() uint32 { return typeSendFile }

// Heartbeat keeps the dongle link alive. Empty payload.
type Heartbeat struct{}

func (*Heartbeat) WireType() uint32 { return typeHeartbeat }

// SoftwareVersion is the dongle firmware version string.
type SoftwareVersion struct {
	Version string
}

func (*SoftwareVersion) WireType() uint32 { return typeSoftwareVer }

// BluetoothAddress, BluetoothPIN, BluetoothDeviceName, WifiDeviceName and
// BluetoothPairedList are informational strings from the dongle.
type BluetoothAddress struct{ Address string }

func (*BluetoothAddress) WireType() uint32 { return typeBluetoothAddr }

type BluetoothPIN struct{ PIN string }

func (*BluetoothPIN) WireType() uint32 { return typeBluetoothPIN }

type BluetoothDeviceName struct{ Name string }

func (*BluetoothDeviceName) WireType() uint32 { return typeBluetoothName }

type WifiDeviceName struct{ Name string }

func (*WifiDeviceName) WireType() uint32 { return typeWifiName }

type BluetoothPairedList struct{ Data string }

func (*BluetoothPairedList) WireType() uint32 { return typePairedList }

// HiCarLink is the pairing deep-link URL for HiCar phones.
type HiCarLink struct{ Link string }

func (*HiCarLink) WireType() uint32 { return typeHiCarLink }

// DisconnectPhone asks the dongle to drop the current phone link.
type DisconnectPhone struct{}

func (*DisconnectPhone) WireType() uint32 { return typeDisconnect }

// CloseDongle asks the dongle to shut down cleanly.
type CloseDongle struct{}

func (*CloseDongle) WireType() uint32 { return typeCloseDongle }

// Unknown preserves a frame whose type tag is not in the table, so upper
// layers can log it without losing the transport.
type Unknown struct {
	Type uint32
	Data []byte
}

func (u *Unknown) WireType() uint32 { return u.Type }

// Marshal frames a message: header plus encoded payload, ready for the
// bulk-out endpoint. Deterministic for a given message value.
func Marshal(msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	hdr := EncodeHeader(msg.WireType(), uint32(len(payload)))
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, hdr[:]...)
	out = append(out, payload...)
	return out, nil
}

func encodePayload(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Heartbeat, *Unplugged, *DisconnectPhone, *CloseDongle:
		return nil, nil
	case *SendFile:
		var buf bytes.Buffer
		name := append([]byte(m.Name), 0)
		binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
		buf.Write(name)
		binary.Write(&buf, binary.LittleEndian, uint32(len(m.Content)))
		buf.Write(m.Content)
		return buf.Bytes(), nil
	case *BoxSettings:
		return m.Settings, nil
	case *Plugged:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, int32(m.PhoneType))
		if m.WifiAvail {
			binary.Write(&buf, binary.LittleEndian, int32(1))
		}
		return buf.Bytes(), nil
	case *MultiTouch:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint32(len(m.Touches)))
		for _, t := range m.Touches {
			binary.Write(&buf, binary.LittleEndian, t.ID)
			binary.Write(&buf, binary.LittleEndian, t.X)
			binary.Write(&buf, binary.LittleEndian, t.Y)
			binary.Write(&buf, binary.LittleEndian, uint32(t.Action))
		}
		return buf.Bytes(), nil
	case *AudioData:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, m.DecodeType)
		binary.Write(&buf, binary.LittleEndian, m.Volume)
		binary.Write(&buf, binary.LittleEndian, m.AudioType)
		switch {
		case m.Command != 0:
			buf.WriteByte(byte(m.Command))
		case m.VolumeDuration != 0:
			binary.Write(&buf, binary.LittleEndian, m.VolumeDuration)
		default:
			buf.Write(m.Data)
		}
		return buf.Bytes(), nil
	case *VideoData:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, m.Width)
		binary.Write(&buf, binary.LittleEndian, m.Height)
		binary.Write(&buf, binary.LittleEndian, m.Flags)
		binary.Write(&buf, binary.LittleEndian, m.Length)
		binary.Write(&buf, binary.LittleEndian, m.Reserved)
		buf.Write(m.Data)
		return buf.Bytes(), nil
	case *MediaData:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint32(m.Type))
		if m.Type == MediaTypeAlbumCover {
			buf.Write(m.AlbumCover)
		} else {
			buf.Write(m.Media)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case *SoftwareVersion:
		return append([]byte(m.Version), 0), nil
	case *BluetoothAddress:
		return append([]byte(m.Address), 0), nil
	case *BluetoothPIN:
		return append([]byte(m.PIN), 0), nil
	case *BluetoothDeviceName:
		return append([]byte(m.Name), 0), nil
	case *WifiDeviceName:
		return append([]byte(m.Name), 0), nil
	case *BluetoothPairedList:
		return append([]byte(m.Data), 0), nil
	case *HiCarLink:
		return append([]byte(m.Link), 0), nil
	case *BoxInfo:
		return m.Settings, nil
	case *Unknown:
		return m.Data, nil
	default:
		var buf bytes.Buffer
		if err := struc.Pack(&buf, msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// DecodePayload parses the payload bytes of a frame according to the
// header type tag. Frames with a tag outside the table come back as
// *Unknown rather than an error. Variable-length tails that are shorter
// than their fixed head yield ErrTruncated. The returned message owns no
// part of the input slice; callers may reuse the buffer.
func DecodePayload(h Header, data []byte) (Message, error) {
	if uint32(len(data)) != h.Length {
		return nil, fmt.Errorf("%w: have %d of %d bytes", ErrTruncated, len(data), h.Length)
	}
	switch h.Type {
	case typeOpen:
		m := &Opened{}
		if err := struc.Unpack(bytes.NewReader(data), m); err != nil {
			return nil, fmt.Errorf("%w: opened: %v", ErrTruncated, err)
		}
		return m, nil
	case typePlugged:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: plugged", ErrTruncated)
		}
		m := &Plugged{PhoneType: PhoneType(int32(binary.LittleEndian.Uint32(data[0:4])))}
		if len(data) >= 8 {
			m.WifiAvail = binary.LittleEndian.Uint32(data[4:8]) != 0
		}
		return m, nil
	case typeUnplugged:
		return &Unplugged{}, nil
	case typePhase:
		m := &Phase{}
		if err := struc.Unpack(bytes.NewReader(data), m); err != nil {
			return nil, fmt.Errorf("%w: phase: %v", ErrTruncated, err)
		}
		return m, nil
	case typeVideoData:
		if len(data) < 20 {
			return nil, fmt.Errorf("%w: video head", ErrTruncated)
		}
		m := &VideoData{
			Width:    int32(binary.LittleEndian.Uint32(data[0:4])),
			Height:   int32(binary.LittleEndian.Uint32(data[4:8])),
			Flags:    int32(binary.LittleEndian.Uint32(data[8:12])),
			Length:   int32(binary.LittleEndian.Uint32(data[12:16])),
			Reserved: int32(binary.LittleEndian.Uint32(data[16:20])),
		}
		m.Data = append([]byte(nil), data[20:]...)
		return m, nil
	case typeAudioData:
		return decodeAudioData(data)
	case typeTouch:
		m := &Touch{}
		if err := struc.Unpack(bytes.NewReader(data), m); err != nil {
			return nil, fmt.Errorf("%w: touch: %v", ErrTruncated, err)
		}
		return m, nil
	case typeCommand:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: command", ErrTruncated)
		}
		return &Command{Value: CommandValue(binary.LittleEndian.Uint32(data))}, nil
	case typeBoxInfo:
		return &BoxInfo{Settings: append([]byte(nil), data...)}, nil
	case typeSoftwareVer:
		return &SoftwareVersion{Version: nullTermString(data)}, nil
	case typeBluetoothAddr:
		return &BluetoothAddress{Address: nullTermString(data)}, nil
	case typeBluetoothPIN:
		return &BluetoothPIN{PIN: nullTermString(data)}, nil
	case typeBluetoothName:
		return &BluetoothDeviceName{Name: nullTermString(data)}, nil
	case typeWifiName:
		return &WifiDeviceName{Name: nullTermString(data)}, nil
	case typePairedList:
		return &BluetoothPairedList{Data: nullTermString(data)}, nil
	case typeHiCarLink:
		return &HiCarLink{Link: nullTermString(data)}, nil
	case typeMediaData:
		return decodeMediaData(data)
	case typeMultiTouch:
		return decodeMultiTouch(data)
	case typeHeartbeat:
		return &Heartbeat{}, nil
	case typeDisconnect:
		return &DisconnectPhone{}, nil
	case typeCloseDongle:
		return &CloseDongle{}, nil
	default:
		return &Unknown{Type: h.Type, Data: append([]byte(nil), data...)}, nil
	}
}

func decodeAudioData(data []byte) (*AudioData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: audio head", ErrTruncated)
	}
	m := &AudioData{
		DecodeType: int32(binary.LittleEndian.Uint32(data[0:4])),
		Volume:     math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])),
		AudioType:  int32(binary.LittleEndian.Uint32(data[8:12])),
	}
	switch tail := data[12:]; len(tail) {
	case 0:
	case 1:
		m.Command = AudioCommand(tail[0])
	case 4:
		m.VolumeDuration = binary.LittleEndian.Uint32(tail)
	default:
		m.Data = append([]byte(nil), tail...)
	}
	return m, nil
}

func decodeMediaData(data []byte) (*MediaData, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: media head", ErrTruncated)
	}
	m := &MediaData{Type: MediaType(binary.LittleEndian.Uint32(data[0:4]))}
	body := data[4:]
	if m.Type == MediaTypeAlbumCover {
		m.AlbumCover = append([]byte(nil), body...)
		return m, nil
	}
	// JSON bag, null-terminated.
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	m.Media = append([]byte(nil), body...)
	return m, nil
}

func decodeMultiTouch(data []byte) (*MultiTouch, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: multitouch head", ErrTruncated)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	const itemSize = 16
	if uint32(len(data)-4)/itemSize < count {
		return nil, fmt.Errorf("%w: multitouch items", ErrTruncated)
	}
	m := &MultiTouch{Touches: make([]TouchItem, count)}
	for i := range m.Touches {
		off := 4 + i*itemSize
		m.Touches[i] = TouchItem{
			ID:     binary.LittleEndian.Uint32(data[off : off+4]),
			X:      math.Float32frombits(binary.LittleEndian.Uint32(data[off+4 : off+8])),
			Y:      math.Float32frombits(binary.LittleEndian.Uint32(data[off+8 : off+12])),
			Action: TouchAction(binary.LittleEndian.Uint32(data[off+12 : off+16])),
		}
	}
	return m, nil
}

func nullTermString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
