package video

import (
	"errors"
	"fmt"
	"log/slog"
)

// probeCodec is the codec string used when probing renderer decode
// support; High profile level 4.2 covers everything the dongle emits.
const probeCodec = "avc1.64002A"

// HWPreference selects the decoder acceleration mode to attempt.
type HWPreference int

const (
	PreferHardware HWPreference = iota
	PreferSoftware
)

func (p HWPreference) String() string {
	if p == PreferHardware {
		return "prefer-hardware"
	}
	return "prefer-software"
}

// RendererKind names the two paint-surface variants the host can offer.
type RendererKind int

const (
	RendererGL2 RendererKind = iota
	RendererGPU
)

func (k RendererKind) String() string {
	if k == RendererGPU {
		return "gpu"
	}
	return "gl2"
}

// Frame is a decoded picture handle owned by whoever holds it; Release
// returns it to the decoder's pool.
type Frame interface {
	Release()
}

// Renderer paints decoded frames onto the host surface.
type Renderer interface {
	Kind() RendererKind
	Draw(f Frame) error
}

// Candidate is a probe-able renderer: it reports whether its surface can
// host a decoder for the given codec and acceleration mode.
type Candidate interface {
	Renderer
	DecoderSupport(codec string, hw HWPreference) bool
}

// DecoderConfig is derived from the first SPS and handed to the decoder.
type DecoderConfig struct {
	Codec              string
	Width              int
	Height             int
	HWAccel            HWPreference
	OptimizeForLatency bool
}

// AccessUnit is one Annex-B access unit ready for decode.
type AccessUnit struct {
	Data     []byte
	Keyframe bool
}

// Decoder decodes H.264 access units into frames. Host-provided; the
// pipeline owns its configuration lifecycle.
type Decoder interface {
	Configure(cfg DecoderConfig) error
	Decode(au AccessUnit) (Frame, error)
	Close()
}

// ErrNoRenderer means no candidate surface can decode the stream.
var ErrNoRenderer = errors.New("no renderer with decoder support")

// probeOrder returns the platform-dependent renderer priority.
func probeOrder(goos, goarch string) []RendererKind {
	switch {
	case goos == "darwin":
		return []RendererKind{RendererGPU, RendererGL2}
	case goos == "linux" && goarch == "amd64":
		return []RendererKind{RendererGL2, RendererGPU}
	case goos == "linux":
		return []RendererKind{RendererGL2}
	default:
		return []RendererKind{RendererGL2, RendererGPU}
	}
}

// SelectRenderer probes the candidates in platform priority order and
// returns the first whose surface supports the stream codec with either
// acceleration mode. The session caches the result.
func SelectRenderer(candidates map[RendererKind]Candidate, goos, goarch string, log *slog.Logger) (Candidate, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, kind := range probeOrder(goos, goarch) {
		c, ok := candidates[kind]
		if !ok {
			continue
		}
		for _, hw := range []HWPreference{PreferHardware, PreferSoftware} {
			if c.DecoderSupport(probeCodec, hw) {
				log.Info("renderer selected", "kind", kind.String(), "accel", hw.String())
				return c, nil
			}
		}
		log.Debug("renderer rejected", "kind", kind.String())
	}
	return nil, fmt.Errorf("%w: probed %s/%s order", ErrNoRenderer, goos, goarch)
}
