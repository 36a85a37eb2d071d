package video

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/wikilift/pi-carplay/media"
	"github.com/wikilift/pi-carplay/protocol"
)

// pendingCell is the single-slot hand-off between the decode task and the
// render task. Overwriting releases the previous frame; latest wins.
type pendingCell struct {
	mu sync.Mutex
	f  Frame
}

func (c *pendingCell) put(f Frame) {
	c.mu.Lock()
	prev := c.f
	c.f = f
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
}

func (c *pendingCell) take() Frame {
	c.mu.Lock()
	f := c.f
	c.f = nil
	c.mu.Unlock()
	return f
}

// Pipeline decodes VideoData access units and presents them at a bounded
// cadence. It owns the decoder; the renderer is selected once per session
// from the host's candidates.
type Pipeline struct {
	log     *slog.Logger
	decoder Decoder
	fps     int
	emit    func(media.Event)

	renderers map[RendererKind]Candidate
	selected  Candidate
	selectErr error
	selOnce   sync.Once

	sps          *SPSInfo
	isConfigured bool
	configIsHW   bool
	firstDecode  bool

	lastWidth  int
	lastHeight int

	pending pendingCell
}

// NewPipeline builds the video pipeline around a host decoder and the
// available renderer candidates. fps bounds the present cadence; emit may
// be nil.
func NewPipeline(decoder Decoder, renderers map[RendererKind]Candidate, fps int, emit func(media.Event), log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if emit == nil {
		emit = func(media.Event) {}
	}
	if fps <= 0 {
		fps = 30
	}
	return &Pipeline{
		log:       log.With("component", "video"),
		decoder:   decoder,
		fps:       fps,
		emit:      emit,
		renderers: renderers,
	}
}

// renderer resolves the session's renderer on first use and caches it.
func (p *Pipeline) renderer() (Candidate, error) {
	p.selOnce.Do(func() {
		p.selected, p.selectErr = SelectRenderer(p.renderers, runtime.GOOS, runtime.GOARCH, p.log)
	})
	return p.selected, p.selectErr
}

// HandleVideoData runs on the decode task: gate on SPS+IDR, configure the
// decoder hardware-first, decode, and post to the pending cell.
func (p *Pipeline) HandleVideoData(msg *protocol.VideoData) {
	data := StripVendorHeader(msg.Data)
	if len(data) == 0 {
		return
	}

	if sps := FindNALU(data, NALTypeSPS); sps != nil {
		info, err := ParseSPS(sps)
		if err != nil {
			p.log.Warn("bad SPS", "error", err)
		} else {
			p.sps = &info
			if info.Width != p.lastWidth || info.Height != p.lastHeight {
				p.lastWidth, p.lastHeight = info.Width, info.Height
				p.emit(media.Resolution{Width: info.Width, Height: info.Height})
			}
		}
	}

	keyframe := IsKeyframe(data)

	if !p.isConfigured {
		// Delta frames before a valid keyframe are dropped.
		if p.sps == nil || !keyframe {
			return
		}
		if !p.configure() {
			return
		}
	}

	frame, err := p.decoder.Decode(AccessUnit{Data: data, Keyframe: keyframe})
	if err != nil {
		p.log.Warn("decode error, frame dropped", "error", err, "keyframe", keyframe)
		if p.firstDecode {
			// The configured decoder cannot decode its first IDR: drop
			// the configuration and reattempt on the next SPS+IDR pair.
			p.isConfigured = false
			p.sps = nil
		}
		return
	}
	p.firstDecode = false
	if frame != nil {
		p.pending.put(frame)
	}
}

// configure attempts hardware decode first, then software. Returns
// whether the decoder ended up configured.
func (p *Pipeline) configure() bool {
	cfg := DecoderConfig{
		Codec:              p.sps.CodecString(),
		Width:              p.sps.Width,
		Height:             p.sps.Height,
		OptimizeForLatency: true,
	}
	for _, hw := range []HWPreference{PreferHardware, PreferSoftware} {
		cfg.HWAccel = hw
		if err := p.decoder.Configure(cfg); err != nil {
			p.log.Warn("decoder configure failed", "accel", hw.String(), "error", err)
			continue
		}
		p.isConfigured = true
		p.configIsHW = hw == PreferHardware
		p.firstDecode = true
		p.log.Info("decoder configured",
			"codec", cfg.Codec, "width", cfg.Width, "height", cfg.Height,
			"accel", hw.String())
		return true
	}
	return false
}

// Run is the render task: it samples the pending cell at the target
// cadence and draws whatever frame is present. Blocks until the context
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	r, err := p.renderer()
	if err != nil {
		return err
	}

	interval := time.Second / time.Duration(p.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return ctx.Err()
		case <-ticker.C:
			frame := p.pending.take()
			if frame == nil {
				continue
			}
			if err := r.Draw(frame); err != nil {
				p.log.Warn("draw failed", "error", err)
			}
			frame.Release()
		}
	}
}

// Close releases the pending frame and the decoder. Called on renderer
// teardown or unplug.
func (p *Pipeline) Close() {
	if f := p.pending.take(); f != nil {
		f.Release()
	}
	if p.decoder != nil {
		p.decoder.Close()
	}
}
