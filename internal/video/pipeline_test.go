package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wikilift/pi-carplay/media"
	"github.com/wikilift/pi-carplay/protocol"
)

type fakeFrame struct {
	id       int
	mu       sync.Mutex
	released bool
}

func (f *fakeFrame) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

type fakeDecoder struct {
	failHW      bool
	failSW      bool
	failDecodes int // fail this many decodes, then succeed

	configs []DecoderConfig
	decoded []AccessUnit
	nextID  int
	closed  bool
}

func (d *fakeDecoder) Configure(cfg DecoderConfig) error {
	if cfg.HWAccel == PreferHardware && d.failHW {
		return errors.New("no hw decoder")
	}
	if cfg.HWAccel == PreferSoftware && d.failSW {
		return errors.New("no sw decoder")
	}
	d.configs = append(d.configs, cfg)
	return nil
}

func (d *fakeDecoder) Decode(au AccessUnit) (Frame, error) {
	if d.failDecodes > 0 {
		d.failDecodes--
		return nil, errors.New("decode failed")
	}
	d.decoded = append(d.decoded, au)
	d.nextID++
	return &fakeFrame{id: d.nextID}, nil
}

func (d *fakeDecoder) Close() { d.closed = true }

func videoMsg(units ...[]byte) *protocol.VideoData {
	return &protocol.VideoData{Width: 1280, Height: 720, Data: annexB(units...)}
}

var (
	idrSlice = []byte{0x65, 0x88, 0x84, 0x00}
	pSlice   = []byte{0x41, 0x9A, 0x26, 0x00}
)

func TestPipeline_GatesOnSPSPlusIDR(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	p := NewPipeline(dec, nil, 60, nil, nil)

	// P-slice only: nothing decoded, nothing configured.
	p.HandleVideoData(videoMsg(pSlice))
	if len(dec.configs) != 0 || len(dec.decoded) != 0 {
		t.Fatalf("mid-GOP start leaked: configs=%d decoded=%d", len(dec.configs), len(dec.decoded))
	}

	// SPS alone is still not enough.
	p.HandleVideoData(videoMsg(sps720p))
	if len(dec.decoded) != 0 {
		t.Fatal("decoded before IDR")
	}

	// IDR after SPS: configured and exactly one frame decoded.
	p.HandleVideoData(videoMsg(idrSlice))
	if len(dec.configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(dec.configs))
	}
	if len(dec.decoded) != 1 || !dec.decoded[0].Keyframe {
		t.Fatalf("decoded = %+v", dec.decoded)
	}
	if f := p.pending.take(); f == nil {
		t.Fatal("no pending frame after keyframe decode")
	}
}

func TestPipeline_ConfigDerivedFromSPS(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	p := NewPipeline(dec, nil, 60, nil, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	if len(dec.configs) != 1 {
		t.Fatalf("configs = %d", len(dec.configs))
	}
	cfg := dec.configs[0]
	if cfg.Width != 1280 || cfg.Height != 720 {
		t.Errorf("config geometry = %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Codec != "avc1.64001F" {
		t.Errorf("config codec = %q", cfg.Codec)
	}
	if !cfg.OptimizeForLatency {
		t.Error("optimizeForLatency not set")
	}
	if cfg.HWAccel != PreferHardware {
		t.Error("hardware not preferred")
	}
}

func TestPipeline_SoftwareFallback(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{failHW: true}
	p := NewPipeline(dec, nil, 60, nil, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	if len(dec.configs) != 1 {
		t.Fatalf("configs = %d", len(dec.configs))
	}
	if dec.configs[0].HWAccel != PreferSoftware {
		t.Error("fallback did not configure software decode")
	}
	if len(dec.decoded) != 1 {
		t.Errorf("decoded = %d", len(dec.decoded))
	}
}

func TestPipeline_FirstIDRDecodeFailureReconfigures(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{failDecodes: 1}
	p := NewPipeline(dec, nil, 60, nil, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	if p.isConfigured {
		t.Fatal("configuration kept after first-IDR decode failure")
	}

	// Next SPS+IDR pair reattempts and succeeds.
	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	if !p.isConfigured {
		t.Fatal("no reattempt on next SPS+IDR")
	}
	if len(dec.decoded) != 1 {
		t.Errorf("decoded = %d, want 1", len(dec.decoded))
	}
}

func TestPipeline_DeltaFramesAfterConfigureDecoded(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	p := NewPipeline(dec, nil, 60, nil, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	p.HandleVideoData(videoMsg(pSlice))
	if len(dec.decoded) != 2 {
		t.Fatalf("decoded = %d, want 2", len(dec.decoded))
	}
	if dec.decoded[1].Keyframe {
		t.Error("delta frame flagged as keyframe")
	}
}

func TestPipeline_PendingCellLatestWins(t *testing.T) {
	t.Parallel()
	var cell pendingCell
	a := &fakeFrame{id: 1}
	b := &fakeFrame{id: 2}
	cell.put(a)
	cell.put(b)
	if !a.released {
		t.Error("overwritten frame not released")
	}
	if got := cell.take(); got != Frame(b) {
		t.Errorf("take = %v", got)
	}
	if cell.take() != nil {
		t.Error("cell not cleared by take")
	}
}

func TestPipeline_RunDrawsDecodedKeyframe(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	gl2 := &fakeCandidate{kind: RendererGL2, sw: true}
	gpu := &fakeCandidate{kind: RendererGPU, sw: true}
	p := NewPipeline(dec, map[RendererKind]Candidate{RendererGL2: gl2, RendererGPU: gpu}, 120, nil, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for gl2.drawCount()+gpu.drawCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("frame never drawn")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	cancel()
	<-done
	if !dec.closed {
		t.Error("decoder not closed on teardown")
	}
}

func TestPipeline_ResolutionEventOnSPSChange(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	var events []media.Event
	p := NewPipeline(dec, nil, 60, func(ev media.Event) { events = append(events, ev) }, nil)

	p.HandleVideoData(videoMsg(sps720p, idrSlice))
	p.HandleVideoData(videoMsg(sps720p, idrSlice)) // same geometry: no repeat
	var res []media.Resolution
	for _, ev := range events {
		if r, ok := ev.(media.Resolution); ok {
			res = append(res, r)
		}
	}
	if len(res) != 1 {
		t.Fatalf("resolution events = %d, want 1", len(res))
	}
	if res[0].Width != 1280 || res[0].Height != 720 {
		t.Errorf("resolution = %+v", res[0])
	}
}
