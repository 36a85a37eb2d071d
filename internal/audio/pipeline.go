package audio

import (
	"log/slog"
	"sync"

	"github.com/wikilift/pi-carplay/media"
	"github.com/wikilift/pi-carplay/protocol"
)

// navApplyDelayMs is how long after AudioNaviStart the nav volume is
// applied, giving the guidance stream a moment to begin.
const navApplyDelayMs = 10

// MicController is the microphone capture surface the pipeline drives in
// response to in-band Siri/phone-call commands.
type MicController interface {
	Start() error
	Stop()
}

// Sink receives the hand-off for each newly created player: the shared
// ring, its stream identity, and the worklet to pull from. The host wires
// its audio output here.
type Sink interface {
	StartStream(p *Player)
}

// Pipeline routes AudioData messages to per-stream players, applies the
// volume policy, and drives the microphone from in-band commands.
type Pipeline struct {
	log  *slog.Logger
	sink Sink
	mic  MicController
	emit func(media.Event)

	audioTransferMode bool

	mu           sync.Mutex
	players      map[StreamKey]*Player
	audioVolume  float32
	navVolume    float32
	unknownSeen  map[int]bool
	done         chan struct{}
	closeOnce    sync.Once
}

// NewPipeline builds the audio pipeline. sink and mic may be nil when the
// host has no audio output or input; emit may be nil to discard events.
func NewPipeline(sink Sink, mic MicController, audioTransferMode bool, emit func(media.Event), log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if emit == nil {
		emit = func(media.Event) {}
	}
	return &Pipeline{
		log:               log.With("component", "audio"),
		sink:              sink,
		mic:               mic,
		emit:              emit,
		audioTransferMode: audioTransferMode,
		players:           make(map[StreamKey]*Player),
		audioVolume:       1,
		navVolume:         1,
		unknownSeen:       make(map[int]bool),
		done:              make(chan struct{}),
	}
}

// HandleAudioData dispatches one AudioData message: an in-band command, a
// volume change, or PCM samples.
func (p *Pipeline) HandleAudioData(msg *protocol.AudioData) {
	if msg.Command != 0 {
		p.handleCommand(msg.Command)
		return
	}
	key := StreamKey{DecodeType: int(msg.DecodeType), AudioType: int(msg.AudioType)}
	if msg.VolumeDuration != 0 {
		if pl := p.player(key); pl != nil {
			pl.SetVolume(msg.Volume, int(msg.VolumeDuration), 0)
		}
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	pl := p.player(key)
	if pl == nil {
		return
	}
	pl.WritePCM(msg.Data)
}

// player returns the stream's player, creating it lazily. Streams with an
// unregistered decode type are dropped and reported once.
func (p *Pipeline) player(key StreamKey) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pl, ok := p.players[key]; ok {
		return pl
	}
	f, ok := LookupDecodeType(key.DecodeType)
	if !ok {
		if !p.unknownSeen[key.DecodeType] {
			p.unknownSeen[key.DecodeType] = true
			p.log.Warn("unknown decode type, dropping stream", "decodeType", key.DecodeType)
		}
		return nil
	}

	pl := NewPlayer(key, f, p.log)
	vol := p.audioVolume
	if key.IsNav() {
		vol = p.navVolume
	}
	pl.SetVolume(vol, 0, 0)
	p.players[key] = pl

	p.log.Info("audio stream started",
		"decodeType", key.DecodeType, "audioType", key.AudioType,
		"rate", f.SampleRate(), "channels", f.Channels())
	p.emit(media.AudioInfo{
		Codec:      f.Mime,
		SampleRate: f.SampleRate(),
		Channels:   f.Channels(),
		BitDepth:   f.BitDepth,
	})

	go p.forwardEvents(pl)
	if p.sink != nil {
		p.sink.StartStream(pl)
	}
	return pl
}

// forwardEvents relays worklet transitions upward as AudioUnderrun events.
func (p *Pipeline) forwardEvents(pl *Player) {
	for {
		select {
		case ev := <-pl.Worklet.Events():
			p.emit(media.AudioUnderrun{
				DecodeType: pl.Key.DecodeType,
				AudioType:  pl.Key.AudioType,
				Recovered:  ev == EventRecovered,
			})
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline) handleCommand(cmd protocol.AudioCommand) {
	p.log.Debug("audio command", "command", int(cmd))
	switch {
	case cmd.StartsCapture():
		if p.audioTransferMode {
			p.log.Debug("audio transfer mode on, microphone stays idle")
			return
		}
		if p.mic == nil {
			return
		}
		if err := p.mic.Start(); err != nil {
			p.log.Error("microphone start failed", "error", err)
		}
	case cmd.StopsCapture():
		if p.mic != nil {
			p.mic.Stop()
		}
	case cmd == protocol.AudioNaviStart:
		p.applyNavVolume()
	}
}

// applyNavVolume pushes the nav volume to every nav player on a short
// delay so the guidance stream is already flowing when the gain lands.
func (p *Pipeline) applyNavVolume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pl := range p.players {
		if key.IsNav() {
			pl.SetVolume(p.navVolume, 0, navApplyDelayMs)
		}
	}
}

// SetAudioVolume updates the non-nav volume channel and applies it to
// live players.
func (p *Pipeline) SetAudioVolume(v float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioVolume = v
	for key, pl := range p.players {
		if !key.IsNav() {
			pl.SetVolume(v, 0, 0)
		}
	}
}

// SetNavVolume updates the navigation volume channel.
func (p *Pipeline) SetNavVolume(v float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navVolume = v
	for key, pl := range p.players {
		if key.IsNav() {
			pl.SetVolume(v, 0, 0)
		}
	}
}

// Players snapshots the live player set.
func (p *Pipeline) Players() []*Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Player, 0, len(p.players))
	for _, pl := range p.players {
		out = append(out, pl)
	}
	return out
}

// Close tears down every player. Called on unplug or config change; the
// pipeline is not reusable afterwards.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.players = make(map[StreamKey]*Player)
}
