// Package session drives the dongle from Closed to Streaming and owns
// everything on the USB wire: the reader task, the serialized writer
// queue, the handshake/configuration sequence, heartbeats, and the
// pairing timeout. One session owns at most one device handle.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wikilift/pi-carplay/config"
	"github.com/wikilift/pi-carplay/internal/usb"
	"github.com/wikilift/pi-carplay/media"
	"github.com/wikilift/pi-carplay/protocol"
)

// State is the session lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpened
	StateInitialised
	StateConfigured
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateInitialised:
		return "initialised"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	default:
		return "failed"
	}
}

// Timing constants for the bring-up sequence.
const (
	handshakeTimeout  = 5 * time.Second
	pairTimeout       = 15 * time.Second
	heartbeatInterval = 2 * time.Second
	readBufSize       = 64 * 1024
)

// Protocol-error escalation: this many bad frames inside the window ends
// the session.
const (
	protoErrLimit  = 8
	protoErrWindow = 5 * time.Second
)

// Lifecycle errors.
var (
	ErrWrongState = errors.New("operation invalid in current state")
	ErrHandshake  = errors.New("handshake timed out")
)

// Transport is the device surface the session drives; *usb.Device in
// production, a loopback fake in tests.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Reset() error
	Close() error
	Info() usb.DeviceInfo
}

// Session executes the dongle FSM. Construct with New, bring up with
// Start, tear down with Stop. All upstream messages are forwarded to the
// sink; events go to emit.
type Session struct {
	log     *slog.Logger
	cfg     *config.DongleConfig
	open    func() (Transport, error)
	forward func(protocol.Message)
	emit    func(media.Event)

	state atomic.Int32

	// Timing knobs, defaulted from the package constants; tests shrink
	// them.
	handshakeT time.Duration
	pairT      time.Duration
	heartbeatT time.Duration

	mu        sync.Mutex
	dev       Transport
	writer    *Writer
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
	openedCh  chan struct{}
	boxInfoCh chan struct{}
	openedSig sync.Once
	boxSig    sync.Once
	pairTimer *time.Timer
	frameStop context.CancelFunc

	mediaSeen atomic.Bool
	phoneType protocol.PhoneType

	startMu  sync.Mutex
	inflight *inflightStart

	protoErrs     int
	protoErrStart time.Time
}

type inflightStart struct {
	done chan struct{}
	err  error
}

// New creates a session. open acquires and claims a device; forward
// receives every decoded upstream message (nil discards); emit receives
// events (nil discards).
func New(cfg *config.DongleConfig, open func() (Transport, error), forward func(protocol.Message), emit func(media.Event), log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if forward == nil {
		forward = func(protocol.Message) {}
	}
	if emit == nil {
		emit = func(media.Event) {}
	}
	return &Session{
		log:        log.With("component", "session"),
		cfg:        cfg,
		open:       open,
		forward:    forward,
		emit:       emit,
		handshakeT: handshakeTimeout,
		pairT:      pairTimeout,
		heartbeatT: heartbeatInterval,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Info("state transition", "from", old.String(), "to", st.String())
	}
}

// Start brings the session to Streaming. Concurrent calls coalesce onto
// one in-flight bring-up; all callers get its result. Start from any
// state but Closed is rejected without a state change.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	if fl := s.inflight; fl != nil {
		s.startMu.Unlock()
		<-fl.done
		return fl.err
	}
	fl := &inflightStart{done: make(chan struct{})}
	s.inflight = fl
	s.startMu.Unlock()

	fl.err = s.bringUp(ctx)
	close(fl.done)

	s.startMu.Lock()
	s.inflight = nil
	s.startMu.Unlock()
	return fl.err
}

func (s *Session) bringUp(ctx context.Context) error {
	if st := s.State(); st != StateClosed {
		return fmt.Errorf("%w: start while %s", ErrWrongState, st.String())
	}

	dev, err := s.open()
	if err != nil {
		return fmt.Errorf("open dongle: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.dev = dev
	s.cancel = cancel
	s.openedCh = make(chan struct{})
	s.boxInfoCh = make(chan struct{})
	s.openedSig = sync.Once{}
	s.boxSig = sync.Once{}
	s.mediaSeen.Store(false)
	s.protoErrs = 0
	s.writer = NewWriter(dev, s.fatal, s.log)
	s.mu.Unlock()

	s.setState(StateOpened)
	info := dev.Info()
	s.emit(media.DongleInfo{
		Serial:       info.Serial,
		Manufacturer: info.Manufacturer,
		Product:      info.Product,
		FwVersion:    info.FwVersion,
	})

	s.tasks.Add(2)
	go func() {
		defer s.tasks.Done()
		s.writer.Run(sctx)
	}()
	go func() {
		defer s.tasks.Done()
		s.readLoop(sctx, dev)
	}()

	if err := s.initialise(ctx); err != nil {
		s.fatal(err)
		return err
	}
	s.setState(StateInitialised)

	if err := s.configure(ctx); err != nil {
		s.fatal(err)
		return err
	}
	s.setState(StateConfigured)
	s.armPairTimer()

	// Configured → Streaming: ask the dongle to bring the phone link up.
	s.post(&protocol.Command{Value: protocol.CmdWifiConnect})
	s.setState(StateStreaming)

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.heartbeatLoop(sctx)
	}()
	return nil
}

// initialise pushes the fixed bring-up blobs and waits for the dongle's
// Opened echo.
func (s *Session) initialise(ctx context.Context) error {
	dpi := make([]byte, 4)
	binary.LittleEndian.PutUint32(dpi, uint32(s.cfg.Dpi))
	s.post(&protocol.SendFile{Name: "/tmp/screen_dpi", Content: dpi})

	s.post(&protocol.Open{
		Width:          s.cfg.Width,
		Height:         s.cfg.Height,
		VideoFrameRate: s.cfg.Fps,
		Format:         s.cfg.Format,
		PacketMax:      s.cfg.PacketMax,
		IBoxVersion:    s.cfg.IBoxVersion,
		PhoneWorkMode:  s.cfg.PhoneWorkMode,
	})

	return s.await(ctx, s.openedCh, "opened")
}

// configure pushes settings, name strings, and icons, then waits for the
// BoxInfo response.
func (s *Session) configure(ctx context.Context) error {
	settings := map[string]any{
		"mediaDelay":       s.cfg.MediaDelay,
		"syncTime":         time.Now().Unix(),
		"androidAutoSizeW": s.cfg.Width,
		"androidAutoSizeH": s.cfg.Height,
	}
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal box settings: %w", err)
	}
	s.post(&protocol.BoxSettings{Settings: blob})

	s.post(&protocol.SendFile{Name: "/etc/box_name", Content: append([]byte(s.cfg.CarName), 0)})
	s.post(&protocol.SendFile{Name: "/etc/oem_name", Content: append([]byte(s.cfg.OemName), 0)})
	for name, icon := range map[string][]byte{
		"/etc/oem_icon.png":  s.cfg.Icon256,
		"/etc/icon_120x120":  s.cfg.Icon120,
		"/etc/icon_180x180":  s.cfg.Icon180,
	} {
		if len(icon) > 0 {
			s.post(&protocol.SendFile{Name: name, Content: icon})
		}
	}

	s.post(&protocol.Command{Value: s.cfg.WifiCommand()})
	s.post(&protocol.Command{Value: s.cfg.MicCommand()})
	s.post(&protocol.Command{Value: s.cfg.AudioTransferCommand()})
	if s.cfg.NightMode {
		s.post(&protocol.Command{Value: protocol.CmdEnableNightMode})
	} else {
		s.post(&protocol.Command{Value: protocol.CmdDisableNightMode})
	}
	s.post(&protocol.Command{Value: protocol.CmdWifiEnable})

	return s.await(ctx, s.boxInfoCh, "box info")
}

// await blocks on a handshake signal with the shared timeout.
func (s *Session) await(ctx context.Context, ch <-chan struct{}, what string) error {
	select {
	case <-ch:
		return nil
	case <-time.After(s.handshakeT):
		return fmt.Errorf("%w: waiting for %s", ErrHandshake, what)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues a control frame.
func (s *Session) post(msg protocol.Message) {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w != nil {
		w.Post(CatControl, msg, false)
	}
}

// armPairTimer schedules the 15 s wifiPair nudge, cancelled by the first
// media frame.
func (s *Session) armPairTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairTimer = time.AfterFunc(s.pairT, func() {
		if s.mediaSeen.Load() {
			return
		}
		s.log.Info("no media within pair timeout, requesting wifi pairing")
		s.post(&protocol.Command{Value: protocol.CmdWifiPair})
	})
}

// heartbeatLoop keeps the dongle link alive while streaming.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatT)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(&protocol.Heartbeat{})
		}
	}
}

// startFrameHeartbeat begins the per-phone frame command cadence, if the
// configuration specifies one for the connected phone type.
func (s *Session) startFrameHeartbeat(ctx context.Context, pt protocol.PhoneType) {
	interval := s.cfg.FrameInterval(pt)
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.frameStop != nil {
		s.frameStop()
	}
	fctx, cancel := context.WithCancel(ctx)
	s.frameStop = cancel
	s.mu.Unlock()

	s.log.Info("frame heartbeat started", "phoneType", int(pt), "intervalMs", interval)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-fctx.Done():
				return
			case <-ticker.C:
				s.post(&protocol.Command{Value: protocol.CmdFrame})
			}
		}
	}()
}

// readLoop owns the bulk-in endpoint: bytes to frames to messages.
func (s *Session) readLoop(ctx context.Context, dev Transport) {
	acc := protocol.NewAccumulator(0)
	buf := make([]byte, readBufSize)
	for ctx.Err() == nil {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if usb.IsDeviceGone(err) {
				s.log.Info("device gone during read, treating as detach")
				go s.detach()
			} else {
				s.fatal(err)
			}
			return
		}
		frames, ferr := acc.Feed(buf[:n])
		if ferr != nil {
			s.log.Warn("protocol error", "error", ferr)
			if s.noteProtoError() {
				s.fatal(fmt.Errorf("repeated protocol errors: %w", ferr))
				return
			}
		}
		for _, frame := range frames {
			msg, derr := frame.Decode()
			if derr != nil {
				s.log.Warn("payload decode failed", "type", frame.Header.Type, "error", derr)
				if s.noteProtoError() {
					s.fatal(fmt.Errorf("repeated protocol errors: %w", derr))
					return
				}
				continue
			}
			s.handle(ctx, msg)
		}
	}
}

// noteProtoError counts malformed frames and reports whether the window
// limit was crossed.
func (s *Session) noteProtoError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.protoErrs == 0 || now.Sub(s.protoErrStart) > protoErrWindow {
		s.protoErrStart = now
		s.protoErrs = 0
	}
	s.protoErrs++
	return s.protoErrs >= protoErrLimit
}

// handle reacts to FSM-relevant messages before forwarding everything to
// the sink.
func (s *Session) handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Opened:
		s.openedSig.Do(func() { close(s.openedCh) })
	case *protocol.BoxInfo:
		s.boxSig.Do(func() { close(s.boxInfoCh) })
	case *protocol.Plugged:
		s.mu.Lock()
		s.phoneType = m.PhoneType
		s.mu.Unlock()
		s.startFrameHeartbeat(ctx, m.PhoneType)
		s.emit(media.Plugged{PhoneType: m.PhoneType, WifiAvail: m.WifiAvail})
	case *protocol.Unplugged:
		// Informational; the transport watcher is authoritative for
		// device presence.
		s.emit(media.Unplugged{})
	case *protocol.VideoData, *protocol.AudioData, *protocol.MediaData:
		if !s.mediaSeen.Swap(true) {
			s.disarmPairTimer()
		}
	}
	s.forward(msg)
}

func (s *Session) disarmPairTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
}

// SendKey posts a key command. Rejected outside Streaming.
func (s *Session) SendKey(value protocol.CommandValue) error {
	if s.State() != StateStreaming {
		return ErrWrongState
	}
	s.post(&protocol.Command{Value: value})
	return nil
}

// SendTouch posts a single-touch frame. Rejected outside Streaming.
func (s *Session) SendTouch(msg *protocol.Touch) error {
	if s.State() != StateStreaming {
		return ErrWrongState
	}
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w != nil {
		w.Post(CatTouch, msg, msg.Action == protocol.TouchMove)
	}
	return nil
}

// SendMultiTouch posts a multi-touch snapshot. Rejected outside
// Streaming.
func (s *Session) SendMultiTouch(msg *protocol.MultiTouch) error {
	if s.State() != StateStreaming {
		return ErrWrongState
	}
	moveOnly := true
	for _, item := range msg.Touches {
		if item.Action != protocol.TouchMove {
			moveOnly = false
			break
		}
	}
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w != nil {
		w.Post(CatTouch, msg, moveOnly)
	}
	return nil
}

// SendAudio posts an upstream microphone frame.
func (s *Session) SendAudio(msg *protocol.AudioData) {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w != nil {
		w.Post(CatMicAudio, msg, false)
	}
}

// ForceReset resets the USB device, forcing re-enumeration. Valid in any
// state with a device; without one it opens a device just to reset it.
func (s *Session) ForceReset() error {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev != nil {
		return dev.Reset()
	}
	dev, err := s.open()
	if err != nil {
		return err
	}
	defer dev.Close()
	return dev.Reset()
}

// Stop tears the session down: timers cancelled, queued writes drained
// within the grace period, tasks joined, device released. Idempotent;
// also the required recovery step after Failed.
func (s *Session) Stop() {
	s.teardown()
	s.setState(StateClosed)
}

// detach handles an authoritative transport detach: same teardown, and
// the host learns via Unplugged.
func (s *Session) detach() {
	s.teardown()
	s.setState(StateClosed)
	s.emit(media.Unplugged{})
}

// fatal moves the session to Failed and reports upward. The host must
// Stop and Start to recover.
func (s *Session) fatal(err error) {
	if State(s.state.Load()) == StateFailed {
		return
	}
	s.log.Error("session failure", "error", err)
	s.setState(StateFailed)
	go func() {
		s.teardown()
		s.emit(media.Failure{Err: err})
	}()
}

// teardown releases everything the session owns. Safe to call from any
// state, any number of times.
func (s *Session) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	writer := s.writer
	dev := s.dev
	frameStop := s.frameStop
	pair := s.pairTimer
	s.cancel = nil
	s.writer = nil
	s.dev = nil
	s.frameStop = nil
	s.pairTimer = nil
	s.mu.Unlock()

	if pair != nil {
		pair.Stop()
	}
	if frameStop != nil {
		frameStop()
	}
	if writer != nil {
		writer.Drain()
	}
	if cancel != nil {
		cancel()
	}
	if dev != nil {
		dev.Close()
	}
	s.tasks.Wait()
}
