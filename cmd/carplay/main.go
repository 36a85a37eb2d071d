// Command carplay runs the dongle core headless: it opens the Carlinkit
// adapter, brings the session up, and logs the upward event stream.
// Hosts with a real display and audio stack embed the carlink package
// instead; the stub decoder and renderer here only exercise the pipeline.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"

	"github.com/wikilift/pi-carplay/carlink"
	"github.com/wikilift/pi-carplay/config"
	"github.com/wikilift/pi-carplay/internal/session"
	"github.com/wikilift/pi-carplay/internal/usb"
	"github.com/wikilift/pi-carplay/internal/video"
	"github.com/wikilift/pi-carplay/media"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(os.Getenv("CARPLAY_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	watcher := usb.NewWatcher(func() bool { return usb.Present(usbCtx) }, 0, nil)

	core := carlink.New(carlink.Options{
		Config: cfg,
		OpenDevice: func() (session.Transport, error) {
			dev, err := usb.Open(usbCtx, nil)
			if err != nil {
				return nil, err
			}
			if err := dev.Claim(); err != nil {
				dev.Close()
				return nil, err
			}
			return dev, nil
		},
		Decoder: nullDecoder{},
		Renderers: map[video.RendererKind]video.Candidate{
			video.RendererGL2: nullRenderer{},
		},
		MicDumpPath: os.Getenv("CARPLAY_MIC_DUMP"),
		Watch:       watcher.Events(),
		AutoConnect: true,
	})

	slog.Info("carplay starting",
		"version", version,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.Fps,
		"wifi", cfg.WifiType,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return core.Run(ctx) })
	g.Go(func() error {
		logEvents(ctx, core.Events())
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

// logEvents narrates the upward stream for headless runs.
func logEvents(ctx context.Context, events <-chan media.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch e := ev.(type) {
			case media.Plugged:
				slog.Info("phone plugged", "phoneType", int(e.PhoneType), "wifi", e.WifiAvail)
			case media.Unplugged:
				slog.Info("phone unplugged")
			case media.Resolution:
				slog.Info("video resolution", "width", e.Width, "height", e.Height)
			case media.AudioInfo:
				slog.Info("audio stream", "codec", e.Codec, "rate", e.SampleRate, "channels", e.Channels)
			case media.DongleInfo:
				slog.Info("dongle", "serial", e.Serial, "product", e.Product, "fw", e.FwVersion)
			case media.AudioUnderrun:
				slog.Warn("audio underrun", "decodeType", e.DecodeType, "recovered", e.Recovered)
			case media.Failure:
				slog.Error("session failure", "error", e.Err)
			}
		}
	}
}

// nullDecoder accepts every access unit and produces placeholder frames.
type nullDecoder struct{}

type nullFrame struct{}

func (nullFrame) Release() {}

func (nullDecoder) Configure(cfg video.DecoderConfig) error {
	slog.Debug("decoder configured", "codec", cfg.Codec, "accel", cfg.HWAccel.String())
	return nil
}

func (nullDecoder) Decode(au video.AccessUnit) (video.Frame, error) {
	return nullFrame{}, nil
}

func (nullDecoder) Close() {}

// nullRenderer draws nowhere but reports decoder support so the pipeline
// runs end to end.
type nullRenderer struct{}

func (nullRenderer) Kind() video.RendererKind { return video.RendererGL2 }
func (nullRenderer) Draw(video.Frame) error   { return nil }
func (nullRenderer) DecoderSupport(string, video.HWPreference) bool {
	return true
}
