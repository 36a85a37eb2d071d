package mic

import (
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavDump mirrors captured PCM into a WAV file, one file per capture,
// rewritten on each flush. Debug aid only; failures are logged and
// capture continues.
type wavDump struct {
	log  *slog.Logger
	path string

	mu      sync.Mutex
	samples []int
}

func newWavDump(path string, log *slog.Logger) *wavDump {
	return &wavDump{log: log, path: path}
}

func (d *wavDump) write(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i+1 < len(chunk); i += 2 {
		d.samples = append(d.samples, int(int16(uint16(chunk[i])|uint16(chunk[i+1])<<8)))
	}
}

func (d *wavDump) flush() {
	d.mu.Lock()
	samples := d.samples
	d.samples = nil
	d.mu.Unlock()

	if len(samples) == 0 {
		return
	}
	f, err := os.Create(d.path)
	if err != nil {
		d.log.Warn("wav dump create failed", "path", d.path, "error", err)
		return
	}
	defer f.Close()

	enc := wav.NewEncoder(f, SampleRate, 16, Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: SampleRate, NumChannels: Channels},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		d.log.Warn("wav dump write failed", "error", err)
		return
	}
	if err := enc.Close(); err != nil {
		d.log.Warn("wav dump close failed", "error", err)
		return
	}
	d.log.Debug("wav dump written", "path", d.path, "samples", len(samples))
}
