package video

import (
	"errors"
	"sync"
	"testing"
)

type fakeCandidate struct {
	kind RendererKind
	hw   bool
	sw   bool

	mu    sync.Mutex
	drawn int
}

func (c *fakeCandidate) Kind() RendererKind { return c.kind }

func (c *fakeCandidate) Draw(Frame) error {
	c.mu.Lock()
	c.drawn++
	c.mu.Unlock()
	return nil
}

func (c *fakeCandidate) drawCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawn
}

func (c *fakeCandidate) DecoderSupport(codec string, hw HWPreference) bool {
	if hw == PreferHardware {
		return c.hw
	}
	return c.sw
}

func TestProbeOrder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		goos, goarch string
		want         []RendererKind
	}{
		{"darwin", "arm64", []RendererKind{RendererGPU, RendererGL2}},
		{"linux", "amd64", []RendererKind{RendererGL2, RendererGPU}},
		{"linux", "arm64", []RendererKind{RendererGL2}},
	}
	for _, tc := range cases {
		got := probeOrder(tc.goos, tc.goarch)
		if len(got) != len(tc.want) {
			t.Fatalf("%s/%s: order = %v", tc.goos, tc.goarch, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s/%s: order[%d] = %v, want %v", tc.goos, tc.goarch, i, got[i], tc.want[i])
			}
		}
	}
}

func TestSelectRenderer_FirstSupportedWins(t *testing.T) {
	t.Parallel()
	gl2 := &fakeCandidate{kind: RendererGL2, sw: true}
	gpu := &fakeCandidate{kind: RendererGPU, hw: true}
	cands := map[RendererKind]Candidate{RendererGL2: gl2, RendererGPU: gpu}

	got, err := SelectRenderer(cands, "linux", "amd64", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind() != RendererGL2 {
		t.Errorf("selected %v, want gl2 on linux/amd64", got.Kind())
	}

	got, err = SelectRenderer(cands, "darwin", "arm64", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind() != RendererGPU {
		t.Errorf("selected %v, want gpu on darwin", got.Kind())
	}
}

func TestSelectRenderer_SoftwareOnlyStillSelected(t *testing.T) {
	t.Parallel()
	gl2 := &fakeCandidate{kind: RendererGL2, sw: true}
	got, err := SelectRenderer(map[RendererKind]Candidate{RendererGL2: gl2}, "linux", "arm64", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind() != RendererGL2 {
		t.Errorf("selected %v", got.Kind())
	}
}

func TestSelectRenderer_NoneSupported(t *testing.T) {
	t.Parallel()
	gl2 := &fakeCandidate{kind: RendererGL2}
	_, err := SelectRenderer(map[RendererKind]Candidate{RendererGL2: gl2}, "linux", "arm64", nil)
	if !errors.Is(err, ErrNoRenderer) {
		t.Errorf("err = %v, want ErrNoRenderer", err)
	}
}

func TestSelectRenderer_GPUNotProbedOnLinuxArm(t *testing.T) {
	t.Parallel()
	gpu := &fakeCandidate{kind: RendererGPU, hw: true}
	_, err := SelectRenderer(map[RendererKind]Candidate{RendererGPU: gpu}, "linux", "arm64", nil)
	if !errors.Is(err, ErrNoRenderer) {
		t.Error("gpu selected despite not being in the linux/arm probe order")
	}
}
