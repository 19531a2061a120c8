package caption

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/engine/reference"
)

// recorder collects stages and notices emitted by a run.
type recorder struct {
	mu      sync.Mutex
	stages  []domain.JobStatus
	notices []domain.Notice
}

func (r *recorder) stage(s domain.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recorder) notice(n domain.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) messages(kind domain.NoticeKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n.Message)
		}
	}
	return out
}

func (r *recorder) last() domain.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices[len(r.notices)-1]
}

func newTestEngine(opts reference.Options, modelPath string) (*engine.Engine, *reference.Backend) {
	if opts.ImageSize == 0 {
		opts.ImageSize = 8
	}
	backend := reference.New(opts)
	return engine.New(engine.Config{Backend: backend, ModelPath: modelPath, Logger: zerolog.Nop()}), backend
}

func solidImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func mustWritePNG(t *testing.T, path string, c color.Color) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, solidImage(c)); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

func mustWriteFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
