// Package reference is a deterministic, self-contained captioning backend.
// It tokenizes bytes, preprocesses images like a SigLIP/CLIP vision tower
// and captions from color statistics, which makes every pipeline path
// reproducible without accelerator hardware.
package reference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"joycaption/internal/engine"
)

// Name is the registry key of this backend.
const Name = "reference"

// DefaultImageSize matches the vision tower input resolution.
const DefaultImageSize = 384

// Layout selects which module paths the model exposes.
type Layout int

const (
	// LayoutFlat exposes vision_tower and language_model at the root.
	LayoutFlat Layout = iota
	// LayoutNested nests them under "model".
	LayoutNested
	// LayoutOpaque exposes parameters but none of the known paths.
	LayoutOpaque
	// LayoutEmpty exposes no parameters at all.
	LayoutEmpty
)

// Options tunes the simulated hardware.
type Options struct {
	ImageSize int
	// MemoryBudget caps the simulated activation memory of one Generate
	// call in bytes. Zero means unlimited.
	MemoryBudget int64
	TokenDelay   time.Duration
	Layout       Layout
	// KernelPatchErr is returned by ApplyKernelPatch.
	KernelPatchErr error
	// ModelLoadFailures makes the first N model loads fail.
	ModelLoadFailures int
}

func init() {
	engine.Register(Name, func() engine.Backend { return New(Options{}) })
}

// Backend loads reference processors and models.
type Backend struct {
	opts Options

	mu             sync.Mutex
	processorLoads int
	modelLoads     int
	lastModel      *Model
}

// New returns a backend with opts.
func New(opts Options) *Backend {
	if opts.ImageSize <= 0 {
		opts.ImageSize = DefaultImageSize
	}
	return &Backend{opts: opts}
}

// LoadProcessor checks that modelPath, when set, exists.
func (b *Backend) LoadProcessor(ctx context.Context, modelPath string) (engine.Processor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.processorLoads++
	b.mu.Unlock()

	if err := checkModelPath(modelPath); err != nil {
		return nil, err
	}
	return newProcessor(b.opts.ImageSize), nil
}

// LoadModel places weights with opts.
func (b *Backend) LoadModel(ctx context.Context, modelPath string, opts engine.LoadOptions) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelLoads++
	if err := checkModelPath(modelPath); err != nil {
		return nil, err
	}
	if b.modelLoads <= b.opts.ModelLoadFailures {
		return nil, errors.New("weights could not be placed on device")
	}
	b.lastModel = &Model{opts: b.opts, load: opts}
	return b.lastModel, nil
}

// Loads reports how many processor and model loads were attempted.
func (b *Backend) Loads() (processor, model int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processorLoads, b.modelLoads
}

// LastModel returns the most recently loaded model.
func (b *Backend) LastModel() *Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastModel
}

func checkModelPath(modelPath string) error {
	if modelPath == "" {
		return nil
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model path: %w", err)
	}
	return nil
}
