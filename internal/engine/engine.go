// Package engine owns the captioning model: lazy two-step loading, tensor
// placement, batch generation and streaming generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotReady is returned when the model is used before EnsureReady.
var ErrNotReady = errors.New("model is not loaded")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("engine is closed")

// LoadStage identifies which half of the model failed to load.
type LoadStage string

const (
	StageProcessor LoadStage = "processor"
	StageModel     LoadStage = "model"
)

// LoadError reports a failed load. The engine stays retryable.
type LoadError struct {
	Stage LoadStage
	Err   error
}

// Error formats load failures for logs and UI.
func (e *LoadError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("Failed to load %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the backend error.
func (e *LoadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Config configures an Engine.
type Config struct {
	Backend   Backend
	ModelPath string
	Load      LoadOptions
	Logger    zerolog.Logger
}

// Engine is the process-wide inference context. The zero value is not
// usable; construct with New.
type Engine struct {
	mu        sync.Mutex
	backend   Backend
	modelPath string
	load      LoadOptions
	log       zerolog.Logger
	processor Processor
	model     Model
	closed    bool

	freeHostMemory func()
}

// New creates an engine in the uninitialized state. Nothing is loaded until
// EnsureReady.
func New(cfg Config) *Engine {
	load := cfg.Load
	if load.DType == "" {
		load.DType = BFloat16
	}
	if load.Device == "" {
		load.Device = DeviceCUDA0
	}

	return &Engine{
		backend:   cfg.Backend,
		modelPath: cfg.ModelPath,
		load:      load,
		log:       cfg.Logger,
		freeHostMemory: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
}

// EnsureReady loads the processor and then the model, skipping whichever is
// already loaded. report receives human readable progress messages and may
// be nil. Concurrent callers serialize on the engine lock.
func (e *Engine) EnsureReady(ctx context.Context, report func(msg string)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.backend == nil {
		return &LoadError{Stage: StageProcessor, Err: errors.New("no backend configured")}
	}

	if e.processor == nil {
		e.log.Info().Str("path", e.modelPath).Msg("Loading processor...")
		emitReport(report, "Loading processor...")

		proc, err := e.backend.LoadProcessor(ctx, e.modelPath)
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to load processor")
			return &LoadError{Stage: StageProcessor, Err: err}
		}
		if tokens := proc.SpecialTokens(); !tokens.HasPad {
			proc.SetPadToken(tokens.EOS)
		}
		proc.SetResample(ResampleBicubic)
		e.processor = proc
	}

	if e.model == nil {
		e.log.Info().Str("path", e.modelPath).Msg("Loading model...")
		emitReport(report, "Loading model weights...")
		e.releaseLocked()

		model, err := e.backend.LoadModel(ctx, e.modelPath, e.load)
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to load model")
			return &LoadError{Stage: StageModel, Err: err}
		}
		if patcher, ok := model.(KernelPatcher); ok {
			if err := patcher.ApplyKernelPatch(); err != nil {
				e.log.Warn().Err(err).Msg("Kernel patch could not be applied")
			}
		}
		e.model = model
	}

	emitReport(report, "Model ready!")
	return nil
}

// Ready reports whether both halves are loaded.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processor != nil && e.model != nil && !e.closed
}

// Processor returns the loaded processor.
func (e *Engine) Processor() (Processor, error) {
	proc, _, err := e.loaded()
	return proc, err
}

// Placement resolves where batch tensors must be moved for the loaded model.
func (e *Engine) Placement() (Placement, error) {
	_, model, err := e.loaded()
	if err != nil {
		return Placement{}, err
	}
	return ResolvePlacement(model.Modules(), e.log), nil
}

// ReleaseMemory frees cached accelerator memory and runs a host GC.
func (e *Engine) ReleaseMemory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked()
}

func (e *Engine) releaseLocked() {
	if releaser, ok := e.model.(MemoryReleaser); ok {
		releaser.ReleaseMemory()
	}
	if e.freeHostMemory != nil {
		e.freeHostMemory()
	}
}

// Close drops the model. The engine cannot be reused afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLocked()
	e.processor = nil
	e.model = nil
	e.closed = true
	return nil
}

// loaded returns the processor and model or the reason they are unusable.
func (e *Engine) loaded() (Processor, Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, ErrClosed
	}
	if e.processor == nil || e.model == nil {
		return nil, nil, ErrNotReady
	}
	return e.processor, e.model, nil
}

// emitReport forwards progress when callback is configured.
func emitReport(cb func(msg string), msg string) {
	if cb != nil {
		cb(msg)
	}
}
