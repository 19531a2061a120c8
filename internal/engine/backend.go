package engine

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/pdevine/tensor"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SpecialTokens describes the tokenizer ids the generation loop relies on.
type SpecialTokens struct {
	EOS    int32
	Pad    int32
	HasPad bool
}

// Resample selects the interpolation used when images are resized.
type Resample string

const (
	ResampleLanczos  Resample = "lanczos"
	ResampleBicubic  Resample = "bicubic"
	ResampleBilinear Resample = "bilinear"
	ResampleNearest  Resample = "nearest"
)

// Processor renders chat templates and tensorizes text with images.
type Processor interface {
	ApplyChatTemplate(convo []Message, addGenerationPrompt bool) (string, error)
	// Encode pads every text to the longest sequence in the batch.
	Encode(texts []string, images []image.Image) (Inputs, error)
	BatchDecode(rows [][]int32, skipSpecialTokens bool) ([]string, error)
	SpecialTokens() SpecialTokens
	SetPadToken(id int32)
	SetResample(r Resample)
}

// Streamer receives newly generated token ids of a single-row generation.
type Streamer interface {
	Put(ids []int32) error
	End()
}

// GenerateOptions is the decoding configuration handed to a Model.
// Temperature and TopP are nil when sampling is disabled.
type GenerateOptions struct {
	MaxNewTokens int
	DoSample     bool
	Temperature  *float64
	TopP         *float64
	TopK         *int
	PadTokenID   int32
	UseCache     bool
	Streamer     Streamer
}

// Model runs autoregressive generation. Generate returns an int32 tensor of
// shape [rows, promptLen+newTokens].
type Model interface {
	Generate(ctx context.Context, in Inputs, opts GenerateOptions) (*tensor.Dense, error)
	Modules() *Module
}

// MemoryReleaser is implemented by models that can drop cached device memory.
type MemoryReleaser interface {
	ReleaseMemory()
}

// KernelPatcher is implemented by models with optional fused kernels.
type KernelPatcher interface {
	ApplyKernelPatch() error
}

// LoadOptions places model weights at load time.
type LoadOptions struct {
	DType  DType
	Device Device
}

// Backend loads the two halves of a captioning model.
type Backend interface {
	LoadProcessor(ctx context.Context, modelPath string) (Processor, error)
	LoadModel(ctx context.Context, modelPath string, opts LoadOptions) (Model, error)
}

// Factory builds a backend instance.
type Factory func() Backend

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. Registering a name twice
// panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// Open returns a new instance of the named backend.
func Open(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, Backends())
	}
	return factory(), nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
