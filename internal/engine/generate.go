package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pdevine/tensor"
)

// ErrOutOfMemory is returned by backends that exhaust accelerator memory.
var ErrOutOfMemory = errors.New("out of memory")

// outOfMemoryMarkers are runtime messages that mean memory exhaustion.
var outOfMemoryMarkers = []string{
	"out of memory",
	"cudamalloc failed",
	"cuda error: out of memory",
	"failed to allocate",
}

// DecodingParams are the user facing generation settings.
type DecodingParams struct {
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"topP"`
	MaxNewTokens int     `json:"maxNewTokens"`
}

// Options maps the settings onto model options. A zero temperature means
// greedy decoding, so temperature and top-p are left unset.
func (p DecodingParams) Options() GenerateOptions {
	opts := GenerateOptions{
		MaxNewTokens: p.MaxNewTokens,
		DoSample:     p.Temperature > 0,
		UseCache:     true,
	}
	if opts.DoSample {
		temperature, topP := p.Temperature, p.TopP
		opts.Temperature = &temperature
		opts.TopP = &topP
	}
	return opts
}

// GenerateBatch releases cached memory and runs generation over a placed
// batch. The result holds the prompt followed by the new tokens.
func (e *Engine) GenerateBatch(ctx context.Context, in Inputs, params DecodingParams) (*tensor.Dense, error) {
	proc, model, err := e.loaded()
	if err != nil {
		return nil, err
	}
	e.ReleaseMemory()

	opts := params.Options()
	opts.PadTokenID = proc.SpecialTokens().Pad
	ids, err := model.Generate(ctx, in, opts)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return ids, nil
}

// DecodeNew drops the first promptLen tokens of every row and decodes the
// rest, skipping special tokens and leaving whitespace untouched.
func (e *Engine) DecodeNew(ids *tensor.Dense, promptLen int) ([]string, error) {
	proc, _, err := e.loaded()
	if err != nil {
		return nil, err
	}

	rows, err := SplitRows(ids, promptLen)
	if err != nil {
		return nil, err
	}
	return proc.BatchDecode(rows, true)
}

// SplitRows slices an int32 [rows, seq] tensor into rows, starting each at
// offset.
func SplitRows(ids *tensor.Dense, offset int) ([][]int32, error) {
	if ids == nil {
		return nil, errors.New("generate: no output ids")
	}
	shape := ids.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("generate: expected 2-d ids, got shape %v", shape)
	}
	data, ok := ids.Data().([]int32)
	if !ok {
		return nil, fmt.Errorf("generate: expected int32 ids, got %T", ids.Data())
	}

	n, width := shape[0], shape[1]
	if offset < 0 || offset > width {
		return nil, fmt.Errorf("generate: prompt length %d outside sequence of %d", offset, width)
	}
	rows := make([][]int32, n)
	for r := 0; r < n; r++ {
		rows[r] = data[r*width+offset : (r+1)*width]
	}
	return rows, nil
}

// IsOutOfMemory reports whether err is an accelerator memory failure.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range outOfMemoryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
