package reference

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pdevine/tensor"

	"joycaption/internal/engine"
)

// bytesPerToken is the simulated activation cost of one token.
const bytesPerToken = 4096

// Model derives a caption from the average color of each image. Decoding is
// greedy and deterministic; sampling options are accepted and ignored.
type Model struct {
	opts     Options
	load     engine.LoadOptions
	releases atomic.Int32
	calls    atomic.Int32
}

// Generate returns prompt ids followed by the caption bytes, an end-of-turn
// token and right padding to the longest row.
func (m *Model) Generate(ctx context.Context, in engine.Inputs, opts engine.GenerateOptions) (*tensor.Dense, error) {
	m.calls.Add(1)
	rows, seq := in.Rows(), in.SeqLen()
	if rows == 0 {
		return nil, fmt.Errorf("reference: empty batch")
	}
	if opts.Streamer != nil && rows != 1 {
		return nil, fmt.Errorf("reference: streaming supports a single row, got %d", rows)
	}

	if budget := m.opts.MemoryBudget; budget > 0 {
		need := int64(rows) * int64(seq+opts.MaxNewTokens) * bytesPerToken
		if need > budget {
			return nil, fmt.Errorf("reference: allocating %d bytes for %d rows: %w", need, rows, engine.ErrOutOfMemory)
		}
	}

	pixels, err := in.Pixels()
	if err != nil {
		return nil, err
	}
	plane := len(pixels) / (3 * rows)
	ids := in.IDs()
	mask := in.Mask()

	generated := make([][]int32, rows)
	longest := 0
	for r := 0; r < rows; r++ {
		instruction := detokenize(maskedRow(ids[r*seq:(r+1)*seq], mask[r*seq:(r+1)*seq]), true)
		caption := describe(channelMeans(pixels[r*3*plane:(r+1)*3*plane]), instruction)

		out := tokenize(caption)
		if limit := opts.MaxNewTokens; limit > 0 && len(out) >= limit {
			out = out[:limit]
		} else {
			out = append(out, tokEndTurn)
		}
		generated[r] = out
		longest = max(longest, len(out))
	}

	if opts.Streamer != nil {
		if err := m.stream(ctx, generated[0], opts.Streamer); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := seq + longest
	data := make([]int32, rows*width)
	for r := 0; r < rows; r++ {
		row := data[r*width : (r+1)*width]
		copy(row, ids[r*seq:(r+1)*seq])
		copy(row[seq:], generated[r])
		for j := seq + len(generated[r]); j < width; j++ {
			row[j] = opts.PadTokenID
		}
	}
	return tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data)), nil
}

// stream feeds tokens one at a time, as an autoregressive loop would.
func (m *Model) stream(ctx context.Context, tokens []int32, streamer engine.Streamer) error {
	defer streamer.End()
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.opts.TokenDelay > 0 {
			time.Sleep(m.opts.TokenDelay)
		}
		if err := streamer.Put([]int32{tok}); err != nil {
			return err
		}
	}
	return nil
}

// Modules exposes the layout selected in Options.
func (m *Model) Modules() *engine.Module {
	weight := func() []engine.Parameter {
		return []engine.Parameter{{Name: "weight", DType: m.load.DType, Device: m.load.Device}}
	}
	vision := &engine.Module{Name: "vision_tower", Children: []*engine.Module{
		{Name: "vision_model", Children: []*engine.Module{
			{Name: "embeddings", Children: []*engine.Module{
				{Name: "patch_embedding", Params: weight()},
			}},
		}},
	}}
	projector := &engine.Module{Name: "multi_modal_projector", Params: weight()}
	language := &engine.Module{Name: "language_model", Children: []*engine.Module{
		{Name: "embed_tokens", Params: weight()},
	}}

	switch m.opts.Layout {
	case LayoutNested:
		return &engine.Module{Name: "root", Children: []*engine.Module{
			{Name: "model", Children: []*engine.Module{vision, projector, language}},
		}}
	case LayoutOpaque:
		return &engine.Module{Name: "root", Children: []*engine.Module{projector}}
	case LayoutEmpty:
		return &engine.Module{Name: "root"}
	default:
		return &engine.Module{Name: "root", Children: []*engine.Module{vision, projector, language}}
	}
}

// ReleaseMemory counts cache releases.
func (m *Model) ReleaseMemory() {
	m.releases.Add(1)
}

// Generations reports how many times Generate ran.
func (m *Model) Generations() int {
	return int(m.calls.Load())
}

// Releases reports how many times ReleaseMemory ran.
func (m *Model) Releases() int {
	return int(m.releases.Load())
}

// ApplyKernelPatch fails when Options.KernelPatchErr is set.
func (m *Model) ApplyKernelPatch() error {
	return m.opts.KernelPatchErr
}

func maskedRow(ids, mask []int32) []int32 {
	out := make([]int32, 0, len(ids))
	for i, id := range ids {
		if mask[i] != 0 {
			out = append(out, id)
		}
	}
	return out
}

// channelMeans returns the mean of each channel in [0, 1].
func channelMeans(values []float32) [3]float64 {
	var means [3]float64
	plane := len(values) / 3
	if plane == 0 {
		return means
	}
	for c := 0; c < 3; c++ {
		var sum float64
		for _, v := range values[c*plane : (c+1)*plane] {
			sum += float64(v*clipSTD[c] + clipMean[c])
		}
		means[c] = math.Min(1, math.Max(0, sum/float64(plane)))
	}
	return means
}

// describe turns average color into a caption, or a tag list when the
// instruction asks for tags.
func describe(rgb [3]float64, instruction string) string {
	color := colorName(rgb)
	light := lightName(rgb)

	if strings.Contains(strings.ToLower(instruction), "tags") {
		return fmt.Sprintf("%s_theme, %s, simple_background", color, strings.ReplaceAll(light, " ", "_"))
	}
	return fmt.Sprintf("A %s image dominated by %s tones.", light, color)
}

func lightName(rgb [3]float64) string {
	luma := 0.299*rgb[0] + 0.587*rgb[1] + 0.114*rgb[2]
	switch {
	case luma < 0.35:
		return "dark"
	case luma > 0.65:
		return "bright"
	default:
		return "softly lit"
	}
}

func colorName(rgb [3]float64) string {
	hi := math.Max(rgb[0], math.Max(rgb[1], rgb[2]))
	lo := math.Min(rgb[0], math.Min(rgb[1], rgb[2]))
	if hi-lo < 0.1 {
		switch {
		case hi > 0.85:
			return "white"
		case hi < 0.15:
			return "black"
		default:
			return "gray"
		}
	}

	var hue float64
	switch hi {
	case rgb[0]:
		hue = math.Mod((rgb[1]-rgb[2])/(hi-lo), 6)
	case rgb[1]:
		hue = (rgb[2]-rgb[0])/(hi-lo) + 2
	default:
		hue = (rgb[0]-rgb[1])/(hi-lo) + 4
	}
	hue *= 60
	if hue < 0 {
		hue += 360
	}

	switch {
	case hue < 20 || hue >= 340:
		return "red"
	case hue < 45:
		return "orange"
	case hue < 70:
		return "yellow"
	case hue < 160:
		return "green"
	case hue < 200:
		return "cyan"
	case hue < 260:
		return "blue"
	case hue < 300:
		return "purple"
	default:
		return "magenta"
	}
}
