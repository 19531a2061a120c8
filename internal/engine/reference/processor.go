package reference

import (
	"fmt"
	"image"
	"strings"

	"github.com/pdevine/tensor"
	"golang.org/x/image/draw"

	"joycaption/internal/engine"
	"joycaption/internal/imagesrc"
)

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipSTD  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Processor is a byte-level tokenizer paired with a fixed-size image
// preprocessor.
type Processor struct {
	imageSize int
	resample  engine.Resample
	pad       int32
	hasPad    bool
}

func newProcessor(imageSize int) *Processor {
	return &Processor{
		imageSize: imageSize,
		resample:  engine.ResampleLanczos,
	}
}

// ApplyChatTemplate renders a llama-3 style conversation. The first user
// turn carries the image placeholder.
func (p *Processor) ApplyChatTemplate(convo []engine.Message, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	b.WriteString(specialText[tokBeginText])

	imagePlaced := false
	for _, msg := range convo {
		switch msg.Role {
		case "system", "user", "assistant":
		default:
			return "", fmt.Errorf("unknown chat role %q", msg.Role)
		}

		b.WriteString(specialText[tokStartHeader])
		b.WriteString(msg.Role)
		b.WriteString(specialText[tokEndHeader])
		b.WriteString("\n\n")
		if msg.Role == "user" && !imagePlaced {
			b.WriteString(specialText[tokImage])
			b.WriteString("\n")
			imagePlaced = true
		}
		b.WriteString(msg.Content)
		b.WriteString(specialText[tokEndTurn])
	}

	if addGenerationPrompt {
		b.WriteString(specialText[tokStartHeader])
		b.WriteString("assistant")
		b.WriteString(specialText[tokEndHeader])
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// Encode tokenizes texts, left pads them to the longest sequence and
// normalizes one image per text into a [n, 3, size, size] tensor.
func (p *Processor) Encode(texts []string, images []image.Image) (engine.Inputs, error) {
	if len(texts) == 0 {
		return engine.Inputs{}, fmt.Errorf("encode: empty batch")
	}
	if len(texts) != len(images) {
		return engine.Inputs{}, fmt.Errorf("encode: %d texts but %d images", len(texts), len(images))
	}

	kernel, err := p.kernel()
	if err != nil {
		return engine.Inputs{}, err
	}

	seqs := make([][]int32, len(texts))
	longest := 0
	for i, text := range texts {
		seqs[i] = tokenize(text)
		if n := countToken(seqs[i], tokImage); n != 1 {
			return engine.Inputs{}, fmt.Errorf("encode: row %d has %d image placeholders, want 1", i, n)
		}
		longest = max(longest, len(seqs[i]))
	}

	pad := p.pad
	ids := make([]int32, len(seqs)*longest)
	mask := make([]int32, len(seqs)*longest)
	for i, seq := range seqs {
		row := ids[i*longest : (i+1)*longest]
		rowMask := mask[i*longest : (i+1)*longest]
		offset := longest - len(seq)
		for j := 0; j < offset; j++ {
			row[j] = pad
		}
		copy(row[offset:], seq)
		for j := offset; j < longest; j++ {
			rowMask[j] = 1
		}
	}

	size := p.imageSize
	plane := size * size
	pixels := make([]float32, 0, len(images)*3*plane)
	for _, img := range images {
		if img == nil {
			return engine.Inputs{}, fmt.Errorf("encode: nil image")
		}
		pixels = append(pixels, p.normalize(img, kernel)...)
	}

	return engine.Inputs{
		InputIDs:      tensor.New(tensor.WithShape(len(seqs), longest), tensor.WithBacking(ids)),
		AttentionMask: tensor.New(tensor.WithShape(len(seqs), longest), tensor.WithBacking(mask)),
		PixelValues:   tensor.New(tensor.WithShape(len(images), 3, size, size), tensor.WithBacking(pixels)),
		PixelDType:    engine.Float32,
		PixelDevice:   engine.DeviceCPU,
		Device:        engine.DeviceCPU,
	}, nil
}

// normalize resizes img to the square input size and returns channel-first
// normalized values.
func (p *Processor) normalize(img image.Image, kernel draw.Interpolator) []float32 {
	size := p.imageSize
	rgb := imagesrc.ToRGB(img)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	kernel.Scale(dst, dst.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := float32(dst.Pix[4*i+c]) / 255
			out[c*plane+i] = (v - clipMean[c]) / clipSTD[c]
		}
	}
	return out
}

func (p *Processor) kernel() (draw.Interpolator, error) {
	switch p.resample {
	case engine.ResampleBicubic:
		return draw.CatmullRom, nil
	case engine.ResampleBilinear:
		return draw.BiLinear, nil
	case engine.ResampleNearest:
		return draw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("resampling method %s is not supported", p.resample)
	}
}

// BatchDecode turns rows of ids back into text.
func (p *Processor) BatchDecode(rows [][]int32, skipSpecialTokens bool) ([]string, error) {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = detokenize(row, skipSpecialTokens)
	}
	return out, nil
}

// SpecialTokens reports end-of-turn as EOS. No pad token is set until
// SetPadToken is called.
func (p *Processor) SpecialTokens() engine.SpecialTokens {
	return engine.SpecialTokens{EOS: tokEndTurn, Pad: p.pad, HasPad: p.hasPad}
}

func (p *Processor) SetPadToken(id int32) {
	p.pad = id
	p.hasPad = true
}

func (p *Processor) SetResample(r engine.Resample) {
	p.resample = r
}

func countToken(ids []int32, tok int32) int {
	n := 0
	for _, id := range ids {
		if id == tok {
			n++
		}
	}
	return n
}
