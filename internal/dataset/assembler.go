package dataset

import (
	"fmt"
	"image"
	"strings"

	"joycaption/internal/engine"
)

// Batch is a tensorized group of images. Paths[i] owns tensor row i.
type Batch struct {
	Inputs engine.Inputs
	Paths  []string
}

// Len is the number of rows; zero means every item was dropped.
func (b Batch) Len() int {
	return len(b.Paths)
}

// Encoder is the part of engine.Processor the assembler needs.
type Encoder interface {
	ApplyChatTemplate(convo []engine.Message, addGenerationPrompt bool) (string, error)
	Encode(texts []string, images []image.Image) (engine.Inputs, error)
}

// Assembler builds batches from retrieved items.
type Assembler struct {
	enc Encoder
}

// NewAssembler returns an assembler that encodes with enc.
func NewAssembler(enc Encoder) *Assembler {
	return &Assembler{enc: enc}
}

// Assemble drops unsuccessful items and encodes the rest with longest
// padding. An all-dropped input yields an empty batch without calling the
// encoder.
func (a *Assembler) Assemble(items []Item) (Batch, error) {
	texts := make([]string, 0, len(items))
	images := make([]image.Image, 0, len(items))
	paths := make([]string, 0, len(items))

	for _, item := range items {
		if item.Outcome != OutcomeSuccess || item.Image == nil {
			continue
		}

		convo := []engine.Message{
			{Role: "system", Content: strings.TrimSpace(item.Task.SystemPrompt)},
			{Role: "user", Content: strings.TrimSpace(item.Task.UserPrompt)},
		}
		text, err := a.enc.ApplyChatTemplate(convo, true)
		if err != nil {
			return Batch{}, fmt.Errorf("chat template for %s: %w", item.Task.Path, err)
		}

		texts = append(texts, text)
		images = append(images, item.Image)
		paths = append(paths, item.Task.Path)
	}

	if len(paths) == 0 {
		return Batch{}, nil
	}

	inputs, err := a.enc.Encode(texts, images)
	if err != nil {
		return Batch{}, fmt.Errorf("encode batch: %w", err)
	}
	return Batch{Inputs: inputs, Paths: paths}, nil
}
