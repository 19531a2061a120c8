// Package dataset turns a list of image paths into model-ready batches.
package dataset

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"joycaption/internal/imagesrc"
)

// Task is one image to caption with the prompts it is captioned with.
type Task struct {
	Path         string
	SystemPrompt string
	UserPrompt   string
}

// NewTasks pairs every path with the same prompts, preserving order.
func NewTasks(paths []string, systemPrompt, userPrompt string) []Task {
	tasks := make([]Task, len(paths))
	for i, path := range paths {
		tasks[i] = Task{Path: path, SystemPrompt: systemPrompt, UserPrompt: userPrompt}
	}
	return tasks
}

// Outcome is the result of retrieving one item.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeSkipped means retrieval was not attempted.
	OutcomeSkipped
	// OutcomeFailed means the image could not be read or decoded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Item is a retrieved task. Image is set only on success.
type Item struct {
	Task    Task
	Image   image.Image
	Outcome Outcome
	Err     error
}

// Opener reads and normalizes one image.
type Opener func(path string) (image.Image, error)

// OpenRGB is the default Opener.
func OpenRGB(path string) (image.Image, error) {
	return imagesrc.Open(path)
}

// IndexOptions configures an Index.
type IndexOptions struct {
	Open      Opener
	Logger    zerolog.Logger
	OnFailure func(task Task, err error)
}

// Index gives random access to tasks, decoding images on demand.
type Index struct {
	tasks     []Task
	open      Opener
	log       zerolog.Logger
	onFailure func(task Task, err error)
}

// NewIndex creates an index over tasks. Nothing is decoded up front.
func NewIndex(tasks []Task, opts IndexOptions) *Index {
	open := opts.Open
	if open == nil {
		open = OpenRGB
	}
	return &Index{
		tasks:     tasks,
		open:      open,
		log:       opts.Logger,
		onFailure: opts.OnFailure,
	}
}

// Len is the number of tasks.
func (ix *Index) Len() int {
	return len(ix.tasks)
}

// Get decodes the image of task i. It never panics and never returns an
// error: failures are logged and reported as OutcomeFailed, and a cancelled
// context yields OutcomeSkipped.
func (ix *Index) Get(ctx context.Context, i int) Item {
	if i < 0 || i >= len(ix.tasks) {
		return Item{Outcome: OutcomeFailed, Err: fmt.Errorf("index %d out of range [0, %d)", i, len(ix.tasks))}
	}

	task := ix.tasks[i]
	if err := ctx.Err(); err != nil {
		return Item{Task: task, Outcome: OutcomeSkipped, Err: err}
	}

	img, err := ix.open(task.Path)
	if err != nil {
		ix.log.Warn().Err(err).Str("path", task.Path).Msg("Error loading image")
		if ix.onFailure != nil {
			ix.onFailure(task, err)
		}
		return Item{Task: task, Outcome: OutcomeFailed, Err: err}
	}
	return Item{Task: task, Image: img, Outcome: OutcomeSuccess}
}
