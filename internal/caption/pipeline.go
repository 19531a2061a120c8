// Package caption runs the batch and single-image captioning flows.
package caption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pdevine/tensor"
	"github.com/rs/zerolog"

	"joycaption/internal/dataset"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/metrics"
	"joycaption/internal/prompt"
)

// User-facing messages of the batch flow.
const (
	msgNoFiles         = "No files selected for batch processing. Please upload one or more image files."
	msgBatchOOM        = "Out of accelerator memory! Try reducing batch size."
	msgBatchFailed     = "Batch processing failed. See details below."
	msgProcessorFailed = "Critical error: Model processor could not be loaded"
	msgModelFailed     = "Critical error: Model failed to load"
)

// Engine is the model surface the flows depend on. *engine.Engine
// implements it.
type Engine interface {
	EnsureReady(ctx context.Context, report func(msg string)) error
	Processor() (engine.Processor, error)
	Placement() (engine.Placement, error)
	GenerateBatch(ctx context.Context, in engine.Inputs, params engine.DecodingParams) (*tensor.Dense, error)
	DecodeNew(ids *tensor.Dense, promptLen int) ([]string, error)
	GenerateStream(ctx context.Context, in engine.Inputs, params engine.DecodingParams) (*engine.TextStream, error)
}

// BatchRequest describes one batch run.
type BatchRequest struct {
	Paths     []string
	OutputDir string
	Caption   domain.CaptionSpec
	Decoding  engine.DecodingParams
	BatchSize int
	Workers   int
	OnStage   func(stage domain.JobStatus)
	OnNotice  func(notice domain.Notice)
}

// BatchResult summarizes a finished run. Written maps caption file names to
// their text; Pending lists inputs without a caption file.
type BatchResult struct {
	Written   map[string]string `json:"written"`
	Pending   []string          `json:"pending"`
	Processed int               `json:"processed"`
	Total     int               `json:"total"`
	OutputDir string            `json:"outputDir"`
	Status    domain.JobStatus  `json:"status"`
}

// Pipeline captions a list of images into .txt files.
type Pipeline struct {
	engine  Engine
	log     zerolog.Logger
	metrics *metrics.Recorder
	fs      FS
	open    dataset.Opener
}

// NewPipeline constructs the production pipeline with OS dependencies.
func NewPipeline(eng Engine, log zerolog.Logger, rec *metrics.Recorder) *Pipeline {
	return &Pipeline{
		engine:  eng,
		log:     log,
		metrics: rec,
		fs:      OSFS,
		open:    dataset.OpenRGB,
	}
}

// NewPipelineForTests constructs a pipeline with injectable dependencies.
func NewPipelineForTests(eng Engine, log zerolog.Logger, rec *metrics.Recorder, fs FS, open dataset.Opener) *Pipeline {
	p := NewPipeline(eng, log, rec)
	if fs.Stat != nil {
		p.fs = fs
	}
	if open != nil {
		p.open = open
	}
	return p
}

// Run validates the request, loads the model and captions every image. A
// run that finishes with some images uncaptioned is not an error: the result
// status is done_with_warnings and Pending lists them.
func (p *Pipeline) Run(ctx context.Context, req BatchRequest) (BatchResult, error) {
	notify := noticeFunc(req.OnNotice)
	notify(domain.Notice{Kind: domain.NoticeClear})
	emitStage(req.OnStage, domain.JobStatusValidating)

	if err := p.validate(req); err != nil {
		notify(domain.Notice{Kind: domain.NoticeError, Message: err.Message})
		return BatchResult{Status: domain.JobStatusFailed}, err
	}

	emitStage(req.OnStage, domain.JobStatusLoadingModel)
	if err := loadModel(ctx, p.engine, p.metrics, notify); err != nil {
		return BatchResult{Status: domain.JobStatusFailed}, err
	}

	emitStage(req.OnStage, domain.JobStatusRunning)
	result, err := p.caption(ctx, req, notify)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			result.Status = domain.JobStatusCancelled
			notify(domain.Notice{Kind: domain.NoticeInfo, Message: "Batch processing cancelled."})
			return result, &PipelineError{Stage: domain.JobStatusRunning, Message: "batch processing cancelled", Err: err}
		}

		p.log.Error().Err(err).Int("processed", result.Processed).Int("total", result.Total).Msg("Error during batch processing")
		notify(domain.Notice{Kind: domain.NoticeError, Message: fmt.Sprintf("Error during batch processing: %v", err)})
		fatal := msgBatchFailed
		if engine.IsOutOfMemory(err) {
			fatal = msgBatchOOM
		}
		notify(domain.Notice{Kind: domain.NoticeFatal, Message: fatal})
		result.Status = domain.JobStatusFailed
		return result, &PipelineError{Stage: domain.JobStatusRunning, Message: fatal, Err: err}
	}

	emitStage(req.OnStage, domain.JobStatusSummarizing)
	if len(result.Pending) > 0 {
		p.log.Warn().Strs("pending", result.Pending).Msg("Some images could not be processed")
		notify(domain.Notice{
			Kind:    domain.NoticeError,
			Message: fmt.Sprintf("Warning: %d images could not be processed. Check the console for details.", len(result.Pending)),
		})
		result.Status = domain.JobStatusDoneWithWarnings
		return result, nil
	}

	notify(domain.Notice{
		Kind:      domain.NoticeSuccess,
		Message:   fmt.Sprintf("Batch processing complete! Created %d caption files in: %s", len(result.Written), req.OutputDir),
		Completed: result.Processed,
		Total:     result.Total,
		OutputDir: req.OutputDir,
	})
	result.Status = domain.JobStatusDone
	return result, nil
}

// validate checks the request before any model work.
func (p *Pipeline) validate(req BatchRequest) *PipelineError {
	fail := func(msg string, err error) *PipelineError {
		return &PipelineError{Stage: domain.JobStatusValidating, Message: msg, Err: err}
	}

	if len(req.Paths) == 0 {
		return fail(msgNoFiles, nil)
	}
	seen := make(map[string]struct{}, len(req.Paths))
	for _, path := range req.Paths {
		if strings.TrimSpace(path) == "" {
			return fail("Selected file has an empty path.", nil)
		}
		if _, dup := seen[path]; dup {
			return fail(fmt.Sprintf("Duplicate file in selection: %s", path), nil)
		}
		seen[path] = struct{}{}
	}
	if req.BatchSize < 1 {
		return fail(fmt.Sprintf("Batch size must be at least 1, got %d.", req.BatchSize), nil)
	}
	if req.Workers < 0 {
		return fail(fmt.Sprintf("Number of workers cannot be negative, got %d.", req.Workers), nil)
	}
	if err := p.fs.CheckOutputDir(req.OutputDir); err != nil {
		return fail(err.Error(), err)
	}
	return nil
}

// caption runs every batch, writing each caption as soon as it is decoded.
func (p *Pipeline) caption(ctx context.Context, req BatchRequest, notify func(domain.Notice)) (BatchResult, error) {
	result := BatchResult{
		Written:   map[string]string{},
		Pending:   append([]string(nil), req.Paths...),
		Total:     len(req.Paths),
		OutputDir: req.OutputDir,
	}

	proc, err := p.engine.Processor()
	if err != nil {
		return result, err
	}
	placement, err := p.engine.Placement()
	if err != nil {
		return result, err
	}

	userPrompt := prompt.BuildSpec(req.Caption)
	p.log.Debug().Str("prompt", userPrompt).Msg("Built caption prompt")

	index := dataset.NewIndex(dataset.NewTasks(req.Paths, prompt.SystemPrompt, userPrompt), dataset.IndexOptions{
		Open:   p.open,
		Logger: p.log,
		OnFailure: func(dataset.Task, error) {
			p.metrics.ItemFailed(metrics.ReasonDecode)
		},
	})
	loader := dataset.NewLoader(index, dataset.NewAssembler(proc), dataset.LoaderOptions{
		BatchSize: req.BatchSize,
		Workers:   req.Workers,
	})
	pending := NewPendingSet(req.Paths)

	notify(domain.Notice{Kind: domain.NoticeInfo, Message: fmt.Sprintf("Processing %d images...", result.Total), Total: result.Total})

	err = loader.Iterate(ctx, func(batch dataset.Batch) error {
		if batch.Len() == 0 {
			p.metrics.BatchSkipped()
			return nil
		}

		in, err := engine.Place(batch.Inputs, placement)
		if err != nil {
			return err
		}
		started := time.Now()
		ids, err := p.engine.GenerateBatch(ctx, in, req.Decoding)
		if err != nil {
			return err
		}
		captions, err := p.engine.DecodeNew(ids, in.SeqLen())
		if err != nil {
			return err
		}
		p.metrics.BatchGenerated(time.Since(started))
		rows := min(len(captions), batch.Len())
		if rows < batch.Len() {
			p.log.Warn().Int("captions", len(captions)).Int("images", batch.Len()).
				Strs("missing", batch.Paths[rows:]).Msg("Batch returned fewer captions than images")
			for range batch.Paths[rows:] {
				p.metrics.ItemFailed(metrics.ReasonNoOutput)
			}
		}

		for i, path := range batch.Paths[:rows] {
			name := FileName(path)
			text := strings.TrimSpace(captions[i])
			if err := p.fs.WriteAtomic(req.OutputDir, name, text); err != nil {
				p.log.Error().Err(err).Str("path", path).Str("caption_file", name).Msg("Error saving caption")
				p.metrics.ItemFailed(metrics.ReasonWrite)
				continue
			}
			result.Written[name] = text
			pending.Confirm(path)
			p.metrics.CaptionWritten()
		}

		result.Processed += batch.Len()
		notify(domain.Notice{
			Kind:      domain.NoticeProgress,
			Message:   fmt.Sprintf("Processed %d/%d images...", result.Processed, result.Total),
			Completed: result.Processed,
			Total:     result.Total,
		})
		return nil
	})

	result.Pending = pending.Paths()
	return result, err
}

// loadModel ensures the engine is ready, turning load failures into notices.
func loadModel(ctx context.Context, eng Engine, rec *metrics.Recorder, notify func(domain.Notice)) error {
	err := eng.EnsureReady(ctx, func(msg string) {
		notify(domain.Notice{Kind: domain.NoticeInfo, Message: msg})
	})
	if err == nil {
		rec.SetModelLoaded(true)
		return nil
	}

	fatal := msgModelFailed
	var loadErr *engine.LoadError
	if errors.As(err, &loadErr) && loadErr.Stage == engine.StageProcessor {
		fatal = msgProcessorFailed
	}
	notify(domain.Notice{Kind: domain.NoticeError, Message: err.Error()})
	notify(domain.Notice{Kind: domain.NoticeFatal, Message: fatal})
	return &PipelineError{Stage: domain.JobStatusLoadingModel, Message: fatal, Err: err}
}

// emitStage forwards stage updates when callback is configured.
func emitStage(cb func(stage domain.JobStatus), stage domain.JobStatus) {
	if cb != nil {
		cb(stage)
	}
}

// noticeFunc never returns nil.
func noticeFunc(cb func(domain.Notice)) func(domain.Notice) {
	if cb == nil {
		return func(domain.Notice) {}
	}
	return cb
}
