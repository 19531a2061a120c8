package caption

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/metrics"
	"joycaption/internal/prompt"
)

const (
	msgNoImage      = "No image selected for captioning. Please upload an image."
	msgStreamOOM    = "Out of accelerator memory! Try reducing batch size or closing other applications using GPU memory."
	msgStreamFailed = "Generation failed. See details below."
)

// DefaultPollTimeout bounds each wait for the next streamed fragment.
const DefaultPollTimeout = 10 * time.Second

// SingleRequest captions one image with an already built prompt.
type SingleRequest struct {
	Image       image.Image
	Prompt      string
	Decoding    engine.DecodingParams
	PollTimeout time.Duration
	OnStage     func(stage domain.JobStatus)
	OnNotice    func(notice domain.Notice)
}

// Single streams a caption for one image.
type Single struct {
	engine  Engine
	log     zerolog.Logger
	metrics *metrics.Recorder
}

// NewSingle creates the single-image flow.
func NewSingle(eng Engine, log zerolog.Logger, rec *metrics.Recorder) *Single {
	return &Single{engine: eng, log: log, metrics: rec}
}

// Run generates on a background goroutine and republishes the accumulated
// text after every fragment. It returns the full caption.
func (s *Single) Run(ctx context.Context, req SingleRequest) (string, error) {
	notify := noticeFunc(req.OnNotice)
	notify(domain.Notice{Kind: domain.NoticeClear})

	if req.Image == nil {
		notify(domain.Notice{Kind: domain.NoticeError, Message: msgNoImage})
		return "", &PipelineError{Stage: domain.JobStatusValidating, Message: msgNoImage, Err: ErrNoImage}
	}

	emitStage(req.OnStage, domain.JobStatusLoadingModel)
	if err := loadModel(ctx, s.engine, s.metrics, notify); err != nil {
		return "", err
	}

	emitStage(req.OnStage, domain.JobStatusGenerating)
	notify(domain.Notice{Kind: domain.NoticeInfo, Message: "Generating caption..."})

	started := time.Now()
	text, err := s.generate(ctx, req, notify)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			notify(domain.Notice{Kind: domain.NoticeInfo, Message: "Captioning cancelled."})
			return text, &PipelineError{Stage: domain.JobStatusGenerating, Message: "captioning cancelled", Err: err}
		}

		s.log.Error().Err(err).Msg("Error during generation")
		notify(domain.Notice{Kind: domain.NoticeError, Message: fmt.Sprintf("Error during generation: %v", err)})
		fatal := msgStreamFailed
		if engine.IsOutOfMemory(err) {
			fatal = msgStreamOOM
		}
		notify(domain.Notice{Kind: domain.NoticeFatal, Message: fatal})
		return text, &PipelineError{Stage: domain.JobStatusGenerating, Message: fatal, Err: err}
	}
	s.metrics.StreamGenerated(time.Since(started))

	notify(domain.Notice{Kind: domain.NoticeDone, Message: "Captioning complete!", Text: text})
	return text, nil
}

// generate starts the stream once and drains it.
func (s *Single) generate(ctx context.Context, req SingleRequest, notify func(domain.Notice)) (string, error) {
	proc, err := s.engine.Processor()
	if err != nil {
		return "", err
	}

	convo := []engine.Message{
		{Role: "system", Content: strings.TrimSpace(prompt.SystemPrompt)},
		{Role: "user", Content: strings.TrimSpace(req.Prompt)},
	}
	templated, err := proc.ApplyChatTemplate(convo, true)
	if err != nil {
		return "", err
	}
	in, err := proc.Encode([]string{templated}, []image.Image{req.Image})
	if err != nil {
		return "", err
	}
	placement, err := s.engine.Placement()
	if err != nil {
		return "", err
	}
	if in, err = engine.Place(in, placement); err != nil {
		return "", err
	}

	stream, err := s.engine.GenerateStream(ctx, in, req.Decoding)
	if err != nil {
		return "", err
	}

	timeout := req.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	var out strings.Builder
	for {
		fragment, err := stream.Next(timeout)
		if errors.Is(err, engine.ErrStreamTimeout) {
			s.log.Debug().Dur("timeout", timeout).Msg("No text streamed yet, still waiting")
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		out.WriteString(fragment)
		notify(domain.Notice{Kind: domain.NoticeProgress, Text: out.String()})
	}

	if err := stream.Wait(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}
