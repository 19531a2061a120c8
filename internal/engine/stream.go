package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrStreamTimeout means no fragment arrived within the poll timeout. The
// stream is still alive.
var ErrStreamTimeout = errors.New("timed out waiting for generated text")

// streamBuffer bounds the fragments queued ahead of the consumer.
const streamBuffer = 64

// TextStream turns generated token ids into text fragments. Fragments are
// released at word boundaries; the tail is released when generation ends.
type TextStream struct {
	ctx       context.Context
	proc      Processor
	fragments chan string
	done      chan struct{}
	err       error

	tokens    []int32
	printed   int
	closeOnce sync.Once
}

// newTextStream creates a stream that decodes with proc.
func newTextStream(ctx context.Context, proc Processor) *TextStream {
	return &TextStream{
		ctx:       ctx,
		proc:      proc,
		fragments: make(chan string, streamBuffer),
		done:      make(chan struct{}),
	}
}

// Put appends ids and queues any text completed by them.
func (s *TextStream) Put(ids []int32) error {
	s.tokens = append(s.tokens, ids...)
	text, err := s.decode()
	if err != nil {
		return err
	}

	var fragment string
	switch {
	case strings.HasSuffix(text, "\n"):
		fragment = text[s.printed:]
		s.tokens = s.tokens[:0]
		s.printed = 0
	case strings.HasSuffix(text, "\uFFFD"):
		// Wait for the rest of a multi-byte character.
		return nil
	default:
		end := strings.LastIndex(text, " ") + 1
		if end <= s.printed {
			return nil
		}
		fragment = text[s.printed:end]
		s.printed = end
	}
	return s.send(fragment)
}

// End flushes the remaining text and closes the stream.
func (s *TextStream) End() {
	s.closeOnce.Do(func() {
		if len(s.tokens) > 0 {
			if text, err := s.decode(); err == nil && len(text) > s.printed {
				_ = s.send(text[s.printed:])
			}
		}
		s.tokens = nil
		s.printed = 0
		close(s.fragments)
	})
}

// Next returns the next fragment. It returns io.EOF once generation has
// finished and every fragment was read, and ErrStreamTimeout when nothing
// arrived within timeout.
func (s *TextStream) Next(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fragment, ok := <-s.fragments:
		if !ok {
			return "", io.EOF
		}
		return fragment, nil
	case <-timer.C:
		return "", ErrStreamTimeout
	}
}

// Wait blocks until generation returns and reports its error.
func (s *TextStream) Wait() error {
	<-s.done
	return s.err
}

func (s *TextStream) decode() (string, error) {
	texts, err := s.proc.BatchDecode([][]int32{s.tokens}, true)
	if err != nil {
		return "", err
	}
	if len(texts) != 1 {
		return "", fmt.Errorf("stream: decoder returned %d rows", len(texts))
	}
	return texts[0], nil
}

func (s *TextStream) send(fragment string) error {
	if fragment == "" {
		return nil
	}
	select {
	case s.fragments <- fragment:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// GenerateStream starts generation for a single-row batch on its own
// goroutine and returns the stream it writes to.
func (e *Engine) GenerateStream(ctx context.Context, in Inputs, params DecodingParams) (*TextStream, error) {
	proc, model, err := e.loaded()
	if err != nil {
		return nil, err
	}
	if rows := in.Rows(); rows != 1 {
		return nil, fmt.Errorf("streaming requires exactly one row, got %d", rows)
	}
	e.ReleaseMemory()

	stream := newTextStream(ctx, proc)
	opts := params.Options()
	opts.PadTokenID = proc.SpecialTokens().Pad
	opts.Streamer = stream

	go func() {
		defer close(stream.done)
		defer stream.End()

		if _, err := model.Generate(ctx, in, opts); err != nil {
			stream.err = fmt.Errorf("generate: %w", err)
		}
	}()
	return stream, nil
}
