package jobs

import (
	"sync"
	"time"

	"joycaption/internal/domain"
)

// Channel names the UI surface an event is rendered on.
type Channel string

const (
	ChannelBatchStatus  Channel = "batch_status"
	ChannelSingleStatus Channel = "single_status"
	ChannelSingleOutput Channel = "single_output"
	ChannelGlobalError  Channel = "global_error"
)

// EventType classifies messages emitted during job execution.
type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeNotice EventType = "notice"
	EventTypeResult EventType = "result"
	EventTypeError  EventType = "error"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	JobID     string            `json:"jobId"`
	Type      EventType         `json:"type"`
	Channel   Channel           `json:"channel,omitempty"`
	Status    domain.JobStatus  `json:"status,omitempty"`
	Kind      domain.NoticeKind `json:"kind,omitempty"`
	Message   string            `json:"message,omitempty"`
	Text      string            `json:"text,omitempty"`
	Completed int               `json:"completed,omitempty"`
	Total     int               `json:"total,omitempty"`
	OutputDir string            `json:"outputDir,omitempty"`
	Pending   []string          `json:"pending,omitempty"`
}

// NoticeEvent routes a notice to its channel. Fatal and clear notices go to
// the global error banner; streamed text goes to the single output box.
func NoticeEvent(jobID string, kind domain.JobKind, n domain.Notice) Event {
	channel := ChannelBatchStatus
	if kind == domain.JobKindSingle {
		channel = ChannelSingleStatus
	}
	switch {
	case n.Kind == domain.NoticeFatal || n.Kind == domain.NoticeClear:
		channel = ChannelGlobalError
	case kind == domain.JobKindSingle && n.Kind == domain.NoticeProgress:
		channel = ChannelSingleOutput
	}

	return Event{
		JobID:     jobID,
		Type:      EventTypeNotice,
		Channel:   channel,
		Kind:      n.Kind,
		Message:   n.Message,
		Text:      n.Text,
		Completed: n.Completed,
		Total:     n.Total,
		OutputDir: n.OutputDir,
	}
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}
