package caption

import (
	"errors"
	"fmt"

	"joycaption/internal/domain"
)

// ErrNoImage is returned when the single-image flow has nothing to caption.
var ErrNoImage = errors.New("no image selected")

// PipelineError is a stage-aware error carrying the user-facing message.
type PipelineError struct {
	Stage   domain.JobStatus `json:"stage"`
	Message string           `json:"message"`
	Err     error            `json:"-"`
}

// Error formats pipeline failures for logs and UI.
func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
