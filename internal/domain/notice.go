package domain

// NoticeKind classifies one user-visible update emitted by a caption run.
type NoticeKind string

const (
	NoticeInfo     NoticeKind = "info"
	NoticeError    NoticeKind = "error"
	NoticeProgress NoticeKind = "progress"
	NoticeSuccess  NoticeKind = "success"
	NoticeDone     NoticeKind = "done"
	// NoticeFatal is shown in the global error banner.
	NoticeFatal NoticeKind = "fatal"
	// NoticeClear hides the global error banner.
	NoticeClear NoticeKind = "clear"
)

// Notice is a tagged status update. Text carries the accumulated caption
// for streaming progress; Completed and Total carry batch progress.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message,omitempty"`
	Text      string     `json:"text,omitempty"`
	Completed int        `json:"completed,omitempty"`
	Total     int        `json:"total,omitempty"`
	OutputDir string     `json:"outputDir,omitempty"`
}
