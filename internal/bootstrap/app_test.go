package bootstrap

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"joycaption/internal/caption"
	"joycaption/internal/config"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/engine/reference"
	"joycaption/internal/jobs"
	"joycaption/internal/metrics"
)

// fakeStore returns deterministic settings for App tests.
type fakeStore struct {
	settings domain.Settings
}

// Load returns preconfigured settings.
func (s *fakeStore) Load() (domain.Settings, error) {
	return s.settings, nil
}

// Save replaces the stored settings.
func (s *fakeStore) Save(settings domain.Settings) error {
	s.settings = settings
	return nil
}

// fakeBatch allows injecting custom run behavior per test.
type fakeBatch struct {
	run func(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error)
}

// Run delegates to injected function.
func (p *fakeBatch) Run(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error) {
	if p.run == nil {
		return caption.BatchResult{Status: domain.JobStatusDone}, nil
	}
	return p.run(ctx, req)
}

// fakeSingle allows injecting custom single-image behavior per test.
type fakeSingle struct {
	run func(ctx context.Context, req caption.SingleRequest) (string, error)
}

// Run delegates to injected function.
func (p *fakeSingle) Run(ctx context.Context, req caption.SingleRequest) (string, error) {
	if p.run == nil {
		return "", nil
	}
	return p.run(ctx, req)
}

func newTestApp(t *testing.T, batch batchRunner, single singleRunner) *App {
	t.Helper()
	settings := config.DefaultSettings()
	settings.OutputDir = t.TempDir()
	settings.ModelPath = ""
	return &App{
		Store:   &fakeStore{settings: settings},
		Jobs:    jobs.NewManager(),
		Batch:   batch,
		Single:  single,
		Metrics: metrics.New(),
		Log:     zerolog.Nop(),
		events:  jobs.NewEventBus(500),
	}
}

// TestStartBatchEnforcesSingleRunningJob checks single-job guard.
func TestStartBatchEnforcesSingleRunningJob(t *testing.T) {
	app := newTestApp(t, &fakeBatch{run: func(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error) {
		<-ctx.Done()
		return caption.BatchResult{Status: domain.JobStatusCancelled}, ctx.Err()
	}}, &fakeSingle{})

	if _, err := app.StartBatch([]string{"/tmp/a.png"}); err != nil {
		t.Fatalf("start first job: %v", err)
	}
	if _, err := app.StartBatch([]string{"/tmp/b.png"}); !errors.Is(err, jobs.ErrJobAlreadyRunning) {
		t.Fatalf("second start error = %v, want %v", err, jobs.ErrJobAlreadyRunning)
	}
	if _, err := app.StartCaption("/tmp/c.png", "Describe."); !errors.Is(err, jobs.ErrJobAlreadyRunning) {
		t.Fatalf("caption start error = %v, want %v", err, jobs.ErrJobAlreadyRunning)
	}

	if err := app.CancelJob(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForJobEnd(t, app)
	if got := app.CurrentJob().Status; got != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	if err := app.CancelJob(); !errors.Is(err, jobs.ErrNoRunningJob) {
		t.Fatalf("cancel when idle = %v, want %v", err, jobs.ErrNoRunningJob)
	}
}

// TestStartBatchPublishesStagesNoticesAndResult checks event flow.
func TestStartBatchPublishesStagesNoticesAndResult(t *testing.T) {
	var got caption.BatchRequest
	app := newTestApp(t, &fakeBatch{run: func(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error) {
		got = req
		for _, stage := range []domain.JobStatus{
			domain.JobStatusValidating,
			domain.JobStatusLoadingModel,
			domain.JobStatusRunning,
		} {
			req.OnStage(stage)
		}
		req.OnNotice(domain.Notice{Kind: domain.NoticeProgress, Message: "Processed 1/2 images...", Completed: 1, Total: 2})
		req.OnStage(domain.JobStatusSummarizing)
		req.OnNotice(domain.Notice{Kind: domain.NoticeError, Message: "Warning: 1 images could not be processed. Check the console for details."})
		return caption.BatchResult{
			Written:   map[string]string{"a.txt": "A caption."},
			Pending:   []string{"/in/b.png"},
			Processed: 2,
			Total:     2,
			OutputDir: req.OutputDir,
			Status:    domain.JobStatusDoneWithWarnings,
		}, nil
	}}, &fakeSingle{})

	job, err := app.StartBatch([]string{"/in/a.png", "/in/b.png"})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.Kind != domain.JobKindBatch || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusDoneWithWarnings {
		t.Fatalf("status = %s, want done_with_warnings", status)
	}
	if got.BatchSize != config.DefaultBatchSize || got.Workers != config.DefaultWorkers {
		t.Fatalf("request sizes = %d/%d", got.BatchSize, got.Workers)
	}
	if got.Decoding.MaxNewTokens != config.DefaultMaxNewTokens || got.Caption.Mode != "Descriptive" {
		t.Fatalf("request decoding/caption = %+v %+v", got.Decoding, got.Caption)
	}

	events := app.JobEvents(0)
	assertEventTypeExists(t, events, jobs.EventTypeStatus)
	assertEventTypeExists(t, events, jobs.EventTypeNotice)
	result := assertEventTypeExists(t, events, jobs.EventTypeResult)
	if len(result.Pending) != 1 || result.Pending[0] != "/in/b.png" {
		t.Fatalf("result pending = %v", result.Pending)
	}

	statuses := statusSequence(events)
	want := []domain.JobStatus{
		domain.JobStatusValidating,
		domain.JobStatusLoadingModel,
		domain.JobStatusRunning,
		domain.JobStatusSummarizing,
		domain.JobStatusDoneWithWarnings,
	}
	if strings.Join(asStrings(statuses), ",") != strings.Join(asStrings(want), ",") {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for _, event := range events {
		if event.Type == jobs.EventTypeNotice && event.Channel != jobs.ChannelBatchStatus {
			t.Fatalf("notice on channel %s", event.Channel)
		}
	}

	snap, err := app.GetMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if snap["joycaption_runs_total{kind=batch,status=done_with_warnings}"] != 1 {
		t.Fatalf("runs metric missing: %v", snap)
	}
}

// TestStartBatchPublishesFailureEvents checks error path emissions.
func TestStartBatchPublishesFailureEvents(t *testing.T) {
	app := newTestApp(t, &fakeBatch{run: func(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error) {
		req.OnStage(domain.JobStatusValidating)
		req.OnNotice(domain.Notice{Kind: domain.NoticeError, Message: "Output folder does not exist: /nope"})
		return caption.BatchResult{Status: domain.JobStatusFailed}, &caption.PipelineError{
			Stage:   domain.JobStatusValidating,
			Message: "Output folder does not exist: /nope",
		}
	}}, &fakeSingle{})

	if _, err := app.StartBatch([]string{"/in/a.png"}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	events := app.JobEvents(0)
	failure := assertEventTypeExists(t, events, jobs.EventTypeError)
	if !strings.Contains(failure.Message, "Output folder does not exist") {
		t.Fatalf("error message = %q", failure.Message)
	}
	for _, event := range events {
		if event.Type == jobs.EventTypeResult {
			t.Fatal("failed job must not publish a result")
		}
	}
}

// TestStartCaptionStreamsThroughEngine runs the single flow end to end.
func TestStartCaptionStreamsThroughEngine(t *testing.T) {
	eng := engine.New(engine.Config{Backend: reference.New(reference.Options{ImageSize: 8}), Logger: zerolog.Nop()})
	app := newTestApp(t, &fakeBatch{}, caption.NewSingle(eng, zerolog.Nop(), nil))
	path := writePNG(t, filepath.Join(t.TempDir(), "leaf.png"), color.RGBA{20, 200, 20, 255})

	job, err := app.StartCaption(path, app.BuildPrompt(domain.CaptionSpec{Mode: "Descriptive", Length: "long"}))
	if err != nil {
		t.Fatalf("start caption: %v", err)
	}
	if job.Kind != domain.JobKindSingle || job.Status != domain.JobStatusLoadingModel {
		t.Fatalf("job = %+v", job)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusDone {
		t.Fatalf("status = %s, want done", status)
	}
	want := "A softly lit image dominated by green tones."
	result := assertEventTypeExists(t, app.JobEvents(0), jobs.EventTypeResult)
	if result.Text != want {
		t.Fatalf("result text = %q, want %q", result.Text, want)
	}

	var streamed []string
	var cleared bool
	for _, event := range app.JobEvents(0) {
		if event.Kind == domain.NoticeProgress && event.Channel == jobs.ChannelSingleOutput {
			streamed = append(streamed, event.Text)
		}
		if event.Kind == domain.NoticeDone && event.Channel != jobs.ChannelSingleStatus {
			t.Fatalf("done notice on %s, want %s", event.Channel, jobs.ChannelSingleStatus)
		}
		if event.Kind == domain.NoticeClear && event.Channel == jobs.ChannelGlobalError {
			cleared = true
		}
	}
	if len(streamed) < 2 || streamed[len(streamed)-1] != want {
		t.Fatalf("streamed = %q", streamed)
	}
	if !cleared {
		t.Fatal("expected the global error banner to be cleared")
	}
}

// TestStartCaptionDataDecodesImage checks the data URI entry point.
func TestStartCaptionDataDecodesImage(t *testing.T) {
	var bounds image.Rectangle
	app := newTestApp(t, &fakeBatch{}, &fakeSingle{run: func(ctx context.Context, req caption.SingleRequest) (string, error) {
		if req.Image == nil {
			return "", errors.New("missing image")
		}
		bounds = req.Image.Bounds()
		req.OnStage(domain.JobStatusGenerating)
		return "ok", nil
	}})

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	if _, err := app.StartCaptionData(uri, "Describe."); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusDone {
		t.Fatalf("status = %s, want done", status)
	}
	if bounds.Dx() != 3 || bounds.Dy() != 2 {
		t.Fatalf("bounds = %v", bounds)
	}
}

// TestStartCaptionUnreadableImage checks image load failures end the job.
func TestStartCaptionUnreadableImage(t *testing.T) {
	called := false
	app := newTestApp(t, &fakeBatch{}, &fakeSingle{run: func(context.Context, caption.SingleRequest) (string, error) {
		called = true
		return "", nil
	}})

	if _, err := app.StartCaption(filepath.Join(t.TempDir(), "missing.png"), "Describe."); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if called {
		t.Fatal("flow must not run without an image")
	}
	notice := findEvent(app.JobEvents(0), func(e jobs.Event) bool { return e.Kind == domain.NoticeError })
	if notice == nil || !strings.HasPrefix(notice.Message, "Error loading image:") || notice.Channel != jobs.ChannelSingleStatus {
		t.Fatalf("error notice = %+v", notice)
	}
}

// TestStartCaptionClearsGlobalErrorBeforeLoading checks a stale fatal
// banner is cleared even when the image never loads.
func TestStartCaptionClearsGlobalErrorBeforeLoading(t *testing.T) {
	app := newTestApp(t, &fakeBatch{}, &fakeSingle{})
	path := filepath.Join(t.TempDir(), "notes.png")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := app.StartCaption(path, "Describe."); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForJobEnd(t, app)

	events := app.JobEvents(0)
	clearIdx, errorIdx := -1, -1
	for i, e := range events {
		if e.Kind == domain.NoticeClear && e.Channel == jobs.ChannelGlobalError && clearIdx < 0 {
			clearIdx = i
		}
		if e.Kind == domain.NoticeError && errorIdx < 0 {
			errorIdx = i
		}
	}
	if clearIdx < 0 {
		t.Fatalf("no global error clear in %+v", events)
	}
	if errorIdx < 0 || errorIdx < clearIdx {
		t.Fatalf("clear at %d, load error at %d", clearIdx, errorIdx)
	}
	if status := app.CurrentJob().Status; status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
}

// TestStartCaptionEmptyPathReachesFlow checks a missing selection is the
// flow's to report.
func TestStartCaptionEmptyPathReachesFlow(t *testing.T) {
	eng := engine.New(engine.Config{Backend: reference.New(reference.Options{ImageSize: 8}), Logger: zerolog.Nop()})
	app := newTestApp(t, &fakeBatch{}, caption.NewSingle(eng, zerolog.Nop(), nil))

	if _, err := app.StartCaption("  ", "Describe."); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForJobEnd(t, app)

	if status := app.CurrentJob().Status; status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	notice := findEvent(app.JobEvents(0), func(e jobs.Event) bool { return e.Kind == domain.NoticeError })
	if notice == nil || !strings.HasPrefix(notice.Message, "No image selected") {
		t.Fatalf("error notice = %+v", notice)
	}
}

// TestFlowsForRebuildsOnModelChange checks engines follow the settings.
func TestFlowsForRebuildsOnModelChange(t *testing.T) {
	app := newTestApp(t, nil, nil)
	builds := 0
	closed := 0
	app.buildFlows = func(domain.Settings) (batchRunner, singleRunner, io.Closer, error) {
		builds++
		return &fakeBatch{}, &fakeSingle{}, closerFunc(func() error { closed++; return nil }), nil
	}

	settings := config.DefaultSettings()
	for i := 0; i < 2; i++ {
		if _, _, err := app.flowsFor(settings); err != nil {
			t.Fatalf("flowsFor: %v", err)
		}
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}

	settings.ModelPath = "/elsewhere"
	if _, _, err := app.flowsFor(settings); err != nil {
		t.Fatalf("flowsFor: %v", err)
	}
	if builds != 2 || closed != 1 {
		t.Fatalf("builds/closed = %d/%d, want 2/1", builds, closed)
	}

	app.buildFlows = func(domain.Settings) (batchRunner, singleRunner, io.Closer, error) {
		return nil, nil, nil, errors.New(`unknown backend "onnx"`)
	}
	if _, err := app.StartBatch(nil); err == nil {
		t.Fatal("expected backend error")
	}
	if app.Jobs.IsRunning() {
		t.Fatal("no job should start when the backend is unavailable")
	}
}

// TestEngineFlowsUsesRegistry checks the production flow factory.
func TestEngineFlowsUsesRegistry(t *testing.T) {
	build := engineFlows(zerolog.Nop(), nil)
	settings := config.DefaultSettings()
	settings.Backend = reference.Name

	batch, single, closer, err := build(settings)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if batch == nil || single == nil || closer == nil {
		t.Fatal("expected flows and closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	settings.Backend = "missing"
	if _, _, _, err := build(settings); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// waitForJobEnd polls until the active job is cleared or times out.
func waitForJobEnd(t *testing.T, app *App) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		app.mu.Lock()
		active := app.activeJobID
		app.mu.Unlock()
		if active == "" && jobs.IsTerminal(app.CurrentJob().Status) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job still active, status = %s", app.CurrentJob().Status)
}

// assertEventTypeExists returns the last event of the given type.
func assertEventTypeExists(t *testing.T, events []jobs.Event, want jobs.EventType) jobs.Event {
	t.Helper()
	found := findEvent(reverse(events), func(e jobs.Event) bool { return e.Type == want })
	if found == nil {
		t.Fatalf("event type %s not found", want)
	}
	return *found
}

func findEvent(events []jobs.Event, match func(jobs.Event) bool) *jobs.Event {
	for i := range events {
		if match(events[i]) {
			return &events[i]
		}
	}
	return nil
}

func reverse(events []jobs.Event) []jobs.Event {
	out := make([]jobs.Event, len(events))
	for i, event := range events {
		out[len(events)-1-i] = event
	}
	return out
}

// statusSequence lists distinct consecutive statuses from status events,
// ignoring the final announcement duplicate.
func statusSequence(events []jobs.Event) []domain.JobStatus {
	var out []domain.JobStatus
	for _, event := range events {
		if event.Type != jobs.EventTypeStatus {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == event.Status {
			continue
		}
		out = append(out, event.Status)
	}
	return out
}

func asStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func writePNG(t *testing.T, path string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}
