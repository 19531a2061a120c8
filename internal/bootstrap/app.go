package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"joycaption/internal/caption"
	"joycaption/internal/config"
	"joycaption/internal/diagnostics"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/imagesrc"
	"joycaption/internal/jobs"
	"joycaption/internal/metrics"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

var imageDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Images",
		Pattern:     "*.png;*.jpg;*.jpeg;*.gif;*.webp;*.bmp;*.tif;*.tiff",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// App wires configuration, jobs, captioning flows, and UI runtime callbacks.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Jobs        *jobs.Manager
	Batch       batchRunner
	Single      singleRunner
	Metrics     *metrics.Recorder
	Log         zerolog.Logger
	Diagnostics domain.DiagnosticReport
	assets      fs.FS
	checker     *diagnostics.Checker

	// buildFlows creates the flows for a backend and model path. When nil
	// the Batch and Single fields are used as they are.
	buildFlows func(domain.Settings) (batchRunner, singleRunner, io.Closer, error)
	flowKey    string
	flowCloser io.Closer

	mu          sync.Mutex
	activeJobID string
	cancel      context.CancelFunc
	events      *jobs.EventBus
	runtimeCtx  context.Context
}

// batchRunner isolates the batch pipeline behind an interface.
type batchRunner interface {
	Run(ctx context.Context, req caption.BatchRequest) (caption.BatchResult, error)
}

// singleRunner isolates the streaming single-image flow.
type singleRunner interface {
	Run(ctx context.Context, req caption.SingleRequest) (string, error)
}

// New builds the application with session settings and startup diagnostics.
func New(log zerolog.Logger) (*App, error) {
	return NewWithAssets(nil, log)
}

// NewWithAssets builds the application and optionally configures embedded frontend assets.
func NewWithAssets(assets fs.FS, log zerolog.Logger) (*App, error) {
	settings, err := config.FromEnv(config.DefaultSettings(), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	store := config.NewMemoryStore(settings)
	settings, _ = store.Load()

	checker := diagnostics.NewChecker()
	report := checker.Run(settings)
	rec := metrics.New()

	return &App{
		Settings:    settings,
		Store:       store,
		Jobs:        jobs.NewManager(),
		Metrics:     rec,
		Log:         log,
		Diagnostics: report,
		assets:      assets,
		checker:     checker,
		buildFlows:  engineFlows(log, rec),
		events:      jobs.NewEventBus(1000),
	}, nil
}

// engineFlows opens the configured backend and shares one engine between
// the batch and single flows.
func engineFlows(log zerolog.Logger, rec *metrics.Recorder) func(domain.Settings) (batchRunner, singleRunner, io.Closer, error) {
	return func(settings domain.Settings) (batchRunner, singleRunner, io.Closer, error) {
		backend, err := engine.Open(settings.Backend)
		if err != nil {
			return nil, nil, nil, err
		}
		eng := engine.New(engine.Config{
			Backend:   backend,
			ModelPath: settings.ModelPath,
			Logger:    log.With().Str("backend", settings.Backend).Logger(),
		})
		return caption.NewPipeline(eng, log, rec), caption.NewSingle(eng, log, rec), eng, nil
	}
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "JoyCaption",
		Width:       1180,
		Height:      820,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown: func(ctx context.Context) {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.runtimeCtx = nil
			if a.cancel != nil {
				a.cancel()
			}
			if a.flowCloser != nil {
				_ = a.flowCloser.Close()
			}
		},
		Bind: []interface{}{a},
	})
}

// Startup stores Wails runtime context for push events.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtimeCtx = ctx
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// GetSettings loads and returns the current session settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and stores settings, then refreshes diagnostics.
func (a *App) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	a.mu.Lock()
	a.Settings = normalized
	if a.checker != nil {
		a.Diagnostics = a.checker.Run(normalized)
	}
	a.mu.Unlock()

	return normalized, nil
}

// PickImageFile opens a native file dialog for one image.
func (a *App) PickImageFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select image",
		Filters: imageDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickImageFiles opens a native file dialog for a batch selection.
func (a *App) PickImageFiles() ([]string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return nil, err
	}

	paths, err := wailsruntime.OpenMultipleFilesDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select images",
		Filters: imageDialogFilter,
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

// PickModelDirectory opens a native directory picker for the model folder.
func (a *App) PickModelDirectory() (string, error) {
	return a.pickDirectory("Select model folder")
}

// PickOutputDirectory opens a native directory picker for caption files.
func (a *App) PickOutputDirectory() (string, error) {
	return a.pickDirectory("Select output folder")
}

func (a *App) pickDirectory(title string) (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: title,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the given path (or configured output dir) in file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		a.mu.Lock()
		target = a.Settings.OutputDir
		a.mu.Unlock()
	}
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// RefreshDiagnostics reloads settings and reruns startup checks.
func (a *App) RefreshDiagnostics() (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	return a.refreshDiagnosticsFromSettings(settings), nil
}

// GetMetrics returns a flat snapshot of the run counters.
func (a *App) GetMetrics() (map[string]float64, error) {
	return a.Metrics.Snapshot()
}

// StartCaption streams a caption for the image at imagePath. An empty path
// reaches the flow as a missing image.
func (a *App) StartCaption(imagePath, promptText string) (domain.Job, error) {
	path := strings.TrimSpace(imagePath)
	return a.startSingle(promptText, func() (image.Image, error) {
		if path == "" {
			return nil, nil
		}
		return imagesrc.Open(path)
	})
}

// StartCaptionData streams a caption for an image dropped into the web
// view as a data URI.
func (a *App) StartCaptionData(dataURI, promptText string) (domain.Job, error) {
	return a.startSingle(promptText, func() (image.Image, error) {
		if strings.TrimSpace(dataURI) == "" {
			return nil, nil
		}
		return imagesrc.DecodeDataURI(dataURI)
	})
}

func (a *App) startSingle(promptText string, load func() (image.Image, error)) (domain.Job, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Job{}, fmt.Errorf("load settings: %w", err)
	}
	_, single, err := a.flowsFor(settings)
	if err != nil {
		return domain.Job{}, err
	}

	jobID, ctx, err := a.startJob(domain.JobKindSingle)
	if err != nil {
		return domain.Job{}, err
	}

	go a.runSingleJob(ctx, jobID, single, load, promptText, settings)
	return a.Jobs.Current(), nil
}

// StartBatch captions files into the configured output folder.
func (a *App) StartBatch(files []string) (domain.Job, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Job{}, fmt.Errorf("load settings: %w", err)
	}
	batch, _, err := a.flowsFor(settings)
	if err != nil {
		return domain.Job{}, err
	}

	jobID, ctx, err := a.startJob(domain.JobKindBatch)
	if err != nil {
		return domain.Job{}, err
	}

	go a.runBatchJob(ctx, jobID, batch, append([]string(nil), files...), settings)
	return a.Jobs.Current(), nil
}

// CancelJob cancels the currently running job, if any.
func (a *App) CancelJob() error {
	a.mu.Lock()
	cancel := a.cancel
	activeJobID := a.activeJobID
	a.mu.Unlock()

	if cancel == nil {
		return jobs.ErrNoRunningJob
	}

	cancel()
	if err := a.Jobs.Cancel(); err != nil && !errors.Is(err, jobs.ErrNoRunningJob) {
		return err
	}

	if activeJobID != "" {
		a.publishStatus(activeJobID, domain.JobStatusCancelled, "Cancellation requested")
	}
	return nil
}

// CurrentJob returns current job metadata and status.
func (a *App) CurrentJob() domain.Job {
	return a.Jobs.Current()
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	return a.events.Since(sinceSeq)
}

// startJob registers a new job and its cancellation handle.
func (a *App) startJob(kind domain.JobKind) (string, context.Context, error) {
	jobID := uuid.NewString()
	if err := a.Jobs.Start(jobID, kind); err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.activeJobID = jobID
	a.cancel = cancel
	a.mu.Unlock()

	a.publishStatus(jobID, a.Jobs.Current().Status, "Job started")
	return jobID, ctx, nil
}

// flowsFor returns flows bound to the settings' backend and model path,
// rebuilding them when either changed.
func (a *App) flowsFor(settings domain.Settings) (batchRunner, singleRunner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buildFlows == nil {
		return a.Batch, a.Single, nil
	}

	key := settings.Backend + "\x00" + settings.ModelPath
	if a.Batch != nil && a.Single != nil && key == a.flowKey {
		return a.Batch, a.Single, nil
	}
	if a.activeJobID != "" {
		return nil, nil, jobs.ErrJobAlreadyRunning
	}

	batch, single, closer, err := a.buildFlows(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare backend %s: %w", settings.Backend, err)
	}
	if a.flowCloser != nil {
		_ = a.flowCloser.Close()
	}
	a.Batch, a.Single, a.flowCloser, a.flowKey = batch, single, closer, key
	a.Metrics.SetModelLoaded(false)
	return batch, single, nil
}

// runBatchJob executes the batch pipeline and maps outcomes to job events.
func (a *App) runBatchJob(ctx context.Context, jobID string, batch batchRunner, files []string, settings domain.Settings) {
	req := caption.BatchRequest{
		Paths:     files,
		OutputDir: settings.OutputDir,
		Caption:   settings.Caption,
		Decoding:  decodingParams(settings),
		BatchSize: settings.BatchSize,
		Workers:   settings.Workers,
		OnStage: func(stage domain.JobStatus) {
			a.advance(jobID, stage)
		},
		OnNotice: func(n domain.Notice) {
			a.publishEvent(jobs.NoticeEvent(jobID, domain.JobKindBatch, n))
		},
	}

	result, err := batch.Run(ctx, req)
	status := result.Status
	if err != nil {
		status = failureStatus(err)
		a.Log.Error().Err(err).Str("job_id", jobID).Msg("Batch job failed")
		a.publishEvent(jobs.Event{
			JobID:   jobID,
			Type:    jobs.EventTypeError,
			Channel: jobs.ChannelBatchStatus,
			Status:  status,
			Message: err.Error(),
		})
	}

	a.finish(jobID, domain.JobKindBatch, status)
	if err == nil {
		a.publishEvent(jobs.Event{
			JobID:     jobID,
			Type:      jobs.EventTypeResult,
			Channel:   jobs.ChannelBatchStatus,
			Status:    status,
			Message:   fmt.Sprintf("Captioned %d of %d images", len(result.Written), result.Total),
			Completed: result.Processed,
			Total:     result.Total,
			OutputDir: result.OutputDir,
			Pending:   result.Pending,
		})
	}
	a.clearActiveJob(jobID)
}

// runSingleJob loads the image and streams its caption.
func (a *App) runSingleJob(ctx context.Context, jobID string, single singleRunner, load func() (image.Image, error), promptText string, settings domain.Settings) {
	a.publishEvent(jobs.NoticeEvent(jobID, domain.JobKindSingle, domain.Notice{Kind: domain.NoticeClear}))
	img, err := load()
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", jobID).Msg("Error loading image")
		a.publishEvent(jobs.NoticeEvent(jobID, domain.JobKindSingle, domain.Notice{
			Kind:    domain.NoticeError,
			Message: fmt.Sprintf("Error loading image: %v", err),
		}))
		a.finish(jobID, domain.JobKindSingle, domain.JobStatusFailed)
		a.clearActiveJob(jobID)
		return
	}

	req := caption.SingleRequest{
		Image:    img,
		Prompt:   promptText,
		Decoding: decodingParams(settings),
		OnStage: func(stage domain.JobStatus) {
			a.advance(jobID, stage)
		},
		OnNotice: func(n domain.Notice) {
			a.publishEvent(jobs.NoticeEvent(jobID, domain.JobKindSingle, n))
		},
	}
	text, err := single.Run(ctx, req)
	status := domain.JobStatusDone
	if err != nil {
		status = failureStatus(err)
		a.Log.Error().Err(err).Str("job_id", jobID).Msg("Caption job failed")
	}

	a.finish(jobID, domain.JobKindSingle, status)
	if err == nil {
		a.publishEvent(jobs.Event{
			JobID:   jobID,
			Type:    jobs.EventTypeResult,
			Channel: jobs.ChannelSingleOutput,
			Status:  status,
			Text:    text,
		})
	}
	a.clearActiveJob(jobID)
}

// advance moves the job to stage and announces it once.
func (a *App) advance(jobID string, stage domain.JobStatus) {
	if a.Jobs.Current().Status == stage {
		return
	}
	if err := a.Jobs.Transition(stage); err != nil {
		a.Log.Debug().Err(err).Str("job_id", jobID).Msg("Ignoring stage change")
		return
	}
	a.publishStatus(jobID, stage, "Running "+string(stage)+" stage")
}

// finish applies the terminal status and records the run.
func (a *App) finish(jobID string, kind domain.JobKind, status domain.JobStatus) {
	if err := a.Jobs.Transition(status); err != nil {
		a.Log.Debug().Err(err).Str("job_id", jobID).Msg("Ignoring final status")
	}
	final := a.Jobs.Current().Status
	a.Metrics.RunFinished(kind, final)
	a.publishStatus(jobID, final, "Job "+string(final))
}

// failureStatus classifies a flow error.
func failureStatus(err error) domain.JobStatus {
	if errors.Is(err, context.Canceled) {
		return domain.JobStatusCancelled
	}
	return domain.JobStatusFailed
}

func decodingParams(settings domain.Settings) engine.DecodingParams {
	return engine.DecodingParams{
		Temperature:  settings.Temperature,
		TopP:         settings.TopP,
		MaxNewTokens: settings.MaxNewTokens,
	}
}

// publishStatus sends a normalized status event.
func (a *App) publishStatus(jobID string, status domain.JobStatus, message string) {
	a.publishEvent(jobs.Event{
		JobID:   jobID,
		Type:    jobs.EventTypeStatus,
		Status:  status,
		Message: message,
	})
}

// publishEvent stores event history and emits runtime push notifications.
func (a *App) publishEvent(event jobs.Event) {
	published := a.events.Publish(event)

	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, "job:event", published)
	}
}

// clearActiveJob clears cancellation handles for completed job IDs.
func (a *App) clearActiveJob(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeJobID == jobID {
		if a.cancel != nil {
			a.cancel()
		}
		a.activeJobID = ""
		a.cancel = nil
	}
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// normalizeSettings trims user inputs and clamps numeric settings.
func normalizeSettings(settings domain.Settings) domain.Settings {
	settings.ModelPath = strings.TrimSpace(settings.ModelPath)
	settings.OutputDir = strings.TrimSpace(settings.OutputDir)
	settings.Backend = strings.TrimSpace(settings.Backend)
	settings.Caption.Name = strings.TrimSpace(settings.Caption.Name)
	return config.Normalize(settings)
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
