package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"joycaption/internal/caption"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
)

// Diagnostic item IDs.
const (
	ItemBackend   = "backend"
	ItemModelPath = "model_path"
	ItemOutputDir = "output_dir"
)

// Checker validates the backend choice and required filesystem paths.
type Checker struct {
	openBackend func(string) (engine.Backend, error)
	stat        func(string) (os.FileInfo, error)
	fs          caption.FS
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		openBackend: engine.Open,
		stat:        os.Stat,
		fs:          caption.OSFS,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkBackend(settings.Backend),
		c.checkModelPath(settings.ModelPath),
		c.checkOutputDir(settings.OutputDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkBackend verifies the configured backend is compiled in.
func (c *Checker) checkBackend(name string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemBackend,
		Name: "Inference backend",
	}

	if _, err := c.openBackend(name); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Backend is not available: %s", name)
		item.Hint = fmt.Sprintf("Choose one of: %s.", strings.Join(engine.Backends(), ", "))
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Using backend %s", name)
	return item
}

// checkModelPath validates the configured model folder.
func (c *Checker) checkModelPath(modelPath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemModelPath,
		Name: "Model folder",
	}

	if strings.TrimSpace(modelPath) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Model path is empty."
		item.Hint = "Set the folder holding the captioning model weights."
		return item
	}

	info, err := c.stat(modelPath)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		if errors.Is(err, os.ErrNotExist) {
			item.Message = fmt.Sprintf("Model path does not exist: %s", modelPath)
			item.Hint = "Create the folder and place the model weights in it."
			item.Fixable = true
		} else {
			item.Message = fmt.Sprintf("Cannot access model path: %s", modelPath)
			item.Hint = "Check permissions for the model folder."
		}
		return item
	}

	if !info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Model path is not a folder: %s", modelPath)
		item.Hint = "Point to the folder containing the model, not a single file."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Model folder found: %s", modelPath)
	return item
}

// checkOutputDir applies the same check the batch flow runs before
// captioning. It never creates the folder.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemOutputDir,
		Name: "Output folder",
	}

	err := c.fs.CheckOutputDir(outputDir)
	if err == nil {
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Writable folder: %s", outputDir)
		return item
	}

	item.Status = domain.DiagnosticStatusFail
	item.Message = err.Error()
	item.Hint = "Choose a writable folder for caption files."

	var dirErr *caption.OutputDirError
	if errors.As(err, &dirErr) && dirErr.Reason == caption.OutputDirNotFound {
		item.Hint = "Create the folder or choose another one."
		item.Fixable = true
	}
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	openBackend func(string) (engine.Backend, error),
	stat func(string) (os.FileInfo, error),
	fs caption.FS,
) *Checker {
	return &Checker{
		openBackend: openBackend,
		stat:        stat,
		fs:          fs,
	}
}
