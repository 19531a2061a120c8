package diagnostics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"joycaption/internal/caption"
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/engine/reference"
)

func openReference(name string) (engine.Backend, error) {
	if name != reference.Name {
		return nil, errors.New("unknown backend")
	}
	return reference.New(reference.Options{}), nil
}

// TestCheckerRunAllPass validates happy-path diagnostics report.
func TestCheckerRunAllPass(t *testing.T) {
	root := t.TempDir()
	modelDir := filepath.Join(root, "model")
	outputDir := filepath.Join(root, "output")
	for _, dir := range []string{modelDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	checker := NewCheckerForTests(openReference, os.Stat, caption.OSFS)
	report := checker.Run(domain.Settings{
		Backend:   reference.Name,
		ModelPath: modelDir,
		OutputDir: outputDir,
	})

	if report.HasFailures {
		t.Fatalf("expected no failures, got %+v", report.Items)
	}
	if len(report.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(report.Items))
	}
}

// TestCheckerRunMissingBackendAndPaths validates failure reporting.
func TestCheckerRunMissingBackendAndPaths(t *testing.T) {
	root := t.TempDir()
	checker := NewCheckerForTests(openReference, os.Stat, caption.OSFS)

	report := checker.Run(domain.Settings{
		Backend:   "cuda-llava",
		ModelPath: filepath.Join(root, "missing-model"),
		OutputDir: filepath.Join(root, "missing-output"),
	})

	if !report.HasFailures {
		t.Fatal("expected failures")
	}

	assertStatusByID(t, report, ItemBackend, domain.DiagnosticStatusFail)
	model := assertStatusByID(t, report, ItemModelPath, domain.DiagnosticStatusFail)
	output := assertStatusByID(t, report, ItemOutputDir, domain.DiagnosticStatusFail)
	if !model.Fixable || !output.Fixable {
		t.Fatalf("missing folders should be fixable: %+v %+v", model, output)
	}
	if _, err := os.Stat(filepath.Join(root, "missing-output")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("checker must not create the output folder, stat err = %v", err)
	}
}

// TestCheckerRunRejectsFiles validates that both paths must be folders.
func TestCheckerRunRejectsFiles(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "weights.safetensors")
	if err := os.WriteFile(file, []byte("stub"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	checker := NewCheckerForTests(openReference, os.Stat, caption.OSFS)
	report := checker.Run(domain.Settings{Backend: reference.Name, ModelPath: file, OutputDir: file})

	model := assertStatusByID(t, report, ItemModelPath, domain.DiagnosticStatusFail)
	output := assertStatusByID(t, report, ItemOutputDir, domain.DiagnosticStatusFail)
	if model.Fixable || output.Fixable {
		t.Fatal("files in place of folders are not fixable")
	}
	if output.Message != "Output path is not a folder: "+file {
		t.Fatalf("output message = %q", output.Message)
	}
}

// TestCheckerRunUnwritableOutput validates the write probe.
func TestCheckerRunUnwritableOutput(t *testing.T) {
	root := t.TempDir()
	fs := caption.OSFS
	fs.WriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only file system") }

	checker := NewCheckerForTests(openReference, os.Stat, fs)
	report := checker.Run(domain.Settings{Backend: reference.Name, ModelPath: root, OutputDir: root})

	output := assertStatusByID(t, report, ItemOutputDir, domain.DiagnosticStatusFail)
	want := "Cannot write to output folder: " + root + ". Error: read-only file system"
	if output.Message != want {
		t.Fatalf("message = %q, want %q", output.Message, want)
	}
}

// assertStatusByID checks status for one diagnostic item by ID.
func assertStatusByID(t *testing.T, report domain.DiagnosticReport, id string, want domain.DiagnosticStatus) domain.DiagnosticItem {
	t.Helper()
	for _, item := range report.Items {
		if item.ID == id {
			if item.Status != want {
				t.Fatalf("item %s: got %s, want %s", id, item.Status, want)
			}
			return item
		}
	}
	t.Fatalf("diagnostic item not found: %s", id)
	return domain.DiagnosticItem{}
}
