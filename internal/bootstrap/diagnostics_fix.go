package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"joycaption/internal/config"
	"joycaption/internal/diagnostics"
	"joycaption/internal/domain"
)

// InstallOrFixDiagnostic applies a remediation for one failed diagnostic item.
func (a *App) InstallOrFixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	if a.Store == nil {
		return domain.DiagnosticReport{}, fmt.Errorf("settings store is not configured")
	}

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	settings = normalizeSettings(settings)

	settingsChanged := false
	var fixErr error

	switch id {
	case diagnostics.ItemBackend:
		settings, settingsChanged = fixBackend(settings)
	case diagnostics.ItemModelPath:
		settings, settingsChanged, fixErr = fixModelPath(settings)
	case diagnostics.ItemOutputDir:
		settings, settingsChanged, fixErr = fixOutputDir(settings)
	default:
		return domain.DiagnosticReport{}, fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	if settingsChanged {
		if saveErr := a.Store.Save(settings); saveErr != nil {
			report := a.refreshDiagnosticsFromSettings(settings)
			return report, fmt.Errorf("save settings after fix: %w", saveErr)
		}
	}

	report := a.refreshDiagnosticsFromSettings(settings)
	if fixErr != nil {
		return report, fixErr
	}
	return report, nil
}

func (a *App) refreshDiagnosticsFromSettings(settings domain.Settings) domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Settings = settings
	if a.checker != nil {
		a.Diagnostics = a.checker.Run(settings)
	}
	return a.Diagnostics
}

// fixBackend falls back to the built-in backend.
func fixBackend(settings domain.Settings) (domain.Settings, bool) {
	if settings.Backend == config.DefaultBackend {
		return settings, false
	}
	settings.Backend = config.DefaultBackend
	return settings, true
}

// fixModelPath creates the model folder, using the default location when
// none is configured.
func fixModelPath(settings domain.Settings) (domain.Settings, bool, error) {
	dir, changed, err := ensureDir(settings.ModelPath, config.DefaultSettings().ModelPath, "model folder")
	settings.ModelPath = dir
	return settings, changed, err
}

// fixOutputDir creates the output folder, using the default location when
// none is configured.
func fixOutputDir(settings domain.Settings) (domain.Settings, bool, error) {
	dir, changed, err := ensureDir(settings.OutputDir, config.DefaultSettings().OutputDir, "output folder")
	settings.OutputDir = dir
	return settings, changed, err
}

func ensureDir(dir, fallback, label string) (string, bool, error) {
	dir = strings.TrimSpace(dir)
	changed := false
	if dir == "" {
		dir = fallback
		changed = true
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, changed, fmt.Errorf("create %s %s: %w", label, dir, err)
	}
	return dir, changed, nil
}
