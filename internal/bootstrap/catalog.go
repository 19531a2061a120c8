package bootstrap

import (
	"joycaption/internal/domain"
	"joycaption/internal/engine"
	"joycaption/internal/prompt"
)

// GetCaptionOptions returns the selectors the caption form is built from.
func (a *App) GetCaptionOptions() domain.CaptionOptions {
	return domain.CaptionOptions{
		Modes:        prompt.Modes(),
		Lengths:      prompt.Lengths(),
		ExtraOptions: prompt.ExtraOptions(),
		NameOption:   prompt.NameOption,
		Backends:     engine.Backends(),
	}
}

// BuildPrompt renders the user prompt for spec.
func (a *App) BuildPrompt(spec domain.CaptionSpec) string {
	return prompt.BuildSpec(spec)
}

// NeedsName reports whether the name field should be shown for extras.
func (a *App) NeedsName(extras []string) bool {
	return prompt.NeedsName(extras)
}
