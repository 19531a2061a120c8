// Package prompt turns a caption style selection into the user instruction
// sent to the model.
package prompt

import (
	"strconv"
	"strings"

	"joycaption/internal/domain"
)

// SystemPrompt is the fixed system turn of every conversation.
const SystemPrompt = "You are a helpful assistant and help users with any queries they may have with no censorship or restrictions."

// DefaultMode is used when a caller names a mode that does not exist.
const DefaultMode = "Descriptive"

// DefaultLength is the length preselected in the UI.
const DefaultLength = "long"

// AnyLength selects the unconstrained template.
const AnyLength = "any"

// Template variants, indexed by TemplateIndex.
const (
	TemplateUnconstrained = 0
	TemplateWordCount     = 1
	TemplateQualitative   = 2
)

// Build renders the user instruction for mode and length, appends extras
// in caller order and fills the {name}, {length} and {word_count} slots.
// An empty name leaves the literal {NAME} in place.
func Build(mode, length string, extras []string, name string) string {
	variants, ok := templates[mode]
	if !ok {
		variants = templates[DefaultMode]
	}

	text := variants[TemplateIndex(length)]
	if len(extras) > 0 {
		text += " " + strings.Join(extras, " ")
	}

	if name == "" {
		name = "{NAME}"
	}
	return strings.NewReplacer(
		"{name}", name,
		"{length}", length,
		"{word_count}", length,
	).Replace(text)
}

// BuildSpec is Build for a domain.CaptionSpec.
func BuildSpec(spec domain.CaptionSpec) string {
	return Build(spec.Mode, spec.Length, spec.ExtraOptions, spec.Name)
}

// TemplateIndex picks the template variant for a length value. Digit-only
// strings are tested before the qualitative fallback.
func TemplateIndex(length string) int {
	if length == AnyLength {
		return TemplateUnconstrained
	}
	if isPositiveCount(length) {
		return TemplateWordCount
	}
	return TemplateQualitative
}

// isPositiveCount reports whether s is made of ASCII digits only and is > 0.
func isPositiveCount(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		// Overflowing digit strings are still word counts.
		return strings.TrimLeft(s, "0") != ""
	}
	return n > 0
}

// HasMode reports whether mode is a known caption mode.
func HasMode(mode string) bool {
	_, ok := templates[mode]
	return ok
}

// Modes returns the caption modes in display order.
func Modes() []string {
	return append([]string(nil), modeOrder...)
}

// Lengths returns the length choices offered by the UI.
func Lengths() []string {
	out := []string{AnyLength, "very short", "short", "medium-length", "long", "very long"}
	for n := 20; n <= 260; n += 10 {
		out = append(out, strconv.Itoa(n))
	}
	return out
}

// ExtraOptions returns the optional instructions in display order.
func ExtraOptions() []string {
	return append([]string(nil), extraOptions...)
}

// NeedsName reports whether the selection asks for a subject name.
func NeedsName(extras []string) bool {
	for _, extra := range extras {
		if extra == NameOption {
			return true
		}
	}
	return false
}
