// Package tui renders buildfarm output for terminals.
//
// All colors use AdaptiveColor so they read on light and dark terminals.
// Status displays carry an icon, a color and the status text, so nothing is
// lost when colors are disabled.
//
// # NO_COLOR Support
//
// Call CheckNoColor() before rendering styled text to respect the NO_COLOR
// environment variable. Colors are also disabled when TERM=dumb.
package tui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mrz1836/buildfarm/internal/constants"
)

//nolint:gochecknoglobals // Intentional package-level constants for TUI styling API
var (
	// ColorPrimary is blue, used for running states and links.
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#0087AF", Dark: "#00D7FF"}

	// ColorSuccess is green.
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#00FF87"}

	// ColorWarning is yellow, used for aborted jobs and skipped groups.
	ColorWarning = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD700"}

	// ColorError is red.
	ColorError = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}

	// ColorMuted is gray, used for pending states and secondary text.
	ColorMuted = lipgloss.AdaptiveColor{Light: "#585858", Dark: "#6C6C6C"}

	// StyleBold applies bold formatting to text.
	StyleBold = lipgloss.NewStyle().Bold(true)

	// StyleDim applies faint formatting to text.
	StyleDim = lipgloss.NewStyle().Faint(true)
)

// TableStyles holds lipgloss styles for table rendering.
type TableStyles struct {
	Header lipgloss.Style
	Cell   lipgloss.Style
	Dim    lipgloss.Style
}

// NewTableStyles creates styles for table rendering.
func NewTableStyles() *TableStyles {
	return &TableStyles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#DDDDDD"}),
		Cell: lipgloss.NewStyle(),
		Dim: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
	}
}

// OutputStyles holds common output styles.
type OutputStyles struct {
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Dim     lipgloss.Style
}

// NewOutputStyles creates common output styles.
func NewOutputStyles() *OutputStyles {
	return &OutputStyles{
		Success: lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(ColorError).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorPrimary),
		Dim:     lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// CheckNoColor switches lipgloss to plain ASCII when colors are unsupported.
func CheckNoColor() {
	if !HasColorSupport() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// HasColorSupport returns false if NO_COLOR is set (to any value, including
// empty) or TERM=dumb. See https://no-color.org/.
func HasColorSupport() bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}

// JobStatusColor returns the color for a job status.
func JobStatusColor(status constants.JobStatus) lipgloss.AdaptiveColor {
	switch status {
	case constants.JobStatusSuccess:
		return ColorSuccess
	case constants.JobStatusFailure:
		return ColorError
	case constants.JobStatusAborted:
		return ColorWarning
	case constants.JobStatusRunning:
		return ColorPrimary
	case constants.JobStatusPending:
		return ColorMuted
	}
	return ColorMuted
}

// JobStatusIcon returns the icon for a job status.
func JobStatusIcon(status constants.JobStatus) string {
	switch status {
	case constants.JobStatusPending:
		return "○"
	case constants.JobStatusRunning:
		return "●"
	case constants.JobStatusSuccess:
		return "✓"
	case constants.JobStatusFailure:
		return "✗"
	case constants.JobStatusAborted:
		return "⊘"
	}
	return "?"
}

// RunStatusColor returns the color for a run status.
func RunStatusColor(status constants.RunStatus) lipgloss.AdaptiveColor {
	switch status {
	case constants.RunStatusSuccess:
		return ColorSuccess
	case constants.RunStatusFailure:
		return ColorError
	case constants.RunStatusCanceled:
		return ColorWarning
	case constants.RunStatusRunning:
		return ColorPrimary
	}
	return ColorMuted
}

// RunStatusIcon returns the icon for a run status.
func RunStatusIcon(status constants.RunStatus) string {
	switch status {
	case constants.RunStatusRunning:
		return "●"
	case constants.RunStatusSuccess:
		return "✓"
	case constants.RunStatusFailure:
		return "✗"
	case constants.RunStatusCanceled:
		return "⊘"
	}
	return "?"
}

// JobStatusLabel renders "<icon> <STATUS>" in the status color.
func JobStatusLabel(status constants.JobStatus) string {
	return lipgloss.NewStyle().
		Foreground(JobStatusColor(status)).
		Render(JobStatusIcon(status) + " " + status.String())
}

// RunStatusLabel renders "<icon> <STATUS>" in the status color.
func RunStatusLabel(status constants.RunStatus) string {
	return lipgloss.NewStyle().
		Foreground(RunStatusColor(status)).
		Bold(true).
		Render(RunStatusIcon(status) + " " + status.String())
}
