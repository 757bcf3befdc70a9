package tui

import (
	"encoding/json"
	"fmt"
	"io"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Output writes command results to a terminal or a pipe.
type Output interface {
	// Success prints a success message.
	Success(msg string)
	// Error prints an error message.
	Error(err error)
	// Warning prints a warning message.
	Warning(msg string)
	// Info prints an informational message.
	Info(msg string)
	// Table renders a table.
	Table(t *Table)
	// Markdown renders a markdown document.
	Markdown(doc string) error
	// JSON outputs a value as formatted JSON.
	JSON(v any) error
}

// NewOutput creates the Output for format.
func NewOutput(w io.Writer, format string) Output {
	if format == FormatJSON {
		return NewJSONOutput(w)
	}
	return NewTTYOutput(w)
}

func encodeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
