package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/glamour"
)

// markdownWidth is the word-wrap width for rendered markdown.
const markdownWidth = 100

// TTYOutput writes styled output for terminals.
type TTYOutput struct {
	w      io.Writer
	styles *OutputStyles

	rendererOnce sync.Once
	renderer     *glamour.TermRenderer
	rendererErr  error
}

// NewTTYOutput creates a TTYOutput. It respects NO_COLOR.
func NewTTYOutput(w io.Writer) *TTYOutput {
	CheckNoColor()
	return &TTYOutput{w: w, styles: NewOutputStyles()}
}

// Success outputs a success message with a ✓ icon.
func (o *TTYOutput) Success(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Success.Render("✓ "+msg))
}

// Error outputs an error with a ✗ icon.
func (o *TTYOutput) Error(err error) {
	_, _ = fmt.Fprintln(o.w, o.styles.Error.Render("✗ "+err.Error()))
}

// Warning outputs a warning with a ⚠ icon.
func (o *TTYOutput) Warning(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Warning.Render("⚠ "+msg))
}

// Info outputs an informational message.
func (o *TTYOutput) Info(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Info.Render(msg))
}

// Table renders t.
func (o *TTYOutput) Table(t *Table) {
	t.Render(o.w)
}

// Markdown renders doc with glamour. Without color support the document is
// written as-is.
func (o *TTYOutput) Markdown(doc string) error {
	if !HasColorSupport() {
		_, err := io.WriteString(o.w, doc)
		return err
	}
	o.rendererOnce.Do(func() {
		o.renderer, o.rendererErr = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(markdownWidth),
		)
	})
	if o.rendererErr != nil {
		_, err := io.WriteString(o.w, doc)
		return err
	}
	out, err := o.renderer.Render(doc)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	_, err = io.WriteString(o.w, out)
	return err
}

// JSON outputs v as indented JSON.
func (o *TTYOutput) JSON(v any) error {
	return encodeJSON(o.w, v)
}
