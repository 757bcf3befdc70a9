package tui

import (
	"encoding/json"
	"errors"
	"io"
)

// JSONOutput writes one JSON object per message for non-TTY consumers.
type JSONOutput struct {
	w       io.Writer
	encoder *json.Encoder
}

// NewJSONOutput creates a JSONOutput.
func NewJSONOutput(w io.Writer) *JSONOutput {
	return &JSONOutput{w: w, encoder: json.NewEncoder(w)}
}

type jsonMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type jsonError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Success outputs {"type":"success","message":...}.
func (o *JSONOutput) Success(msg string) {
	//nolint:errchkjson // Method has no error return per interface contract
	_ = o.encoder.Encode(jsonMessage{Type: "success", Message: msg})
}

// Error outputs {"type":"error","message":...,"details":...}. Details holds
// the wrapped error, if any.
func (o *JSONOutput) Error(err error) {
	out := jsonError{Type: "error", Message: err.Error()}
	if wrapped := errors.Unwrap(err); wrapped != nil {
		out.Details = wrapped.Error()
	}
	//nolint:errchkjson // Method has no error return per interface contract
	_ = o.encoder.Encode(out)
}

// Warning outputs {"type":"warning","message":...}.
func (o *JSONOutput) Warning(msg string) {
	//nolint:errchkjson // Method has no error return per interface contract
	_ = o.encoder.Encode(jsonMessage{Type: "warning", Message: msg})
}

// Info outputs {"type":"info","message":...}.
func (o *JSONOutput) Info(msg string) {
	//nolint:errchkjson // Method has no error return per interface contract
	_ = o.encoder.Encode(jsonMessage{Type: "info", Message: msg})
}

// Table outputs the rows as an array of objects keyed by column name.
func (o *JSONOutput) Table(t *Table) {
	rows := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		m := make(map[string]string, len(t.columns))
		for i, col := range t.columns {
			m[col.Name] = row[i]
		}
		rows = append(rows, m)
	}
	//nolint:errchkjson // Method has no error return per interface contract
	_ = o.encoder.Encode(rows)
}

// Markdown is a no-op; JSON consumers get structured data instead.
func (o *JSONOutput) Markdown(_ string) error { return nil }

// JSON outputs v as indented JSON.
func (o *JSONOutput) JSON(v any) error {
	return encodeJSON(o.w, v)
}
