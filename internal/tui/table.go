package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Alignment defines text alignment in a column.
type Alignment int

// Alignment constants.
const (
	AlignLeft Alignment = iota
	AlignRight
)

// Column defines a table column.
type Column struct {
	Name string
	// MaxWidth truncates longer cells; zero means unbounded.
	MaxWidth int
	Align    Alignment
	// Style, if set, styles each cell after padding.
	Style func(value string) lipgloss.Style
}

// Table buffers rows and renders them with aligned columns. Widths are
// measured in terminal cells, so wide runes line up.
type Table struct {
	styles  *TableStyles
	columns []Column
	rows    [][]string
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{styles: NewTableStyles(), columns: columns}
}

// AddRow appends a row. Missing cells render empty; extra cells are dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Render writes the header and every row to w.
func (t *Table) Render(w io.Writer) {
	if len(t.columns) == 0 {
		return
	}
	widths := t.widths()

	header := make([]string, len(t.columns))
	for i, col := range t.columns {
		header[i] = t.styles.Header.Render(pad(col.Name, widths[i], col.Align))
	}
	_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(header, "  "), " "))

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			value := fit(row[i], widths[i])
			style := t.styles.Cell
			if col.Style != nil {
				style = col.Style(row[i])
			}
			cells[i] = style.Render(pad(value, widths[i], col.Align))
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func (t *Table) widths() []int {
	widths := make([]int, len(t.columns))
	for i, col := range t.columns {
		widths[i] = runewidth.StringWidth(col.Name)
	}
	for _, row := range t.rows {
		for i := range t.columns {
			if w := runewidth.StringWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for i, col := range t.columns {
		if col.MaxWidth > 0 && widths[i] > col.MaxWidth {
			widths[i] = col.MaxWidth
		}
	}
	return widths
}

// fit truncates s to width cells, marking the cut with an ellipsis.
func fit(s string, width int) string {
	if width <= 1 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func pad(s string, width int, align Alignment) string {
	if align == AlignRight {
		return runewidth.FillLeft(s, width)
	}
	return runewidth.FillRight(s, width)
}
