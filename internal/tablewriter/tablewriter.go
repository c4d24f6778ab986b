// Package tablewriter renders rows of text as aligned columns for the CLI.
package tablewriter

import (
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Style selects how a table is drawn.
type Style int

const (
	// StylePlain separates columns with spaces, like `ls -l`.
	StylePlain Style = iota

	// StyleBox draws ASCII borders around every cell.
	StyleBox
)

// Writer buffers rows and renders them once all widths are known.
type Writer struct {
	out      io.Writer
	style    Style
	maxWidth int
	headers  []string
	rows     [][]string
	widths   []int
}

// NewWriter returns a plain Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// SetStyle changes how the table is drawn.
func (t *Writer) SetStyle(style Style) { t.style = style }

// SetMaxWidth truncates cells wider than n columns. Zero disables truncation.
func (t *Writer) SetMaxWidth(n int) { t.maxWidth = n }

// SetHeader sets the column headers. The header count fixes the column count.
func (t *Writer) SetHeader(headers ...string) {
	t.headers = headers
	t.measure(headers)
}

// Append adds a row. Cells beyond the header count are dropped.
func (t *Writer) Append(row ...string) {
	if n := len(t.headers); n > 0 && len(row) > n {
		row = row[:n]
	}
	row = t.clip(row)
	t.rows = append(t.rows, row)
	t.measure(row)
}

func (t *Writer) clip(row []string) []string {
	if t.maxWidth <= 0 {
		return row
	}
	out := make([]string, len(row))
	for i, cell := range row {
		if DisplayWidth(cell) > t.maxWidth {
			cell = runewidth.Truncate(stripANSI(cell), t.maxWidth, "...")
		}
		out[i] = cell
	}
	return out
}

func (t *Writer) measure(row []string) {
	for i, cell := range row {
		if i >= len(t.widths) {
			t.widths = append(t.widths, 0)
		}
		t.widths[i] = max(t.widths[i], DisplayWidth(cell))
	}
}

// Len returns the number of rows appended.
func (t *Writer) Len() int { return len(t.rows) }

// Render writes the table. An empty table writes nothing.
func (t *Writer) Render() error {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return nil
	}
	var b strings.Builder
	if t.style == StyleBox {
		t.border(&b)
	}
	if len(t.headers) > 0 {
		t.line(&b, t.headers)
		if t.style == StyleBox {
			t.border(&b)
		}
	}
	for _, row := range t.rows {
		t.line(&b, row)
	}
	if t.style == StyleBox {
		t.border(&b)
	}
	_, err := io.WriteString(t.out, b.String())
	return err
}

func (t *Writer) border(b *strings.Builder) {
	b.WriteByte('+')
	for _, w := range t.widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteByte('+')
	}
	b.WriteByte('\n')
}

func (t *Writer) line(b *strings.Builder, row []string) {
	last := len(t.widths) - 1
	if t.style == StyleBox {
		b.WriteByte('|')
	}
	for i, w := range t.widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		pad := strings.Repeat(" ", w-DisplayWidth(cell))
		switch {
		case t.style == StyleBox:
			b.WriteString(" " + cell + pad + " |")
		case i == last:
			// No trailing spaces
			b.WriteString(cell)
		default:
			b.WriteString(cell + pad + "   ")
		}
	}
	b.WriteByte('\n')
}

// DisplayWidth returns the terminal column width of s, ignoring ANSI color
// codes.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}
