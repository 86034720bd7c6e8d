// Package term wraps a VT10x terminal emulator behind a narrow interface
// so the process registry never deals with control-sequence internals.
package term

import (
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Emulator is a write-only terminal screen. Bytes written to it are
// interpreted (cursor movement, erase, colors) and laid out on a grid;
// Render serializes the grid to plain text with no escape bytes.
type Emulator interface {
	Write(p []byte) (int, error)
	Render() string
	Resize(cols, rows int)
}

type vtEmulator struct {
	mu   sync.Mutex
	vt   vt10x.Terminal
	cols int
	rows int
}

// New creates a grid emulator of the given size. Zero or negative
// dimensions fall back to 80x24.
func New(cols, rows int) Emulator {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &vtEmulator{
		vt:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

func (e *vtEmulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vt.Write(p)
}

// Render returns the screen as plain lines. Trailing blanks on each line
// and trailing empty lines are trimmed.
func (e *vtEmulator) Render() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vt.Lock()
	defer e.vt.Unlock()

	lines := make([]string, 0, e.rows)
	for y := 0; y < e.rows; y++ {
		var b strings.Builder
		for x := 0; x < e.cols; x++ {
			c := e.vt.Cell(x, y).Char
			if c == 0 {
				c = ' '
			}
			b.WriteRune(c)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (e *vtEmulator) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vt.Resize(cols, rows)
	e.cols = cols
	e.rows = rows
}
