package ui

import "sync"

// Element classifies a piece of drawn text so the backend can style it.
type Element int

const (
	ElementHeader Element = iota
	ElementMenu
	ElementMenuSelected
	ElementLog
	ElementInfo
	ElementError
	ElementStage
)

// Icon is the background picture behind the console.
type Icon int

const (
	IconNone Icon = iota
	IconInstalling
	IconErasing
	IconError
)

// Backend is the drawing surface the controller renders onto. Coordinates
// are cells, row 0 at the top. Nothing appears until Flip.
type Backend interface {
	// Size reports the drawable area in cells.
	Size() (rows, cols int)

	// Clear erases the pending frame.
	Clear()

	// Text places a string at a cell position.
	Text(row, col int, s string, el Element)

	// Progress draws the progress bar on a row. frame drives the
	// indeterminate animation.
	Progress(row int, fraction float64, indeterminate bool, frame int)

	// Icon draws the background icon above the text area. frame selects
	// the animation frame for animated icons.
	Icon(icon Icon, frame int)

	// SetRainbow toggles the easter-egg palette.
	SetRainbow(enabled bool)

	// Flip makes the pending frame visible.
	Flip() error

	// Close releases the surface.
	Close() error
}

// MemoryBackend renders into an in-memory cell grid. It backs headless
// sessions, where nothing is attached to the console, and the tests.
type MemoryBackend struct {
	mu    sync.Mutex
	rows  int
	cols  int
	cells [][]rune
	elems [][]Element

	icon      Icon
	iconFrame int
	fraction  float64
	indet     bool
	rainbow   bool
	flips     int
}

// NewMemoryBackend builds a surface of the given size.
func NewMemoryBackend(rows, cols int) *MemoryBackend {
	b := &MemoryBackend{rows: rows, cols: cols}
	b.Clear()
	return b
}

func (b *MemoryBackend) Size() (int, int) { return b.rows, b.cols }

func (b *MemoryBackend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cells = make([][]rune, b.rows)
	b.elems = make([][]Element, b.rows)
	for i := range b.cells {
		b.cells[i] = make([]rune, b.cols)
		b.elems[i] = make([]Element, b.cols)
		for j := range b.cells[i] {
			b.cells[i][j] = ' '
		}
	}
}

func (b *MemoryBackend) Text(row, col int, s string, el Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows {
		return
	}
	for _, r := range s {
		if col < 0 {
			col++
			continue
		}
		if col >= b.cols {
			break
		}
		b.cells[row][col] = r
		b.elems[row][col] = el
		col++
	}
}

func (b *MemoryBackend) Progress(row int, fraction float64, indeterminate bool, frame int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fraction = fraction
	b.indet = indeterminate
	b.iconFrame = frame
}

func (b *MemoryBackend) Icon(icon Icon, frame int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.icon = icon
	b.iconFrame = frame
}

func (b *MemoryBackend) SetRainbow(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rainbow = enabled
}

func (b *MemoryBackend) Flip() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flips++
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Row returns the text on one row, trailing spaces trimmed.
func (b *MemoryBackend) Row(row int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows {
		return ""
	}
	end := b.cols
	for end > 0 && b.cells[row][end-1] == ' ' {
		end--
	}
	return string(b.cells[row][:end])
}

// RowElement returns the element used at a cell.
func (b *MemoryBackend) RowElement(row, col int) Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows || col < 0 || col >= b.cols {
		return ElementLog
	}
	return b.elems[row][col]
}

// Flips reports how many frames have been made visible.
func (b *MemoryBackend) Flips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flips
}

// LastIcon reports the icon shown on the most recent frame.
func (b *MemoryBackend) LastIcon() (Icon, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.icon, b.iconFrame
}

// LastProgress reports the most recent progress draw.
func (b *MemoryBackend) LastProgress() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fraction, b.indet
}

// Rainbow reports whether the easter-egg palette is on.
func (b *MemoryBackend) Rainbow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rainbow
}

// Contents returns every non-empty row joined by newlines; handy in tests.
func (b *MemoryBackend) Contents() string {
	out := ""
	for i := 0; i < b.rows; i++ {
		row := b.Row(i)
		if row != "" {
			if out != "" {
				out += "\n"
			}
			out += row
		}
	}
	return out
}
