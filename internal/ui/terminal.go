package ui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"recovery/internal/device"
)

// Color palette - Tokyo Night inspired
var (
	primaryColor    = lipgloss.Color("#7aa2f7") // blue
	secondaryColor  = lipgloss.Color("#9ece6a") // green
	errorColor      = lipgloss.Color("#f7768e") // red
	warningColor    = lipgloss.Color("#e0af68") // yellow
	textColor       = lipgloss.Color("#c0caf5") // foreground
	dimColor        = lipgloss.Color("#565f89") // comment
	backgroundColor = lipgloss.Color("#1a1b26") // background

	headerStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	menuStyle = lipgloss.NewStyle().
			Foreground(textColor)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(backgroundColor).
			Bold(true)

	logStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	infoStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	stageStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	rainbowColors = []lipgloss.Color{
		"#f7768e", "#e0af68", "#9ece6a", "#7dcfff", "#7aa2f7", "#bb9af7",
	}
)

type cell struct {
	r  rune
	el Element
}

// TerminalBackend draws the console on a real terminal through the
// alternate screen buffer.
type TerminalBackend struct {
	out  *termenv.Output
	rows int
	cols int

	mu      sync.Mutex
	cells   [][]cell
	rainbow bool
}

// NewTerminalBackend takes over the terminal. Close restores it.
func NewTerminalBackend() (*TerminalBackend, error) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil, fmt.Errorf("stdout is not a terminal")
	}
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to size terminal: %v", err)
	}

	out := termenv.NewOutput(os.Stdout)
	out.AltScreen()
	out.HideCursor()

	b := &TerminalBackend{out: out, rows: rows, cols: cols}
	b.Clear()
	return b, nil
}

func (b *TerminalBackend) Size() (int, int) { return b.rows, b.cols }

func (b *TerminalBackend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cells = make([][]cell, b.rows)
	for i := range b.cells {
		b.cells[i] = make([]cell, b.cols)
		for j := range b.cells[i] {
			b.cells[i][j] = cell{r: ' ', el: ElementLog}
		}
	}
}

func (b *TerminalBackend) Text(row, col int, s string, el Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows {
		return
	}
	for _, r := range s {
		w := runewidth.RuneWidth(r)
		if col+w > b.cols {
			break
		}
		b.cells[row][col] = cell{r: r, el: el}
		// Wide runes occupy the following cell too.
		for k := 1; k < w; k++ {
			b.cells[row][col+k] = cell{r: 0, el: el}
		}
		col += w
	}
}

func (b *TerminalBackend) Progress(row int, fraction float64, indeterminate bool, frame int) {
	width := b.cols - 4
	if width < 4 {
		width = 4
	}
	var bar string
	if indeterminate {
		spinner := CurrentSymbols.Spinner[frame%len(CurrentSymbols.Spinner)]
		bar = spinner + " working"
	} else {
		full := int(fraction * float64(width))
		bar = strings.Repeat(CurrentSymbols.BarFull, full) +
			strings.Repeat(CurrentSymbols.BarEmpty, width-full) +
			fmt.Sprintf(" %3.0f%%", fraction*100)
	}
	b.Text(row, 0, bar, ElementInfo)
}

func (b *TerminalBackend) Icon(icon Icon, frame int) {
	switch icon {
	case IconInstalling:
		frames := CurrentSymbols.Installing
		b.Text(0, 0, "Installing "+frames[frame%len(frames)], ElementInfo)
	case IconErasing:
		b.Text(0, 0, CurrentSymbols.Warning+" Erasing", ElementInfo)
	case IconError:
		b.Text(0, 0, CurrentSymbols.Error+" Error", ElementError)
	}
}

func (b *TerminalBackend) SetRainbow(enabled bool) {
	b.mu.Lock()
	b.rainbow = enabled
	b.mu.Unlock()
}

// Flip renders the cell grid styled by element and writes it out in one
// shot, top-left anchored.
func (b *TerminalBackend) Flip() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for i, row := range b.cells {
		line := renderRow(row, b.rainbow, i)
		sb.WriteString(line)
		if i < len(b.cells)-1 {
			sb.WriteString("\r\n")
		}
	}

	b.out.MoveCursor(1, 1)
	_, err := b.out.WriteString(sb.String())
	return err
}

// renderRow styles runs of equal elements together to keep escape sequences
// down.
func renderRow(row []cell, rainbow bool, rowIdx int) string {
	var sb strings.Builder
	var run strings.Builder
	current := row[0].el
	flush := func() {
		if run.Len() == 0 {
			return
		}
		sb.WriteString(styleFor(current, rainbow, rowIdx).Render(run.String()))
		run.Reset()
	}
	for _, c := range row {
		if c.r == 0 {
			continue
		}
		if c.el != current {
			flush()
			current = c.el
		}
		run.WriteRune(c.r)
	}
	flush()
	return sb.String()
}

func styleFor(el Element, rainbow bool, rowIdx int) lipgloss.Style {
	if rainbow && (el == ElementMenu || el == ElementMenuSelected || el == ElementHeader) {
		return lipgloss.NewStyle().Foreground(rainbowColors[rowIdx%len(rainbowColors)])
	}
	switch el {
	case ElementHeader:
		return headerStyle
	case ElementMenu:
		return menuStyle
	case ElementMenuSelected:
		return selectedStyle
	case ElementInfo:
		return infoStyle
	case ElementError:
		return errorStyle
	case ElementStage:
		return stageStyle
	default:
		return logStyle
	}
}

func (b *TerminalBackend) Close() error {
	b.out.ShowCursor()
	b.out.ExitAltScreen()
	return nil
}

// KeyReader turns raw terminal input into the key codes the device policies
// understand and feeds them to the controller.
type KeyReader struct {
	ctrl    *Controller
	restore func()
	stop    chan struct{}
}

// StartKeyReader puts stdin into raw mode and starts the reader goroutine.
func StartKeyReader(ctrl *Controller) (*KeyReader, error) {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to enter raw mode: %v", err)
	}
	r := &KeyReader{
		ctrl:    ctrl,
		restore: func() { _ = term.Restore(fd, state) },
		stop:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Stop restores the terminal. The reader goroutine exits on the next read.
func (r *KeyReader) Stop() {
	close(r.stop)
	r.restore()
}

func (r *KeyReader) loop() {
	buf := make([]byte, 8)
	for {
		n, err := os.Stdin.Read(buf)
		select {
		case <-r.stop:
			return
		default:
		}
		if err != nil {
			return
		}
		for _, key := range translateBytes(buf[:n]) {
			r.ctrl.EnqueueKey(key, key == device.KeyPower)
		}
	}
}

// translateBytes maps terminal input to input event codes: arrows move,
// enter confirms, escape is back, p stands in for the power key and +/- for
// the volume rocker.
func translateBytes(buf []byte) []int {
	if len(buf) >= 3 && buf[0] == 0x1b && buf[1] == '[' {
		switch buf[2] {
		case 'A':
			return []int{device.KeyUp}
		case 'B':
			return []int{device.KeyDown}
		}
		return nil
	}

	var keys []int
	for _, c := range buf {
		switch c {
		case '\r', '\n':
			keys = append(keys, device.KeyEnter)
		case 0x1b:
			keys = append(keys, device.KeyBack)
		case 'p':
			keys = append(keys, device.KeyPower)
		case '+', '=':
			keys = append(keys, device.KeyVolumeUp)
		case '-', '_':
			keys = append(keys, device.KeyVolumeDown)
		case 'h':
			keys = append(keys, device.KeyHome)
		case '1', '2', '3', '4', '5', '6', '7', '8', '9':
			keys = append(keys, device.Key1+int(c-'1'))
		}
	}
	return keys
}
