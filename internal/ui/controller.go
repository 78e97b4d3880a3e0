package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ProgressType selects what the progress bar shows.
type ProgressType int

const (
	// ProgressNone hides the bar.
	ProgressNone ProgressType = iota
	// ProgressIndeterminate animates the bar without a position.
	ProgressIndeterminate
	// ProgressDeterminate fills the bar from the current scope.
	ProgressDeterminate
)

// DialogKind selects the overlay dialog, if any.
type DialogKind int

const (
	// DialogNone shows no overlay.
	DialogNone DialogKind = iota
	// DialogInfo overlays an informational message.
	DialogInfo
	// DialogError overlays an error message.
	DialogError
)

// wakeReason is why the render goroutine woke up.
type wakeReason int

const (
	wakeNone wakeReason = iota
	// wakeTick advances animations and the timed progress scope.
	wakeTick
	// wakeRedraw repaints the whole screen after a state change.
	wakeRedraw
)

// minRenderSleep bounds how fast the render loop can spin.
const minRenderSleep = 20 * time.Millisecond

// Config carries the controller's construction parameters.
type Config struct {
	Backend Backend

	// FPS caps the animation rate. Zero means 30.
	FPS int

	// Log receives a copy of everything Print draws. Defaults to stdout;
	// the driver points it at the session log file.
	Log io.Writer

	// OnPowerReboot fires after seven consecutive power presses.
	OnPowerReboot func()
}

// Controller owns all screen state. Every field below mu is guarded by it;
// the render goroutine and every mutator share the one lock, and cond wakes
// the renderer when there is something new to draw.
type Controller struct {
	backend Backend
	fps     int
	queue   *keyQueue
	log     io.Writer

	mu   sync.Mutex
	cond *sync.Cond

	stopped bool
	wake    wakeReason

	rows, cols int
	textRows   int
	text       [][]rune
	textCol    int
	textRow    int
	textTop    int

	showText        bool
	textEverVisible bool

	menuHeaders []string
	menu        []string
	showMenu    bool
	menuSel     int
	menuStart   int
	wrapCount   int
	lastWrap    int
	rainbow     bool

	icon      Icon
	iconFrame int

	progressType  ProgressType
	progress      float64
	scopeStart    float64
	scopeSize     float64
	scopeTime     time.Time
	scopeDuration time.Duration
	spinnerFrame  int

	dialogKind   DialogKind
	dialogText   string
	dialogHasLog bool
	headless     bool

	stageCurrent int
	stageMax     int

	locale string

	done chan struct{}
}

// NewController builds a controller over the backend. Init must be called
// before anything is drawn.
func NewController(cfg Config) *Controller {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	logW := cfg.Log
	if logW == nil {
		logW = os.Stdout
	}
	c := &Controller{
		backend: cfg.Backend,
		fps:     fps,
		queue:   newKeyQueue(cfg.OnPowerReboot),
		log:     logW,
		done:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Init sizes the text area and starts the render goroutine.
func (c *Controller) Init() error {
	rows, cols := c.backend.Size()
	if rows < 4 || cols < 8 {
		return fmt.Errorf("screen too small: %dx%d", rows, cols)
	}

	c.mu.Lock()
	c.rows, c.cols = rows, cols
	// Reserve two rows for the icon band and one for the stage marker.
	c.textRows = rows - 3
	c.text = make([][]rune, c.textRows)
	for i := range c.text {
		c.text[i] = blankRow(c.cols)
	}
	c.mu.Unlock()

	go c.renderLoop()
	return nil
}

// Stop halts the render goroutine and closes the backend.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.done
	_ = c.backend.Close()
}

// SetLocale records the display locale for the session.
func (c *Controller) SetLocale(locale string) {
	c.mu.Lock()
	c.locale = locale
	c.mu.Unlock()
}

// Locale returns the display locale.
func (c *Controller) Locale() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locale
}

// SetBackground switches the background icon.
func (c *Controller) SetBackground(icon Icon) {
	c.mu.Lock()
	c.icon = icon
	c.iconFrame = 0
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// SetStage records the update stage marker (current of max).
func (c *Controller) SetStage(current, max int) {
	c.mu.Lock()
	c.stageCurrent, c.stageMax = current, max
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// ShowDialogInfo overlays an informational dialog until DismissDialog.
func (c *Controller) ShowDialogInfo(text string) {
	c.setDialog(DialogInfo, text, false)
}

// ShowDialogError overlays an error dialog.
func (c *Controller) ShowDialogError(text string) {
	c.setDialog(DialogError, text, false)
}

// ShowDialogErrorLog overlays an error dialog that also offers the
// session log for viewing.
func (c *Controller) ShowDialogErrorLog(text string) {
	c.setDialog(DialogError, text, true)
}

func (c *Controller) setDialog(kind DialogKind, text string, hasLog bool) {
	c.mu.Lock()
	c.dialogKind = kind
	c.dialogText = text
	c.dialogHasLog = hasLog
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// DismissDialog clears the overlay. The headless dialog is pinned; it
// stays up for the life of the session.
func (c *Controller) DismissDialog() {
	c.mu.Lock()
	if !c.headless {
		c.dialogKind = DialogNone
		c.dialogText = ""
		c.dialogHasLog = false
		c.wakeLocked(wakeRedraw)
	}
	c.mu.Unlock()
}

// DialogVisible reports whether an overlay dialog is up.
func (c *Controller) DialogVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogKind != DialogNone
}

// DialogOffersLog reports whether the current dialog points at the log.
func (c *Controller) DialogOffersLog() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogKind != DialogNone && c.dialogHasLog
}

// SetHeadlessMode pins an info dialog for sessions nobody is watching.
func (c *Controller) SetHeadlessMode() {
	c.mu.Lock()
	c.headless = true
	c.dialogKind = DialogInfo
	c.dialogText = "Running in headless mode"
	c.dialogHasLog = false
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// SetProgressType switches the progress bar mode and resets the position.
func (c *Controller) SetProgressType(t ProgressType) {
	c.mu.Lock()
	if c.progressType != t {
		c.progressType = t
		c.progress = 0
		c.scopeStart, c.scopeSize = 0, 0
		c.scopeDuration = 0
	}
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// ShowProgress opens a determinate scope covering portion of the bar. If
// duration is positive the scope self-advances over that wall time;
// otherwise SetProgress positions within it.
func (c *Controller) ShowProgress(portion float64, duration time.Duration) {
	c.mu.Lock()
	c.progressType = ProgressDeterminate
	c.scopeStart = c.progress
	c.scopeSize = clamp01(portion)
	if c.scopeStart+c.scopeSize > 1 {
		c.scopeSize = 1 - c.scopeStart
	}
	c.scopeTime = time.Now()
	c.scopeDuration = duration
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// SetProgress positions the bar within the current scope. fraction is 0..1
// of the scope, not of the whole bar. In a timed scope the wall-clock
// estimate still advances on its own; explicit positions only ever move the
// bar forward past it. Moves smaller than one percent of the bar are
// coalesced to keep redraw traffic down.
func (c *Controller) SetProgress(fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progressType != ProgressDeterminate {
		return
	}
	target := c.scopeStart + c.scopeSize*clamp01(fraction)
	if target < c.progress {
		return
	}
	if target-c.progress < 0.01 && target < 1 {
		return
	}
	c.progress = target
	c.wakeLocked(wakeTick)
}

// Progress reports the overall bar position.
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Print appends formatted text to the scrolling log and the session log.
func (c *Controller) Print(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	fmt.Fprint(c.log, s)
	c.mu.Lock()
	c.printLocked(s)
	c.mu.Unlock()
}

// PrintOnScreenOnly is Print without the stdout copy, for text that is
// already in the log by other means.
func (c *Controller) PrintOnScreenOnly(format string, args ...any) {
	c.mu.Lock()
	c.printLocked(fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *Controller) printLocked(s string) {
	for _, r := range s {
		if r == '\n' || c.textCol >= c.cols {
			c.textRow = (c.textRow + 1) % c.textRows
			c.textCol = 0
			c.text[c.textRow] = blankRow(c.cols)
			if c.textRow == c.textTop {
				// The write head caught the oldest row; evict it.
				c.textTop = (c.textTop + 1) % c.textRows
			}
		}
		if r != '\n' {
			c.text[c.textRow][c.textCol] = r
			c.textCol++
		}
	}
	c.wakeLocked(wakeRedraw)
}

// ShowText reveals or hides the log and menu.
func (c *Controller) ShowText(visible bool) {
	c.mu.Lock()
	c.showText = visible
	if visible {
		c.textEverVisible = true
	}
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// IsTextVisible reports whether the log is currently shown.
func (c *Controller) IsTextVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showText
}

// WasTextEverVisible reports whether the log was shown at any point in the
// session; an untouched console may reboot on menu timeout, a touched one
// must not.
func (c *Controller) WasTextEverVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textEverVisible
}

// StartMenu binds the menu. Items longer than the screen are truncated, and
// the initial selection is brought into view.
func (c *Controller) StartMenu(headers, items []string, initial int) {
	c.mu.Lock()
	c.menuHeaders = truncateAll(headers, c.cols)
	c.menu = truncateAll(items, c.cols)
	if initial < 0 || initial >= len(c.menu) {
		initial = 0
	}
	c.menuSel = initial
	c.menuStart = 0
	c.showMenu = c.showText
	c.scrollToSelectionLocked()
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// SelectMenu moves the selection to sel, wrapping off either end. Five
// consecutive wraps in the same direction toggle the easter-egg palette.
// The clamped selection is returned.
func (c *Controller) SelectMenu(sel int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.showMenu || len(c.menu) == 0 {
		return c.menuSel
	}

	old := c.menuSel
	wrapped := 0
	switch {
	case sel < 0:
		sel += len(c.menu)
		wrapped = -1
	case sel >= len(c.menu):
		sel -= len(c.menu)
		wrapped = 1
	}
	if sel < 0 || sel >= len(c.menu) {
		return c.menuSel
	}

	if wrapped != 0 {
		if wrapped == c.lastWrap {
			c.wrapCount++
		} else {
			c.lastWrap = wrapped
			c.wrapCount = 1
		}
		if c.wrapCount >= 5 {
			c.wrapCount = 0
			c.rainbow = !c.rainbow
			c.backend.SetRainbow(c.rainbow)
		}
	}

	c.menuSel = sel
	c.scrollToSelectionLocked()
	if c.menuSel != old {
		c.wakeLocked(wakeRedraw)
	}
	return c.menuSel
}

// scrollToSelectionLocked shifts the visible window the minimum amount that
// keeps the selection on screen.
func (c *Controller) scrollToSelectionLocked() {
	visible := c.menuVisibleRowsLocked()
	if visible <= 0 {
		return
	}
	if c.menuSel < c.menuStart {
		c.menuStart = c.menuSel
	} else if c.menuSel >= c.menuStart+visible {
		c.menuStart = c.menuSel - visible + 1
	}
}

func (c *Controller) menuVisibleRowsLocked() int {
	return c.textRows - len(c.menuHeaders)
}

// EndMenu unbinds the menu and returns the screen to the log.
func (c *Controller) EndMenu() {
	c.mu.Lock()
	c.showMenu = false
	c.menu = nil
	c.menuHeaders = nil
	c.wakeLocked(wakeRedraw)
	c.mu.Unlock()
}

// MenuSelection returns the current selection.
func (c *Controller) MenuSelection() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.menuSel
}

// EnqueueKey feeds one key press into the queue.
func (c *Controller) EnqueueKey(key int, isPower bool) {
	c.queue.Enqueue(key, isPower)
}

// WaitKey blocks for the next key, KeyNone on timeout, KeyInterrupt on
// cancellation.
func (c *Controller) WaitKey(timeout time.Duration) int {
	return c.queue.Wait(timeout)
}

// FlushKeys discards buffered keys, typically before entering a menu.
func (c *Controller) FlushKeys() {
	c.queue.Flush()
}

// InterruptKey wakes a blocked WaitKey.
func (c *Controller) InterruptKey() {
	c.queue.Interrupt()
}

// ShowFile pages a file on a swapped-in text buffer. Volume-up pages back,
// power or enter exits, any other key pages forward. The log contents are
// restored on exit.
func (c *Controller) ShowFile(path string, isBack func(int) bool, isExit func(int) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open %s: %v", path, err)
	}
	defer f.Close()

	c.mu.Lock()
	saved := c.swapTextLocked()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.restoreTextLocked(saved)
		c.wakeLocked(wakeRedraw)
		c.mu.Unlock()
	}()

	// Byte offsets of the start of each page already shown, so paging
	// backwards is a seek instead of a rewind-and-rescan.
	offsets := []int64{0}
	for {
		again, err := c.showFilePage(f)
		if err != nil {
			return err
		}

		c.FlushKeys()
		key := c.WaitKey(0)
		switch {
		case isExit(key) || key == KeyInterrupt:
			return nil
		case isBack(key):
			if len(offsets) > 1 {
				offsets = offsets[:len(offsets)-1]
			}
			if _, err := f.Seek(offsets[len(offsets)-1], 0); err != nil {
				return err
			}
		default:
			if !again {
				return nil
			}
			pos, err := f.Seek(0, 1)
			if err != nil {
				return err
			}
			offsets = append(offsets, pos)
		}
	}
}

// showFilePage fills the text buffer with the next screenful. Returns false
// when the file is exhausted.
func (c *Controller) showFilePage(f *os.File) (bool, error) {
	c.mu.Lock()
	for i := range c.text {
		c.text[i] = blankRow(c.cols)
	}
	c.textRow, c.textTop, c.textCol = 0, 0, 0
	rows := c.textRows - 1
	c.mu.Unlock()

	pos, err := f.Seek(0, 1)
	if err != nil {
		return false, err
	}
	r := bufio.NewReader(f)
	shown := 0
	consumed := int64(0)
	for shown < rows {
		line, err := r.ReadString('\n')
		if line != "" {
			consumed += int64(len(line))
			c.PrintOnScreenOnly("%s", line)
			shown++
		}
		if err != nil {
			if _, serr := f.Seek(pos+consumed, 0); serr != nil {
				return false, serr
			}
			c.PrintOnScreenOnly("\n%s\n", filePercent(f, pos+consumed))
			return false, nil
		}
	}
	if _, err := f.Seek(pos+consumed, 0); err != nil {
		return false, err
	}
	c.PrintOnScreenOnly("%s\n", filePercent(f, pos+consumed))
	return true, nil
}

// filePercent is the pager's position prompt.
func filePercent(f *os.File, pos int64) string {
	size := int64(0)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	pct := int64(100)
	if size > 0 {
		pct = pos * 100 / size
	}
	return fmt.Sprintf("--(%d%% of %d bytes)--", pct, size)
}

// savedText is the log state parked while a file is on screen.
type savedText struct {
	text     [][]rune
	col, row int
	top      int
	showText bool
	showMenu bool
}

func (c *Controller) swapTextLocked() savedText {
	saved := savedText{
		text: c.text, col: c.textCol, row: c.textRow, top: c.textTop,
		showText: c.showText, showMenu: c.showMenu,
	}
	c.text = make([][]rune, c.textRows)
	for i := range c.text {
		c.text[i] = blankRow(c.cols)
	}
	c.textCol, c.textRow, c.textTop = 0, 0, 0
	c.showText = true
	c.showMenu = false
	c.textEverVisible = true
	return saved
}

func (c *Controller) restoreTextLocked(saved savedText) {
	c.text = saved.text
	c.textCol, c.textRow, c.textTop = saved.col, saved.row, saved.top
	c.showText = saved.showText
	c.showMenu = saved.showMenu
}

// wakeLocked records the wake reason and pokes the renderer. Redraw requests
// outrank ticks.
func (c *Controller) wakeLocked(reason wakeReason) {
	if reason > c.wake {
		c.wake = reason
	}
	c.cond.Broadcast()
}

// renderLoop is the render goroutine. It sleeps until woken by a state
// change, or ticks on its own while something is animating: an installing
// icon, an indeterminate bar, or a timed progress scope.
func (c *Controller) renderLoop() {
	defer close(c.done)
	interval := time.Second / time.Duration(c.fps)

	c.mu.Lock()
	for {
		for !c.stopped && c.wake == wakeNone && !c.animatingLocked() {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}

		reason := c.wake
		c.wake = wakeNone
		if reason == wakeNone {
			reason = wakeTick
		}

		start := time.Now()
		if c.icon == IconInstalling {
			c.iconFrame = (c.iconFrame + 1) % InstallingFrameCount()
		}
		if c.progressType == ProgressIndeterminate {
			c.spinnerFrame++
		}
		if c.progressType == ProgressDeterminate && c.scopeDuration > 0 {
			elapsed := time.Since(c.scopeTime)
			fraction := float64(elapsed) / float64(c.scopeDuration)
			target := c.scopeStart + c.scopeSize*clamp01(fraction)
			if target > c.progress {
				c.progress = clamp01(target)
			}
		}

		c.drawLocked(reason)

		elapsed := time.Since(start)
		sleep := interval - elapsed
		if sleep < minRenderSleep {
			sleep = minRenderSleep
		}
		c.mu.Unlock()
		time.Sleep(sleep)
		c.mu.Lock()
	}
}

func (c *Controller) animatingLocked() bool {
	return c.icon == IconInstalling ||
		c.progressType == ProgressIndeterminate ||
		(c.progressType == ProgressDeterminate && c.scopeDuration > 0 && c.progress < 1)
}

// drawLocked repaints. Ticks that change only animation state redraw just
// the icon and bar; everything else repaints the whole screen.
func (c *Controller) drawLocked(reason wakeReason) {
	if reason == wakeTick {
		c.drawIconAndProgressLocked()
		_ = c.backend.Flip()
		return
	}

	c.backend.Clear()
	c.drawIconAndProgressLocked()

	if c.showText {
		if c.showMenu {
			c.drawMenuLocked()
		} else {
			c.drawLogLocked()
		}
	}
	if c.stageMax > 0 {
		c.backend.Text(c.rows-1, 0,
			fmt.Sprintf("stage %d/%d", c.stageCurrent, c.stageMax), ElementStage)
	}
	if c.dialogKind != DialogNone {
		c.drawDialogLocked()
	}
	_ = c.backend.Flip()
}

// drawDialogLocked paints the overlay in the middle rows, on top of
// whatever page is underneath.
func (c *Controller) drawDialogLocked() {
	el := ElementInfo
	if c.dialogKind == DialogError {
		el = ElementError
	}
	mid := c.rows / 2
	c.backend.Text(mid-1, 2, c.dialogText, el)
	if c.dialogHasLog {
		c.backend.Text(mid+1, 2, "Power: view recovery log", ElementInfo)
		c.backend.Text(mid+2, 2, "Any other key: continue", ElementInfo)
	} else if !c.headless {
		c.backend.Text(mid+1, 2, "Any key: continue", ElementInfo)
	}
}

func (c *Controller) drawIconAndProgressLocked() {
	if !c.showText {
		c.backend.Icon(c.icon, c.iconFrame)
	}
	switch c.progressType {
	case ProgressDeterminate:
		c.backend.Progress(c.rows-2, c.progress, false, 0)
	case ProgressIndeterminate:
		c.backend.Progress(c.rows-2, 0, true, c.spinnerFrame)
	}
}

func (c *Controller) drawLogLocked() {
	row := 0
	for i := 0; i < c.textRows; i++ {
		line := c.text[(c.textTop+i)%c.textRows]
		c.backend.Text(row, 0, string(line), ElementLog)
		row++
	}
}

func (c *Controller) drawMenuLocked() {
	row := 0
	for _, h := range c.menuHeaders {
		c.backend.Text(row, 0, h, ElementHeader)
		row++
	}
	visible := c.menuVisibleRowsLocked()
	for i := 0; i < visible && c.menuStart+i < len(c.menu); i++ {
		idx := c.menuStart + i
		el := ElementMenu
		prefix := "  "
		if idx == c.menuSel {
			el = ElementMenuSelected
			prefix = CurrentSymbols.Selector + " "
		}
		c.backend.Text(row, 0, prefix+c.menu[idx], el)
		row++
	}
}

func blankRow(cols int) []rune {
	row := make([]rune, cols)
	for i := range row {
		row[i] = ' '
	}
	return row
}

func truncateAll(in []string, width int) []string {
	out := make([]string, len(in))
	for i, s := range in {
		r := []rune(s)
		if len(r) > width {
			r = r[:width]
		}
		out[i] = string(r)
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
