// Package device holds the per-device policy of the recovery console: how
// physical keys translate to menu movement, what the menu tree contains, and
// the hooks that run around destructive operations. Policies are registered
// by name so the right one can be chosen at startup without rebuilding.
package device

import (
	"fmt"
	"sort"
	"sync"
)

// Linux input event codes for the keys recovery cares about. The number row
// runs contiguously from Key1.
const (
	Key1          = 2
	Key9          = 10
	KeyEnter      = 28
	KeyHome       = 102
	KeyUp         = 103
	KeyDown       = 108
	KeyVolumeDown = 114
	KeyVolumeUp   = 115
	KeyPower      = 116
	KeyBack       = 158
)

// Action is what a confirmed menu selection asks the engine to do.
type Action int

const (
	ActionNone Action = iota
	ActionReboot
	ActionRebootBootloader
	ActionShutdown
	ActionApplyADB
	ActionApplyStorage
	ActionWipeData
	ActionWipeFull
	ActionWipeCache
	ActionWipeMedia
	ActionWipeSystem
	ActionViewLogs
	ActionMountSystem
)

func (a Action) String() string {
	switch a {
	case ActionReboot:
		return "reboot"
	case ActionRebootBootloader:
		return "reboot-bootloader"
	case ActionShutdown:
		return "shutdown"
	case ActionApplyADB:
		return "apply-adb"
	case ActionApplyStorage:
		return "apply-storage"
	case ActionWipeFull:
		return "wipe-full"
	case ActionWipeData:
		return "wipe-data"
	case ActionWipeCache:
		return "wipe-cache"
	case ActionWipeMedia:
		return "wipe-media"
	case ActionWipeSystem:
		return "wipe-system"
	case ActionViewLogs:
		return "view-logs"
	case ActionMountSystem:
		return "mount-system"
	default:
		return "none"
	}
}

// KeyAction is the translated meaning of one physical key press.
type KeyAction int

const (
	// KeyIgnore discards the key.
	KeyIgnore KeyAction = iota
	// KeyHighlightUp moves the selection up one item.
	KeyHighlightUp
	// KeyHighlightDown moves the selection down one item.
	KeyHighlightDown
	// KeyInvoke confirms the current selection.
	KeyInvoke
	// KeyGoBack pops one menu level without selecting anything.
	KeyGoBack
	// KeyGoHome pops back to the top-level menu.
	KeyGoHome
	// KeyRefresh rebinds and redraws the current menu.
	KeyRefresh
	// KeySelectAbsolute jumps straight to the returned item index.
	KeySelectAbsolute
)

// MenuItem is one entry of the menu tree. Items carry either an action or a
// submenu, never both.
type MenuItem struct {
	Title   string
	Action  Action
	Submenu []MenuItem
}

// Device is the policy surface the engine consults. Implementations keep
// their own menu position state; the engine only sees titles and actions.
type Device interface {
	// Name identifies the policy in the registry.
	Name() string

	// HandleMenuKey translates a key press. The second return value is
	// only meaningful for KeySelectAbsolute. visible reports whether the
	// menu is currently on screen; keys that would act blindly on a
	// hidden menu must be ignored or translated to a reveal.
	HandleMenuKey(key int, visible bool) (KeyAction, int)

	// MenuHeaders and MenuItems describe the current menu level.
	MenuHeaders() []string
	MenuItems() []string

	// InvokeMenuItem acts on the item at pos. Entering or leaving a
	// submenu returns ActionNone; the caller re-reads the menu.
	InvokeMenuItem(pos int) Action

	// GoBack pops one menu level; GoHome pops back to the top.
	GoBack()
	GoHome()

	// Hooks around the destructive operations. A false return aborts the
	// operation before any flash change.
	PreWipeData() bool
	PostWipeData() bool
	PreWipeMedia() bool
	PostWipeMedia() bool
}

// mainMenu is the default policy's menu tree.
func mainMenu() []MenuItem {
	return []MenuItem{
		{Title: "Reboot system now", Action: ActionReboot},
		{Title: "Apply update", Submenu: []MenuItem{
			{Title: "Apply from ADB", Action: ActionApplyADB},
			{Title: "Apply from SD card", Action: ActionApplyStorage},
			{Title: "Back", Action: ActionNone},
		}},
		{Title: "Factory reset", Submenu: []MenuItem{
			{Title: "Wipe data/factory reset", Action: ActionWipeData},
			{Title: "Full factory reset", Action: ActionWipeFull},
			{Title: "Wipe cache partition", Action: ActionWipeCache},
			{Title: "Wipe media", Action: ActionWipeMedia},
			{Title: "Back", Action: ActionNone},
		}},
		{Title: "Advanced", Submenu: []MenuItem{
			{Title: "View recovery logs", Action: ActionViewLogs},
			{Title: "Mount /system", Action: ActionMountSystem},
			{Title: "Reboot to bootloader", Action: ActionRebootBootloader},
			{Title: "Power off", Action: ActionShutdown},
			{Title: "Back", Action: ActionNone},
		}},
	}
}

// Base is the stock policy. Variants embed it and override what differs.
type Base struct {
	name string

	mu    sync.Mutex
	stack [][]MenuItem
}

// NewBase builds the stock policy with the default menu tree.
func NewBase(name string) *Base {
	return &Base{name: name, stack: [][]MenuItem{mainMenu()}}
}

func (d *Base) Name() string { return d.name }

func (d *Base) MenuHeaders() []string {
	return []string{"Android Recovery", ""}
}

func (d *Base) MenuItems() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.stack[len(d.stack)-1]
	titles := make([]string, len(current))
	for i, item := range current {
		titles[i] = item.Title
	}
	return titles
}

func (d *Base) InvokeMenuItem(pos int) Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.stack[len(d.stack)-1]
	if pos < 0 || pos >= len(current) {
		return ActionNone
	}
	item := current[pos]
	if item.Submenu != nil {
		d.stack = append(d.stack, item.Submenu)
		return ActionNone
	}
	if item.Action == ActionNone && len(d.stack) > 1 {
		// "Back" entries pop one level.
		d.stack = d.stack[:len(d.stack)-1]
	}
	return item.Action
}

func (d *Base) GoBack() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) > 1 {
		d.stack = d.stack[:len(d.stack)-1]
	}
}

func (d *Base) GoHome() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = d.stack[:1]
}

// HandleMenuKey implements the stock translation: volume keys and arrows
// move, power and enter invoke, the number row jumps straight to an entry.
// On a hidden menu every key is ignored so a pocketed device cannot confirm
// anything by accident.
func (d *Base) HandleMenuKey(key int, visible bool) (KeyAction, int) {
	if !visible {
		return KeyIgnore, 0
	}
	if key >= Key1 && key <= Key9 {
		return KeySelectAbsolute, key - Key1
	}
	switch key {
	case KeyUp, KeyVolumeUp:
		return KeyHighlightUp, 0
	case KeyDown, KeyVolumeDown:
		return KeyHighlightDown, 0
	case KeyEnter, KeyPower:
		return KeyInvoke, 0
	default:
		return KeyIgnore, 0
	}
}

func (d *Base) PreWipeData() bool   { return true }
func (d *Base) PostWipeData() bool  { return true }
func (d *Base) PreWipeMedia() bool  { return true }
func (d *Base) PostWipeMedia() bool { return true }

// registry of named policies.
var (
	registryMu sync.Mutex
	registry   = map[string]func() Device{}
)

// Register adds a policy constructor under a name. Later registrations
// replace earlier ones.
func Register(name string, build func() Device) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = build
}

// New builds the named policy, or an error naming the known ones.
func New(name string) (Device, error) {
	registryMu.Lock()
	build, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown device policy %q (have %v)", name, Names())
	}
	return build(), nil
}

// Names lists the registered policies, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the stock policy.
func Default() Device { return NewBase("default") }

func init() {
	Register("default", Default)
}
