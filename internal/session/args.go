// Package session resolves the argument sources for one recovery session and
// carries the resulting session state.
//
// Arguments come from, in decreasing precedence:
//   - the actual command line
//   - the boot control block (one per line, after "recovery")
//   - the command file on the cache volume (one per line)
//
// After resolution the control block is always rewritten with "boot-recovery"
// and the resolved arguments, so an interrupted session resumes identically on
// the next boot. That rewrite is the restart-safety contract everything else
// leans on.
package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"recovery/internal/bootcontrol"
)

// maxArgs bounds how many tokens the control block or command file may
// contribute.
const maxArgs = 100

// oemUnlockArg may only arrive through the control block. It is consumed by
// the resolver, never forwarded to option parsing.
const oemUnlockArg = "--oemunlock"

// Options is the parsed CLI surface.
type Options struct {
	SendIntent         string
	UpdatePackage      string
	Headless           bool
	WipeData           bool
	WipeCache          bool
	WipeMedia          bool
	ShowText           bool
	Sideload           bool
	SideloadAutoReboot bool
	JustExit           bool
	Locale             string
	Stages             string
	ShutdownAfter      bool
	Reason             string
}

// Stage is the "current/max" pair for multi-stage installs.
type Stage struct {
	Current int
	Max     int
}

// Args is the per-session argument state. Everything is fixed after Resolve
// except the modified-flash flag and the stage.
type Args struct {
	// Raw is the resolved argument vector, program name first.
	Raw []string

	Options Options
	Locale  string
	Stage   Stage
	Reason  string

	// OemUnlock is set when the control block carried the reserved unlock
	// token.
	OemUnlock bool

	// SessionID stamps log output so runs can be told apart after rotation.
	SessionID uuid.UUID

	// Warnings collects non-fatal resolution problems (bad boot message,
	// unknown flags, unwritable control block).
	Warnings []string

	modifiedFlash atomic.Bool
}

// MarkModified records that a state-changing operation was attempted. Log
// rotation at session finish is gated on this so a pure "view logs" session
// leaves no trace.
func (a *Args) MarkModified() { a.modifiedFlash.Store(true) }

// ModifiedFlash reports whether any state-changing operation was attempted.
func (a *Args) ModifiedFlash() bool { return a.modifiedFlash.Load() }

// Resolve merges the three argument sources, rewrites the control block, and
// parses the CLI surface. It never fails: with no source yielding arguments
// the session proceeds empty, which is the interactive menu path.
func Resolve(argv []string, store bootcontrol.Store, paths Paths) *Args {
	a := &Args{SessionID: uuid.New()}

	rec := store.Read()
	a.Stage = parseStage(rec.Stage)

	args := append([]string(nil), argv...)
	if len(args) == 0 {
		args = []string{"recovery"}
	}

	// Process arguments beat the control block.
	if len(args) <= 1 {
		if fromBlock, ok := a.blockArgs(rec); ok {
			args = append(args[:1], fromBlock...)
		}
	}

	// The command file is the last resort.
	if len(args) <= 1 {
		if fromFile := commandFileArgs(paths.CommandFile); len(fromFile) > 0 {
			args = append(args[:1], fromFile...)
		}
	}
	a.Raw = args

	// Write the arguments back into the control block so that rebooting at
	// any point replays this session (until the finish routine clears it).
	rec.Command = "boot-recovery"
	var blob strings.Builder
	blob.WriteString("recovery\n")
	for _, arg := range args[1:] {
		blob.WriteString(arg)
		blob.WriteString("\n")
	}
	rec.Recovery = blob.String()
	if err := store.Write(rec); err != nil {
		a.Warnings = append(a.Warnings, fmt.Sprintf("control block not rewritten, restart safety lost: %v", err))
	}

	a.parseOptions(args[1:])

	if a.Options.Locale != "" {
		a.Locale = a.Options.Locale
	} else {
		a.Locale = loadLocale(paths.LocaleFile)
	}
	if a.Options.Stages != "" && a.Stage == (Stage{}) {
		a.Stage = parseStage("1/" + a.Options.Stages)
	}
	a.Reason = a.Options.Reason
	return a
}

// blockArgs extracts arguments from the control block's recovery blob. The
// reserved unlock token is intercepted here and not forwarded.
func (a *Args) blockArgs(rec *bootcontrol.Record) ([]string, bool) {
	lines := strings.Split(rec.Recovery, "\n")
	if len(lines) == 0 || lines[0] != "recovery" {
		if rec.Recovery != "" {
			a.Warnings = append(a.Warnings, fmt.Sprintf("bad boot message %q", truncateForLog(rec.Recovery)))
		}
		return nil, false
	}

	var args []string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line == oemUnlockArg {
			a.OemUnlock = true
			continue
		}
		args = append(args, line)
		if len(args) >= maxArgs {
			break
		}
	}
	return args, true
}

func commandFileArgs(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var args []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(args) < maxArgs {
		line := strings.TrimRight(sc.Text(), "\r")
		if line != "" {
			args = append(args, line)
		}
	}
	return args
}

// parseOptions walks the resolved tokens. Both "--flag=value" and
// "--flag value" forms are accepted; unknown flags are warned about and
// skipped, matching the lenient behavior the main system relies on.
func (a *Args) parseOptions(args []string) {
	opt := &a.Options
	for i := 0; i < len(args); i++ {
		name, value, hasValue := splitFlag(args[i])
		takeValue := func() string {
			if hasValue {
				return value
			}
			if i+1 < len(args) {
				i++
				return args[i]
			}
			a.Warnings = append(a.Warnings, fmt.Sprintf("flag %s missing its argument", name))
			return ""
		}

		switch name {
		case "--send_intent":
			opt.SendIntent = takeValue()
		case "--update_package":
			opt.UpdatePackage = takeValue()
		case "--headless":
			opt.Headless = true
		case "--wipe_data":
			opt.WipeData = true
		case "--wipe_cache":
			opt.WipeCache = true
		case "--wipe_media":
			opt.WipeMedia = true
		case "--show_text":
			opt.ShowText = true
		case "--sideload":
			opt.Sideload = true
		case "--sideload_auto_reboot":
			opt.Sideload = true
			opt.SideloadAutoReboot = true
		case "--just_exit":
			opt.JustExit = true
		case "--locale":
			opt.Locale = takeValue()
		case "--stages":
			opt.Stages = takeValue()
		case "--shutdown_after":
			opt.ShutdownAfter = true
		case "--reason":
			opt.Reason = takeValue()
		default:
			a.Warnings = append(a.Warnings, fmt.Sprintf("invalid command argument %q", args[i]))
		}
	}
}

func splitFlag(arg string) (name, value string, hasValue bool) {
	if i := strings.IndexByte(arg, '='); i >= 0 {
		return arg[:i], arg[i+1:], true
	}
	return arg, "", false
}

func parseStage(s string) Stage {
	var st Stage
	if n, err := fmt.Sscanf(s, "%d/%d", &st.Current, &st.Max); err != nil || n != 2 {
		return Stage{}
	}
	return st
}

// loadLocale reads the persisted locale, dropping any whitespace. Missing or
// unreadable files yield an empty locale.
func loadLocale(path string) string {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, r := range string(buf) {
		if !strings.ContainsRune(" \t\r\n", r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncateForLog(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}
