package install

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// zipMagic is the local-file-header signature every update package starts
// with.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// UIHooks receives the updater's feedback while a package runs.
type UIHooks struct {
	// Print shows a line of updater output.
	Print func(line string)
	// ShowProgress opens a timed progress scope over a portion of the bar.
	ShowProgress func(portion float64, d time.Duration)
	// SetProgress positions the bar within the current scope.
	SetProgress func(fraction float64)
}

// CommandInstaller applies packages by running an external updater and
// speaking its line protocol on stdout:
//
//	ui_print <text>        show a line to the user
//	progress <portion> <s> open a progress scope
//	set_progress <frac>    position within the scope
//	wipe_cache             ask for a cache wipe after the install
//
// Unknown lines are shown verbatim. The updater's exit status decides the
// result.
type CommandInstaller struct {
	// Updater is the command to run; the package path is appended.
	Updater []string
	Hooks   UIHooks
}

func (ci *CommandInstaller) Install(ctx context.Context, packagePath string) (Result, error) {
	if err := verifyPackage(packagePath); err != nil {
		ci.print(fmt.Sprintf("E: %v", err))
		return Result{Status: StatusCorrupt}, nil
	}
	if len(ci.Updater) == 0 {
		return Result{Status: StatusError}, fmt.Errorf("no updater configured")
	}

	args := append(append([]string{}, ci.Updater[1:]...), packagePath)
	cmd := exec.CommandContext(ctx, ci.Updater[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Status: StatusError}, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return Result{Status: StatusError}, fmt.Errorf("failed to start updater: %v", err)
	}

	result := Result{Status: StatusSuccess}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		ci.handleLine(scanner.Text(), &result)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{Status: StatusNone}, ctx.Err()
		}
		result.Status = StatusError
	}
	return result, nil
}

func (ci *CommandInstaller) handleLine(line string, result *Result) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "ui_print":
		ci.print(strings.TrimSpace(strings.TrimPrefix(line, "ui_print")))
	case "progress":
		if len(fields) == 3 && ci.Hooks.ShowProgress != nil {
			portion, err1 := strconv.ParseFloat(fields[1], 64)
			seconds, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 == nil && err2 == nil {
				ci.Hooks.ShowProgress(portion, time.Duration(seconds*float64(time.Second)))
			}
		}
	case "set_progress":
		if len(fields) == 2 && ci.Hooks.SetProgress != nil {
			if frac, err := strconv.ParseFloat(fields[1], 64); err == nil {
				ci.Hooks.SetProgress(frac)
			}
		}
	case "wipe_cache":
		result.WipeCache = true
	default:
		ci.print(line)
	}
}

func (ci *CommandInstaller) print(line string) {
	if ci.Hooks.Print != nil {
		ci.Hooks.Print(line)
	}
}

// verifyPackage rejects files that cannot be update packages before any
// updater runs.
func verifyPackage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("can't open %s: %v", path, err)
	}
	defer f.Close()

	magic := make([]byte, len(zipMagic))
	if _, err := f.Read(magic); err != nil {
		return fmt.Errorf("can't read %s: %v", path, err)
	}
	for i, b := range zipMagic {
		if magic[i] != b {
			return fmt.Errorf("%s is not an update package", path)
		}
	}
	return nil
}
