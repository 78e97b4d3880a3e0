// Package main implements the entry point of the recovery console.
//
// This package handles:
//   - Single instance checking to prevent concurrent recovery sessions
//   - Boot command resolution and the restart-safety handshake
//   - Screen and input initialization, with a headless fallback
//   - Dispatch of the commanded operation and the interactive prompt
//   - Session finish: log archival, control block clearing, reboot
//
// The console must be restart-safe: the commanded operation is written back
// to the boot control block before it runs, so a power cut mid-operation
// replays it on the next boot instead of leaving the device half-wiped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"recovery/internal"
	"recovery/internal/archive"
	"recovery/internal/bootcontrol"
	"recovery/internal/device"
	"recovery/internal/engine"
	"recovery/internal/install"
	"recovery/internal/session"
	"recovery/internal/storage"
	"recovery/internal/ui"
)

// lockFilePath is the singleton instance lock. Two concurrent sessions
// would fight over the control block and the volumes.
const lockFilePath = "/tmp/recovery.lock"

// updaterPath is the external updater binary packages are applied with.
const updaterPath = "/sbin/recovery-updater"

// sideloadStagePath is where the host-side transfer service stages packages.
const sideloadStagePath = "/tmp/sideload/package.zip"

// checkSingleInstance verifies that no other recovery session is running.
// Stale lock files are cleaned up if the recorded process is gone.
func checkSingleInstance() error {
	if _, err := os.Stat(lockFilePath); err == nil {
		lockContent, readErr := os.ReadFile(lockFilePath)
		if readErr == nil {
			pid := strings.TrimSpace(string(lockContent))
			if pid != "" {
				if pidInt, err := strconv.Atoi(pid); err == nil {
					if process, err := os.FindProcess(pidInt); err == nil {
						if err := process.Signal(syscall.Signal(0)); err == nil {
							return fmt.Errorf("another recovery session is already running (PID: %s)", pid)
						}
					}
				}
			}
		}
		os.Remove(lockFilePath)
	}
	return nil
}

func createInstanceLock() error {
	pid := fmt.Sprintf("%d", os.Getpid())
	return os.WriteFile(lockFilePath, []byte(pid), 0644)
}

func removeInstanceLock() {
	os.Remove(lockFilePath)
}

func main() {
	if err := checkSingleInstance(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := createInstanceLock(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create instance lock: %v\n", err)
		os.Exit(1)
	}

	// os.Exit skips deferred calls, so the lock is released explicitly
	// here and in rebootNow.
	code := run()
	removeInstanceLock()
	os.Exit(code)
}

func run() int {
	paths := session.DefaultPaths()

	logFile := openSessionLog(paths)
	defer logFile.Close()

	store := bootcontrol.NewFileStore(paths.MiscDevice)
	args := session.Resolve(os.Args, store, paths)

	fmt.Fprintf(logFile, "%s (pid %d, session %s)\n",
		internal.GetFullVersionString(), os.Getpid(), args.SessionID)
	fmt.Fprintf(logFile, "boot arguments: %q\n", args.Raw)
	for _, w := range args.Warnings {
		fmt.Fprintf(logFile, "W: %s\n", w)
	}

	// Screen: a real terminal when there is one, an in-memory surface
	// otherwise so every flow still runs on a headless device.
	headless := args.Options.Headless
	var backend ui.Backend
	if !headless {
		tb, err := ui.NewTerminalBackend()
		if err != nil {
			fmt.Fprintf(logFile, "no terminal (%v), running headless\n", err)
			headless = true
		} else {
			backend = tb
		}
	}
	if backend == nil {
		backend = ui.NewMemoryBackend(30, 80)
	}

	ctrl := ui.NewController(ui.Config{
		Backend:       backend,
		Log:           logFile,
		OnPowerReboot: func() { rebootNow("reboot") },
	})
	if err := ctrl.Init(); err != nil {
		fmt.Fprintf(logFile, "E: screen init failed: %v\n", err)
		return 1
	}
	defer ctrl.Stop()

	if args.Locale != "" {
		ctrl.SetLocale(args.Locale)
	}
	if args.Stage.Max > 0 {
		ctrl.SetStage(args.Stage.Current, args.Stage.Max)
	}

	if !headless {
		reader, err := ui.StartKeyReader(ctrl)
		if err != nil {
			fmt.Fprintf(logFile, "W: key input unavailable: %v\n", err)
		} else {
			defer reader.Stop()
		}
	}

	dev := chooseDevice(ctrl)
	volumes := storage.NewExecManager(storage.DefaultTable())
	installer := &install.CommandInstaller{
		Updater: []string{updaterPath},
		Hooks: install.UIHooks{
			Print:        func(line string) { ctrl.Print("%s\n", line) },
			ShowProgress: ctrl.ShowProgress,
			SetProgress:  ctrl.SetProgress,
		},
	}
	archivist := archive.New(paths)
	archivist.KernelLog = captureKernelLog

	eng := &engine.Engine{
		UI:         ctrl,
		Dev:        dev,
		Volumes:    volumes,
		Installer:  installer,
		Sideloader: &install.StagedSideloader{StagePath: sideloadStagePath, Installer: installer},
		Archive:    archivist,
		Session:    args,
		Paths:      paths,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		ctrl.InterruptKey()
	}()

	if args.Options.ShowText {
		ctrl.ShowText(true)
	}

	if headless {
		ctrl.SetHeadlessMode()
	}

	status := dispatch(ctx, eng, args)
	fmt.Fprintf(logFile, "commanded operation finished: %s\n", status)

	autoReboot := args.Options.Sideload && args.Options.SideloadAutoReboot
	if !autoReboot && (status == install.StatusError || status == install.StatusCorrupt) {
		ctrl.SetBackground(ui.IconError)
		ctrl.ShowDialogErrorLog("Operation failed")
	}

	action := device.ActionReboot
	if args.Options.ShutdownAfter {
		action = device.ActionShutdown
	}
	switch sessionEpilogue(headless, status, args.Options, ctrl.IsTextVisible()) {
	case epiloguePark:
		ctrl.ShowText(true)
		park(ctx, ctrl, status)
	case epiloguePrompt:
		if a := eng.PromptAndWait(ctx, status); a != device.ActionNone {
			action = a
		}
	}

	archivist.Finish(args, store, args.Options.SendIntent)

	if args.Options.JustExit {
		return 0
	}
	switch action {
	case device.ActionShutdown:
		ctrl.Print("Shutting down...\n")
		rebootNow("shutdown")
	case device.ActionRebootBootloader:
		ctrl.Print("Rebooting to bootloader...\n")
		rebootNow("bootloader")
	default:
		ctrl.Print("Rebooting...\n")
		rebootNow("reboot")
	}
	return 0
}

// epilogue says what the session does once the commanded operation is over.
type epilogue int

const (
	epilogueReboot epilogue = iota
	epiloguePark
	epiloguePrompt
)

// sessionEpilogue decides the end of the session: headless sessions always
// park so their state stays inspectable, auto-reboot sideload reboots even
// on failure, and anything else failed or with text on screen gets the
// interactive prompt.
func sessionEpilogue(headless bool, status install.Status, opts session.Options, textVisible bool) epilogue {
	if headless {
		return epiloguePark
	}
	autoReboot := opts.Sideload && opts.SideloadAutoReboot
	if (status != install.StatusSuccess && !autoReboot) || textVisible {
		return epiloguePrompt
	}
	return epilogueReboot
}

// dispatch runs the operation the boot command asked for, mirroring the
// argument precedence the resolver already applied.
func dispatch(ctx context.Context, eng *engine.Engine, args *session.Args) install.Status {
	opts := args.Options
	switch {
	case opts.UpdatePackage != "":
		status := eng.InstallPackage(ctx, opts.UpdatePackage)
		if status != install.StatusSuccess {
			// Reveal the error text for the prompt that follows.
			eng.UI.ShowText(true)
		}
		return status
	case opts.WipeData || args.OemUnlock:
		// Commanded wipes were confirmed before the reboot into
		// recovery; asking again on a possibly dead screen would wedge.
		// An unlock wipe must not leave anything recoverable behind.
		return eng.WipeData(false, args.OemUnlock)
	case opts.WipeCache:
		return eng.WipeCache(false)
	case opts.WipeMedia:
		return eng.WipeMedia(false)
	case opts.Sideload:
		if !opts.SideloadAutoReboot {
			eng.UI.ShowText(true)
		}
		return eng.ApplySideload(ctx)
	default:
		// No command: straight to the menu.
		eng.UI.ShowText(true)
		return install.StatusNone
	}
}

// chooseDevice picks the device policy from the environment, falling back
// to the stock one.
func chooseDevice(ctrl *ui.Controller) device.Device {
	name := os.Getenv("RECOVERY_DEVICE")
	if name == "" {
		name = "default"
	}
	dev, err := device.New(name)
	if err != nil {
		ctrl.Print("W: %v, using default\n", err)
		return device.Default()
	}
	return dev
}

// openSessionLog opens the temp log every Print is copied into. Falls back
// to stderr so logging never stops the session.
func openSessionLog(paths session.Paths) *os.File {
	if err := os.MkdirAll(filepath.Dir(paths.TempLogFile), 0o777); err != nil {
		return os.Stderr
	}
	f, err := os.OpenFile(paths.TempLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return os.Stderr
	}
	return f
}

// captureKernelLog snapshots the kernel ring buffer for last_kmsg.
func captureKernelLog(destination string) error {
	out, err := exec.Command("dmesg").Output()
	if err != nil {
		return fmt.Errorf("dmesg failed: %v", err)
	}
	return os.WriteFile(destination, out, 0o600)
}

// park holds a headless session with a failed operation in place until a
// signal arrives, so the failure screen state and logs stay inspectable.
func park(ctx context.Context, ctrl *ui.Controller, status install.Status) {
	if status != install.StatusSuccess && status != install.StatusNone {
		ctrl.SetBackground(ui.IconError)
	}
	select {
	case <-ctx.Done():
	case <-time.After(24 * time.Hour):
	}
}

// rebootNow syncs filesystems and hands control to the system tooling.
func rebootNow(mode string) {
	removeInstanceLock()
	unix.Sync()
	var cmd *exec.Cmd
	switch mode {
	case "shutdown":
		cmd = exec.Command("poweroff")
	case "bootloader":
		cmd = exec.Command("reboot", "bootloader")
	default:
		cmd = exec.Command("reboot")
	}
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", mode, err)
		os.Exit(1)
	}
	os.Exit(0)
}
