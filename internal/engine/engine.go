// Package engine drives the recovery operations: wipes, installs, and the
// interactive prompt loop. It owns no screen or disk state itself; the
// collaborators passed in do, which keeps every flow testable with fakes.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"recovery/internal/archive"
	"recovery/internal/device"
	"recovery/internal/install"
	"recovery/internal/session"
	"recovery/internal/storage"
	"recovery/internal/ui"
)

// waitKeyTimeout bounds how long a menu waits for input. A console nobody
// ever revealed gives up and reboots; one a human touched waits forever.
const waitKeyTimeout = 120 * time.Second

// Sentinels returned by GetMenuSelection alongside real item indexes.
const (
	// SelectionTimedOut reports an abandoned, never-revealed menu.
	SelectionTimedOut = -1
	// SelectionInterrupted reports a cancelled wait.
	SelectionInterrupted = -2
	// SelectionBack reports the back key.
	SelectionBack = -3
	// SelectionHome reports the home key.
	SelectionHome = -4
	// SelectionRefresh asks the caller to rebind the menu and try again.
	SelectionRefresh = -5
)

// Engine holds the collaborators of one recovery session.
type Engine struct {
	UI         *ui.Controller
	Dev        device.Device
	Volumes    storage.Manager
	Installer  install.Installer
	Sideloader install.Sideloader
	Archive    *archive.Archivist
	Session    *session.Args
	Paths      session.Paths
}

// EraseVolume reformats one volume behind the erasing visuals. A non-forced
// cache erase first parks its log files in memory and puts them back
// afterwards, so wiping the cache never destroys the history of how the
// device got here; a forced erase skips that and hands the force flag to the
// format primitive.
func (e *Engine) EraseVolume(mountPoint string, force bool) error {
	e.Session.MarkModified()
	e.UI.SetBackground(ui.IconErasing)
	e.UI.SetProgressType(ui.ProgressIndeterminate)
	defer func() {
		e.UI.SetBackground(ui.IconNone)
		e.UI.SetProgressType(ui.ProgressNone)
	}()

	preserveLogs := mountPoint == "/cache" && !force
	var saved []archive.SavedLog
	if preserveLogs {
		saved = e.Archive.SaveCacheLogs()
	}

	e.UI.Print("Formatting %s...\n", mountPoint)
	if err := e.Volumes.Unmount(mountPoint); err != nil {
		return err
	}
	if err := e.Volumes.Format(mountPoint, force); err != nil {
		return err
	}

	if preserveLogs {
		if err := e.Volumes.EnsureMounted(mountPoint); err != nil {
			return err
		}
		e.Archive.RestoreCacheLogs(saved)
		// The copied part of the session log went with the old
		// filesystem; re-copy it from the start right away.
		e.Archive.ResetOffset()
		e.Archive.CopyLogs(e.Session.ModifiedFlash())
	}
	return nil
}

// eraseWithRetry erases a volume and, on failure, tries once more after an
// extra unmount. A busy mount is the common first-attempt failure.
func (e *Engine) eraseWithRetry(mountPoint string, force bool) error {
	err := e.EraseVolume(mountPoint, force)
	if err == nil {
		return nil
	}
	e.UI.Print("Retrying %s: %v\n", mountPoint, err)
	_ = e.Volumes.Unmount(mountPoint)
	return e.EraseVolume(mountPoint, force)
}

// WipeData performs the factory reset: device pre-hook, /data, /cache,
// device post-hook, in that order. With confirm set the user must pick the
// delete entry from a menu first. On failure without force the user is
// offered one escalation to a forced format before giving up.
func (e *Engine) WipeData(confirm, force bool) install.Status {
	if confirm && !e.confirmAction("Wipe all user data?", "Yes -- delete all user data") {
		return install.StatusNone
	}

	e.UI.Print("\n-- Wiping data...\n")
	e.Session.MarkModified()

	for {
		if e.wipeDataOnce(force) {
			e.UI.Print("Data wipe complete.\n")
			return install.StatusSuccess
		}
		if force {
			break
		}
		if confirm && !e.confirmAction("Wipe failed, format instead?", "Yes -- format all user data") {
			break
		}
		force = true
	}
	e.UI.Print("Data wipe failed.\n")
	return install.StatusError
}

func (e *Engine) wipeDataOnce(force bool) bool {
	if !e.Dev.PreWipeData() {
		e.UI.Print("Pre-wipe hook failed.\n")
		return false
	}
	if err := e.eraseWithRetry("/data", force); err != nil {
		e.UI.Print("Erase /data failed: %v\n", err)
		return false
	}
	if err := e.eraseWithRetry("/cache", false); err != nil {
		e.UI.Print("Erase /cache failed: %v\n", err)
		return false
	}
	if !e.Dev.PostWipeData() {
		e.UI.Print("Post-wipe hook failed.\n")
		return false
	}
	return true
}

// WipeCache reformats just the cache volume.
func (e *Engine) WipeCache(confirm bool) install.Status {
	if confirm && !e.confirmAction("Wipe cache?", "Yes -- wipe cache") {
		return install.StatusNone
	}
	e.UI.Print("\n-- Wiping cache...\n")
	if err := e.eraseWithRetry("/cache", false); err != nil {
		e.UI.Print("Cache wipe failed: %v\n", err)
		return install.StatusError
	}
	e.UI.Print("Cache wipe complete.\n")
	return install.StatusSuccess
}

// WipeMedia erases the shared media volume, bracketed by the device hooks.
func (e *Engine) WipeMedia(confirm bool) install.Status {
	if confirm && !e.confirmAction("Wipe media?", "Yes -- delete all media") {
		return install.StatusNone
	}
	e.UI.Print("\n-- Wiping media...\n")
	e.Session.MarkModified()
	if !e.Dev.PreWipeMedia() {
		e.UI.Print("Pre-wipe hook failed, aborting.\n")
		return install.StatusError
	}
	if err := e.eraseWithRetry("/sdcard", false); err != nil {
		e.UI.Print("Media wipe failed: %v\n", err)
		return install.StatusError
	}
	if !e.Dev.PostWipeMedia() {
		e.UI.Print("Post-wipe hook failed.\n")
		return install.StatusError
	}
	e.UI.Print("Media wipe complete.\n")
	return install.StatusSuccess
}

// WipeSystem reformats the system volume, used before flashing a full image.
func (e *Engine) WipeSystem(confirm bool) install.Status {
	if confirm && !e.confirmAction("Wipe system?", "Yes -- wipe system") {
		return install.StatusNone
	}
	e.UI.Print("\n-- Wiping system...\n")
	if err := e.eraseWithRetry("/system", false); err != nil {
		e.UI.Print("System wipe failed: %v\n", err)
		return install.StatusError
	}
	e.UI.Print("System wipe complete.\n")
	return install.StatusSuccess
}

// InstallPackage applies one update package and records the attempt for the
// next boot. A cache wipe requested by the package runs before returning.
func (e *Engine) InstallPackage(ctx context.Context, path string) install.Status {
	e.UI.Print("\n-- Installing: %s\n", path)
	e.Session.MarkModified()
	e.UI.SetBackground(ui.IconInstalling)
	e.UI.SetProgressType(ui.ProgressDeterminate)
	e.UI.ShowProgress(1.0, 0)

	result, err := e.Installer.Install(ctx, path)
	e.UI.SetProgressType(ui.ProgressNone)
	if err != nil {
		e.UI.Print("Installation aborted: %v\n", err)
	}
	e.recordInstall(path, result.Status)

	if result.WipeCache {
		e.UI.Print("\n-- Wiping cache (at package request)...\n")
		if werr := e.eraseWithRetry("/cache", false); werr != nil {
			e.UI.Print("Cache wipe failed: %v\n", werr)
		}
	}

	switch result.Status {
	case install.StatusSuccess:
		e.UI.Print("\nInstall from %s complete.\n", filepath.Base(path))
	case install.StatusCorrupt:
		e.UI.SetBackground(ui.IconError)
		e.UI.Print("\nPackage verification failed.\n")
	default:
		e.UI.SetBackground(ui.IconError)
		e.UI.Print("\nInstallation aborted.\n")
	}
	return result.Status
}

// recordInstall writes the attempt into the temp install record, which the
// finish routine copies to the cache as last_install.
func (e *Engine) recordInstall(path string, status install.Status) {
	content := fmt.Sprintf("%s\n%d\n", path, boolToInt(status == install.StatusSuccess))
	if err := os.MkdirAll(filepath.Dir(e.Paths.TempInstallFile), 0o777); err != nil {
		return
	}
	_ = os.WriteFile(e.Paths.TempInstallFile, []byte(content), 0o644)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ApplyFromStorage mounts a removable volume, lets the user pick a package,
// and installs it.
func (e *Engine) ApplyFromStorage(ctx context.Context) install.Status {
	vols := storage.RemovableVolumes(e.Volumes)
	if len(vols) == 0 {
		e.UI.Print("No removable storage configured.\n")
		return install.StatusNone
	}

	vol := vols[0]
	if len(vols) > 1 {
		items := make([]string, len(vols))
		for i, v := range vols {
			items[i] = v.MountPoint
		}
		chosen := e.GetMenuSelection([]string{"Choose storage:", ""}, items, true, 0)
		if chosen < 0 {
			return install.StatusNone
		}
		vol = vols[chosen]
	}

	if err := e.Volumes.EnsureMounted(vol.MountPoint); err != nil {
		e.UI.Print("Couldn't mount %s: %v\n", vol.MountPoint, err)
		return install.StatusError
	}
	defer func() { _ = e.Volumes.Unmount(vol.MountPoint) }()

	path := e.ChoosePackageFile(vol.MountPoint)
	if path == "" {
		return install.StatusNone
	}
	return e.InstallPackage(ctx, path)
}

// ChoosePackageFile walks the directory tree under root with the menu,
// returning the chosen package path or "" if the user backed all the way
// out. Directories sort before packages; "../" climbs.
func (e *Engine) ChoosePackageFile(root string) string {
	capacity := ""
	if total, free, err := e.Volumes.Usage(root); err == nil {
		capacity = fmt.Sprintf("%s free of %s", storage.FormatBytes(free), storage.FormatBytes(total))
	}

	dir := root
	for {
		items, paths := listPackageDir(dir)
		headers := []string{"Choose a package to install:", dir}
		if capacity != "" {
			headers = append(headers, capacity)
		}
		headers = append(headers, "")

		chosen := e.GetMenuSelection(headers, items, true, 0)
		if chosen < 0 {
			return ""
		}

		selected := paths[chosen]
		switch {
		case items[chosen] == "../":
			if dir == root {
				return ""
			}
			dir = filepath.Dir(dir)
		case strings.HasSuffix(items[chosen], "/"):
			dir = selected
		default:
			return selected
		}
	}
}

// listPackageDir builds the menu for one directory: "../" first, then
// subdirectories, then zip files, both sorted.
func listPackageDir(dir string) (items []string, paths []string) {
	items = []string{"../"}
	paths = []string{""}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return items, paths
	}

	var dirs, files []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			dirs = append(dirs, name)
		} else if strings.HasSuffix(strings.ToLower(name), ".zip") {
			files = append(files, name)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	for _, d := range dirs {
		items = append(items, d+"/")
		paths = append(paths, filepath.Join(dir, d))
	}
	for _, f := range files {
		items = append(items, f)
		paths = append(paths, filepath.Join(dir, f))
	}
	return items, paths
}

// ApplySideload receives a package from a connected host. The back key
// cancels the transfer.
func (e *Engine) ApplySideload(ctx context.Context) install.Status {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.UI.Print("\nNow send the package you want to apply\nto the device with \"adb sideload <filename>\"...\n")
	e.Session.MarkModified()
	e.UI.SetBackground(ui.IconInstalling)

	done := make(chan install.Result, 1)
	go func() {
		result, err := e.Sideloader.Sideload(ctx)
		if err != nil {
			e.UI.Print("Sideload failed: %v\n", err)
			result.Status = install.StatusError
		}
		done <- result
	}()

	keys := make(chan int, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			key := e.UI.WaitKey(250 * time.Millisecond)
			select {
			case <-stop:
				return
			default:
			}
			if key != ui.KeyNone {
				select {
				case keys <- key:
				default:
				}
			}
		}
	}()

	for {
		select {
		case result := <-done:
			e.recordInstall("sideload", result.Status)
			if result.WipeCache {
				_ = e.eraseWithRetry("/cache", false)
			}
			if result.Status == install.StatusSuccess {
				e.UI.Print("\nSideload complete.\n")
			} else {
				e.UI.SetBackground(ui.IconError)
			}
			return result.Status
		case key := <-keys:
			action, _ := e.Dev.HandleMenuKey(key, true)
			if action == device.KeyGoBack || key == ui.KeyInterrupt {
				e.UI.Print("\nSideload cancelled.\n")
				cancel()
				<-done
				return install.StatusNone
			}
		}
	}
}

// ViewLogs offers every rotated log generation and pages through the chosen
// one. Volume-up goes back a page; power or enter leaves the viewer.
func (e *Engine) ViewLogs() {
	logs := e.Archive.ViewableLogs()
	if len(logs) == 0 {
		e.UI.Print("No logs to show.\n")
		return
	}

	items := make([]string, 0, len(logs)+1)
	for _, l := range logs {
		items = append(items, filepath.Base(l))
	}
	items = append(items, "Back")

	for {
		chosen := e.GetMenuSelection([]string{"Select log file:", ""}, items, true, 0)
		if chosen < 0 || chosen == len(items)-1 {
			return
		}
		err := e.UI.ShowFile(logs[chosen],
			func(key int) bool { return key == device.KeyVolumeUp || key == device.KeyUp },
			func(key int) bool { return key == device.KeyPower || key == device.KeyEnter })
		if err != nil {
			e.UI.Print("Couldn't show %s: %v\n", logs[chosen], err)
		}
	}
}

// showSessionLog pages the live session log on screen.
func (e *Engine) showSessionLog() {
	err := e.UI.ShowFile(e.Paths.TempLogFile,
		func(key int) bool { return key == device.KeyVolumeUp || key == device.KeyUp },
		func(key int) bool { return key == device.KeyPower || key == device.KeyEnter })
	if err != nil {
		e.UI.Print("Couldn't show %s: %v\n", e.Paths.TempLogFile, err)
	}
}

// MountSystem mounts the system volume read-write for inspection.
func (e *Engine) MountSystem() {
	if err := e.Volumes.EnsureMounted("/system"); err != nil {
		e.UI.Print("Couldn't mount /system: %v\n", err)
		return
	}
	e.UI.Print("Mounted /system.\n")
}

// confirmAction shows a menu where every entry but one declines. Returns
// true only when the affirmative entry is picked.
func (e *Engine) confirmAction(question, affirmative string) bool {
	items := []string{
		" No",
		" No",
		" No",
		" " + affirmative,
		" No",
		" No",
		" No",
	}
	const affirmativeIndex = 3
	chosen := e.GetMenuSelection([]string{question, "  THIS CAN NOT BE UNDONE.", ""}, items, true, 0)
	return chosen == affirmativeIndex
}

// GetMenuSelection runs one menu to completion: show it, translate keys
// through the device policy, and return the invoked item's index or a
// sentinel. menuOnly menus ignore keys the policy does not map.
func (e *Engine) GetMenuSelection(headers, items []string, menuOnly bool, initial int) int {
	e.UI.FlushKeys()
	e.UI.StartMenu(headers, items, initial)
	defer e.UI.EndMenu()

	sel := initial
	for {
		key := e.UI.WaitKey(waitKeyTimeout)
		if key == ui.KeyNone {
			if e.UI.WasTextEverVisible() {
				continue
			}
			return SelectionTimedOut
		}
		if key == ui.KeyInterrupt {
			return SelectionInterrupted
		}

		// A dialog on screen eats the key: invoke opens the log if the
		// dialog offers one, anything else just dismisses it.
		if e.UI.DialogVisible() {
			if e.UI.DialogOffersLog() && (key == device.KeyPower || key == device.KeyEnter) {
				e.UI.DismissDialog()
				e.showSessionLog()
			} else {
				e.UI.DismissDialog()
			}
			continue
		}

		visible := e.UI.IsTextVisible()
		action, abs := e.Dev.HandleMenuKey(key, visible)
		switch action {
		case device.KeyHighlightUp:
			sel = e.UI.SelectMenu(sel - 1)
		case device.KeyHighlightDown:
			sel = e.UI.SelectMenu(sel + 1)
		case device.KeyInvoke:
			return sel
		case device.KeyGoBack:
			return SelectionBack
		case device.KeyGoHome:
			return SelectionHome
		case device.KeyRefresh:
			return SelectionRefresh
		case device.KeySelectAbsolute:
			if abs >= 0 && abs < len(items) {
				sel = e.UI.SelectMenu(abs)
			}
		}
	}
}

// PromptAndWait is the interactive loop: show the device's menu, run the
// chosen operation, repeat until the user asks for a reboot or shutdown.
func (e *Engine) PromptAndWait(ctx context.Context, status install.Status) device.Action {
	for {
		switch status {
		case install.StatusSuccess, install.StatusNone:
			e.UI.SetBackground(ui.IconNone)
		default:
			e.UI.SetBackground(ui.IconError)
		}
		e.UI.SetProgressType(ui.ProgressNone)

		chosen := e.GetMenuSelection(e.Dev.MenuHeaders(), e.Dev.MenuItems(), false, 0)
		switch chosen {
		case SelectionTimedOut:
			return device.ActionReboot
		case SelectionInterrupted:
			return device.ActionShutdown
		case SelectionBack:
			e.Dev.GoBack()
			continue
		case SelectionHome:
			e.Dev.GoHome()
			continue
		case SelectionRefresh:
			continue
		}

		action := e.Dev.InvokeMenuItem(chosen)
		// A wipe picked off a menu the user never revealed skips its
		// confirmation; it was commanded by whatever drove the keys.
		textVisible := e.UI.IsTextVisible()
		switch action {
		case device.ActionNone:
			continue
		case device.ActionReboot, device.ActionRebootBootloader, device.ActionShutdown:
			return action
		case device.ActionWipeData:
			status = e.WipeData(textVisible, false)
		case device.ActionWipeFull:
			status = e.WipeData(textVisible, true)
		case device.ActionWipeCache:
			status = e.WipeCache(textVisible)
		case device.ActionWipeMedia:
			status = e.WipeMedia(textVisible)
		case device.ActionWipeSystem:
			status = e.WipeSystem(textVisible)
		case device.ActionApplyADB:
			status = e.ApplySideload(ctx)
		case device.ActionApplyStorage:
			status = e.ApplyFromStorage(ctx)
		case device.ActionViewLogs:
			e.ViewLogs()
		case device.ActionMountSystem:
			e.MountSystem()
		}
		switch action {
		case device.ActionWipeData, device.ActionWipeFull, device.ActionWipeCache,
			device.ActionWipeMedia, device.ActionWipeSystem,
			device.ActionApplyADB, device.ActionApplyStorage:
			if status == install.StatusError || status == install.StatusCorrupt {
				e.UI.ShowDialogErrorLog("Operation failed")
			}
		}
		switch action {
		case device.ActionWipeData, device.ActionWipeFull, device.ActionWipeCache,
			device.ActionWipeMedia, device.ActionWipeSystem:
			// Wipes run with text hidden came from automation; fall back
			// to the default reboot instead of waiting on a menu.
			if !e.UI.IsTextVisible() {
				return device.ActionNone
			}
		}
		e.Dev.GoHome()
	}
}
