package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/archive"
	"recovery/internal/device"
	"recovery/internal/install"
	"recovery/internal/session"
	"recovery/internal/storage"
	"recovery/internal/ui"
)

// fakeVolumes records volume operations instead of touching disks.
type fakeVolumes struct {
	table      map[string]storage.Volume
	calls      []string
	failFormat map[string]int
	onFormat   func(mountPoint string)
}

func newFakeVolumes() *fakeVolumes {
	f := &fakeVolumes{
		table:      make(map[string]storage.Volume),
		failFormat: make(map[string]int),
	}
	for _, v := range storage.DefaultTable() {
		f.table[v.MountPoint] = v
	}
	return f
}

func (f *fakeVolumes) Lookup(mp string) (storage.Volume, bool) { v, ok := f.table[mp]; return v, ok }

func (f *fakeVolumes) Volumes() []storage.Volume {
	out := make([]storage.Volume, 0, len(f.table))
	for _, mp := range []string{"/cache", "/data", "/sdcard", "/system"} {
		if v, ok := f.table[mp]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeVolumes) EnsureMounted(mp string) error {
	f.calls = append(f.calls, "mount "+mp)
	return nil
}

func (f *fakeVolumes) Unmount(mp string) error {
	f.calls = append(f.calls, "unmount "+mp)
	return nil
}

func (f *fakeVolumes) Format(mp string, force bool) error {
	call := "format " + mp
	if force {
		call = "format --force " + mp
	}
	f.calls = append(f.calls, call)
	if n := f.failFormat[mp]; n > 0 {
		f.failFormat[mp] = n - 1
		return fmt.Errorf("format %s: device busy", mp)
	}
	if f.onFormat != nil {
		f.onFormat(mp)
	}
	return nil
}

func (f *fakeVolumes) Usage(string) (uint64, uint64, error) { return 1 << 30, 1 << 29, nil }

func (f *fakeVolumes) formats(mp string) int {
	n := 0
	for _, c := range f.calls {
		if c == "format "+mp || c == "format --force "+mp {
			n++
		}
	}
	return n
}

func (f *fakeVolumes) forcedFormats(mp string) int {
	n := 0
	for _, c := range f.calls {
		if c == "format --force "+mp {
			n++
		}
	}
	return n
}

// hookDevice layers call recording over the stock policy.
type hookDevice struct {
	*device.Base
	calls   *[]string
	preFail bool
}

func (d *hookDevice) PreWipeData() bool {
	*d.calls = append(*d.calls, "pre-wipe-data")
	return !d.preFail
}

func (d *hookDevice) PostWipeData() bool {
	*d.calls = append(*d.calls, "post-wipe-data")
	return true
}

type fakeInstaller struct {
	result install.Result
	err    error
	paths  []string
}

func (f *fakeInstaller) Install(_ context.Context, path string) (install.Result, error) {
	f.paths = append(f.paths, path)
	return f.result, f.err
}

type blockingSideloader struct {
	result chan install.Result
}

func (s *blockingSideloader) Sideload(ctx context.Context) (install.Result, error) {
	select {
	case r := <-s.result:
		return r, nil
	case <-ctx.Done():
		return install.Result{Status: install.StatusNone}, ctx.Err()
	}
}

type testRig struct {
	engine  *Engine
	volumes *fakeVolumes
	backend *ui.MemoryBackend
	calls   []string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		volumes: newFakeVolumes(),
		backend: ui.NewMemoryBackend(24, 60),
	}
	ctrl := ui.NewController(ui.Config{Backend: rig.backend, FPS: 60})
	require.NoError(t, ctrl.Init())
	t.Cleanup(ctrl.Stop)

	paths := session.PathsUnder(t.TempDir())
	rig.engine = &Engine{
		UI:         ctrl,
		Dev:        &hookDevice{Base: device.NewBase("test"), calls: &rig.calls},
		Volumes:    rig.volumes,
		Installer:  &fakeInstaller{},
		Sideloader: &blockingSideloader{result: make(chan install.Result, 1)},
		Archive:    archive.New(paths),
		Session:    &session.Args{},
		Paths:      paths,
	}
	return rig
}

func (r *testRig) pressKeys(keys ...int) {
	go func() {
		for _, k := range keys {
			time.Sleep(30 * time.Millisecond)
			r.engine.UI.EnqueueKey(k, k == device.KeyPower)
		}
	}()
}

func TestWipeDataSequence(t *testing.T) {
	rig := newTestRig(t)

	status := rig.engine.WipeData(false, false)
	assert.Equal(t, install.StatusSuccess, status)

	// Hooks bracket the wipes, data before cache.
	assert.Equal(t, []string{"pre-wipe-data", "post-wipe-data"}, rig.calls)
	var formats []string
	for _, c := range rig.volumes.calls {
		if strings.HasPrefix(c, "format ") {
			formats = append(formats, c)
		}
	}
	assert.Equal(t, []string{"format /data", "format /cache"}, formats)
	assert.True(t, rig.engine.Session.ModifiedFlash())
}

func TestWipeDataAbortsWhenPreHookFails(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Dev.(*hookDevice).preFail = true

	status := rig.engine.WipeData(false, false)
	assert.Equal(t, install.StatusError, status)
	assert.Equal(t, 0, rig.volumes.formats("/data"), "a refused hook must stop the wipe")
	assert.True(t, rig.engine.Session.ModifiedFlash(),
		"an attempted wipe counts as flash activity even when aborted")
}

func TestEraseRetriesOnceOnFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.volumes.failFormat["/data"] = 1

	status := rig.engine.WipeData(false, false)
	assert.Equal(t, install.StatusSuccess, status)
	assert.Equal(t, 2, rig.volumes.formats("/data"))
	assert.Equal(t, 0, rig.volumes.forcedFormats("/data"))
}

func TestUncommandedWipeEscalatesToForce(t *testing.T) {
	rig := newTestRig(t)
	rig.volumes.failFormat["/data"] = 2

	// Both plain attempts fail; with nobody to ask, the wipe moves
	// straight to a forced format and succeeds.
	status := rig.engine.WipeData(false, false)
	assert.Equal(t, install.StatusSuccess, status)
	assert.Equal(t, 1, rig.volumes.forcedFormats("/data"))
}

func TestWipeGivesUpWhenForcedFormatFails(t *testing.T) {
	rig := newTestRig(t)
	rig.volumes.failFormat["/data"] = 4

	status := rig.engine.WipeData(false, false)
	assert.Equal(t, install.StatusError, status)
	assert.Equal(t, 4, rig.volumes.formats("/data"))
	assert.Equal(t, 2, rig.volumes.forcedFormats("/data"))
}

func TestWipeCacheDoesNotTouchData(t *testing.T) {
	rig := newTestRig(t)

	status := rig.engine.WipeCache(false)
	assert.Equal(t, install.StatusSuccess, status)
	assert.Equal(t, 1, rig.volumes.formats("/cache"))
	assert.Equal(t, 0, rig.volumes.formats("/data"))
	assert.True(t, rig.engine.Session.ModifiedFlash())
}

func TestCacheWipePreservesLogs(t *testing.T) {
	rig := newTestRig(t)
	logDir := rig.engine.Paths.LogDir
	require.NoError(t, os.MkdirAll(logDir, 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "last_log"), []byte("history"), 0o644))

	// Formatting the cache destroys the log directory.
	rig.volumes.onFormat = func(mp string) {
		if mp == "/cache" {
			_ = os.RemoveAll(logDir)
		}
	}

	status := rig.engine.WipeCache(false)
	require.Equal(t, install.StatusSuccess, status)

	// The restored log rotates one generation out when the session's own
	// log is recorded right after the wipe.
	data, err := os.ReadFile(filepath.Join(logDir, "last_log.1"))
	require.NoError(t, err, "logs must come back after a cache wipe")
	assert.Equal(t, "history", string(data))
}

func TestForcedCacheEraseSkipsLogPreservation(t *testing.T) {
	rig := newTestRig(t)
	logDir := rig.engine.Paths.LogDir
	require.NoError(t, os.MkdirAll(logDir, 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "last_log"), []byte("history"), 0o644))

	rig.volumes.onFormat = func(mp string) {
		if mp == "/cache" {
			_ = os.RemoveAll(logDir)
		}
	}

	require.NoError(t, rig.engine.EraseVolume("/cache", true))

	_, err := os.Stat(filepath.Join(logDir, "last_log"))
	assert.True(t, os.IsNotExist(err), "a forced erase does not put the logs back")
}

func TestCacheWipeRecopiesHistory(t *testing.T) {
	rig := newTestRig(t)
	tmpLog := rig.engine.Paths.TempLogFile
	require.NoError(t, os.MkdirAll(filepath.Dir(tmpLog), 0o777))
	require.NoError(t, os.WriteFile(tmpLog, []byte("session so far\n"), 0o644))

	status := rig.engine.WipeCache(false)
	require.Equal(t, install.StatusSuccess, status)

	// The cache wipe destroyed whatever had been copied; the session log
	// must land back in the log directory before anything else happens.
	data, err := os.ReadFile(rig.engine.Paths.LastLogFile)
	require.NoError(t, err)
	assert.Equal(t, "session so far\n", string(data))
}

func TestEraseShowsErasingVisuals(t *testing.T) {
	rig := newTestRig(t)

	sawErasing := make(chan bool, 1)
	rig.volumes.onFormat = func(string) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if icon, _ := rig.backend.LastIcon(); icon == ui.IconErasing {
				sawErasing <- true
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		sawErasing <- false
	}

	require.NoError(t, rig.engine.EraseVolume("/data", false))
	assert.True(t, <-sawErasing, "the erasing background must be up while formatting")

	require.Eventually(t, func() bool {
		icon, _ := rig.backend.LastIcon()
		return icon == ui.IconNone
	}, 2*time.Second, 10*time.Millisecond, "the background must clear once the erase is done")
}

func TestWipeFailureOffersForcedFormat(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)
	rig.volumes.failFormat["/data"] = 2

	// First menu confirms the wipe, second accepts the forced format
	// after both plain attempts fail.
	rig.pressKeys(
		device.KeyDown, device.KeyDown, device.KeyDown, device.KeyPower,
		device.KeyDown, device.KeyDown, device.KeyDown, device.KeyPower,
	)
	status := rig.engine.WipeData(true, false)

	assert.Equal(t, install.StatusSuccess, status)
	assert.Equal(t, 1, rig.volumes.forcedFormats("/data"))
}

func TestWipeFailureDeclinedStops(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)
	rig.volumes.failFormat["/data"] = 2

	// Confirm the wipe, then turn down the forced format.
	rig.pressKeys(
		device.KeyDown, device.KeyDown, device.KeyDown, device.KeyPower,
		device.KeyPower,
	)
	status := rig.engine.WipeData(true, false)

	assert.Equal(t, install.StatusError, status)
	assert.Equal(t, 0, rig.volumes.forcedFormats("/data"))
}

func TestConfirmDeclinedLeavesVolumesAlone(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	// Invoke the default selection, which is a "No".
	rig.pressKeys(device.KeyPower)
	status := rig.engine.WipeData(true, false)

	assert.Equal(t, install.StatusNone, status)
	assert.Empty(t, rig.volumes.calls)
	assert.False(t, rig.engine.Session.ModifiedFlash())
}

func TestConfirmAcceptedRunsWipe(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	// Move down to the affirmative entry and invoke it.
	rig.pressKeys(device.KeyDown, device.KeyDown, device.KeyDown, device.KeyPower)
	status := rig.engine.WipeData(true, false)

	assert.Equal(t, install.StatusSuccess, status)
	assert.Equal(t, 1, rig.volumes.formats("/data"))
}

func TestInstallPackageRecordsAttempt(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Installer.(*fakeInstaller).result = install.Result{Status: install.StatusSuccess}

	status := rig.engine.InstallPackage(context.Background(), "/sdcard/update.zip")
	assert.Equal(t, install.StatusSuccess, status)
	assert.True(t, rig.engine.Session.ModifiedFlash())

	record, err := os.ReadFile(rig.engine.Paths.TempInstallFile)
	require.NoError(t, err)
	assert.Equal(t, "/sdcard/update.zip\n1\n", string(record))
}

func TestInstallHonorsPackageCacheWipe(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Installer.(*fakeInstaller).result = install.Result{
		Status:    install.StatusSuccess,
		WipeCache: true,
	}

	rig.engine.InstallPackage(context.Background(), "/sdcard/update.zip")
	assert.Equal(t, 1, rig.volumes.formats("/cache"))
}

func TestCorruptPackageDoesNotWipe(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Installer.(*fakeInstaller).result = install.Result{Status: install.StatusCorrupt}

	status := rig.engine.InstallPackage(context.Background(), "/sdcard/bad.zip")
	assert.Equal(t, install.StatusCorrupt, status)
	assert.Equal(t, 0, rig.volumes.formats("/cache"))

	record, err := os.ReadFile(rig.engine.Paths.TempInstallFile)
	require.NoError(t, err)
	assert.Equal(t, "/sdcard/bad.zip\n0\n", string(record))
}

func TestGetMenuSelectionNavigation(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	rig.pressKeys(device.KeyDown, device.KeyDown, device.KeyPower)
	chosen := rig.engine.GetMenuSelection([]string{"pick:"}, []string{"a", "b", "c"}, true, 0)
	assert.Equal(t, 2, chosen)
}

func TestGetMenuSelectionWrapsOffTheTop(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	rig.pressKeys(device.KeyUp, device.KeyPower)
	chosen := rig.engine.GetMenuSelection([]string{"pick:"}, []string{"a", "b", "c"}, true, 0)
	assert.Equal(t, 2, chosen)
}

func TestPromptAndWaitReboot(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	// "Reboot system now" is the first entry of the main menu.
	rig.pressKeys(device.KeyPower)
	action := rig.engine.PromptAndWait(context.Background(), install.StatusNone)
	assert.Equal(t, device.ActionReboot, action)
}

// blindDevice acts on keys whether or not the text layer is up, the way a
// scripted controller drives the menus.
type blindDevice struct{ *hookDevice }

func (d *blindDevice) HandleMenuKey(key int, _ bool) (device.KeyAction, int) {
	return d.Base.HandleMenuKey(key, true)
}

func TestHiddenMenuWipeSkipsConfirmAndReturns(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Dev = &blindDevice{rig.engine.Dev.(*hookDevice)}

	// Factory reset, then Wipe data, with the text layer never shown: no
	// confirmation menu, and control goes back to the caller afterwards.
	rig.pressKeys(device.KeyDown, device.KeyDown, device.KeyPower, device.KeyPower)
	action := rig.engine.PromptAndWait(context.Background(), install.StatusNone)

	assert.Equal(t, device.ActionNone, action)
	assert.Equal(t, 1, rig.volumes.formats("/data"))
}

func TestSideloadCancel(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Dev = device.NewGalaxyS3()
	rig.engine.UI.ShowText(true)

	done := make(chan install.Status, 1)
	go func() { done <- rig.engine.ApplySideload(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	rig.engine.UI.EnqueueKey(device.KeyBack, false)

	select {
	case status := <-done:
		assert.Equal(t, install.StatusNone, status)
	case <-time.After(3 * time.Second):
		t.Fatal("sideload did not cancel")
	}
}

func TestSideloadSuccess(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Sideloader.(*blockingSideloader).result <- install.Result{Status: install.StatusSuccess}

	status := rig.engine.ApplySideload(context.Background())
	assert.Equal(t, install.StatusSuccess, status)
}

func TestChoosePackageFile(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "updates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "updates", "ota.zip"), []byte("pkg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("skip"), 0o644))

	// Menu at root: ../, updates/. Enter the directory, then pick the
	// package: ../, ota.zip.
	rig.pressKeys(device.KeyDown, device.KeyPower, device.KeyDown, device.KeyPower)
	path := rig.engine.ChoosePackageFile(root)
	assert.Equal(t, filepath.Join(root, "updates", "ota.zip"), path)
}

func TestChoosePackageFileShowsFreeSpace(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	root := t.TempDir()
	done := make(chan string, 1)
	go func() { done <- rig.engine.ChoosePackageFile(root) }()

	require.Eventually(t, func() bool {
		return strings.Contains(rig.backend.Contents(), "512.0 MB free of 1.0 GB")
	}, 2*time.Second, 10*time.Millisecond, "the browser header must show the volume capacity")

	rig.engine.UI.EnqueueKey(device.KeyPower, true) // "../" at the root backs out
	assert.Equal(t, "", <-done)
}

func TestChoosePackageFileBackOutAtRoot(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)

	root := t.TempDir()
	rig.pressKeys(device.KeyPower) // "../" at the root backs out
	assert.Equal(t, "", rig.engine.ChoosePackageFile(root))
}

func TestDialogConsumesFirstKey(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.UI.ShowText(true)
	rig.engine.UI.ShowDialogError("Operation failed")

	// First press acknowledges the dialog; the rest navigate and invoke.
	rig.pressKeys(device.KeyVolumeDown, device.KeyVolumeDown, device.KeyPower)
	chosen := rig.engine.GetMenuSelection([]string{"pick:"}, []string{"a", "b", "c"}, true, 0)
	assert.Equal(t, 1, chosen)
	assert.False(t, rig.engine.UI.DialogVisible())
}
