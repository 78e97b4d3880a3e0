package install

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackage(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "update.zip")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func validPackage(t *testing.T) string {
	return writePackage(t, []byte("PK\x03\x04rest-of-archive"))
}

func TestInstallRejectsNonPackage(t *testing.T) {
	ci := &CommandInstaller{Updater: []string{"/bin/true"}}
	path := writePackage(t, []byte("not a zip"))

	result, err := ci.Install(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, result.Status)
}

func TestInstallRejectsMissingFile(t *testing.T) {
	ci := &CommandInstaller{Updater: []string{"/bin/true"}}
	result, err := ci.Install(context.Background(), "/does/not/exist.zip")
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, result.Status)
}

func TestInstallSuccessFromExitStatus(t *testing.T) {
	ci := &CommandInstaller{Updater: []string{"/bin/sh", "-c", "exit 0"}}
	result, err := ci.Install(context.Background(), validPackage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestInstallErrorFromExitStatus(t *testing.T) {
	ci := &CommandInstaller{Updater: []string{"/bin/sh", "-c", "exit 7"}}
	result, err := ci.Install(context.Background(), validPackage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
}

func TestInstallSpeaksUpdaterProtocol(t *testing.T) {
	var printed []string
	var scopes []float64
	var positions []float64

	script := `echo "ui_print hello there"
echo "progress 0.5 2"
echo "set_progress 0.25"
echo "wipe_cache"
echo "stray output"`
	ci := &CommandInstaller{
		Updater: []string{"/bin/sh", "-c", script, "--"},
		Hooks: UIHooks{
			Print:        func(line string) { printed = append(printed, line) },
			ShowProgress: func(p float64, _ time.Duration) { scopes = append(scopes, p) },
			SetProgress:  func(f float64) { positions = append(positions, f) },
		},
	}

	result, err := ci.Install(context.Background(), validPackage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.WipeCache)
	assert.Equal(t, []string{"hello there", "stray output"}, printed)
	assert.Equal(t, []float64{0.5}, scopes)
	assert.Equal(t, []float64{0.25}, positions)
}

func TestInstallCancelled(t *testing.T) {
	ci := &CommandInstaller{Updater: []string{"/bin/sh", "-c", "sleep 10"}}
	ctx, cancel := context.WithCancel(context.Background())
	pkg := validPackage(t)

	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		result, err = ci.Install(ctx, pkg)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("install did not stop on cancel")
	}
	assert.Error(t, err)
	assert.Equal(t, StatusNone, result.Status)
}

func TestSideloadAppliesStagedPackage(t *testing.T) {
	stage := filepath.Join(t.TempDir(), "staged.zip")
	inner := &fakeInstaller{result: Result{Status: StatusSuccess}}
	s := &StagedSideloader{StagePath: stage, Installer: inner, PollInterval: 10 * time.Millisecond}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(stage, []byte("PK\x03\x04"), 0o644)
		_ = os.WriteFile(stage+".done", nil, 0o644)
	}()

	result, err := s.Sideload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, []string{stage}, inner.paths)

	_, err = os.Stat(stage)
	assert.True(t, os.IsNotExist(err), "staged file must be cleaned up")
}

func TestSideloadWaitsForDoneMarker(t *testing.T) {
	stage := filepath.Join(t.TempDir(), "staged.zip")
	require.NoError(t, os.WriteFile(stage, []byte("partial"), 0o644))
	inner := &fakeInstaller{result: Result{Status: StatusSuccess}}
	s := &StagedSideloader{StagePath: stage, Installer: inner, PollInterval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Sideload(ctx)
	assert.Error(t, err, "an incomplete transfer must never install")
	assert.Empty(t, inner.paths)
}

func TestSideloadCancel(t *testing.T) {
	s := &StagedSideloader{
		StagePath:    filepath.Join(t.TempDir(), "never.zip"),
		Installer:    &fakeInstaller{},
		PollInterval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := s.Sideload(ctx)
	assert.Error(t, err)
	assert.Equal(t, StatusNone, result.Status)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "corrupt", StatusCorrupt.String())
	assert.Equal(t, "none", StatusNone.String())
}

type fakeInstaller struct {
	result Result
	paths  []string
}

func (f *fakeInstaller) Install(_ context.Context, path string) (Result, error) {
	f.paths = append(f.paths, path)
	return f.result, nil
}
