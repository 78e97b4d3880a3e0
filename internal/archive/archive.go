// Package archive rotates, copies, and preserves recovery logs, and owns the
// session-finish routine that clears the boot control block.
//
// The recovery console logs to a temp file during the session. When the
// session touched the flash, that log is rotated into the cache volume so the
// main system can find out what happened: last_log -> last_log.1 ->
// last_log.2.xz -> ... Generations beyond the first are xz-compressed to
// conserve cache space; the freshest generation stays plain so the main
// system can read it without tooling.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/ulikunitz/xz"

	"recovery/internal/bootcontrol"
	"recovery/internal/session"
)

const (
	// KeepLogCount is how many rotated generations are retained.
	KeepLogCount = 10

	// SavedLogCap truncates each preserved cache log to 512 KiB.
	SavedLogCap = 1 << 19
)

// KernelLogFunc snapshots the kernel log into the given file. The default
// implementation is wired by the driver; tests leave it nil.
type KernelLogFunc func(destination string) error

// Archivist owns log rotation state for one session.
type Archivist struct {
	paths session.Paths

	// KernelLog, when set, is invoked during CopyLogs to capture last_kmsg.
	KernelLog KernelLogFunc

	mu        sync.Mutex
	tmpOffset int64
	rotated   bool
}

// New returns an Archivist for the given path layout.
func New(paths session.Paths) *Archivist {
	return &Archivist{paths: paths}
}

// Rotate renames last_log -> last_log.1 -> last_log.2.xz -> ... up to
// KeepLogCount, and similarly for last_kmsg. Logs are only rotated once per
// session no matter how often the copy routine runs.
func (ar *Archivist) Rotate() {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.rotated {
		return
	}
	ar.rotated = true

	rotateGenerations(ar.paths.LastLogFile, KeepLogCount)
	rotateGenerations(ar.paths.LastKmsgFile, KeepLogCount)
}

// rotateGenerations shifts every generation of base up by one, overwriting
// the oldest. Renames of missing generations are ignored. The move from .1 to
// .2 compresses; later generations are already compressed and just rename.
func rotateGenerations(base string, max int) {
	for i := max - 2; i >= 0; i-- {
		switch i {
		case 0:
			_ = os.Rename(base, generationName(base, 1))
		case 1:
			if err := compressFile(generationName(base, 1), generationName(base, 2)); err == nil {
				_ = os.Remove(generationName(base, 1))
			}
		default:
			_ = os.Rename(generationName(base, i), generationName(base, i+1))
		}
	}
}

// generationName returns the on-disk name for generation n of base.
// Generation 0 is base itself; generation 1 is plain; the rest carry .xz.
func generationName(base string, n int) string {
	switch {
	case n <= 0:
		return base
	case n == 1:
		return fmt.Sprintf("%s.1", base)
	default:
		return fmt.Sprintf("%s.%d.xz", base, n)
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := xz.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	return w.Close()
}

// CopyLogs records the current session into the cache, rotating first. It is
// a no-op unless the session attempted to modify the flash; that keeps a pure
// log-viewing session from rotating (and eventually deleting) history.
func (ar *Archivist) CopyLogs(modifiedFlash bool) {
	if !modifiedFlash {
		return
	}
	ar.Rotate()

	ar.copyLogFile(ar.paths.TempLogFile, ar.paths.LogFile, true)
	ar.copyLogFile(ar.paths.TempLogFile, ar.paths.LastLogFile, false)
	ar.copyLogFile(ar.paths.TempInstallFile, ar.paths.LastInstallFile, false)
	if ar.KernelLog != nil {
		_ = ar.KernelLog(ar.paths.LastKmsgFile)
	}

	_ = os.Chmod(ar.paths.LogFile, 0o600)
	_ = os.Chmod(ar.paths.LastKmsgFile, 0o600)
	_ = os.Chmod(ar.paths.LastLogFile, 0o640)
	_ = os.Chmod(ar.paths.LastInstallFile, 0o644)
}

// copyLogFile copies source to destination. In append mode, only the bytes
// written since the last copy are transferred, tracked by a persistent
// offset, so the combined log never duplicates a session.
func (ar *Archivist) copyLogFile(source, destination string, appendMode bool) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o777); err != nil {
		return
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(destination, flags, 0o644)
	if err != nil {
		return
	}
	defer dst.Close()

	src, err := os.Open(source)
	if err != nil {
		return
	}
	defer src.Close()

	ar.mu.Lock()
	offset := ar.tmpOffset
	ar.mu.Unlock()

	if appendMode {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		return
	}
	if appendMode {
		if pos, err := src.Seek(0, io.SeekCurrent); err == nil {
			ar.mu.Lock()
			ar.tmpOffset = pos
			ar.mu.Unlock()
		}
	}
}

// ResetOffset marks the whole temp log as uncopied. Called after the cache
// volume is reformatted, since any part of the log previously copied there is
// gone.
func (ar *Archivist) ResetOffset() {
	ar.mu.Lock()
	ar.tmpOffset = 0
	ar.mu.Unlock()
}

// SavedLog is one cache log held in memory across a cache reformat.
type SavedLog struct {
	Name string
	Mode os.FileMode
	UID  int
	GID  int
	Data []byte
}

// SaveCacheLogs loads every last_* and log file under the recovery log
// directory into memory, each truncated to SavedLogCap. Entries that cannot
// be read are skipped; the rest of the set survives.
func (ar *Archivist) SaveCacheLogs() []SavedLog {
	entries, err := os.ReadDir(ar.paths.LogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", ar.paths.LogDir, err)
		}
		return nil
	}

	var saved []SavedLog
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, "last_") && name != "log" {
			continue
		}
		path := filepath.Join(ar.paths.LogDir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := readCapped(path, SavedLogCap)
		if err != nil {
			continue
		}
		entry := SavedLog{Name: name, Mode: info.Mode().Perm(), Data: data}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			entry.UID = int(st.Uid)
			entry.GID = int(st.Gid)
		}
		saved = append(saved, entry)
	}
	sort.Slice(saved, func(i, j int) bool { return saved[i].Name < saved[j].Name })
	return saved
}

// RestoreCacheLogs writes the saved set back after a reformat, restoring the
// original permissions and ownership, then resets the copy offset so the
// combined log is rebuilt from the start of the temp log.
func (ar *Archivist) RestoreCacheLogs(saved []SavedLog) {
	if err := os.MkdirAll(ar.paths.LogDir, 0o777); err != nil {
		return
	}
	for _, entry := range saved {
		path := filepath.Join(ar.paths.LogDir, entry.Name)
		if err := os.WriteFile(path, entry.Data, entry.Mode); err != nil {
			continue
		}
		_ = os.Chmod(path, entry.Mode)
		_ = os.Chown(path, entry.UID, entry.GID)
	}
	ar.ResetOffset()
}

func readCapped(path string, cap int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, cap))
}

// ViewableLogs returns the readable log files for the viewer menu: every
// generation of last_log and last_kmsg that exists, newest first.
func (ar *Archivist) ViewableLogs() []string {
	var out []string
	for i := 0; i < KeepLogCount; i++ {
		for _, base := range []string{ar.paths.LastLogFile, ar.paths.LastKmsgFile} {
			name := generationName(base, i)
			if _, err := os.Stat(name); err == nil {
				out = append(out, name)
			}
		}
	}
	return out
}

// Finish clears the session state so the next boot starts the main system:
// write the intent, persist the locale, copy logs, zero the control block,
// and remove the command file. The routine is idempotent; the driver calls it
// both before each prompt iteration and once at the very end.
func (ar *Archivist) Finish(args *session.Args, store bootcontrol.Store, intent string) {
	if intent != "" {
		if err := writeFileInDir(ar.paths.IntentFile, []byte(intent)); err != nil {
			fmt.Fprintf(os.Stderr, "can't write %s: %v\n", ar.paths.IntentFile, err)
		}
	}

	// Save the locale so a session started without --locale (e.g. directly
	// from the bootloader) keeps the last-known one.
	if args != nil && args.Locale != "" {
		if err := writeFileInDir(ar.paths.LocaleFile, []byte(args.Locale)); err != nil {
			fmt.Fprintf(os.Stderr, "can't write %s: %v\n", ar.paths.LocaleFile, err)
		}
	}

	modified := args != nil && args.ModifiedFlash()
	ar.CopyLogs(modified)

	if err := store.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "can't clear control block: %v\n", err)
	}

	if err := os.Remove(ar.paths.CommandFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "can't unlink %s: %v\n", ar.paths.CommandFile, err)
	}
}

func writeFileInDir(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
