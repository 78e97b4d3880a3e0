package session

import "path/filepath"

// Paths collects the well-known file locations the recovery console shares
// with the main system. The zero value is not useful; use DefaultPaths or
// PathsUnder.
type Paths struct {
	// CacheRoot is the mount point of the cache volume.
	CacheRoot string

	// LogDir is the recovery directory on the cache volume, holding the
	// command file and every persisted log.
	LogDir string

	// CommandFile is written by the main system: one argument per line.
	CommandFile string

	// IntentFile receives the --send_intent payload at session finish.
	IntentFile string

	// LocaleFile persists the last-used locale across sessions.
	LocaleFile string

	// LogFile is the combined log from all recovery runs.
	LogFile string

	// LastLogFile and LastKmsgFile hold the most recent session's log and
	// kernel log; older generations carry .1, .2.xz, ... suffixes.
	LastLogFile  string
	LastKmsgFile string

	// LastInstallFile records the outcome of the most recent install.
	LastInstallFile string

	// TempLogFile and TempInstallFile live on tmpfs during the session and
	// are copied into the cache at finish.
	TempLogFile     string
	TempInstallFile string

	// MiscDevice is the raw block device holding the boot control block.
	MiscDevice string
}

// DefaultPaths returns the standard on-device layout.
func DefaultPaths() Paths {
	p := PathsUnder("/")
	return p
}

// PathsUnder returns the standard layout rooted at dir, which the tests use
// to run everything inside a temp directory.
func PathsUnder(dir string) Paths {
	cache := filepath.Join(dir, "cache")
	logDir := filepath.Join(cache, "recovery")
	return Paths{
		CacheRoot:       cache,
		LogDir:          logDir,
		CommandFile:     filepath.Join(logDir, "command"),
		IntentFile:      filepath.Join(logDir, "intent"),
		LocaleFile:      filepath.Join(logDir, "last_locale"),
		LogFile:         filepath.Join(logDir, "log"),
		LastLogFile:     filepath.Join(logDir, "last_log"),
		LastKmsgFile:    filepath.Join(logDir, "last_kmsg"),
		LastInstallFile: filepath.Join(logDir, "last_install"),
		TempLogFile:     filepath.Join(dir, "tmp", "recovery.log"),
		TempInstallFile: filepath.Join(dir, "tmp", "last_install"),
		MiscDevice:      filepath.Join(dir, "dev", "block", "by-name", "misc"),
	}
}
