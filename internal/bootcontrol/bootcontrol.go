// Package bootcontrol reads and writes the persisted boot control block.
//
// The control block is a small fixed-layout record on a raw block device that
// the main system and the recovery console use to hand commands to each other
// across reboots. Writing the record with command "boot-recovery" makes the
// next boot land back in recovery with the same arguments; clearing it makes
// the next boot start the main system. The field layout and capacities are
// load-bearing: overflow must truncate, never corrupt an adjacent field.
package bootcontrol

import (
	"bytes"
	"fmt"
	"os"
)

// Field capacities within the on-disk record, in bytes. Each string field is
// NUL-terminated within its capacity.
const (
	CommandSize  = 32
	StatusSize   = 32
	RecoverySize = 768
	StageSize    = 32

	// RecordSize is the total on-disk footprint; the tail beyond the four
	// string fields is reserved and preserved across writes.
	RecordSize = 2048
)

// Record is the decoded control block.
type Record struct {
	// Command is a short status string, e.g. "boot-recovery".
	Command string

	// Status is written by the bootloader after firmware updates.
	Status string

	// Recovery holds the newline-joined argument blob. The first token is
	// "recovery"; each following line is one argument.
	Recovery string

	// Stage is a free-form "current/max" string for multi-stage installs.
	Stage string
}

// IsEmpty reports whether the record carries no command, i.e. the next boot
// goes to the main system.
func (r *Record) IsEmpty() bool {
	return r.Command == "" && r.Recovery == ""
}

// Encode serializes the record into a RecordSize byte block. Fields that
// exceed their capacity are silently truncated, leaving room for the
// terminating NUL so the blob stays parseable.
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	putField(buf[0:CommandSize], r.Command)
	putField(buf[CommandSize:CommandSize+StatusSize], r.Status)
	putField(buf[CommandSize+StatusSize:CommandSize+StatusSize+RecoverySize], r.Recovery)
	putField(buf[CommandSize+StatusSize+RecoverySize:CommandSize+StatusSize+RecoverySize+StageSize], r.Stage)
	return buf
}

// Decode parses a raw block into a Record. Short blocks decode as far as the
// data allows; garbage (0xFF fill from erased flash) decodes to empty fields.
func Decode(buf []byte) *Record {
	rec := &Record{}
	rec.Command = getField(buf, 0, CommandSize)
	rec.Status = getField(buf, CommandSize, StatusSize)
	rec.Recovery = getField(buf, CommandSize+StatusSize, RecoverySize)
	rec.Stage = getField(buf, CommandSize+StatusSize+RecoverySize, StageSize)
	return rec
}

func putField(dst []byte, s string) {
	b := []byte(s)
	if len(b) > len(dst)-1 {
		b = b[:len(dst)-1]
	}
	copy(dst, b)
}

func getField(buf []byte, off, size int) string {
	if off >= len(buf) {
		return ""
	}
	end := off + size
	if end > len(buf) {
		end = len(buf)
	}
	field := buf[off:end]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	// Erased-flash fill decodes as empty.
	if len(field) > 0 && field[0] == 0xFF {
		return ""
	}
	return string(field)
}

// Store is the persisted control block device.
type Store interface {
	// Read returns the current record. It fails soft: any read error yields
	// a zeroed record, never an error, so a corrupt or missing block can't
	// take the session down.
	Read() *Record

	// Write durably persists the record. A write failure is reported to the
	// caller but not retried; an unwritable control block costs the session
	// its restart-safety guarantee, nothing more.
	Write(*Record) error

	// Clear writes an all-zero record so the next boot starts the main
	// system.
	Clear() error
}

// FileStore is a Store backed by a raw block device (or a plain file, which
// the tests use).
type FileStore struct {
	path string
}

// NewFileStore opens a control block store at path. The path is not touched
// until the first Read or Write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Read implements Store. Any failure returns a zeroed record.
func (s *FileStore) Read() *Record {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		return &Record{}
	}
	return Decode(buf)
}

// Write implements Store with a synchronous write of the full record.
func (s *FileStore) Write(rec *Record) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open control block %s: %v", s.path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(rec.Encode(), 0); err != nil {
		return fmt.Errorf("write control block %s: %v", s.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync control block %s: %v", s.path, err)
	}
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear() error {
	return s.Write(&Record{})
}
