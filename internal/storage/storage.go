// Package storage manages the block volumes the recovery console operates on.
// This module handles mount, unmount, and reformat of the fixed volume table.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// Volume describes one entry of the volume table.
type Volume struct {
	MountPoint string
	Device     string
	Filesystem string
	Label      string
	Removable  bool
}

// Manager is the volume surface the operation engine works against. The real
// implementation shells out to the system tooling; tests substitute a fake.
type Manager interface {
	// Lookup returns the table entry for a mount point.
	Lookup(mountPoint string) (Volume, bool)

	// Volumes returns the whole table, ordered by mount point.
	Volumes() []Volume

	// EnsureMounted mounts the volume if it is not already mounted.
	EnsureMounted(mountPoint string) error

	// Unmount detaches the volume. Unmounting a volume that is not
	// mounted is not an error.
	Unmount(mountPoint string) error

	// Format recreates the filesystem on the volume's device, destroying
	// its contents. The volume must be unmounted first unless force is
	// set, which detaches it and formats regardless.
	Format(mountPoint string, force bool) error

	// Usage reports total and free bytes for a mounted volume.
	Usage(mountPoint string) (total, free uint64, err error)
}

// DefaultTable is the volume layout of a typical device.
func DefaultTable() []Volume {
	return []Volume{
		{MountPoint: "/cache", Device: "/dev/block/by-name/cache", Filesystem: "ext4", Label: "cache"},
		{MountPoint: "/data", Device: "/dev/block/by-name/userdata", Filesystem: "ext4", Label: "data"},
		{MountPoint: "/system", Device: "/dev/block/by-name/system", Filesystem: "ext4", Label: "system"},
		{MountPoint: "/sdcard", Device: "/dev/block/by-name/sdcard", Filesystem: "vfat", Label: "sdcard", Removable: true},
	}
}

// ExecManager drives the real system tooling (mount, umount, mkfs).
type ExecManager struct {
	table map[string]Volume

	// ProcMounts is the mount table to consult; overridable for tests.
	ProcMounts string
}

// NewExecManager builds a manager over the given volume table.
func NewExecManager(table []Volume) *ExecManager {
	m := &ExecManager{
		table:      make(map[string]Volume, len(table)),
		ProcMounts: "/proc/mounts",
	}
	for _, v := range table {
		m.table[v.MountPoint] = v
	}
	return m
}

func (m *ExecManager) Lookup(mountPoint string) (Volume, bool) {
	v, ok := m.table[mountPoint]
	return v, ok
}

func (m *ExecManager) Volumes() []Volume {
	out := make([]Volume, 0, len(m.table))
	for _, v := range m.table {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPoint < out[j].MountPoint })
	return out
}

// EnsureMounted mounts the volume's device if nothing is mounted there yet.
func (m *ExecManager) EnsureMounted(mountPoint string) error {
	v, ok := m.table[mountPoint]
	if !ok {
		return fmt.Errorf("unknown volume %s", mountPoint)
	}
	if m.isMounted(mountPoint) {
		return nil
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %v", mountPoint, err)
	}
	cmd := exec.Command("mount", "-t", v.Filesystem, v.Device, mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to mount %s: %v: %s", mountPoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unmount syncs and detaches the volume. Not-mounted is treated as success.
func (m *ExecManager) Unmount(mountPoint string) error {
	if _, ok := m.table[mountPoint]; !ok {
		return fmt.Errorf("unknown volume %s", mountPoint)
	}
	if !m.isMounted(mountPoint) {
		return nil
	}
	unix.Sync()
	if err := unix.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("failed to unmount %s: %v", mountPoint, err)
	}
	return nil
}

// Format runs the filesystem-specific mkfs over the volume's device. A
// forced format detaches a still-mounted volume instead of refusing, and
// formats whatever device the mount table says is really there.
func (m *ExecManager) Format(mountPoint string, force bool) error {
	v, ok := m.table[mountPoint]
	if !ok {
		return fmt.Errorf("unknown volume %s", mountPoint)
	}
	dev := v.Device
	if m.isMounted(mountPoint) {
		if !force {
			return fmt.Errorf("%s is still mounted", mountPoint)
		}
		if mounted, err := m.DeviceForMount(mountPoint); err == nil {
			dev = mounted
		}
		unix.Sync()
		_ = unix.Unmount(mountPoint, unix.MNT_DETACH)
	}

	var cmd *exec.Cmd
	switch v.Filesystem {
	case "ext4":
		cmd = exec.Command("mkfs.ext4", "-F", "-L", v.Label, dev)
	case "f2fs":
		cmd = exec.Command("mkfs.f2fs", "-f", "-l", v.Label, dev)
	case "vfat":
		cmd = exec.Command("mkfs.vfat", "-n", v.Label, dev)
	default:
		return fmt.Errorf("don't know how to format %s (%s)", mountPoint, v.Filesystem)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to format %s: %v: %s", mountPoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Usage reports capacity for a mounted volume.
func (m *ExecManager) Usage(mountPoint string) (uint64, uint64, error) {
	if _, ok := m.table[mountPoint]; !ok {
		return 0, 0, fmt.Errorf("unknown volume %s", mountPoint)
	}
	stat, err := disk.Usage(mountPoint)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat %s: %v", mountPoint, err)
	}
	return stat.Total, stat.Free, nil
}

// isMounted scans the mount table for the mount point. Uses buffered
// scanning so large tables are not read into memory at once.
func (m *ExecManager) isMounted(mountPoint string) bool {
	file, err := os.Open(m.ProcMounts)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}

// DeviceForMount finds the backing device for a mount point by parsing the
// mount table.
func (m *ExecManager) DeviceForMount(mountPoint string) (string, error) {
	file, err := os.Open(m.ProcMounts)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("mount point %s not found", mountPoint)
}

// RemovableVolumes returns the table entries marked removable, for the
// storage-browse flow.
func RemovableVolumes(m Manager) []Volume {
	var out []Volume
	for _, v := range m.Volumes() {
		if v.Removable {
			out = append(out, v)
		}
	}
	return out
}

// FormatBytes renders a byte count as a short human-readable string.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTP"[exp])
}
