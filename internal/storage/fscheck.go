package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// SQLite file locking cannot be trusted on these.
var networkFilesystems = map[string]bool{
	"afpfs":      true,
	"cifs":       true,
	"fuse.sshfs": true,
	"nfs":        true,
	"nfs4":       true,
	"smb2":       true,
	"smb3":       true,
	"smbfs":      true,
	"webdav":     true,
}

// ValidateLocalPath rejects a database path that lives on a network mount.
// When the mount table cannot be read the path passes.
func ValidateLocalPath(path string) error {
	mounts, err := disk.Partitions(true)
	if err != nil {
		return nil
	}
	return checkMounts(path, mounts)
}

func checkMounts(path string, mounts []disk.PartitionStat) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	m, ok := mountFor(existing, mounts)
	if !ok || !networkFilesystems[strings.ToLower(m.Fstype)] {
		return nil
	}
	return fmt.Errorf("database path %q is on %s mount %s; alerts could be lost to unreliable SQLite locking. "+
		"Point state.path (or --db) at a local disk", path, m.Fstype, m.Mountpoint)
}

// mountFor returns the most specific mount containing path.
func mountFor(path string, mounts []disk.PartitionStat) (disk.PartitionStat, bool) {
	var best disk.PartitionStat
	found := false
	for _, m := range mounts {
		if !within(path, m.Mountpoint) {
			continue
		}
		if !found || len(m.Mountpoint) > len(best.Mountpoint) {
			best, found = m, true
		}
	}
	return best, found
}

func within(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}
	rel, err := filepath.Rel(mountpoint, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for candidate := abs; ; candidate = filepath.Dir(candidate) {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		case filepath.Dir(candidate) == candidate:
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}
