//go:build linux

package diskspace

import (
	"golang.org/x/sys/unix"
)

// Available returns the number of bytes free on the filesystem backing
// path, per unix.Statfs (Bavail * Bsize).
func Available(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
