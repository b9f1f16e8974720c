// Package system reports host resources and performs host power actions.
package system

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// DiskUsage describes the filesystem holding a path.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// FreeHuman returns Free in IEC units, e.g. "12 GiB".
func (d DiskUsage) FreeHuman() string {
	return humanize.IBytes(d.Free)
}

// Disk returns the usage of the filesystem containing path.
func Disk(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		Total: st.Blocks * bsize,
		Free:  st.Bavail * bsize,
	}, nil
}
