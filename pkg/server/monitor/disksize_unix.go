//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// allocatedSize returns the blocks allocated to a file, which is smaller than
// the logical size for sparse badger value logs.
func allocatedSize(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	// Blocks are 512 bytes
	return stat.Blocks * 512
}
