//go:build windows

package monitor

import "os"

// allocatedSize returns the logical file size. Windows does not expose
// allocated blocks through os.FileInfo, so sparse files overreport.
func allocatedSize(info os.FileInfo) int64 {
	return info.Size()
}
