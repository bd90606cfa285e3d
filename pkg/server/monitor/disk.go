package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskMonitor tracks the disk usage of the source data directory. Directory
// walks are cached for cacheDuration.
type DiskMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewDiskMonitor creates a monitor for dataDir. maxBytes <= 0 means unlimited.
func NewDiskMonitor(dataDir string, maxBytes int64) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current disk usage in bytes (cached).
func (dm *DiskMonitor) GetUsage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.lastCheck.IsZero() && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cachedUsage, nil
	}

	usage, err := calculateDirSize(dm.dataDir)
	if err != nil {
		return 0, err
	}

	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured limit in bytes, 0 when unlimited.
func (dm *DiskMonitor) GetLimit() int64 {
	if dm.maxBytes < 0 {
		return 0
	}
	return dm.maxBytes
}

// Full reports whether usage has reached the limit. Errors reading usage
// count as not full so a transient walk failure never blocks writes.
func (dm *DiskMonitor) Full() bool {
	if dm.maxBytes <= 0 {
		return false
	}
	usage, err := dm.GetUsage()
	if err != nil {
		return false
	}
	return usage >= dm.maxBytes
}

// calculateDirSize sums the allocated size of every file under path.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += allocatedSize(info)
		}
		return nil
	})
	return size, err
}
