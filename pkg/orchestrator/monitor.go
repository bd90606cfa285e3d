package orchestrator

import (
	"sync"
	"time"
)

// FetchMonitor tracks fetch health across all batches.
type FetchMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	succeeded         uint64
	failed            uint64
	cancelled         uint64
}

// RecordSuccess records a fetch that committed a ready tile.
func (fm *FetchMonitor) RecordSuccess() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.lastSuccess = time.Now()
	fm.lastAttempt = fm.lastSuccess
	fm.consecutiveErrors = 0
	fm.lastError = ""
	fm.succeeded++
}

// RecordFailure records a fetch that left an error tile.
func (fm *FetchMonitor) RecordFailure(err error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.lastAttempt = time.Now()
	fm.consecutiveErrors++
	fm.failed++
	if err != nil {
		fm.lastError = err.Error()
	}
}

// RecordCancel records a fetch abandoned by cancellation. It does not affect health.
func (fm *FetchMonitor) RecordCancel() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cancelled++
}

// IsHealthy returns false after more than three consecutive failures.
func (fm *FetchMonitor) IsHealthy() bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.healthy()
}

func (fm *FetchMonitor) healthy() bool {
	return fm.consecutiveErrors <= 3
}

// FetchStatus is the health snapshot reported by /v1/health.
type FetchStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	Succeeded         uint64 `json:"succeeded"`
	Failed            uint64 `json:"failed"`
	Cancelled         uint64 `json:"cancelled"`
}

// Status returns the current fetch health.
func (fm *FetchMonitor) Status() FetchStatus {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	status := FetchStatus{
		Healthy:   fm.healthy(),
		Succeeded: fm.succeeded,
		Failed:    fm.failed,
		Cancelled: fm.cancelled,
	}
	if !fm.lastSuccess.IsZero() {
		status.LastSuccess = fm.lastSuccess.Format(time.RFC3339)
	}
	if !fm.lastAttempt.IsZero() {
		status.LastAttempt = fm.lastAttempt.Format(time.RFC3339)
	}
	if fm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = fm.consecutiveErrors
		status.LastError = fm.lastError
	}
	return status
}
