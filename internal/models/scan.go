package models

import (
	"fmt"
	"time"
)

// ScanState is persisted between runs and anchors incremental scans.
type ScanState struct {
	LastScanTimestamp  time.Time `json:"lastScanTimestamp"`
	LastScanPeriodDays int       `json:"lastScanPeriodDays"`
	ForceResync        bool      `json:"forceResync"`
}

// HasScanned reports whether a previous scan completed
func (s *ScanState) HasScanned() bool {
	return !s.LastScanTimestamp.IsZero()
}

// ScanWindow is the [From, To] range a run reads. A zero From means all time.
type ScanWindow struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	FullScan bool      `json:"fullScan"`
}

// Contains reports whether t falls inside the window
func (w ScanWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	return !t.After(w.To)
}

// String returns a string representation of the window
func (w ScanWindow) String() string {
	from := "beginning"
	if !w.From.IsZero() {
		from = w.From.Format(time.RFC3339)
	}
	kind := "incremental"
	if w.FullScan {
		kind = "full"
	}
	return fmt.Sprintf("%s scan %s .. %s", kind, from, w.To.Format(time.RFC3339))
}
