package stats

import (
	"context"
	"time"
)

// Observer receives progress events
type Observer func(Progress)

// Monitor pushes snapshots on a wall-clock interval and on every item
// interval of its estimator, whichever comes first.
type Monitor struct {
	estimator *Estimator
	interval  time.Duration
	observer  Observer
}

// NewMonitor creates a monitor
func NewMonitor(e *Estimator, interval time.Duration, observer Observer) *Monitor {
	return &Monitor{estimator: e, interval: interval, observer: observer}
}

// Run emits snapshots until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.observer == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.estimator.Kicks():
		}
		m.observer(m.estimator.Snapshot())
	}
}
