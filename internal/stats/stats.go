// Package stats counts pipeline progress and estimates throughput and ETA.
package stats

import (
	"sync/atomic"
	"time"
)

// RingSize bounds the completion history. At 4096 slots the ring covers a
// 5 second window up to about 800 completions per second; above that the
// rate is measured over the span the ring does cover.
const RingSize = 4096

// MinSamples is the number of in-window completions needed before the
// sliding rate is trusted over the overall average.
const MinSamples = 10

// Progress is one progress event
type Progress struct {
	Total      int64         `json:"totalCount"`
	Processed  int64         `json:"processedCount"`
	Parsed     int64         `json:"parsedCount"`
	Saved      int64         `json:"savedCount"`
	ElapsedMs  int64         `json:"elapsedMs"`
	ETASeconds int64         `json:"etaSeconds"`
	Rate       float64       `json:"messagesPerSecond"`
	Elapsed    time.Duration `json:"-"`
	ETA        time.Duration `json:"-"`
}

// Estimator is safe for concurrent use. Recording a completion never allocates.
type Estimator struct {
	total     atomic.Int64
	processed atomic.Int64
	parsed    atomic.Int64
	saved     atomic.Int64

	ring [RingSize]atomic.Int64
	head atomic.Uint64

	start        time.Time
	window       time.Duration
	itemInterval int64
	kick         chan struct{}
	now          func() time.Time
}

// Option configures an Estimator
type Option func(*Estimator)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// WithItemInterval makes every n-th processed item signal Kicks.
func WithItemInterval(n int64) Option {
	return func(e *Estimator) { e.itemInterval = n }
}

// NewEstimator starts the clock. window is the sliding rate window.
func NewEstimator(window time.Duration, opts ...Option) *Estimator {
	e := &Estimator{
		window: window,
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.start = e.now()
	return e
}

// SetTotal sets the number of items expected
func (e *Estimator) SetTotal(n int64) { e.total.Store(n) }

// Processed records one classified message.
func (e *Estimator) Processed() {
	n := e.processed.Add(1)
	slot := (e.head.Add(1) - 1) % RingSize
	e.ring[slot].Store(e.now().UnixNano())

	if e.itemInterval > 0 && n%e.itemInterval == 0 {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Parsed records one transaction candidate
func (e *Estimator) Parsed() { e.parsed.Add(1) }

// Saved records one persisted ledger entry
func (e *Estimator) Saved() { e.saved.Add(1) }

// Kicks fires on every item interval. It never blocks the producer.
func (e *Estimator) Kicks() <-chan struct{} { return e.kick }

// Rate returns messages per second over the sliding window, falling back to
// the overall average during cold start.
func (e *Estimator) Rate() float64 {
	now := e.now()
	elapsed := now.Sub(e.start)
	processed := e.processed.Load()

	average := 0.0
	if elapsed > 0 {
		average = float64(processed) / elapsed.Seconds()
	}
	if elapsed < e.window {
		return average
	}

	cutoff := now.Add(-e.window).UnixNano()
	count := 0
	oldest := now.UnixNano()
	for i := range e.ring {
		ts := e.ring[i].Load()
		if ts == 0 || ts < cutoff {
			continue
		}
		count++
		if ts < oldest {
			oldest = ts
		}
	}
	if count < MinSamples {
		return average
	}

	span := e.window
	if count == RingSize {
		// Every slot is inside the window, so it wrapped.
		span = time.Duration(now.UnixNano() - oldest)
		if span <= 0 {
			return average
		}
	}
	return float64(count) / span.Seconds()
}

// Snapshot returns the current counters with rate and ETA
func (e *Estimator) Snapshot() Progress {
	p := Progress{
		Total:     e.total.Load(),
		Processed: e.processed.Load(),
		Parsed:    e.parsed.Load(),
		Saved:     e.saved.Load(),
		Elapsed:   e.now().Sub(e.start),
		Rate:      e.Rate(),
	}
	p.ETA = ETA(p.Total-p.Processed, p.Rate)
	p.ElapsedMs = p.Elapsed.Milliseconds()
	p.ETASeconds = int64(p.ETA / time.Second)
	return p
}

// ETA is max(0, remaining/rate). An unknown rate gives zero.
func ETA(remaining int64, rate float64) time.Duration {
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
