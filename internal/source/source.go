package source

import (
	"context"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// IncrementalOverlap is how far behind "now" an incremental scan always
// reaches, to pick up store writes that land slightly in the past.
const IncrementalOverlap = 3 * 24 * time.Hour

// allTimePeriod is stored as the last scan period after an all-time scan.
const allTimePeriod = -1

// MessageSource decides scan windows and reads the channels for one.
type MessageSource struct {
	primary   ChannelReader
	secondary ChannelReader
	breaker   *gobreaker.CircuitBreaker
	retry     RetryConfig
	state     store.ScanStateStore
	now       func() time.Time
	logger    logger.Logger
}

// Option configures a MessageSource
type Option func(*MessageSource)

// WithSecondary adds a best-effort channel guarded by a circuit breaker.
func WithSecondary(r ChannelReader) Option {
	return func(s *MessageSource) {
		s.secondary = r
		s.breaker = NewChannelBreaker(r.Name())
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *MessageSource) { s.now = now }
}

// WithRetry overrides the retry policy of channel reads
func WithRetry(cfg RetryConfig) Option {
	return func(s *MessageSource) { s.retry = cfg }
}

// NewMessageSource creates a source reading primary, anchored on state.
func NewMessageSource(primary ChannelReader, state store.ScanStateStore, log logger.Logger, opts ...Option) *MessageSource {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	s := &MessageSource{
		primary: primary,
		state:   state,
		retry:   DefaultRetryConfig(),
		now:     time.Now,
		logger:  log.WithComponent("source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window computes the scan window for a run. lookbackDays <= 0 requests all time.
//
// A full scan happens when nothing was scanned before, all time is requested,
// a resync is forced, or the lookback exceeds what the last scan covered.
// Otherwise the window starts at min(last scan, now - 3 days), clamped to the
// lookback.
func (s *MessageSource) Window(ctx context.Context, lookbackDays int, force bool) (models.ScanWindow, error) {
	now := s.now().UTC()
	state, err := s.state.LoadScanState(ctx)
	if err != nil {
		return models.ScanWindow{}, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeQueryFailed, "load scan state")
	}

	var floor time.Time
	if lookbackDays > 0 {
		floor = now.AddDate(0, 0, -lookbackDays)
	}

	full := !state.HasScanned() ||
		lookbackDays <= 0 ||
		force ||
		state.ForceResync ||
		!covers(state.LastScanPeriodDays, lookbackDays)
	if full {
		return models.ScanWindow{From: floor, To: now, FullScan: true}, nil
	}

	from := state.LastScanTimestamp
	if overlap := now.Add(-IncrementalOverlap); overlap.Before(from) {
		from = overlap
	}
	if from.Before(floor) {
		from = floor
	}
	return models.ScanWindow{From: from, To: now}, nil
}

func covers(lastPeriod, lookbackDays int) bool {
	if lastPeriod == allTimePeriod {
		return true
	}
	return lookbackDays <= lastPeriod
}

// Read returns every message in window across channels, ascending by time.
// A primary failure fails the read; a secondary failure is logged and ignored.
func (s *MessageSource) Read(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error) {
	var msgs []*models.RawMessage
	err := retryWithBackoff(ctx, s.retry, func() error {
		var readErr error
		msgs, readErr = s.primary.ReadMessages(ctx, window)
		return readErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.PipelineError(errors.CodeCancelled, "read messages", ctx.Err())
		}
		return nil, errors.WrapIfNeeded(err, errors.CategorySource, errors.CodeSourceUnavailable, "read primary channel").
			WithContext("channel", s.primary.Name())
	}

	if s.secondary != nil {
		extra, err := s.readSecondary(ctx, window)
		if err != nil {
			s.logger.WithError(err).WithFields(logger.Fields{
				"channel": s.secondary.Name(),
				"breaker": s.breaker.State().String(),
			}).Warn("Secondary channel unavailable, continuing without it")
		} else {
			msgs = append(msgs, extra...)
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	s.logger.WithFields(logger.Fields{
		"window":   window.String(),
		"messages": len(msgs),
	}).Info("Messages enumerated")
	return msgs, nil
}

func (s *MessageSource) readSecondary(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		var msgs []*models.RawMessage
		err := retryWithBackoff(ctx, s.retry, func() error {
			var readErr error
			msgs, readErr = s.secondary.ReadMessages(ctx, window)
			return readErr
		})
		return msgs, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]*models.RawMessage), nil
}

// Commit records a successful scan of window. Call only after the run completed.
func (s *MessageSource) Commit(ctx context.Context, window models.ScanWindow, lookbackDays int) error {
	state, err := s.state.LoadScanState(ctx)
	if err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeQueryFailed, "load scan state")
	}

	next := models.ScanState{
		LastScanTimestamp:  window.To,
		LastScanPeriodDays: state.LastScanPeriodDays,
	}
	if window.FullScan {
		next.LastScanPeriodDays = lookbackDays
		if lookbackDays <= 0 {
			next.LastScanPeriodDays = allTimePeriod
		}
	}

	if err := s.state.SaveScanState(ctx, &next); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeWriteFailed, "save scan state")
	}
	s.logger.WithFields(logger.Fields{
		"last_scan":   next.LastScanTimestamp.Format(time.RFC3339),
		"period_days": next.LastScanPeriodDays,
	}).Debug("Scan state committed")
	return nil
}
