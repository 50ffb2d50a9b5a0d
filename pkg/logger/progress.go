package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressSnapshot is one point-in-time view of a long-running scan.
type ProgressSnapshot struct {
	Operation string        `json:"operation"`
	Total     int64         `json:"total"`
	Processed int64         `json:"processed"`
	Parsed    int64         `json:"parsed"`
	Saved     int64         `json:"saved"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
	Rate      float64       `json:"rate"`
}

// Percentage of processed over total, 0 when the total is unknown.
func (ps ProgressSnapshot) Percentage() float64 {
	if ps.Total <= 0 {
		return 0
	}
	return float64(ps.Processed) / float64(ps.Total) * 100
}

// String returns a human-readable representation of the progress
func (ps ProgressSnapshot) String() string {
	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%.1f%%) at %.2f/sec, ETA: %v",
			ps.Operation, ps.Processed, ps.Total, ps.Percentage(), ps.Rate, ps.ETA)
	}
	return fmt.Sprintf("%s: %d processed at %.2f/sec, elapsed: %v",
		ps.Operation, ps.Processed, ps.Rate, ps.Elapsed)
}

// ProgressLogger writes progress snapshots as structured log lines, at most
// once per interval. Final snapshots bypass the throttle.
type ProgressLogger struct {
	logger      Logger
	interval    time.Duration
	lastLogTime time.Time
	mutex       sync.Mutex
}

// NewProgressLogger creates a progress logger. A zero interval logs every report.
func NewProgressLogger(logger Logger, interval time.Duration) *ProgressLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return &ProgressLogger{
		logger:   logger.WithComponent("progress"),
		interval: interval,
	}
}

// Report logs ps unless the previous line was written less than interval ago.
func (p *ProgressLogger) Report(ps ProgressSnapshot) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	if p.interval > 0 && !p.lastLogTime.IsZero() && now.Sub(p.lastLogTime) < p.interval {
		return
	}
	p.lastLogTime = now
	p.logger.WithFields(snapshotFields(ps)).Info("Progress update")
}

// Complete logs the final snapshot
func (p *ProgressLogger) Complete(ps ProgressSnapshot) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.logger.WithFields(snapshotFields(ps)).Info("Operation completed")
}

// CompleteWithError logs the final snapshot of a failed run
func (p *ProgressLogger) CompleteWithError(ps ProgressSnapshot, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.logger.WithError(err).WithFields(snapshotFields(ps)).Error("Operation completed with error")
}

func snapshotFields(ps ProgressSnapshot) Fields {
	fields := Fields{
		"operation": ps.Operation,
		"processed": ps.Processed,
		"parsed":    ps.Parsed,
		"saved":     ps.Saved,
		"elapsed":   ps.Elapsed.Round(time.Millisecond).String(),
		"rate":      fmt.Sprintf("%.2f/sec", ps.Rate),
	}
	if ps.Total > 0 {
		fields["total"] = ps.Total
		fields["percentage"] = fmt.Sprintf("%.1f%%", ps.Percentage())
		fields["eta"] = ps.ETA.Round(time.Second).String()
	}
	return fields
}

// OperationLogger provides structured logging for operations with timing
type OperationLogger struct {
	logger    Logger
	operation string
	fields    Fields
	startTime time.Time
}

// NewOperationLogger creates a new operation logger
func NewOperationLogger(operation string, logger Logger) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}

	ol := &OperationLogger{
		logger:    logger,
		operation: operation,
		fields:    make(Fields),
		startTime: time.Now(),
	}

	ol.logger.WithField("operation", operation).Info("Starting operation")
	return ol
}

// WithField adds a field to the operation context
func (ol *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	ol.fields[key] = value
	return ol
}

func (ol *OperationLogger) with(extra Fields) Logger {
	fields := Fields{"operation": ol.operation}
	for k, v := range ol.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return ol.logger.WithFields(fields)
}

// Step logs a step within the operation
func (ol *OperationLogger) Step(step string) {
	ol.with(Fields{"step": step}).Info("Operation step")
}

// Success completes the operation successfully
func (ol *OperationLogger) Success(message string) {
	ol.with(Fields{
		"duration": time.Since(ol.startTime).String(),
		"status":   "success",
	}).Info(message)
}

// Error completes the operation with an error
func (ol *OperationLogger) Error(err error, message string) {
	ol.with(Fields{
		"duration": time.Since(ol.startTime).String(),
		"status":   "error",
	}).WithError(err).Error(message)
}

// Warning logs a warning during the operation
func (ol *OperationLogger) Warning(err error, message string) {
	l := ol.with(nil)
	if err != nil {
		l = l.WithError(err)
	}
	l.Warn(message)
}

// TimedOperation executes a function and logs timing information
func TimedOperation(operation string, logger Logger, fn func() error) error {
	ol := NewOperationLogger(operation, logger)

	err := fn()

	if err != nil {
		ol.Error(err, "Operation failed")
	} else {
		ol.Success("Operation completed successfully")
	}

	return err
}
