package pipeline

import (
	"ledger-ingestion-service/internal/stats"
	"ledger-ingestion-service/pkg/logger"
)

// OperationName labels progress log lines
const OperationName = "ingest"

// Snapshot converts a progress event into the logger's snapshot form
func Snapshot(p stats.Progress) logger.ProgressSnapshot {
	return logger.ProgressSnapshot{
		Operation: OperationName,
		Total:     p.Total,
		Processed: p.Processed,
		Parsed:    p.Parsed,
		Saved:     p.Saved,
		Elapsed:   p.Elapsed,
		ETA:       p.ETA,
		Rate:      p.Rate,
	}
}

// LogProgress returns an observer that writes throttled progress log lines.
func LogProgress(pl *logger.ProgressLogger) stats.Observer {
	return func(p stats.Progress) {
		pl.Report(Snapshot(p))
	}
}
