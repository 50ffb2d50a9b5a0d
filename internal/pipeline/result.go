package pipeline

import (
	"time"

	"ledger-ingestion-service/internal/classifier"
	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/stats"
	"ledger-ingestion-service/pkg/errors"
)

// Status is the job result reported to the scheduler
type Status string

const (
	StatusSuccess Status = "success"
	// StatusRetry means a transient failure; re-running is safe because
	// dedup makes reprocessing idempotent.
	StatusRetry   Status = "retry"
	StatusFailure Status = "failure"
)

// ExitCode maps a status onto the process exit code
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusRetry:
		return errors.ExitCodeRetry
	default:
		return 1
	}
}

// StatusOf classifies err the way Run does
func StatusOf(err error) Status {
	switch errors.OutcomeOf(err) {
	case errors.OutcomeSuccess:
		return StatusSuccess
	case errors.OutcomeRetry:
		return StatusRetry
	default:
		return StatusFailure
	}
}

// Result summarizes one run
type Result struct {
	RunID   string            `json:"runId"`
	Status  Status            `json:"status"`
	Window  models.ScanWindow `json:"window"`
	Workers int               `json:"workers"`
	Total   int               `json:"total"`

	Outcomes map[classifier.Kind]int `json:"outcomes"`
	Saved    int                     `json:"saved"`
	// Duplicates counts skipped candidates by reason.
	Duplicates          map[string]int `json:"duplicates"`
	Blocked             int            `json:"blocked"`
	Recurring           int            `json:"recurring"`
	Specials            int            `json:"specials"`
	SpecialFailures     int            `json:"specialFailures"`
	UnrecognizedStored  int            `json:"unrecognizedStored"`
	UnrecognizedCleaned int64          `json:"unrecognizedCleaned"`
	SaveErrors          int            `json:"saveErrors"`
	Swept               int            `json:"swept"`

	Progress stats.Progress `json:"progress"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
	Err      error          `json:"-"`
}

func newResult(runID string, workers int) *Result {
	return &Result{
		RunID:      runID,
		Workers:    workers,
		Outcomes:   make(map[classifier.Kind]int),
		Duplicates: make(map[string]int),
	}
}

func (r *Result) setError(err error) {
	r.Status = StatusOf(err)
	r.Err = err
	r.Error = err.Error()
}

// DuplicateCount is the total across reasons
func (r *Result) DuplicateCount() int {
	n := 0
	for _, c := range r.Duplicates {
		n += c
	}
	return n
}
