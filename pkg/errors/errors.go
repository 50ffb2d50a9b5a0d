package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategorySource        ErrorCategory = "source"
	CategoryParse         ErrorCategory = "parse"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryPipeline      ErrorCategory = "pipeline"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Source errors
	CodeSourceUnavailable ErrorCode = "source_unavailable"
	CodeSourceCorrupted   ErrorCode = "source_corrupted"
	CodeMissingColumn     ErrorCode = "missing_column"

	// Parse errors
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"

	// Storage errors
	CodeStorageUnavailable ErrorCode = "storage_unavailable"
	CodeQueryFailed        ErrorCode = "query_failed"
	CodeWriteFailed        ErrorCode = "write_failed"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Pipeline errors
	CodeCacheLoadFailed ErrorCode = "cache_load_failed"
	CodeCancelled       ErrorCode = "cancelled"
	CodeStageFailed     ErrorCode = "stage_failed"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// Outcome is the result a background job reports to its scheduler.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeRetry means the failure was transient and the job is safe to re-run.
	OutcomeRetry   Outcome = "retry"
	OutcomeFailure Outcome = "failure"
)

// ExitCodeRetry is EX_TEMPFAIL from sysexits.h.
const ExitCodeRetry = 75

// IngestError is the base error type for all application errors
type IngestError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *IngestError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *IngestError) Unwrap() error {
	return e.Cause
}

// Outcome maps the error onto the job result the scheduler should see.
// Source and storage problems are usually transient (store locked, file
// still being exported), everything else needs a human.
func (e *IngestError) Outcome() Outcome {
	switch e.Category {
	case CategorySource, CategoryStorage:
		return OutcomeRetry
	case CategoryPipeline:
		if e.Code == CodeCancelled || e.Code == CodeCacheLoadFailed {
			return OutcomeRetry
		}
		return OutcomeFailure
	default:
		return OutcomeFailure
	}
}

// GetExitCode returns an appropriate exit code for the error
func (e *IngestError) GetExitCode() int {
	if e.Outcome() == OutcomeRetry {
		return ExitCodeRetry
	}
	return 1
}

// WithContext adds context information to the error
func (e *IngestError) WithContext(key string, value interface{}) *IngestError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *IngestError) WithSuggestion(suggestion string) *IngestError {
	e.Suggestion = suggestion
	return e
}

// New creates a new IngestError
func New(category ErrorCategory, code ErrorCode, message string) *IngestError {
	return &IngestError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with IngestError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *IngestError {
	if err == nil {
		return nil
	}

	return &IngestError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message, suggestion string, err error) *IngestError {
	var result *IngestError
	if err != nil {
		result = Wrap(err, category, code, message)
	} else {
		result = New(category, code, message)
	}
	return result.WithSuggestion(suggestion)
}

// SourceError creates an error for the message source (primary store or export file).
func SourceError(code ErrorCode, source string, err error) *IngestError {
	var message, suggestion string

	switch code {
	case CodeSourceUnavailable:
		message = fmt.Sprintf("message source unavailable: %s", source)
		suggestion = "check that the message export exists and is readable, then re-run"
	case CodeSourceCorrupted:
		message = fmt.Sprintf("message source is corrupted: %s", source)
		suggestion = "re-export the message log"
	case CodeMissingColumn:
		message = fmt.Sprintf("message source is missing required columns: %s", source)
		suggestion = "the export needs sender, timestamp and body columns"
	default:
		message = fmt.Sprintf("message source error: %s", source)
		suggestion = "check the message source and try again"
	}

	return build(CategorySource, code, message, suggestion, err).
		WithContext("source", source)
}

// ParseError creates an error for a single message or row that could not be parsed.
func ParseError(code ErrorCode, messageID string, field string, value string, err error) *IngestError {
	var message, suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in message %s: '%s'", messageID, value)
		suggestion = "amounts must be decimal numbers such as '1,250.00'"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid timestamp in message %s: '%s'", messageID, value)
		suggestion = "use epoch milliseconds or RFC3339"
	case CodeMissingField:
		message = fmt.Sprintf("message %s is missing required field '%s'", messageID, field)
		suggestion = "provide a value for this field"
	default:
		message = fmt.Sprintf("could not parse message %s", messageID)
		suggestion = "the message is skipped; no action needed unless this repeats"
	}

	return build(CategoryParse, code, message, suggestion, err).
		WithContext("message_id", messageID).
		WithContext("field", field).
		WithContext("value", value)
}

// StorageError creates a persistence-related error
func StorageError(code ErrorCode, operation string, err error) *IngestError {
	var message, suggestion string

	switch code {
	case CodeStorageUnavailable:
		message = fmt.Sprintf("storage unavailable during %s", operation)
		suggestion = "check the database path and that no other process holds a write lock"
	case CodeQueryFailed:
		message = fmt.Sprintf("query failed during %s", operation)
		suggestion = "retry; if it persists the database may need a migration"
	case CodeWriteFailed:
		message = fmt.Sprintf("write failed during %s", operation)
		suggestion = "check free disk space and retry"
	default:
		message = fmt.Sprintf("storage error during %s", operation)
		suggestion = "retry the operation"
	}

	return build(CategoryStorage, code, message, suggestion, err).
		WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *IngestError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting via flag, config file or INGESTOR_ environment variable"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, suggestion, err).
		WithContext("setting", setting).
		WithContext("value", value)
}

// PipelineError creates an error for a batch-fatal pipeline failure
func PipelineError(code ErrorCode, stage string, err error) *IngestError {
	var message, suggestion string

	switch code {
	case CodeCacheLoadFailed:
		message = fmt.Sprintf("failed to preload %s", stage)
		suggestion = "the run is safe to retry; no scan state was committed"
	case CodeCancelled:
		message = fmt.Sprintf("pipeline cancelled during %s", stage)
		suggestion = "re-run the job; processed messages will be skipped as duplicates"
	case CodeStageFailed:
		message = fmt.Sprintf("pipeline stage %s failed", stage)
		suggestion = "check the logs for the failing stage"
	default:
		message = fmt.Sprintf("pipeline error in %s", stage)
		suggestion = "check the logs and try again"
	}

	return build(CategoryPipeline, code, message, suggestion, err).
		WithContext("stage", stage)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *IngestError {
	return build(CategoryInternal, CodeUnexpectedError,
		fmt.Sprintf("unexpected error during %s", operation),
		"this is likely a bug - please report it with the error details", err).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*IngestError        `json:"errors"`
	SampleErrors []*IngestError        `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*IngestError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if summary.Errors == nil {
		summary.Errors = []*IngestError{}
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// IsIngestError checks if an error is an IngestError
func IsIngestError(err error) bool {
	_, ok := err.(*IngestError)
	return ok
}

// AsIngestError extracts an IngestError from an error chain
func AsIngestError(err error) (*IngestError, bool) {
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		return ingestErr, true
	}
	return nil, false
}

// WrapIfNeeded wraps an error if it's not already an IngestError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *IngestError {
	if err == nil {
		return nil
	}

	if ingestErr, ok := AsIngestError(err); ok {
		return ingestErr
	}

	return Wrap(err, category, code, message)
}

// OutcomeOf classifies any error into a job outcome. Plain errors are
// treated as non-retryable.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if ingestErr, ok := AsIngestError(err); ok {
		return ingestErr.Outcome()
	}
	return OutcomeFailure
}
