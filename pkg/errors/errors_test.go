package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestIngestError(t *testing.T) {
	tests := []struct {
		name          string
		category      ErrorCategory
		code          ErrorCode
		message       string
		cause         error
		expectOutcome Outcome
		expectCode    int
	}{
		{
			name:          "source error",
			category:      CategorySource,
			code:          CodeSourceUnavailable,
			message:       "source unavailable",
			cause:         errors.New("database is locked"),
			expectOutcome: OutcomeRetry,
			expectCode:    75,
		},
		{
			name:          "parse error",
			category:      CategoryParse,
			code:          CodeInvalidFormat,
			message:       "invalid format",
			expectOutcome: OutcomeFailure,
			expectCode:    1,
		},
		{
			name:          "storage error",
			category:      CategoryStorage,
			code:          CodeWriteFailed,
			message:       "write failed",
			cause:         errors.New("disk full"),
			expectOutcome: OutcomeRetry,
			expectCode:    75,
		},
		{
			name:          "configuration error",
			category:      CategoryConfiguration,
			code:          CodeInvalidConfig,
			message:       "invalid config",
			expectOutcome: OutcomeFailure,
			expectCode:    1,
		},
		{
			name:          "cancelled pipeline",
			category:      CategoryPipeline,
			code:          CodeCancelled,
			message:       "cancelled",
			expectOutcome: OutcomeRetry,
			expectCode:    75,
		},
		{
			name:          "failed pipeline stage",
			category:      CategoryPipeline,
			code:          CodeStageFailed,
			message:       "stage failed",
			expectOutcome: OutcomeFailure,
			expectCode:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *IngestError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.category, tt.code, tt.message)
			} else {
				err = New(tt.category, tt.code, tt.message)
			}

			if err.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, err.Category)
			}
			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.Outcome() != tt.expectOutcome {
				t.Errorf("expected outcome %s, got %s", tt.expectOutcome, err.Outcome())
			}
			if err.GetExitCode() != tt.expectCode {
				t.Errorf("expected exit code %d, got %d", tt.expectCode, err.GetExitCode())
			}
			if tt.cause == nil && err.Error() != tt.message {
				t.Errorf("expected error string %s, got %s", tt.message, err.Error())
			}
			if tt.cause != nil && err.Unwrap() != tt.cause {
				t.Errorf("expected to unwrap to %v, got %v", tt.cause, err.Unwrap())
			}
			if len(err.StackTrace) == 0 {
				t.Error("expected stack trace to be captured")
			}
		})
	}
}

func TestIngestErrorWithContext(t *testing.T) {
	err := New(CategoryStorage, CodeQueryFailed, "test error").
		WithContext("table", "ledger").
		WithContext("row", 42).
		WithSuggestion("retry")

	if err.Context["table"] != "ledger" {
		t.Errorf("expected table context 'ledger', got %v", err.Context["table"])
	}
	if err.Context["row"] != 42 {
		t.Errorf("expected row context 42, got %v", err.Context["row"])
	}

	expected := "test error (suggestion: retry)"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestSpecificErrorConstructors(t *testing.T) {
	t.Run("SourceError", func(t *testing.T) {
		cause := errors.New("permission denied")
		err := SourceError(CodeSourceUnavailable, "/data/sms.csv", cause)

		if err.Category != CategorySource {
			t.Errorf("expected source category, got %s", err.Category)
		}
		if err.Context["source"] != "/data/sms.csv" {
			t.Errorf("expected source context, got %v", err.Context["source"])
		}
		if err.Suggestion == "" {
			t.Error("expected suggestion to be set")
		}
		if err.Cause != cause {
			t.Errorf("expected cause to be %v, got %v", cause, err.Cause)
		}
	})

	t.Run("ParseError", func(t *testing.T) {
		err := ParseError(CodeInvalidAmount, "msg-1", "amount", "12.3.4", nil)

		if err.Category != CategoryParse {
			t.Errorf("expected parse category, got %s", err.Category)
		}
		if err.Context["message_id"] != "msg-1" {
			t.Errorf("expected message_id context, got %v", err.Context["message_id"])
		}
		if err.Context["value"] != "12.3.4" {
			t.Errorf("expected value context, got %v", err.Context["value"])
		}
	})

	t.Run("PipelineError", func(t *testing.T) {
		err := PipelineError(CodeCacheLoadFailed, "rules", errors.New("no such table"))

		if err.Outcome() != OutcomeRetry {
			t.Errorf("expected retry outcome, got %s", err.Outcome())
		}
		if err.Context["stage"] != "rules" {
			t.Errorf("expected stage context, got %v", err.Context["stage"])
		}
	})

	t.Run("InternalError", func(t *testing.T) {
		err := InternalError("save", nil)
		if err.Code != CodeUnexpectedError {
			t.Errorf("expected unexpected_error code, got %s", err.Code)
		}
	})
}

func TestErrorSummary(t *testing.T) {
	errs := []*IngestError{
		New(CategorySource, CodeSourceUnavailable, "error 1"),
		New(CategorySource, CodeSourceCorrupted, "error 2"),
		New(CategoryParse, CodeInvalidFormat, "error 3"),
		New(CategoryParse, CodeInvalidAmount, "error 4"),
		New(CategoryStorage, CodeWriteFailed, "error 5"),
		New(CategoryStorage, CodeWriteFailed, "error 6"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 6 {
		t.Errorf("expected total 6, got %d", summary.Total)
	}
	if summary.ByCategory[CategorySource] != 2 {
		t.Errorf("expected 2 source errors, got %d", summary.ByCategory[CategorySource])
	}
	if summary.ByCode[CodeWriteFailed] != 2 {
		t.Errorf("expected 2 write errors, got %d", summary.ByCode[CodeWriteFailed])
	}
	if len(summary.SampleErrors) != 5 {
		t.Errorf("expected 5 sample errors, got %d", len(summary.SampleErrors))
	}
	if !strings.Contains(summary.Error(), "6 errors occurred") {
		t.Errorf("unexpected summary string %q", summary.Error())
	}
	if summary.HasCategory(CategoryConfiguration) {
		t.Error("expected not to have configuration category")
	}
}

func TestEmptyErrorSummary(t *testing.T) {
	summary := NewErrorSummary(nil)

	if summary.Total != 0 {
		t.Errorf("expected total 0, got %d", summary.Total)
	}
	if summary.Error() != "no errors" {
		t.Errorf("expected 'no errors', got '%s'", summary.Error())
	}
}

func TestAsIngestError(t *testing.T) {
	ingestErr := New(CategorySource, CodeSourceUnavailable, "test")
	genericErr := errors.New("generic error")

	if extracted, ok := AsIngestError(ingestErr); !ok || extracted != ingestErr {
		t.Error("expected AsIngestError to extract IngestError")
	}
	if _, ok := AsIngestError(genericErr); ok {
		t.Error("expected AsIngestError to return false for generic error")
	}
	if _, ok := AsIngestError(nil); ok {
		t.Error("expected AsIngestError to return false for nil")
	}
	if !IsIngestError(ingestErr) || IsIngestError(genericErr) {
		t.Error("IsIngestError mismatch")
	}
}

func TestWrapIfNeeded(t *testing.T) {
	ingestErr := New(CategorySource, CodeSourceUnavailable, "test")
	genericErr := errors.New("generic error")

	if WrapIfNeeded(ingestErr, CategoryParse, CodeInvalidFormat, "wrapped") != ingestErr {
		t.Error("expected WrapIfNeeded to return original IngestError")
	}

	wrapped := WrapIfNeeded(genericErr, CategoryParse, CodeInvalidFormat, "wrapped")
	if wrapped.Cause != genericErr {
		t.Error("expected WrapIfNeeded to wrap generic error")
	}
	if wrapped.Category != CategoryParse {
		t.Error("expected wrapped error to have correct category")
	}

	if WrapIfNeeded(nil, CategoryParse, CodeInvalidFormat, "wrapped") != nil {
		t.Error("expected WrapIfNeeded to return nil for nil input")
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"plain", errors.New("boom"), OutcomeFailure},
		{"storage", StorageError(CodeStorageUnavailable, "insert", nil), OutcomeRetry},
		{"config", ConfigurationError(CodeInvalidConfig, "workers", -1, nil), OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRowErrorCollector(t *testing.T) {
	collector := NewRowErrorCollector(3)

	if !collector.Add(EmptyValueError("sms.csv", 2, "body")) {
		t.Error("expected recoverable error to continue")
	}
	if !collector.Add(InvalidTimestampError("sms.csv", 3, "date", "yesterday")) {
		t.Error("expected recoverable error to continue")
	}
	if collector.Add(InvalidTimestampError("sms.csv", 4, "date", "soon")) {
		t.Error("expected collector to stop at max errors")
	}
	if collector.Len() != 3 {
		t.Errorf("expected 3 errors, got %d", collector.Len())
	}

	summary := collector.GetSummary()
	if summary.ByCode[CodeInvalidDate] != 2 {
		t.Errorf("expected 2 invalid date errors, got %d", summary.ByCode[CodeInvalidDate])
	}

	out := FormatRowErrorsForUser(collector.GetErrors())
	if !strings.Contains(out, "Skipped 3 rows") {
		t.Errorf("unexpected formatted output %q", out)
	}
}

func TestMissingColumnError(t *testing.T) {
	err := MissingColumnError("sms.csv", []string{"address", "date", "body"}, []string{"Address", "body"})

	if err.Recoverable {
		t.Error("missing columns must not be recoverable")
	}
	if err.Category != CategorySource {
		t.Errorf("expected source category, got %s", err.Category)
	}
	if !strings.Contains(err.Message, "date") {
		t.Errorf("expected missing 'date' in message, got %q", err.Message)
	}
	if strings.Contains(err.Message, "address") {
		t.Errorf("did not expect 'address' in message, got %q", err.Message)
	}
	if NewRowErrorCollector(0).Add(err) {
		t.Error("expected collector to stop on unrecoverable error")
	}
}
