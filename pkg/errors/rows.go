package errors

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RowContext locates a bad row inside a message export.
type RowContext struct {
	File     string `json:"file"`
	Row      int    `json:"row"`
	Column   string `json:"column,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// RowError is a parse error for a single export row. Rows are skipped,
// not fatal, unless Recoverable is false.
type RowError struct {
	*IngestError
	Row         *RowContext `json:"row"`
	Recoverable bool        `json:"recoverable"`
}

// Error implements the error interface with the row location appended
func (e *RowError) Error() string {
	msg := e.IngestError.Error()
	if e.Row == nil {
		return msg
	}
	location := fmt.Sprintf("at %s", filepath.Base(e.Row.File))
	if e.Row.Row > 0 {
		location += fmt.Sprintf(":%d", e.Row.Row)
	}
	if e.Row.Column != "" {
		location += fmt.Sprintf(" column '%s'", e.Row.Column)
	}
	return msg + " " + location
}

// GetDetailedError returns a multi-line description for console output
func (e *RowError) GetDetailedError() string {
	var lines []string
	lines = append(lines, fmt.Sprintf("ERROR: %s", e.Message))

	if e.Row != nil {
		lines = append(lines, fmt.Sprintf("  -> File: %s", e.Row.File))
		if e.Row.Row > 0 {
			lines = append(lines, fmt.Sprintf("  -> Row: %d", e.Row.Row))
		}
		if e.Row.Column != "" {
			lines = append(lines, fmt.Sprintf("  -> Column: %s", e.Row.Column))
		}
		if e.Row.Value != "" {
			lines = append(lines, fmt.Sprintf("  -> Value: '%s'", e.Row.Value))
		}
		if e.Row.Expected != "" {
			lines = append(lines, fmt.Sprintf("  -> Expected: %s", e.Row.Expected))
		}
	}
	if e.Suggestion != "" {
		lines = append(lines, fmt.Sprintf("  -> Suggestion: %s", e.Suggestion))
	}

	return strings.Join(lines, "\n")
}

// NewRowError creates a row-level parse error
func NewRowError(code ErrorCode, row *RowContext, message string, cause error) *RowError {
	var base *IngestError
	if cause != nil {
		base = Wrap(cause, CategoryParse, code, message)
	} else {
		base = New(CategoryParse, code, message)
	}
	if row != nil {
		base.WithContext("file", row.File).
			WithContext("row", row.Row).
			WithContext("column", row.Column).
			WithContext("value", row.Value)
	}
	return &RowError{IngestError: base, Row: row, Recoverable: true}
}

// InvalidTimestampError reports a timestamp cell that is neither epoch millis nor RFC3339.
func InvalidTimestampError(file string, row int, column, value string) *RowError {
	err := NewRowError(CodeInvalidDate, &RowContext{
		File:     file,
		Row:      row,
		Column:   column,
		Value:    value,
		Expected: "epoch milliseconds or RFC3339",
	}, "invalid timestamp", nil)
	err.WithSuggestion("export timestamps as epoch milliseconds, e.g. 1717232400000")
	return err
}

// EmptyValueError reports an empty required cell
func EmptyValueError(file string, row int, column string) *RowError {
	err := NewRowError(CodeMissingField, &RowContext{
		File:     file,
		Row:      row,
		Column:   column,
		Expected: "non-empty value",
	}, "required field is empty", nil)
	err.WithSuggestion("provide a value for this field")
	return err
}

// MissingColumnError reports a header without the required columns. Not recoverable.
func MissingColumnError(file string, expected, actual []string) *RowError {
	missing := findMissingColumns(expected, actual)
	err := NewRowError(CodeMissingColumn, &RowContext{
		File:     file,
		Row:      1,
		Expected: fmt.Sprintf("columns: %s", strings.Join(expected, ", ")),
	}, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), nil)
	err.IngestError.Category = CategorySource
	err.WithSuggestion("add the missing columns to the export header")
	err.Recoverable = false
	return err
}

// RowErrorCollector gathers skipped-row errors while a reader keeps going.
type RowErrorCollector struct {
	errors    []*RowError
	maxErrors int
}

// NewRowErrorCollector creates a collector that stops accepting after maxErrors.
// maxErrors <= 0 means unbounded.
func NewRowErrorCollector(maxErrors int) *RowErrorCollector {
	return &RowErrorCollector{maxErrors: maxErrors}
}

// Add records err and reports whether reading should continue.
func (c *RowErrorCollector) Add(err *RowError) bool {
	if err == nil {
		return true
	}
	c.errors = append(c.errors, err)
	if c.maxErrors > 0 && len(c.errors) >= c.maxErrors {
		return false
	}
	return err.Recoverable
}

// HasErrors returns true if any errors have been collected
func (c *RowErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// Len returns the number of collected errors
func (c *RowErrorCollector) Len() int {
	return len(c.errors)
}

// GetErrors returns all collected errors
func (c *RowErrorCollector) GetErrors() []*RowError {
	return c.errors
}

// GetSummary returns an error summary for all collected errors
func (c *RowErrorCollector) GetSummary() *ErrorSummary {
	base := make([]*IngestError, len(c.errors))
	for i, err := range c.errors {
		base[i] = err.IngestError
	}
	return NewErrorSummary(base)
}

func findMissingColumns(expected, actual []string) []string {
	actualSet := make(map[string]bool)
	for _, col := range actual {
		actualSet[strings.ToLower(strings.TrimSpace(col))] = true
	}

	var missing []string
	for _, col := range expected {
		if !actualSet[strings.ToLower(strings.TrimSpace(col))] {
			missing = append(missing, col)
		}
	}
	return missing
}

// FormatRowErrorsForUser formats skipped-row errors, detailing the first few.
func FormatRowErrorsForUser(errs []*RowError) string {
	if len(errs) == 0 {
		return "No row errors"
	}
	if len(errs) == 1 {
		return errs[0].GetDetailedError()
	}

	lines := []string{fmt.Sprintf("Skipped %d rows:", len(errs))}
	maxDetailed := 3
	for i, err := range errs {
		if i == maxDetailed {
			lines = append(lines, "", fmt.Sprintf("... and %d more", len(errs)-maxDetailed))
			break
		}
		lines = append(lines, "", err.GetDetailedError())
	}
	return strings.Join(lines, "\n")
}
