package source

import (
	"encoding/csv"
	"io"
	"strconv"

	"ledger-ingestion-service/internal/models"
)

// CSVWriter writes messages in the export format CSVReader reads.
type CSVWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewCSVWriter creates a writer on w
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// Write appends one message row, writing the header first if needed
func (cw *CSVWriter) Write(m *models.RawMessage) error {
	if !cw.wroteHeader {
		if err := cw.w.Write([]string{ColumnID, ColumnSender, ColumnTimestamp, ColumnBody, ColumnChannel}); err != nil {
			return err
		}
		cw.wroteHeader = true
	}
	return cw.w.Write([]string{
		m.ID,
		m.Sender,
		strconv.FormatInt(m.Timestamp.UnixMilli(), 10),
		m.Body,
		string(m.Channel),
	})
}

// WriteAll writes every message and flushes
func (cw *CSVWriter) WriteAll(msgs []*models.RawMessage) error {
	for _, m := range msgs {
		if err := cw.Write(m); err != nil {
			return err
		}
	}
	return cw.Flush()
}

// Flush flushes buffered rows
func (cw *CSVWriter) Flush() error {
	cw.w.Flush()
	return cw.w.Error()
}
