package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// Standard column names of a message export
const (
	ColumnID        = "id"
	ColumnSender    = "sender"
	ColumnTimestamp = "timestamp"
	ColumnBody      = "body"
	ColumnChannel   = "channel"
)

var requiredColumns = []string{ColumnSender, ColumnTimestamp, ColumnBody}

// DefaultColumnAliases maps common export header names onto standard columns.
func DefaultColumnAliases() map[string][]string {
	return map[string][]string{
		ColumnID:        {"_id", "message_id", "msg_id"},
		ColumnSender:    {"address", "from", "originator"},
		ColumnTimestamp: {"date", "time", "received_at", "date_sent"},
		ColumnBody:      {"text", "message", "content"},
		ColumnChannel:   {"source", "kind"},
	}
}

// CSVConfig holds configuration for reading a message export
type CSVConfig struct {
	Path             string
	Name             string
	Delimiter        rune
	DefaultChannel   models.Channel
	ColumnAliases    map[string][]string
	ValidateEncoding bool
	// MaxRowErrors stops the read once this many rows were rejected; 0 is unbounded.
	MaxRowErrors int
}

// DefaultCSVConfig returns a configuration with sensible defaults
func DefaultCSVConfig(path string) *CSVConfig {
	return &CSVConfig{
		Path:             path,
		Name:             "sms",
		Delimiter:        ',',
		DefaultChannel:   models.ChannelSMS,
		ColumnAliases:    DefaultColumnAliases(),
		ValidateEncoding: true,
	}
}

// Validate checks if the configuration is usable
func (c *CSVConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("message export path cannot be empty")
	}
	if c.Delimiter == 0 {
		return fmt.Errorf("delimiter cannot be empty")
	}
	if !c.DefaultChannel.IsValid() {
		return fmt.Errorf("invalid default channel: %s", c.DefaultChannel)
	}
	if c.MaxRowErrors < 0 {
		return fmt.Errorf("max row errors cannot be negative")
	}
	return nil
}

// ReadStats summarizes the last read
type ReadStats struct {
	Rows          int
	Messages      int
	OutsideWindow int
	Rejected      int
	RowErrors     []*errors.RowError
}

// CSVReader reads a message export file.
type CSVReader struct {
	config *CSVConfig
	logger logger.Logger
	stats  ReadStats
}

// NewCSVReader creates a reader for config.Path
func NewCSVReader(config *CSVConfig, log logger.Logger) (*CSVReader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "message_source", config.Path, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &CSVReader{
		config: config,
		logger: log.WithComponent("source").WithField("channel_reader", config.Name),
	}, nil
}

func (r *CSVReader) Name() string { return r.config.Name }

// Stats returns statistics of the most recent ReadMessages call
func (r *CSVReader) Stats() ReadStats { return r.stats }

// ReadMessages parses the export, keeping rows inside window. Bad rows are
// skipped and counted; an unreadable file or header is an error.
func (r *CSVReader) ReadMessages(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error) {
	r.stats = ReadStats{}

	file, err := os.Open(r.config.Path)
	if err != nil {
		return nil, errors.SourceError(errors.CodeSourceUnavailable, r.config.Path, err)
	}
	defer file.Close()

	if r.config.ValidateEncoding {
		if err := validateEncoding(file); err != nil {
			return nil, errors.SourceError(errors.CodeSourceCorrupted, r.config.Path, err).
				WithSuggestion("save the export in UTF-8 encoding and try again")
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, errors.SourceError(errors.CodeSourceCorrupted, r.config.Path, err)
		}
	}

	msgs, err := r.read(ctx, file, window)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logger.Fields{
		"rows":           r.stats.Rows,
		"messages":       r.stats.Messages,
		"outside_window": r.stats.OutsideWindow,
		"rejected":       r.stats.Rejected,
	}).Debug("Read message export")
	if r.stats.Rejected > 0 {
		r.logger.WithField("rejected", r.stats.Rejected).Warn(errors.FormatRowErrorsForUser(r.stats.RowErrors))
	}
	return msgs, nil
}

func (r *CSVReader) read(ctx context.Context, in io.Reader, window models.ScanWindow) ([]*models.RawMessage, error) {
	reader := csv.NewReader(in)
	reader.Comma = r.config.Delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.SourceError(errors.CodeSourceCorrupted, r.config.Path, err)
	}

	columns := resolveColumns(header, r.config.ColumnAliases)
	var present []string
	for name := range columns {
		present = append(present, name)
	}
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			return nil, errors.MissingColumnError(r.config.Path, requiredColumns, present)
		}
	}

	collector := errors.NewRowErrorCollector(r.config.MaxRowErrors)
	var msgs []*models.RawMessage
	line := 1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rowErr := errors.NewRowError(errors.CodeInvalidFormat,
				&errors.RowContext{File: r.config.Path, Row: line}, "malformed row", err)
			if !collector.Add(rowErr) {
				break
			}
			continue
		}
		if isEmptyRecord(record) {
			continue
		}
		r.stats.Rows++

		msg, rowErr := r.parseRecord(record, columns, line)
		if rowErr != nil {
			if !collector.Add(rowErr) {
				break
			}
			continue
		}
		if !window.Contains(msg.Timestamp) {
			r.stats.OutsideWindow++
			continue
		}
		msgs = append(msgs, msg)
	}

	r.stats.Messages = len(msgs)
	r.stats.Rejected = collector.Len()
	r.stats.RowErrors = collector.GetErrors()
	return msgs, nil
}

func (r *CSVReader) parseRecord(record []string, columns map[string]int, line int) (*models.RawMessage, *errors.RowError) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	sender := field(ColumnSender)
	if sender == "" {
		return nil, errors.EmptyValueError(r.config.Path, line, ColumnSender)
	}
	body := field(ColumnBody)
	if body == "" {
		return nil, errors.EmptyValueError(r.config.Path, line, ColumnBody)
	}
	rawTS := field(ColumnTimestamp)
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return nil, errors.InvalidTimestampError(r.config.Path, line, ColumnTimestamp, rawTS)
	}

	channel := r.config.DefaultChannel
	if raw := field(ColumnChannel); raw != "" {
		parsed, err := models.ParseChannel(raw)
		if err != nil {
			return nil, errors.NewRowError(errors.CodeInvalidFormat, &errors.RowContext{
				File: r.config.Path, Row: line, Column: ColumnChannel, Value: raw, Expected: "sms, rcs or notification",
			}, "invalid channel", err)
		}
		channel = parsed
	}

	id := field(ColumnID)
	if id == "" {
		id = fmt.Sprintf("%s:%d", r.config.Name, line)
	}

	return &models.RawMessage{
		ID:        id,
		Sender:    sender,
		Timestamp: ts,
		Body:      body,
		Channel:   channel,
	}, nil
}

// ParseTimestamp accepts epoch milliseconds, epoch seconds or RFC3339.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Ten digits or fewer is seconds until 2286.
		if len(strings.TrimLeft(raw, "-")) <= 10 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %s", raw)
}

// resolveColumns maps standard column names onto header indices, trying the
// standard name first and then its aliases, case-insensitively.
func resolveColumns(header []string, aliases map[string][]string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, seen := index[key]; !seen {
			index[key] = i
		}
	}

	out := make(map[string]int)
	for _, std := range []string{ColumnID, ColumnSender, ColumnTimestamp, ColumnBody, ColumnChannel} {
		candidates := append([]string{std}, aliases[std]...)
		for _, c := range candidates {
			if i, ok := index[strings.ToLower(c)]; ok {
				out[std] = i
				break
			}
		}
	}
	return out
}

func validateEncoding(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() && line < 100 {
		line++
		if !utf8.Valid(scanner.Bytes()) {
			return fmt.Errorf("invalid UTF-8 on line %d", line)
		}
	}
	return scanner.Err()
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
