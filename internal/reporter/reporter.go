// Package reporter renders ingestion run results and ledger views.
//
// Supported output formats:
//   - Console: aligned text for terminal display
//   - JSON: structured data for schedulers and scripts
//   - CSV: flat rows for spreadsheet applications
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(reporter.DefaultReportConfig())
//	err = generator.GenerateReport(result, os.Stdout)
//	err = generator.WriteLedger(entries, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"ledger-ingestion-service/internal/classifier"
	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/pipeline"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

const dateTimeLayout = "2006-01-02 15:04:05"

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	IncludeDuplicates bool `json:"include_duplicates"`
	IncludeProgress   bool `json:"include_progress"`

	// MaxItems caps console listings; 0 lists everything.
	MaxItems int `json:"max_items"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:            FormatConsole,
		IncludeDuplicates: true,
		IncludeProgress:   true,
		MaxItems:          50,
		CSVDelimiter:      ',',
		CSVHeaders:        true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator renders results in the configured format
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// GenerateReport writes the summary of one ingestion run
func (rg *ReportGenerator) GenerateReport(result *pipeline.Result, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("run result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(result, writer)
	case FormatJSON:
		return writeJSON(writer, rg.filterResultForOutput(result))
	case FormatCSV:
		return rg.generateCSVReport(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) generateConsoleReport(result *pipeline.Result, writer io.Writer) error {
	fmt.Fprintf(writer, "INGESTION RUN %s\n", result.RunID)
	fmt.Fprintf(writer, "Status:   %s\n", result.Status)
	fmt.Fprintf(writer, "Window:   %s\n", result.Window.String())
	fmt.Fprintf(writer, "Workers:  %d\n", result.Workers)
	fmt.Fprintf(writer, "Duration: %v\n", result.Duration.Round(time.Millisecond))
	if result.Error != "" {
		fmt.Fprintf(writer, "Error:    %s\n", result.Error)
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== CLASSIFICATION ===\n")
	fmt.Fprintf(writer, "Messages read: %d\n", result.Total)
	for _, kind := range kindOrder {
		n := result.Outcomes[kind]
		fmt.Fprintf(writer, "  %-13s %d (%.1f%%)\n", kindLabels[kind]+":", n, calculatePercentage(n, result.Total))
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== LEDGER ===\n")
	fmt.Fprintf(writer, "Saved:             %d\n", result.Saved)
	fmt.Fprintf(writer, "Duplicates:        %d\n", result.DuplicateCount())
	if rg.config.IncludeDuplicates {
		for _, reason := range sortedKeys(result.Duplicates) {
			fmt.Fprintf(writer, "  - %s: %d\n", reason, result.Duplicates[reason])
		}
	}
	fmt.Fprintf(writer, "Blocked by rules:  %d\n", result.Blocked)
	fmt.Fprintf(writer, "Recurring matched: %d\n", result.Recurring)
	fmt.Fprintf(writer, "Save errors:       %d\n", result.SaveErrors)
	fmt.Fprintf(writer, "Swept:             %d\n", result.Swept)
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== NOTIFICATIONS ===\n")
	fmt.Fprintf(writer, "Applied:              %d\n", result.Specials)
	fmt.Fprintf(writer, "Failed:               %d\n", result.SpecialFailures)
	fmt.Fprintf(writer, "Unrecognized stored:  %d\n", result.UnrecognizedStored)
	fmt.Fprintf(writer, "Unrecognized cleaned: %d\n", result.UnrecognizedCleaned)

	if rg.config.IncludeProgress {
		p := result.Progress
		fmt.Fprintf(writer, "\n=== PROGRESS ===\n")
		fmt.Fprintf(writer, "Processed: %d/%d\n", p.Processed, p.Total)
		fmt.Fprintf(writer, "Parsed:    %d\n", p.Parsed)
		fmt.Fprintf(writer, "Rate:      %.2f msg/s\n", p.Rate)
		fmt.Fprintf(writer, "Elapsed:   %v\n", p.Elapsed.Round(time.Millisecond))
	}
	return nil
}

func (rg *ReportGenerator) generateCSVReport(result *pipeline.Result, writer io.Writer) error {
	rows := [][]string{
		{"run_id", result.RunID},
		{"status", string(result.Status)},
		{"window", result.Window.String()},
		{"workers", strconv.Itoa(result.Workers)},
		{"messages", strconv.Itoa(result.Total)},
	}
	for _, kind := range kindOrder {
		rows = append(rows, []string{"outcome_" + string(kind), strconv.Itoa(result.Outcomes[kind])})
	}
	rows = append(rows,
		[]string{"saved", strconv.Itoa(result.Saved)},
		[]string{"duplicates", strconv.Itoa(result.DuplicateCount())},
		[]string{"blocked", strconv.Itoa(result.Blocked)},
		[]string{"recurring", strconv.Itoa(result.Recurring)},
		[]string{"specials", strconv.Itoa(result.Specials)},
		[]string{"special_failures", strconv.Itoa(result.SpecialFailures)},
		[]string{"unrecognized_stored", strconv.Itoa(result.UnrecognizedStored)},
		[]string{"unrecognized_cleaned", strconv.FormatInt(result.UnrecognizedCleaned, 10)},
		[]string{"save_errors", strconv.Itoa(result.SaveErrors)},
		[]string{"swept", strconv.Itoa(result.Swept)},
		[]string{"duration_ms", strconv.FormatInt(result.Duration.Milliseconds(), 10)},
		[]string{"error", result.Error},
	)
	return rg.writeCSV(writer, []string{"metric", "value"}, rows)
}

func (rg *ReportGenerator) filterResultForOutput(result *pipeline.Result) map[string]interface{} {
	output := map[string]interface{}{
		"runId":               result.RunID,
		"status":              result.Status,
		"window":              result.Window,
		"workers":             result.Workers,
		"total":               result.Total,
		"outcomes":            result.Outcomes,
		"saved":               result.Saved,
		"duplicates":          result.DuplicateCount(),
		"blocked":             result.Blocked,
		"recurring":           result.Recurring,
		"specials":            result.Specials,
		"specialFailures":     result.SpecialFailures,
		"unrecognizedStored":  result.UnrecognizedStored,
		"unrecognizedCleaned": result.UnrecognizedCleaned,
		"saveErrors":          result.SaveErrors,
		"swept":               result.Swept,
		"durationMs":          result.Duration.Milliseconds(),
	}
	if rg.config.IncludeDuplicates {
		output["duplicateReasons"] = result.Duplicates
	}
	if rg.config.IncludeProgress {
		output["progress"] = result.Progress
	}
	if result.Error != "" {
		output["error"] = result.Error
	}
	return output
}

// WriteLedger lists ledger entries
func (rg *ReportGenerator) WriteLedger(entries []*models.LedgerEntry, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(entries))
	case FormatCSV:
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				e.Timestamp.Format(time.RFC3339),
				e.BankName,
				e.AccountLast4,
				string(e.Type),
				e.Amount.StringFixed(2),
				e.Currency,
				e.Merchant,
				e.Category,
				e.Reference,
				strconv.FormatBool(e.IsRecurring),
				strconv.FormatBool(e.IsDeleted),
			})
		}
		return rg.writeCSV(writer, []string{
			"id", "timestamp", "bank", "account", "type", "amount", "currency",
			"merchant", "category", "reference", "recurring", "deleted",
		}, rows)
	}

	fmt.Fprintf(writer, "Ledger entries: %d\n\n", len(entries))
	for i, e := range entries {
		if rg.truncated(writer, i, len(entries)) {
			break
		}
		flags := ""
		if e.IsRecurring {
			flags += " [recurring]"
		}
		if e.IsDeleted {
			flags += " [deleted]"
		}
		fmt.Fprintf(writer, "  %5d  %s  %-12s x%-4s  %-10s %12s  %s",
			e.ID, e.Timestamp.Format(dateTimeLayout), e.BankName, e.AccountLast4,
			e.Type, e.Amount.StringFixed(2), e.Merchant)
		if e.Category != "" {
			fmt.Fprintf(writer, " (%s)", e.Category)
		}
		fmt.Fprintf(writer, "%s\n", flags)
	}
	return nil
}

// WriteBalances lists the latest balance of each account
func (rg *ReportGenerator) WriteBalances(snapshots []*models.BalanceSnapshot, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(snapshots))
	case FormatCSV:
		rows := make([][]string, 0, len(snapshots))
		for _, s := range snapshots {
			limit := ""
			if s.CreditLimit != nil {
				limit = s.CreditLimit.StringFixed(2)
			}
			rows = append(rows, []string{
				s.BankName, s.AccountLast4, s.Balance.StringFixed(2),
				s.Timestamp.Format(time.RFC3339), strconv.FormatBool(s.IsCreditCard), limit,
			})
		}
		return rg.writeCSV(writer, []string{"bank", "account", "balance", "as_of", "credit_card", "credit_limit"}, rows)
	}

	fmt.Fprintf(writer, "Accounts: %d\n\n", len(snapshots))
	for i, s := range snapshots {
		if rg.truncated(writer, i, len(snapshots)) {
			break
		}
		kind := "account"
		if s.IsCreditCard {
			kind = "card"
		}
		fmt.Fprintf(writer, "  %-12s x%-4s %-7s %12s  as of %s\n",
			s.BankName, s.AccountLast4, kind, s.Balance.StringFixed(2), s.Timestamp.Format(dateTimeLayout))
	}
	return nil
}

// WriteCards lists known cards
func (rg *ReportGenerator) WriteCards(cards []*models.Card, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(cards))
	case FormatCSV:
		rows := make([][]string, 0, len(cards))
		for _, c := range cards {
			balance := ""
			if c.Balance != nil {
				balance = c.Balance.StringFixed(2)
			}
			rows = append(rows, []string{
				strconv.FormatInt(c.ID, 10), c.BankName, c.Last4,
				strconv.FormatBool(c.IsCredit), c.LinkedAccountLast4, balance,
			})
		}
		return rg.writeCSV(writer, []string{"id", "bank", "last4", "credit", "linked_account", "balance"}, rows)
	}

	fmt.Fprintf(writer, "Cards: %d\n\n", len(cards))
	for i, c := range cards {
		if rg.truncated(writer, i, len(cards)) {
			break
		}
		kind := "debit"
		if c.IsCredit {
			kind = "credit"
		}
		fmt.Fprintf(writer, "  %4d  %-12s x%-4s %-6s", c.ID, c.BankName, c.Last4, kind)
		if c.LinkedAccountLast4 != "" {
			fmt.Fprintf(writer, " -> x%s", c.LinkedAccountLast4)
		}
		if c.Balance != nil {
			fmt.Fprintf(writer, "  %s", c.Balance.StringFixed(2))
		}
		fmt.Fprintf(writer, "\n")
	}
	return nil
}

// WriteUnrecognized lists messages waiting for manual triage
func (rg *ReportGenerator) WriteUnrecognized(msgs []*models.UnrecognizedMessage, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(msgs))
	case FormatCSV:
		rows := make([][]string, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, []string{m.ID, m.Sender, string(m.Channel), m.ReceivedAt.Format(time.RFC3339), m.Body})
		}
		return rg.writeCSV(writer, []string{"id", "sender", "channel", "received_at", "body"}, rows)
	}

	fmt.Fprintf(writer, "Unrecognized messages: %d\n\n", len(msgs))
	for i, m := range msgs {
		if rg.truncated(writer, i, len(msgs)) {
			break
		}
		fmt.Fprintf(writer, "  %s  %-14s %s\n", m.ReceivedAt.Format(dateTimeLayout), m.Sender, abbreviate(m.Body, 80))
	}
	return nil
}

// WriteRules lists rules by priority
func (rg *ReportGenerator) WriteRules(rules []*models.Rule, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(rules))
	case FormatCSV:
		rows := make([][]string, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, []string{
				r.ID, r.Name, strconv.Itoa(r.Priority), string(r.TransactionType),
				strconv.Itoa(len(r.Conditions)), actionList(r.Actions), strconv.FormatBool(r.Active),
			})
		}
		return rg.writeCSV(writer, []string{"id", "name", "priority", "type", "conditions", "actions", "active"}, rows)
	}

	fmt.Fprintf(writer, "Rules: %d\n\n", len(rules))
	for i, r := range rules {
		if rg.truncated(writer, i, len(rules)) {
			break
		}
		txType := string(r.TransactionType)
		if txType == "" {
			txType = "any"
		}
		state := ""
		if !r.Active {
			state = " [inactive]"
		}
		fmt.Fprintf(writer, "  %4d  %-24s %-10s %d condition(s) -> %s%s\n",
			r.Priority, r.Name, txType, len(r.Conditions), actionList(r.Actions), state)
	}
	return nil
}

// WriteSubscriptions lists recurring payments
func (rg *ReportGenerator) WriteSubscriptions(subs []*models.Subscription, writer io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(writer, nonNil(subs))
	case FormatCSV:
		rows := make([][]string, 0, len(subs))
		for _, s := range subs {
			rows = append(rows, []string{
				strconv.FormatInt(s.ID, 10), s.Merchant, s.Amount.StringFixed(2), s.Frequency,
				s.NextPaymentDate.Format(time.RFC3339), s.BankName, strconv.FormatBool(s.Active),
			})
		}
		return rg.writeCSV(writer, []string{"id", "merchant", "amount", "frequency", "next_payment", "bank", "active"}, rows)
	}

	fmt.Fprintf(writer, "Subscriptions: %d\n\n", len(subs))
	for i, s := range subs {
		if rg.truncated(writer, i, len(subs)) {
			break
		}
		fmt.Fprintf(writer, "  %4d  %-20s %10s %-8s next %s\n",
			s.ID, s.Merchant, s.Amount.StringFixed(2), s.Frequency, s.NextPaymentDate.Format("2006-01-02"))
	}
	return nil
}

func actionList(actions []models.RuleAction) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		if a.Value == "" {
			parts = append(parts, string(a.Type))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", a.Type, a.Value))
	}
	return strings.Join(parts, ",")
}

// truncated prints the overflow marker and reports true once i passes MaxItems.
func (rg *ReportGenerator) truncated(writer io.Writer, i, total int) bool {
	if rg.config.MaxItems == 0 || i < rg.config.MaxItems {
		return false
	}
	fmt.Fprintf(writer, "  ... and %d more\n", total-i)
	return true
}

func (rg *ReportGenerator) writeCSV(writer io.Writer, headers []string, rows [][]string) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write CSV records: %w", err)
	}
	return nil
}

func writeJSON(writer io.Writer, v interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// nonNil keeps empty listings as [] rather than null in JSON.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

var kindOrder = []classifier.Kind{
	classifier.KindTransaction,
	classifier.KindSpecial,
	classifier.KindUnrecognized,
	classifier.KindDiscard,
}

var kindLabels = map[classifier.Kind]string{
	classifier.KindTransaction:  "Transactions",
	classifier.KindSpecial:      "Notices",
	classifier.KindUnrecognized: "Unrecognized",
	classifier.KindDiscard:      "Discarded",
}

func calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
