package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/classifier"
	"ledger-ingestion-service/internal/dedup"
	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/pipeline"
	"ledger-ingestion-service/internal/stats"
	"ledger-ingestion-service/pkg/logger"
)

func sampleResult() *pipeline.Result {
	to := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	return &pipeline.Result{
		RunID:   "run-1",
		Status:  pipeline.StatusSuccess,
		Window:  models.ScanWindow{From: to.AddDate(0, 0, -365), To: to, FullScan: true},
		Workers: 4,
		Total:   10,
		Outcomes: map[classifier.Kind]int{
			classifier.KindTransaction:  6,
			classifier.KindSpecial:      1,
			classifier.KindUnrecognized: 1,
			classifier.KindDiscard:      2,
		},
		Saved: 4,
		Duplicates: map[string]int{
			dedup.ReasonSameReference: 1,
			dedup.ReasonSameContent:   1,
		},
		Specials:           1,
		UnrecognizedStored: 1,
		Progress:           stats.Progress{Total: 10, Processed: 10, Parsed: 6, Saved: 4, Rate: 250},
		Duration:           40 * time.Millisecond,
	}
}

func sampleEntries() []*models.LedgerEntry {
	ts := time.Date(2024, 6, 28, 12, 0, 0, 0, time.UTC)
	return []*models.LedgerEntry{
		{ID: 1, Amount: decimal.RequireFromString("500"), Merchant: "swiggy@upi", Category: "Food",
			Type: models.TransactionTypeExpense, Timestamp: ts, Currency: "INR", BankName: "HDFC Bank",
			AccountLast4: "1234", Reference: "412345678901"},
		{ID: 2, Amount: decimal.RequireFromString("25000"), Merchant: "ACME CORP",
			Type: models.TransactionTypeIncome, Timestamp: ts.Add(time.Hour), Currency: "INR", BankName: "ICICI Bank",
			AccountLast4: "7788", IsDeleted: true},
	}
}

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{name: "default config", config: nil},
		{name: "valid config", config: DefaultReportConfig()},
		{name: "invalid format", config: &ReportConfig{Format: "xml"}, expectError: true},
		{name: "negative max items", config: &ReportConfig{Format: FormatConsole, MaxItems: -1}, expectError: true},
		{name: "csv without delimiter", config: &ReportConfig{Format: FormatCSV}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if generator == nil {
				t.Errorf("expected generator but got nil")
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"yaml", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.format.IsValid(); got != tt.valid {
			t.Errorf("format %q: expected valid=%v, got %v", tt.format, tt.valid, got)
		}
	}
}

func TestConsoleReportSections(t *testing.T) {
	generator, _ := NewReportGenerator(nil)
	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleResult(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"INGESTION RUN run-1",
		"Status:   success",
		"full scan",
		"=== CLASSIFICATION ===",
		"Transactions: 6 (60.0%)",
		"=== LEDGER ===",
		"Saved:             4",
		"Duplicates:        2",
		dedup.ReasonSameReference + ": 1",
		"=== NOTIFICATIONS ===",
		"=== PROGRESS ===",
		"Processed: 10/10",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected console output to contain %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "Error:") {
		t.Errorf("did not expect an error line for a successful run")
	}
}

func TestConsoleReportWithoutOptionalSections(t *testing.T) {
	config := DefaultReportConfig()
	config.IncludeDuplicates = false
	config.IncludeProgress = false
	generator, _ := NewReportGenerator(config)

	result := sampleResult()
	result.Status = pipeline.StatusRetry
	result.Error = "pipeline cancelled"

	var buf bytes.Buffer
	if err := generator.GenerateReport(result, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "=== PROGRESS ===") || strings.Contains(out, dedup.ReasonSameContent) {
		t.Errorf("optional sections should be omitted:\n%s", out)
	}
	if !strings.Contains(out, "Error:    pipeline cancelled") {
		t.Errorf("expected error line:\n%s", out)
	}
}

func TestJSONReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleResult(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["status"] != "success" {
		t.Errorf("expected status success, got %v", decoded["status"])
	}
	if decoded["saved"] != float64(4) {
		t.Errorf("expected saved 4, got %v", decoded["saved"])
	}
	outcomes, ok := decoded["outcomes"].(map[string]interface{})
	if !ok || outcomes["transaction"] != float64(6) {
		t.Errorf("unexpected outcomes %v", decoded["outcomes"])
	}
	progress, ok := decoded["progress"].(map[string]interface{})
	if !ok || progress["messagesPerSecond"] != float64(250) {
		t.Errorf("unexpected progress %v", decoded["progress"])
	}
	if _, ok := decoded["error"]; ok {
		t.Errorf("error key should be omitted on success")
	}
}

func TestCSVReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleResult(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if records[0][0] != "metric" || records[0][1] != "value" {
		t.Errorf("unexpected header %v", records[0])
	}
	values := make(map[string]string)
	for _, r := range records[1:] {
		values[r[0]] = r[1]
	}
	if values["saved"] != "4" || values["duplicates"] != "2" || values["outcome_discard"] != "2" {
		t.Errorf("unexpected values %v", values)
	}
}

func TestWriteLedger(t *testing.T) {
	t.Run("console", func(t *testing.T) {
		generator, _ := NewReportGenerator(nil)
		var buf bytes.Buffer
		if err := generator.WriteLedger(sampleEntries(), &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "Ledger entries: 2") || !strings.Contains(out, "swiggy@upi (Food)") {
			t.Errorf("unexpected ledger output:\n%s", out)
		}
		if !strings.Contains(out, "[deleted]") {
			t.Errorf("expected deleted marker:\n%s", out)
		}
	})

	t.Run("max items", func(t *testing.T) {
		config := DefaultReportConfig()
		config.MaxItems = 1
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteLedger(sampleEntries(), &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "... and 1 more") {
			t.Errorf("expected truncation marker:\n%s", buf.String())
		}
	})

	t.Run("csv", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatCSV
		config.CSVDelimiter = ';'
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteLedger(sampleEntries(), &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		reader := csv.NewReader(&buf)
		reader.Comma = ';'
		records, err := reader.ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected header plus 2 rows, got %d", len(records))
		}
		if records[1][5] != "500.00" || records[2][11] != "true" {
			t.Errorf("unexpected rows %v", records[1:])
		}
	})

	t.Run("json empty", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatJSON
		generator, _ := NewReportGenerator(config)
		var buf bytes.Buffer
		if err := generator.WriteLedger(nil, &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.TrimSpace(buf.String()) != "[]" {
			t.Errorf("expected empty array, got %q", buf.String())
		}
	})
}

func TestWriteBalancesCardsAndUnrecognized(t *testing.T) {
	generator, _ := NewReportGenerator(nil)
	ts := time.Date(2024, 6, 28, 12, 0, 0, 0, time.UTC)
	limit := decimal.RequireFromString("100000")
	balance := decimal.RequireFromString("1200")

	var buf bytes.Buffer
	err := generator.WriteBalances([]*models.BalanceSnapshot{
		{BankName: "HDFC Bank", AccountLast4: "1234", Balance: decimal.RequireFromString("4500"), Timestamp: ts},
		{BankName: "ICICI Bank", AccountLast4: "9876", Balance: balance, Timestamp: ts, IsCreditCard: true, CreditLimit: &limit},
	}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "4500.00") || !strings.Contains(buf.String(), "card") {
		t.Errorf("unexpected balances output:\n%s", buf.String())
	}

	buf.Reset()
	err = generator.WriteCards([]*models.Card{
		{ID: 1, BankName: "HDFC Bank", Last4: "5678", LinkedAccountLast4: "1234"},
		{ID: 2, BankName: "ICICI Bank", Last4: "9876", IsCredit: true, Balance: &balance},
	}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "-> x1234") || !strings.Contains(buf.String(), "credit") {
		t.Errorf("unexpected cards output:\n%s", buf.String())
	}

	buf.Reset()
	err = generator.WriteUnrecognized([]*models.UnrecognizedMessage{
		{ID: "u1", Sender: "AD-NEWBNK-T", Body: strings.Repeat("debited ", 30), ReceivedAt: ts},
	}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "AD-NEWBNK-T") || !strings.Contains(buf.String(), "...") {
		t.Errorf("unexpected unrecognized output:\n%s", buf.String())
	}
}

func TestWriteRulesAndSubscriptions(t *testing.T) {
	rules := []*models.Rule{
		{ID: "r1", Name: "Block wallet", Priority: 10, TransactionType: models.TransactionTypeExpense,
			Conditions: []models.RuleCondition{{Field: models.FieldMerchant, Operator: models.OpContains, Value: "wallet"}},
			Actions:    []models.RuleAction{{Type: models.ActionBlock}}, Active: true},
		{ID: "r2", Name: "Food", Priority: 1,
			Actions: []models.RuleAction{{Type: models.ActionSetCategory, Value: "Food"}}},
	}

	generator, _ := NewReportGenerator(nil)
	var buf bytes.Buffer
	if err := generator.WriteRules(rules, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Rules: 2", "EXPENSE", "-> BLOCK", "any", "SET_CATEGORY=Food [inactive]"} {
		if !strings.Contains(out, want) {
			t.Errorf("rules output missing %q:\n%s", want, out)
		}
	}

	csvGen, _ := NewReportGenerator(&ReportConfig{Format: FormatCSV, CSVDelimiter: ',', CSVHeaders: true})
	buf.Reset()
	if err := csvGen.WriteRules(rules, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 3 || records[1][5] != "BLOCK" || records[2][6] != "false" {
		t.Errorf("unexpected rule rows: %v", records)
	}

	next := time.Date(2024, 7, 27, 0, 0, 0, 0, time.UTC)
	buf.Reset()
	err = generator.WriteSubscriptions([]*models.Subscription{
		{ID: 1, Merchant: "NETFLIX", Amount: decimal.RequireFromString("199"), Frequency: "monthly",
			NextPaymentDate: next, BankName: "HDFC Bank", Active: true},
	}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "NETFLIX") || !strings.Contains(buf.String(), "next 2024-07-27") {
		t.Errorf("unexpected subscriptions output:\n%s", buf.String())
	}

	jsonGen, _ := NewReportGenerator(&ReportConfig{Format: FormatJSON, CSVDelimiter: ','})
	buf.Reset()
	if err := jsonGen.WriteSubscriptions(nil, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty JSON list, got %s", buf.String())
	}
}

func TestGenerateReportNilResult(t *testing.T) {
	generator, _ := NewReportGenerator(nil)
	if err := generator.GenerateReport(nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for nil result")
	}
}

type failingWriter struct {
	failures int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, stderrors.New("broken pipe")
	}
	return len(p), nil
}

func TestSafeReportGeneratorFallsBackToConsole(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	srg, err := NewSafeReportGenerator(config, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the JSON encoder writes once and fails; the console fallback succeeds
	w := &failingWriter{failures: 1}
	if err := srg.GenerateReportSafely(sampleResult(), w); err != nil {
		t.Errorf("expected fallback to succeed, got %v", err)
	}
}

func TestSafeReportGeneratorValidation(t *testing.T) {
	if _, err := NewSafeReportGenerator(&ReportConfig{Format: "xml"}, logger.NewNopLogger()); err == nil {
		t.Error("expected configuration error")
	}

	srg, _ := NewSafeReportGenerator(nil, logger.NewNopLogger())
	if err := srg.GenerateReportSafely(nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for nil result")
	}
	if err := srg.GenerateReportSafely(sampleResult(), nil); err == nil {
		t.Error("expected error for nil writer")
	}
}

func TestGenerateBackupPath(t *testing.T) {
	if got := generateBackupPath("/tmp/report.json"); got != "/tmp/report_backup.json" {
		t.Errorf("unexpected backup path %s", got)
	}
	if !isSpaceError(stderrors.New("write /tmp/x: no space left on device")) {
		t.Error("expected space error")
	}
}
