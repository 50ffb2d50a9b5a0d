package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/pkg/errors"
)

type runOutput struct {
	stdout string
	stderr string
	code   int
}

// execute runs the CLI in-process the way main does
func execute(t *testing.T, args ...string) runOutput {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	code := NewCLIErrorHandler(&stderr, false).HandleError(err)
	return runOutput{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

type scanReport struct {
	Status             string         `json:"status"`
	Total              int            `json:"total"`
	Saved              int            `json:"saved"`
	Duplicates         int            `json:"duplicates"`
	UnrecognizedStored int            `json:"unrecognizedStored"`
	Outcomes           map[string]int `json:"outcomes"`
	Error              string         `json:"error"`
}

func scanJSON(t *testing.T, args ...string) scanReport {
	t.Helper()
	out := execute(t, append([]string{"scan", "--output-format", "json"}, args...)...)
	require.Equal(t, 0, out.code, "scan failed: %s", out.stderr)

	var report scanReport
	require.NoError(t, json.Unmarshal([]byte(out.stdout), &report), out.stdout)
	return report
}

func listLedger(t *testing.T, db string, extra ...string) []*models.LedgerEntry {
	t.Helper()
	out := execute(t, append([]string{"ledger", "list", "--db", db, "-f", "json"}, extra...)...)
	require.Equal(t, 0, out.code, out.stderr)

	var entries []*models.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out.stdout), &entries), out.stdout)
	return entries
}

func TestIngestionWorkflow(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	messages := filepath.Join(dir, "sms.csv")
	metricsFile := filepath.Join(dir, "ingestor.prom")

	// Ending yesterday keeps redelivered copies inside the scan window.
	end := time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)
	out := execute(t, "generate", "--output", messages, "--count", "400", "--days", "30", "--seed", "7", "--end", end)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stderr, "Wrote 400 messages")

	first := scanJSON(t, "--db", db, "--messages", messages, "--metrics-file", metricsFile)
	assert.Equal(t, "success", first.Status)
	assert.Equal(t, 400, first.Total)
	assert.Greater(t, first.Saved, 0)
	assert.Greater(t, first.UnrecognizedStored, 0)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "ingestor_ledger_entries_saved_total "+strconv.Itoa(first.Saved))

	// An incremental rescan reads the overlap again and saves nothing new.
	second := scanJSON(t, "--db", db, "--messages", messages)
	assert.Equal(t, "success", second.Status)
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, 0, second.UnrecognizedStored)

	entries := listLedger(t, db)
	require.NotEmpty(t, entries)
	live := len(entries)

	deleted := entries[0].ID
	out = execute(t, "ledger", "delete", strconv.FormatInt(deleted, 10), "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Deleted ledger entry")

	// A full resync must not bring the deleted entry back.
	resync := scanJSON(t, "--db", db, "--messages", messages, "--force-resync")
	assert.Equal(t, 0, resync.Saved)
	assert.Equal(t, 400, resync.Total)

	assert.Len(t, listLedger(t, db), live-1)
	all := listLedger(t, db, "--include-deleted")
	require.Len(t, all, live)
	for _, e := range all {
		assert.Equal(t, e.ID == deleted, e.IsDeleted, "entry %d", e.ID)
	}

	out = execute(t, "balances", "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Accounts:")

	out = execute(t, "cards", "list", "--db", db, "-f", "csv")
	require.Equal(t, 0, out.code, out.stderr)
	assert.True(t, strings.HasPrefix(out.stdout, "id,bank,last4,credit,linked_account,balance"))

	out = execute(t, "unrecognized", "list", "--db", db, "-f", "json")
	require.Equal(t, 0, out.code, out.stderr)
	var unrecognized []*models.UnrecognizedMessage
	require.NoError(t, json.Unmarshal([]byte(out.stdout), &unrecognized))
	assert.Len(t, unrecognized, first.UnrecognizedStored)

	out = execute(t, "subscriptions", "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Subscriptions:")

	out = execute(t, "ledger", "reset", "--db", db)
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "--yes")
	assert.Len(t, listLedger(t, db), live-1)

	out = execute(t, "ledger", "reset", "--yes", "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Empty(t, listLedger(t, db, "--include-deleted"))

	// Reset clears the scan state, so the next scan is a full one again and
	// restores every entry including the one deleted before the reset.
	again := scanJSON(t, "--db", db, "--messages", messages)
	assert.Equal(t, first.Saved, again.Saved)
	assert.Len(t, listLedger(t, db), live)
}

func TestRulesAndCategories(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(`
rules:
  - id: block-small
    name: Ignore small spends
    priority: 10
    transaction_type: EXPENSE
    conditions:
      - {field: amount, operator: lt, value: "10"}
    actions:
      - {type: BLOCK}
  - id: food
    name: Food delivery
    priority: 5
    conditions:
      - {field: merchant, operator: contains, value: swiggy}
    actions:
      - {type: SET_CATEGORY, value: Food}
`), 0644))

	out := execute(t, "rules", "import", rulesFile, "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Imported 2 rules")

	// Importing again replaces by id.
	out = execute(t, "rules", "import", rulesFile, "--db", db)
	require.Equal(t, 0, out.code, out.stderr)

	out = execute(t, "rules", "list", "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Rules: 2")
	assert.Contains(t, out.stdout, "Ignore small spends")
	assert.Contains(t, out.stdout, "SET_CATEGORY=Food")

	out = execute(t, "rules", "list", "--db", db, "-f", "json")
	require.Equal(t, 0, out.code, out.stderr)
	var stored []*models.Rule
	require.NoError(t, json.Unmarshal([]byte(out.stdout), &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, "block-small", stored[0].ID)

	badRules := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badRules, []byte("rules:\n  - name: x\n"), 0644))
	out = execute(t, "rules", "import", badRules, "--db", db)
	assert.Equal(t, 1, out.code)

	out = execute(t, "categories", "set", "Netflix", "Entertainment", "--db", db)
	require.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Netflix -> Entertainment")

	out = execute(t, "categories", "set", " ", "Entertainment", "--db", db)
	assert.Equal(t, 1, out.code)
}

func TestCardsLink(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out := execute(t, "cards", "link", "1", "12ab", "--db", db)
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "last 4 digits")

	out = execute(t, "cards", "link", "99", "1234", "--db", db)
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "card 99 not found")
}

func TestLedgerDeleteUnknownEntry(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out := execute(t, "ledger", "delete", "42", "--db", db)
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "ledger entry 42 not found")

	out = execute(t, "ledger", "delete", "abc", "--db", db)
	assert.Equal(t, 1, out.code)
}

func TestLedgerListDateValidation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out := execute(t, "ledger", "list", "--db", db, "--from", "30-06-2024")
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "YYYY-MM-DD")

	out = execute(t, "ledger", "list", "--db", db, "--from", "2024-07-01", "--to", "2024-06-01")
	assert.Equal(t, 1, out.code)

	out = execute(t, "ledger", "list", "--db", db, "--from", "2024-06-01", "--to", "2024-07-01")
	assert.Equal(t, 0, out.code, out.stderr)
	assert.Contains(t, out.stdout, "Ledger entries: 0")
}

func TestScanFlagValidation(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	messages := filepath.Join(dir, "sms.csv")
	require.NoError(t, os.WriteFile(messages, []byte("sender,timestamp,body\n"), 0644))

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{"missing messages", []string{"scan", "--db", db}, "--messages is required"},
		{"messages not found", []string{"scan", "--db", db, "--messages", filepath.Join(dir, "none.csv")}, "does not exist"},
		{"messages is a directory", []string{"scan", "--db", db, "--messages", dir}, "is a directory"},
		{"negative workers", []string{"scan", "--db", db, "--messages", messages, "--workers", "-1"}, "workers cannot be negative"},
		{"negative lookback", []string{"scan", "--db", db, "--messages", messages, "--lookback-days", "-5"}, "lookback days cannot be negative"},
		{"bad format", []string{"scan", "--db", db, "--messages", messages, "-f", "xml"}, "invalid output format"},
		{"missing output dir", []string{"scan", "--db", db, "--messages", messages, "-o", filepath.Join(dir, "nope", "r.txt")}, "output directory does not exist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := execute(t, tt.args...)
			assert.Equal(t, 1, out.code)
			assert.Contains(t, out.stderr, tt.contains)
		})
	}
}

func TestScanMissingColumnIsRetryable(t *testing.T) {
	dir := t.TempDir()
	messages := filepath.Join(dir, "sms.csv")
	require.NoError(t, os.WriteFile(messages, []byte("sender,body\nVM-HDFCBK,hello\n"), 0644))

	out := execute(t, "scan", "--db", filepath.Join(dir, "ledger.db"), "--messages", messages)
	assert.Equal(t, errors.ExitCodeRetry, out.code)
	assert.Contains(t, out.stdout, "Status:   retry")
	assert.Contains(t, out.stderr, "Re-running is safe")
}

func TestScanEmptyExport(t *testing.T) {
	dir := t.TempDir()
	messages := filepath.Join(dir, "sms.csv")
	report := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(messages, []byte("sender,timestamp,body\n"), 0644))

	out := execute(t, "scan", "--db", filepath.Join(dir, "ledger.db"), "--messages", messages,
		"-f", "csv", "-o", report, "--lookback-days", "0")
	require.Equal(t, 0, out.code, out.stderr)
	assert.Empty(t, out.stdout)

	content, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(content), "status,success")
	assert.Contains(t, string(content), "saved,0")
}

func TestScanWithRCSChannel(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	sms := filepath.Join(dir, "sms.csv")
	rcs := filepath.Join(dir, "rcs.csv")

	end := time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)
	out := execute(t, "generate", "--output", sms, "--count", "100", "--days", "10", "--seed", "1", "--end", end)
	require.Equal(t, 0, out.code, out.stderr)
	out = execute(t, "generate", "--output", rcs, "--count", "50", "--days", "10", "--seed", "2", "--end", end)
	require.Equal(t, 0, out.code, out.stderr)

	report := scanJSON(t, "--db", db, "--messages", sms, "--rcs", rcs, "--workers", "2")
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, 150, report.Total)
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := execute(t, "generate", "--count", "50", "--seed", "3", "--end", "2024-06-30")
	b := execute(t, "generate", "--count", "50", "--seed", "3", "--end", "2024-06-30")
	require.Equal(t, 0, a.code, a.stderr)
	assert.Equal(t, a.stdout, b.stdout)
	assert.True(t, strings.HasPrefix(a.stdout, "id,sender,timestamp,body,channel"))

	out := execute(t, "generate", "--count", "0")
	assert.Equal(t, 1, out.code)
	out = execute(t, "generate", "--days", "0")
	assert.Equal(t, 1, out.code)
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	require.Equal(t, 0, out.code)
	assert.Contains(t, out.stdout, "ingestor dev")
}

func TestScanHelpDescribesWorkerDefault(t *testing.T) {
	out := execute(t, "scan", "--help")
	require.Equal(t, 0, out.code)
	assert.Contains(t, out.stdout, "number of CPUs minus one, at least 1")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "ingestor.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("pipeline:\n  dedup_window: 72h\n"), 0644))
	messages := filepath.Join(dir, "sms.csv")
	require.NoError(t, os.WriteFile(messages, []byte("sender,timestamp,body\n"), 0644))

	out := execute(t, "scan", "--config", cfg, "--db", filepath.Join(dir, "ledger.db"), "--messages", messages)
	assert.Equal(t, 1, out.code)
	assert.Contains(t, out.stderr, "Configuration error help")

	out = execute(t, "balances", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, ExitCodeFile, out.code)
	assert.Contains(t, out.stderr, "error reading config file")
}

func TestCLIErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		contains string
	}{
		{"nil", nil, 0, ""},
		{"retryable", errors.StorageError(errors.CodeStorageUnavailable, "open", os.ErrClosed), errors.ExitCodeRetry, "transient"},
		{"cancelled", errors.PipelineError(errors.CodeCancelled, "process", nil), errors.ExitCodeRetry, "Re-running is safe"},
		{"configuration", errors.ConfigurationError(errors.CodeInvalidConfig, "workers", -1, nil), 1, "Configuration error help"},
		{"file not found", &os.PathError{Op: "open", Path: "x.csv", Err: os.ErrNotExist}, ExitCodeFile, "file path is correct"},
		{"permission", &os.PathError{Op: "open", Path: "x.csv", Err: os.ErrPermission}, ExitCodeFile, "Permission denied"},
		{"disk full", stringError("write: no space left on device"), ExitCodeFile, "disk space"},
		{"generic", stringError("boom"), 1, "Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			code := NewCLIErrorHandler(&buf, false).HandleError(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(nil))
	assert.Equal(t, "Validation error: a", FormatValidationErrors([]error{stringError("a")}))

	var errs []error
	for i := 0; i < 12; i++ {
		errs = append(errs, stringError("e"+strconv.Itoa(i)))
	}
	formatted := FormatValidationErrors(errs)
	assert.Contains(t, formatted, "Found 12 validation errors")
	assert.Contains(t, formatted, "10. e9")
	assert.Contains(t, formatted, "... and 2 more errors")
	assert.NotContains(t, formatted, "e10")
}

type stringError string

func (e stringError) Error() string { return string(e) }
