package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncrClassified("transaction")
	m.IncrClassified("transaction")
	m.IncrClassified("discard")
	m.IncrDuplicate("reference")
	m.IncrSaved()
	m.IncrBlocked()
	m.IncrSaveError("insert")

	if got := m.Classified("transaction"); got != 2 {
		t.Errorf("expected 2 transactions, got %v", got)
	}
	if got := m.Classified("discard"); got != 1 {
		t.Errorf("expected 1 discard, got %v", got)
	}
	if got := m.Duplicates("reference"); got != 1 {
		t.Errorf("expected 1 reference duplicate, got %v", got)
	}
	if got := m.Duplicates("content_hash"); got != 0 {
		t.Errorf("expected 0 hash duplicates, got %v", got)
	}
	if m.Saved() != 1 || m.Blocked() != 1 {
		t.Errorf("unexpected saved/blocked: %v/%v", m.Saved(), m.Blocked())
	}
	if got := m.SaveErrors("insert"); got != 1 {
		t.Errorf("expected 1 insert error, got %v", got)
	}
}

func TestNewIsIsolated(t *testing.T) {
	a := New()
	b := New()
	a.IncrSaved()

	if b.Saved() != 0 {
		t.Errorf("registries must not share collectors, got %v", b.Saved())
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.IncrClassified("special")
	m.AddUnrecognized(3)
	m.AddSwept(2)
	m.RecordStageDuration("classify", 150*time.Millisecond)
	m.SetProgress(42.5, 3*time.Second)
	m.MarkSuccess(time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "ingestor.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)

	for _, want := range []string{
		`ingestor_messages_classified_total{outcome="special"} 1`,
		"ingestor_unrecognized_stored_total 3",
		"ingestor_sweep_removed_total 2",
		"ingestor_messages_per_second 42.5",
		"ingestor_eta_seconds 3",
		`ingestor_stage_duration_seconds_count{stage="classify"} 1`,
		"ingestor_last_success_timestamp_seconds 1.7e+09",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in textfile:\n%s", want, out)
		}
	}
}
