package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"debug", DebugConfig(), false},
		{"job", JobConfig(), false},
		{"bad level", &Config{Level: "loud", Format: TextFormat, Output: StderrOutput}, true},
		{"bad format", &Config{Level: InfoLevel, Format: "xml", Output: StderrOutput}, true},
		{"file without path", &Config{Level: InfoLevel, Format: TextFormat, Output: FileOutput}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFieldsSurviveChaining(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&Config{Level: DebugLevel, Format: JSONFormat, Output: StdoutOutput}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	log.WithComponent("saver").WithField("message_id", "m-1").WithError(errors.New("boom")).Warn("save failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "saver" {
		t.Errorf("expected component field, got %v", line["component"])
	}
	if line["message_id"] != "m-1" {
		t.Errorf("expected message_id field, got %v", line["message_id"])
	}
	if line["error"] != "boom" {
		t.Errorf("expected error field, got %v", line["error"])
	}
}

func TestProgressLoggerThrottles(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewWithWriter(&Config{Level: InfoLevel, Format: JSONFormat, Output: StdoutOutput}, &buf)
	pl := NewProgressLogger(log, time.Hour)

	snap := ProgressSnapshot{Operation: "scan", Total: 10, Processed: 5, Rate: 2.5, ETA: 2 * time.Second}
	pl.Report(snap)
	pl.Report(snap)
	pl.Complete(snap)

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lines != 2 {
		t.Errorf("expected 2 log lines (one throttled), got %d: %s", lines, buf.String())
	}
	if !strings.Contains(buf.String(), "50.0%") {
		t.Errorf("expected percentage in output, got %s", buf.String())
	}
}

func TestProgressSnapshotString(t *testing.T) {
	known := ProgressSnapshot{Operation: "scan", Total: 4, Processed: 1, Rate: 1}
	if !strings.Contains(known.String(), "1/4 (25.0%)") {
		t.Errorf("unexpected string %q", known.String())
	}
	unknown := ProgressSnapshot{Operation: "scan", Processed: 3}
	if !strings.Contains(unknown.String(), "3 processed") {
		t.Errorf("unexpected string %q", unknown.String())
	}
}

func TestTimedOperation(t *testing.T) {
	want := errors.New("nope")
	if got := TimedOperation("cleanup", NewNopLogger(), func() error { return want }); got != want {
		t.Errorf("expected error to pass through, got %v", got)
	}
	if got := TimedOperation("cleanup", NewNopLogger(), func() error { return nil }); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
