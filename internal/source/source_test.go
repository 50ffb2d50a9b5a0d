package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store/memory"
	apperrors "ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func msg(id string, ts time.Time) *models.RawMessage {
	return &models.RawMessage{ID: id, Sender: "VM-HDFCBK", Timestamp: ts, Body: "body " + id, Channel: models.ChannelSMS}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name     string
		state    *models.ScanState
		lookback int
		force    bool
		wantFull bool
		wantFrom time.Time
	}{
		{
			name:     "first run is full",
			lookback: 30,
			wantFull: true,
			wantFrom: now.AddDate(0, 0, -30),
		},
		{
			name:     "all time is full with open start",
			state:    &models.ScanState{LastScanTimestamp: now.Add(-time.Hour), LastScanPeriodDays: 30},
			lookback: 0,
			wantFull: true,
		},
		{
			name:     "forced resync is full",
			state:    &models.ScanState{LastScanTimestamp: now.Add(-time.Hour), LastScanPeriodDays: 30},
			lookback: 30,
			force:    true,
			wantFull: true,
			wantFrom: now.AddDate(0, 0, -30),
		},
		{
			name:     "longer lookback than last scan is full",
			state:    &models.ScanState{LastScanTimestamp: now.Add(-time.Hour), LastScanPeriodDays: 30},
			lookback: 90,
			wantFull: true,
			wantFrom: now.AddDate(0, 0, -90),
		},
		{
			name:     "recent last scan reaches back three days",
			state:    &models.ScanState{LastScanTimestamp: now.Add(-time.Hour), LastScanPeriodDays: 30},
			lookback: 30,
			wantFrom: now.Add(-IncrementalOverlap),
		},
		{
			name:     "old last scan is used as the anchor",
			state:    &models.ScanState{LastScanTimestamp: now.AddDate(0, 0, -10), LastScanPeriodDays: 30},
			lookback: 30,
			wantFrom: now.AddDate(0, 0, -10),
		},
		{
			name:     "anchor is clamped to the lookback",
			state:    &models.ScanState{LastScanTimestamp: now.AddDate(0, 0, -20), LastScanPeriodDays: 365},
			lookback: 7,
			wantFrom: now.AddDate(0, 0, -7),
		},
		{
			name:     "after an all time scan any lookback is incremental",
			state:    &models.ScanState{LastScanTimestamp: now.AddDate(0, 0, -5), LastScanPeriodDays: allTimePeriod},
			lookback: 3650,
			wantFrom: now.AddDate(0, 0, -5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			if tt.state != nil {
				if err := st.SaveScanState(context.Background(), tt.state); err != nil {
					t.Fatal(err)
				}
			}
			src := NewMessageSource(NewSliceReader("sms", nil), st, logger.NewNopLogger(), WithClock(clock))

			w, err := src.Window(context.Background(), tt.lookback, tt.force)
			if err != nil {
				t.Fatalf("Window() error = %v", err)
			}
			if w.FullScan != tt.wantFull {
				t.Errorf("FullScan = %v, want %v", w.FullScan, tt.wantFull)
			}
			if !w.From.Equal(tt.wantFrom) {
				t.Errorf("From = %v, want %v", w.From, tt.wantFrom)
			}
			if !w.To.Equal(now) {
				t.Errorf("To = %v, want %v", w.To, now)
			}
		})
	}
}

func TestReadMergesAndSorts(t *testing.T) {
	primary := NewSliceReader("sms", []*models.RawMessage{msg("a", now.Add(-time.Minute)), msg("c", now.Add(-3*time.Minute))})
	rcs := NewSliceReader("rcs", []*models.RawMessage{msg("b", now.Add(-2*time.Minute))})
	src := NewMessageSource(primary, memory.New(), logger.NewNopLogger(), WithSecondary(rcs), WithClock(clock))

	msgs, err := src.Read(context.Background(), models.ScanWindow{To: now, FullScan: true})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "c,b,a" {
		t.Errorf("expected ascending order c,b,a, got %v", ids)
	}
}

func TestReadSecondaryFailureIsBestEffort(t *testing.T) {
	primary := NewSliceReader("sms", []*models.RawMessage{msg("a", now)})
	src := NewMessageSource(primary, memory.New(), logger.NewNopLogger(),
		WithSecondary(NewFailingReader("rcs", errors.New("provider crashed"))),
		WithRetry(RetryConfig{}), WithClock(clock))

	for i := 0; i < 5; i++ {
		msgs, err := src.Read(context.Background(), models.ScanWindow{To: now, FullScan: true})
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected primary messages only, got %d", len(msgs))
		}
	}
}

func TestReadPrimaryFailureIsRetryable(t *testing.T) {
	src := NewMessageSource(NewFailingReader("sms", errors.New("database is locked")), memory.New(),
		logger.NewNopLogger(), WithRetry(RetryConfig{MaxRetries: 1}), WithClock(clock))

	_, err := src.Read(context.Background(), models.ScanWindow{To: now, FullScan: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if apperrors.OutcomeOf(err) != apperrors.OutcomeRetry {
		t.Errorf("expected retry outcome, got %s", apperrors.OutcomeOf(err))
	}
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	src := NewMessageSource(NewSliceReader("sms", nil), st, logger.NewNopLogger(), WithClock(clock))

	if err := src.Commit(ctx, models.ScanWindow{To: now, FullScan: true}, 0); err != nil {
		t.Fatal(err)
	}
	state, _ := st.LoadScanState(ctx)
	if state.LastScanPeriodDays != allTimePeriod || !state.LastScanTimestamp.Equal(now) {
		t.Errorf("unexpected state after all-time scan: %+v", state)
	}

	later := now.Add(time.Hour)
	if err := src.Commit(ctx, models.ScanWindow{From: now, To: later}, 30); err != nil {
		t.Fatal(err)
	}
	state, _ = st.LoadScanState(ctx)
	if state.LastScanPeriodDays != allTimePeriod {
		t.Errorf("incremental commit must keep the covered period, got %d", state.LastScanPeriodDays)
	}
	if !state.LastScanTimestamp.Equal(later) {
		t.Errorf("expected last scan %v, got %v", later, state.LastScanTimestamp)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCSVReader(t *testing.T) {
	content := strings.Join([]string{
		"_id,address,date,text,channel",
		"1,VM-HDFCBK,1717999200000,Rs.100 debited,sms",
		"2,VM-ICICIB,2024-06-09T10:00:00Z,\"Rs.200 credited, thanks\",rcs",
		"3,VM-SBIINB,not-a-date,Rs.5 debited,sms",
		"4,,1717999200000,missing sender,sms",
		"",
		"5,AX-PAYTM,1000000000000,way too old,sms",
	}, "\n")
	path := writeFile(t, content)

	r, err := NewCSVReader(DefaultCSVConfig(path), logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	window := models.ScanWindow{From: now.AddDate(0, 0, -30), To: now}
	msgs, err := r.ReadMessages(context.Background(), window)
	if err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != "VM-HDFCBK" || msgs[0].Timestamp.UnixMilli() != 1717999200000 {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Channel != models.ChannelRCS || msgs[1].Body != "Rs.200 credited, thanks" {
		t.Errorf("unexpected second message %+v", msgs[1])
	}

	stats := r.Stats()
	if stats.Rejected != 2 {
		t.Errorf("expected 2 rejected rows, got %d", stats.Rejected)
	}
	if stats.OutsideWindow != 1 {
		t.Errorf("expected 1 row outside window, got %d", stats.OutsideWindow)
	}
}

func TestCSVReaderMissingColumns(t *testing.T) {
	path := writeFile(t, "id,sender,body\n1,VM-HDFCBK,hello\n")
	r, err := NewCSVReader(DefaultCSVConfig(path), logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.ReadMessages(context.Background(), models.ScanWindow{To: now})
	if err == nil {
		t.Fatal("expected missing column error")
	}
	if !strings.Contains(err.Error(), "timestamp") {
		t.Errorf("expected timestamp to be reported missing, got %v", err)
	}
}

func TestCSVReaderMissingFile(t *testing.T) {
	r, err := NewCSVReader(DefaultCSVConfig(filepath.Join(t.TempDir(), "nope.csv")), logger.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.ReadMessages(context.Background(), models.ScanWindow{To: now})
	if apperrors.OutcomeOf(err) != apperrors.OutcomeRetry {
		t.Errorf("expected a retryable source error, got %v", err)
	}
}

func TestCSVWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	in := []*models.RawMessage{
		{ID: "x1", Sender: "JD-AXISBK-S", Timestamp: now.Add(-time.Hour), Body: "line one, with comma", Channel: models.ChannelNotification},
	}
	if err := NewCSVWriter(f).WriteAll(in); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, _ := NewCSVReader(DefaultCSVConfig(path), logger.NewNopLogger())
	out, err := r.ReadMessages(context.Background(), models.ScanWindow{To: now})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Body != in[0].Body || out[0].Channel != models.ChannelNotification || !out[0].Timestamp.Equal(in[0].Timestamp) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"1717999200000", time.UnixMilli(1717999200000).UTC(), false},
		{"1717999200", time.Unix(1717999200, 0).UTC(), false},
		{"2024-06-09T10:00:00Z", time.Date(2024, 6, 9, 10, 0, 0, 0, time.UTC), false},
		{"2024-06-09 10:00:00", time.Date(2024, 6, 9, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
