package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTransactionType_IsValid(t *testing.T) {
	tests := []struct {
		txType TransactionType
		valid  bool
	}{
		{TransactionTypeExpense, true},
		{TransactionTypeIncome, true},
		{TransactionTypeCredit, true},
		{TransactionTypeTransfer, true},
		{TransactionTypeInvestment, true},
		{"DEBIT", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.txType), func(t *testing.T) {
			if got := tt.txType.IsValid(); got != tt.valid {
				t.Errorf("TransactionType.IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestParseTransactionType(t *testing.T) {
	got, err := ParseTransactionType(" income ")
	if err != nil || got != TransactionTypeIncome {
		t.Errorf("ParseTransactionType() = %v, %v", got, err)
	}
	if _, err := ParseTransactionType("refund"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in      string
		want    Channel
		wantErr bool
	}{
		{"", ChannelSMS, false},
		{"SMS", ChannelSMS, false},
		{"rcs", ChannelRCS, false},
		{"app", ChannelNotification, false},
		{"email", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChannel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseChannel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 15, 5, 0, time.UTC)
	tx := &ParsedTransaction{
		Amount:    decimal.RequireFromString("100"),
		Merchant:  "Swiggy",
		Type:      TransactionTypeExpense,
		Timestamp: base,
		RawBody:   "Rs.100 debited  to Swiggy",
	}

	same := *tx
	same.Amount = decimal.RequireFromString("100.00")
	same.Merchant = "  swiggy "
	same.Timestamp = base.Add(40 * time.Second)
	same.RawBody = "Rs.100 debited to Swiggy"
	if tx.ContentHash() != same.ContentHash() {
		t.Error("expected normalized fields to hash identically")
	}

	otherMinute := *tx
	otherMinute.Timestamp = base.Add(time.Minute)
	if tx.ContentHash() == otherMinute.ContentHash() {
		t.Error("expected a different minute bucket to change the hash")
	}

	otherType := *tx
	otherType.Type = TransactionTypeTransfer
	if tx.ContentHash() == otherType.ContentHash() {
		t.Error("expected a different type to change the hash")
	}
}

func TestParsedTransaction_Validate(t *testing.T) {
	valid := ParsedTransaction{
		Amount:    decimal.NewFromInt(10),
		Type:      TransactionTypeIncome,
		Timestamp: time.Now(),
		BankName:  "HDFC",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}

	zero := valid
	zero.Amount = decimal.Zero
	if err := zero.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}

	noBank := valid
	noBank.BankName = " "
	if err := noBank.Validate(); err == nil {
		t.Error("expected error for missing bank")
	}
}

func TestRawMessage_IdentityKey(t *testing.T) {
	a := RawMessage{ID: "1", Sender: "vm-hdfcbk", Body: "hello"}
	b := RawMessage{ID: "2", Sender: "VM-HDFCBK ", Body: "hello"}
	if a.IdentityKey() != b.IdentityKey() {
		t.Error("expected identity to ignore id and sender case")
	}
	c := RawMessage{ID: "1", Sender: "VM-HDFCBK", Body: "hello!"}
	if a.IdentityKey() == c.IdentityKey() {
		t.Error("expected different bodies to differ")
	}
}

func TestSubscription_NextAfter(t *testing.T) {
	due := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	sub := Subscription{NextPaymentDate: due, Frequency: "monthly"}

	got := sub.NextAfter(time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC))
	want := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}

	weekly := Subscription{NextPaymentDate: due, Frequency: "weekly"}
	got = weekly.NextAfter(time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	want = time.Date(2024, 1, 26, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("weekly NextAfter() = %v, want %v", got, want)
	}
}

func TestScanWindow_Contains(t *testing.T) {
	to := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	w := ScanWindow{From: to.AddDate(0, 0, -3), To: to}

	if !w.Contains(to) {
		t.Error("expected upper bound to be inclusive")
	}
	if w.Contains(to.AddDate(0, 0, -4)) {
		t.Error("expected time before From to be excluded")
	}
	all := ScanWindow{To: to, FullScan: true}
	if !all.Contains(time.Unix(0, 0)) {
		t.Error("expected zero From to include everything")
	}
}

func TestRule_Blocks(t *testing.T) {
	r := Rule{Actions: []RuleAction{{Type: ActionSetCategory, Value: "Food"}}}
	if r.Blocks() {
		t.Error("expected non-blocking rule")
	}
	r.Actions = append(r.Actions, RuleAction{Type: ActionBlock})
	if !r.Blocks() {
		t.Error("expected blocking rule")
	}
}
