// Package classifier turns one raw message into a ParseOutcome without
// touching storage. Side effects of special notifications are returned as
// Command values and executed later by the single writer.
package classifier

import (
	"context"
	"fmt"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/parsers"
)

// Kind tags an Outcome
type Kind string

const (
	KindDiscard      Kind = "discard"
	KindUnrecognized Kind = "unrecognized"
	KindSpecial      Kind = "special"
	KindTransaction  Kind = "transaction"
)

// Discard reasons
const (
	ReasonPromotional = "promotional or government sender"
	ReasonNoParser    = "no parser for sender"
	ReasonNotParsed   = "not a transaction"
	ReasonPanic       = "classification panicked"
)

// Outcome is the result of classifying one message. Exactly one of
// Transaction and Command is set, for KindTransaction and KindSpecial.
type Outcome struct {
	Kind        Kind
	Message     *models.RawMessage
	Transaction *models.ParsedTransaction
	Command     Command
	Reason      string
}

// Sink receives the effects of special notifications.
type Sink interface {
	UpsertFromMandate(ctx context.Context, mandate *models.Mandate) (*models.Subscription, error)
	RecordBalanceNotice(ctx context.Context, notice *models.BalanceNotice) error
}

// Command is a deferred persistence action captured at classification time.
type Command interface {
	Name() string
	Execute(ctx context.Context, sink Sink) error
}

// UpsertMandate creates or refreshes the subscription behind a mandate setup.
type UpsertMandate struct {
	Mandate *models.Mandate
}

func (c UpsertMandate) Name() string { return "upsert_mandate" }

func (c UpsertMandate) Execute(ctx context.Context, sink Sink) error {
	_, err := sink.UpsertFromMandate(ctx, c.Mandate)
	return err
}

// RecordBalance appends the balance stated by a balance-only message.
type RecordBalance struct {
	Notice *models.BalanceNotice
}

func (c RecordBalance) Name() string { return "record_balance" }

func (c RecordBalance) Execute(ctx context.Context, sink Sink) error {
	return sink.RecordBalanceNotice(ctx, c.Notice)
}

// Resolver is the part of the parser registry the classifier needs
type Resolver interface {
	Resolve(sender string) parsers.BankParser
}

// Classifier is safe for concurrent use as long as its Resolver is.
type Classifier struct {
	resolver Resolver
}

// New creates a classifier over resolver
func New(resolver Resolver) *Classifier {
	return &Classifier{resolver: resolver}
}

// Classify decides what msg is. recent reports whether msg falls inside the
// recency window; mandates outside it are not acted on.
func (c *Classifier) Classify(msg *models.RawMessage, recent bool) Outcome {
	sender := parsers.ParseSender(msg.Sender)
	if sender.IsPromotionalOrGovernment() {
		return discard(msg, ReasonPromotional)
	}

	parser := c.resolver.Resolve(msg.Sender)
	if parser == nil {
		if sender.IsTransactionalGrade() {
			return Outcome{Kind: KindUnrecognized, Message: msg}
		}
		return discard(msg, ReasonNoParser)
	}

	if special := parser.ClassifySpecial(msg); special != nil {
		switch {
		case special.Kind == parsers.SpecialMandate && recent:
			return Outcome{Kind: KindSpecial, Message: msg, Command: UpsertMandate{Mandate: special.Mandate}}
		case special.Kind == parsers.SpecialBalance:
			return Outcome{Kind: KindSpecial, Message: msg, Command: RecordBalance{Notice: special.Balance}}
		}
	}

	tx, ok := parser.TryParse(msg)
	if !ok {
		return discard(msg, ReasonNotParsed)
	}
	return Outcome{Kind: KindTransaction, Message: msg, Transaction: tx}
}

// Recover converts a panic value into a Discard outcome for msg.
func Recover(msg *models.RawMessage, r interface{}) Outcome {
	return discard(msg, fmt.Sprintf("%s: %v", ReasonPanic, r))
}

func discard(msg *models.RawMessage, reason string) Outcome {
	return Outcome{Kind: KindDiscard, Message: msg, Reason: reason}
}
