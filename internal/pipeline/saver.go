package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledger-ingestion-service/internal/balance"
	"ledger-ingestion-service/internal/classifier"
	"ledger-ingestion-service/internal/dedup"
	"ledger-ingestion-service/internal/metrics"
	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/rules"
	"ledger-ingestion-service/internal/stats"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// Save steps, used as metric labels
const (
	stepDedup        = "dedup"
	stepSubscription = "subscription"
	stepInsert       = "insert"
	stepRules        = "rules"
	stepBalance      = "balance"
	stepSpecial      = "special"
	stepUnrecognized = "unrecognized"
	stepPanic        = "panic"
)

// specialSink executes deferred special-notification commands.
type specialSink struct {
	store.SubscriptionRepository
	*balance.Projector
}

// caches are the preload-once lookups of a run. They are read-only after load.
type caches struct {
	categories map[string]string
	rules      *rules.RuleSet
}

// saver is the single writer. Every method runs on the saver goroutine.
type saver struct {
	store     store.Store
	dedup     *dedup.Engine
	evaluator *rules.Evaluator
	projector *balance.Projector
	sink      classifier.Sink
	caches    *caches
	estimator *stats.Estimator
	metrics   *metrics.Metrics
	logger    logger.Logger
	now       func() time.Time

	batchSize int
	pending   []*models.UnrecognizedMessage
	queued    map[string]bool

	result      *Result
	touchedFrom time.Time
	touchedTo   time.Time
	flagged     bool
}

// run consumes outcomes in completion order until results closes or ctx is
// done. An outcome taken off the channel is always fully applied: its writes
// use a context that ignores cancellation.
func (s *saver) run(ctx context.Context, results <-chan classifier.Outcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-results:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.handle(context.WithoutCancel(ctx), out)
		}
	}
}

// handle applies one outcome. Failures stay local to the item.
func (s *saver) handle(ctx context.Context, out classifier.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.saveFailed(stepPanic, out.Message, fmt.Errorf("panic: %v", r))
		}
	}()

	s.result.Outcomes[out.Kind]++

	switch out.Kind {
	case classifier.KindDiscard:
		s.logger.WithFields(logger.Fields{"message_id": out.Message.ID, "reason": out.Reason}).Debug("Message discarded")
	case classifier.KindUnrecognized:
		s.queueUnrecognized(ctx, out.Message)
	case classifier.KindSpecial:
		s.executeSpecial(ctx, out)
	case classifier.KindTransaction:
		s.saveTransaction(ctx, out)
	}
}

func (s *saver) executeSpecial(ctx context.Context, out classifier.Outcome) {
	if err := out.Command.Execute(ctx, s.sink); err != nil {
		s.result.SpecialFailures++
		s.saveFailed(stepSpecial, out.Message, err)
		return
	}
	s.result.Specials++
	s.logger.WithFields(logger.Fields{
		"message_id": out.Message.ID,
		"command":    out.Command.Name(),
	}).Debug("Special notification applied")
}

func (s *saver) saveTransaction(ctx context.Context, out classifier.Outcome) {
	tx := out.Transaction

	entry := models.NewLedgerEntry(tx)
	if category, ok := s.caches.categories[store.NormalizeMerchant(entry.Merchant)]; ok {
		entry.Category = category
	}

	// Evaluate leaves entry untouched; the mutated copy is only kept once the
	// candidate passes dedup and blocking.
	applicable := s.caches.rules.For(entry.Type)
	mutated, applied := s.evaluator.Evaluate(entry, tx.RawBody, applicable)

	res, err := s.dedup.CheckAs(ctx, tx, mutated.Type)
	if err != nil {
		s.saveFailed(stepDedup, out.Message, err)
		return
	}
	if res.Duplicate {
		s.duplicate(out.Message, res.Strategy, res.Reason)
		return
	}

	if blocker := s.evaluator.ShouldBlock(entry, tx.RawBody, applicable); blocker != nil {
		s.result.Blocked++
		if s.metrics != nil {
			s.metrics.IncrBlocked()
		}
		s.recordApplications(ctx, out.Message, []models.RuleApplication{{
			RuleID:    blocker.ID,
			RuleName:  blocker.Name,
			Blocked:   true,
			AppliedAt: s.now(),
		}})
		s.logger.WithFields(logger.Fields{"message_id": out.Message.ID, "rule": blocker.Name}).Debug("Transaction blocked by rule")
		return
	}
	entry = mutated

	sub, err := s.store.MatchCandidate(ctx, entry.Merchant, entry.Amount)
	if err != nil {
		// the entry is still worth saving without the recurring mark
		s.saveFailed(stepSubscription, out.Message, err)
		sub = nil
	}
	if sub != nil {
		entry.IsRecurring = true
		entry.SubscriptionID = sub.ID
	}

	id, err := s.store.Insert(ctx, entry)
	if stderrors.Is(err, store.ErrDuplicate) {
		s.duplicate(out.Message, dedup.StrategyHash, dedup.ReasonSameContent)
		return
	}
	if err != nil {
		s.saveFailed(stepInsert, out.Message, err)
		return
	}
	entry.ID = id

	s.result.Saved++
	s.estimator.Saved()
	if s.metrics != nil {
		s.metrics.IncrSaved()
	}
	s.touch(entry.Timestamp)

	if len(applied) > 0 {
		apps := make([]models.RuleApplication, 0, len(applied))
		for _, r := range applied {
			apps = append(apps, models.RuleApplication{RuleID: r.ID, RuleName: r.Name, EntryID: id, AppliedAt: s.now()})
		}
		s.recordApplications(ctx, out.Message, apps)
	}

	if sub != nil {
		s.result.Recurring++
		if err := s.store.AdvanceNextPayment(ctx, sub.ID, sub.NextAfter(entry.Timestamp)); err != nil {
			s.saveFailed(stepSubscription, out.Message, err)
		}
	}

	if _, err := s.projector.Apply(ctx, tx, entry); err != nil {
		s.saveFailed(stepBalance, out.Message, err)
	}

	s.markDirty(ctx)
}

func (s *saver) duplicate(msg *models.RawMessage, strategy dedup.Strategy, reason string) {
	s.result.Duplicates[reason]++
	if s.metrics != nil {
		s.metrics.IncrDuplicate(string(strategy))
	}
	s.logger.WithFields(logger.Fields{
		"message_id": msg.ID,
		"strategy":   strategy,
		"reason":     reason,
	}).Debug("Duplicate skipped")
}

func (s *saver) recordApplications(ctx context.Context, msg *models.RawMessage, apps []models.RuleApplication) {
	if err := s.store.RecordApplications(ctx, apps); err != nil {
		s.saveFailed(stepRules, msg, err)
	}
}

// markDirty sets the summary refresh flag once per run. Failure is logged only.
func (s *saver) markDirty(ctx context.Context) {
	if s.flagged {
		return
	}
	if err := s.store.SetFlag(ctx, store.SummaryDirtyFlag, true); err != nil {
		s.logger.WithError(err).Warn("Could not mark summary for refresh")
		return
	}
	s.flagged = true
}

func (s *saver) touch(t time.Time) {
	if s.touchedFrom.IsZero() || t.Before(s.touchedFrom) {
		s.touchedFrom = t
	}
	if t.After(s.touchedTo) {
		s.touchedTo = t
	}
}

// touched returns the timestamp range of entries saved this run.
func (s *saver) touched() (time.Time, time.Time, bool) {
	return s.touchedFrom, s.touchedTo, !s.touchedFrom.IsZero()
}

func (s *saver) queueUnrecognized(ctx context.Context, msg *models.RawMessage) {
	key := msg.IdentityKey()
	if s.queued[key] {
		return
	}
	s.queued[key] = true

	s.pending = append(s.pending, &models.UnrecognizedMessage{
		ID:         uuid.NewString(),
		Sender:     msg.Sender,
		Body:       msg.Body,
		ReceivedAt: msg.Timestamp,
		Channel:    msg.Channel,
		CreatedAt:  s.now(),
	})
	if len(s.pending) >= s.batchSize {
		s.flush(ctx)
	}
}

// flush writes the pending unrecognized batch, skipping rows already stored.
func (s *saver) flush(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil

	fresh := make([]*models.UnrecognizedMessage, 0, len(batch))
	for _, m := range batch {
		exists, err := s.store.UnrecognizedExists(ctx, m.Sender, m.Body)
		if err != nil {
			s.logger.WithError(err).WithField("sender", m.Sender).Warn("Unrecognized existence check failed")
			continue
		}
		if !exists {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return
	}

	if err := s.store.InsertUnrecognized(ctx, fresh); err != nil {
		s.result.SaveErrors++
		if s.metrics != nil {
			s.metrics.IncrSaveError(stepUnrecognized)
		}
		s.logger.WithError(err).WithField("batch", len(fresh)).Error("Failed to store unrecognized messages")
		return
	}
	s.result.UnrecognizedStored += len(fresh)
	if s.metrics != nil {
		s.metrics.AddUnrecognized(len(fresh))
	}
}

func (s *saver) saveFailed(step string, msg *models.RawMessage, err error) {
	s.result.SaveErrors++
	if s.metrics != nil {
		s.metrics.IncrSaveError(step)
	}
	fields := logger.Fields{"step": step}
	if msg != nil {
		fields["message_id"] = msg.ID
		fields["sender"] = msg.Sender
	}
	wrapped := errors.WrapIfNeeded(err, errors.CategoryPipeline, errors.CodeStageFailed, "save "+step)
	s.logger.WithError(wrapped).WithFields(fields).Warn("Save step failed, continuing with next message")
}
