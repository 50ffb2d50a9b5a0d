// Package pipeline runs one ingestion pass from the message source to the
// ledger.
//
// A feeder pushes messages into a bounded work queue, a pool of classifier
// workers turns them into outcomes on a bounded result queue, and exactly
// one saver consumes the outcomes. The saver is the only writer of ledger
// entries and balance snapshots, so the stores need no isolation between
// concurrent writers. Outcomes are persisted in completion order; the sweep
// after the batch restores duplicate-free consistency for anything the
// in-line checks could not see.
//
// Example usage:
//
//	p, err := pipeline.New(pipeline.DefaultConfig(), pipeline.Dependencies{
//		Store:    db,
//		Source:   src,
//		Resolver: registry,
//	})
//	result, err := p.Run(ctx, pipeline.Request{LookbackDays: 365})
//	os.Exit(result.Status.ExitCode())
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

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

// Source enumerates messages and owns the scan state
type Source interface {
	Window(ctx context.Context, lookbackDays int, force bool) (models.ScanWindow, error)
	Read(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error)
	Commit(ctx context.Context, window models.ScanWindow, lookbackDays int) error
}

// Dependencies are the collaborators of a pipeline. Store, Source and
// Resolver are required.
type Dependencies struct {
	Store    store.Store
	Source   Source
	Resolver classifier.Resolver
	Metrics  *metrics.Metrics
	// Observer receives progress events from the monitor goroutine.
	Observer stats.Observer
	Logger   logger.Logger
	Clock    func() time.Time
}

// Request is the input of one run
type Request struct {
	ForceResync bool `json:"forceResync"`
	// LookbackDays <= 0 scans all time.
	LookbackDays int `json:"lookbackDays"`
}

// Pipeline is reusable across runs but runs must not overlap.
type Pipeline struct {
	config     *Config
	deps       Dependencies
	classifier *classifier.Classifier
	dedup      *dedup.Engine
	evaluator  *rules.Evaluator
	projector  *balance.Projector
	logger     logger.Logger
	now        func() time.Time
}

// New validates config and wires the stages
func New(config *Config, deps Dependencies) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "store", nil, nil)
	case deps.Source == nil:
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "source", nil, nil)
	case deps.Resolver == nil:
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "resolver", nil, nil)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		config:     config,
		deps:       deps,
		classifier: classifier.New(deps.Resolver),
		dedup:      dedup.NewEngine(deps.Store, config.DedupConfig(), log),
		evaluator:  rules.NewEvaluator(log),
		projector:  balance.NewProjector(deps.Store, deps.Store, log),
		logger:     log.WithComponent("pipeline"),
		now:        now,
	}, nil
}

// Run executes one ingestion pass. The returned Result is never nil; its
// Status tells the scheduler whether to retry. Scan state only advances when
// the run succeeds.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	started := p.now()
	result := newResult(uuid.NewString(), p.config.Workers)
	log := p.logger.WithField("run_id", result.RunID)

	fail := func(err error) (*Result, error) {
		result.setError(err)
		result.Duration = p.now().Sub(started)
		log.WithError(err).WithField("status", result.Status).Error("Ingestion run failed")
		return result, err
	}

	window, err := p.deps.Source.Window(ctx, req.LookbackDays, req.ForceResync)
	if err != nil {
		return fail(err)
	}
	result.Window = window

	msgs, err := p.deps.Source.Read(ctx, window)
	if err != nil {
		return fail(err)
	}
	result.Total = len(msgs)

	c, err := p.loadCaches(ctx)
	if err != nil {
		return fail(err)
	}

	log.WithFields(logger.Fields{
		"window":   window.String(),
		"messages": len(msgs),
		"workers":  p.config.Workers,
		"rules":    c.rules.Len(),
	}).Info("Ingestion run started")

	est := stats.NewEstimator(p.config.ETAWindow,
		stats.WithClock(p.now),
		stats.WithItemInterval(int64(p.config.ProgressItemInterval)))
	est.SetTotal(int64(len(msgs)))

	sv := p.newSaver(c, est, result)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		stats.NewMonitor(est, p.config.ProgressInterval, p.observe).Run(monitorCtx)
	}()

	processStart := p.now()
	err = p.process(ctx, msgs, est, sv)
	stopMonitor()
	monitor.Wait()
	p.recordStage("process", processStart)

	// Outcomes already taken by the saver are complete; their unrecognized
	// rows are written even when the run was cancelled.
	sv.flush(context.WithoutCancel(ctx))

	result.Progress = est.Snapshot()
	p.observe(result.Progress)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.PipelineError(errors.CodeCancelled, "process", ctx.Err())
		} else {
			err = errors.WrapIfNeeded(err, errors.CategoryPipeline, errors.CodeStageFailed, "process messages")
		}
		return fail(err)
	}

	p.cleanup(ctx, result, sv)

	if err := p.deps.Source.Commit(ctx, window, req.LookbackDays); err != nil {
		return fail(err)
	}

	result.Status = StatusSuccess
	result.Duration = p.now().Sub(started)
	if p.deps.Metrics != nil {
		p.deps.Metrics.MarkSuccess(p.now())
	}
	log.WithFields(logger.Fields{
		"saved":        result.Saved,
		"duplicates":   result.DuplicateCount(),
		"blocked":      result.Blocked,
		"unrecognized": result.UnrecognizedStored,
		"specials":     result.Specials,
		"swept":        result.Swept,
		"save_errors":  result.SaveErrors,
		"duration":     result.Duration.String(),
	}).Info("Ingestion run completed")
	return result, nil
}

// loadCaches preloads the merchant map and the per-type rules. Failure is
// batch-fatal and retryable.
func (p *Pipeline) loadCaches(ctx context.Context) (*caches, error) {
	categories, err := p.deps.Store.AllMappings(ctx)
	if err != nil {
		return nil, errors.PipelineError(errors.CodeCacheLoadFailed, "merchant_categories", err)
	}
	normalized := make(map[string]string, len(categories))
	for merchant, category := range categories {
		normalized[store.NormalizeMerchant(merchant)] = category
	}

	ruleSet, err := rules.LoadRuleSet(ctx, p.deps.Store)
	if err != nil {
		return nil, err
	}
	return &caches{categories: normalized, rules: ruleSet}, nil
}

func (p *Pipeline) newSaver(c *caches, est *stats.Estimator, result *Result) *saver {
	return &saver{
		store:     p.deps.Store,
		dedup:     p.dedup,
		evaluator: p.evaluator,
		projector: p.projector,
		sink:      specialSink{SubscriptionRepository: p.deps.Store, Projector: p.projector},
		caches:    c,
		estimator: est,
		metrics:   p.deps.Metrics,
		logger:    p.logger.WithComponent("saver"),
		now:       p.now,
		batchSize: p.config.UnrecognizedBatchSize,
		queued:    make(map[string]bool),
		result:    result,
	}
}

// process runs feeder, workers, aggregator and saver as one cancellable unit.
func (p *Pipeline) process(ctx context.Context, msgs []*models.RawMessage, est *stats.Estimator, sv *saver) error {
	g, gctx := errgroup.WithContext(ctx)
	work := make(chan *models.RawMessage, p.config.WorkQueueCapacity)
	results := make(chan classifier.Outcome, p.config.ResultQueueCapacity)
	recentFrom := p.now().Add(-p.config.RecentWindow)

	g.Go(func() error {
		defer close(work)
		for _, m := range msgs {
			select {
			case work <- m:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return p.classifyLoop(gctx, work, results, recentFrom, est)
		})
	}

	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		return sv.run(gctx, results)
	})

	return g.Wait()
}

func (p *Pipeline) classifyLoop(ctx context.Context, work <-chan *models.RawMessage, results chan<- classifier.Outcome, recentFrom time.Time, est *stats.Estimator) error {
	for msg := range work {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out := p.classifyOne(msg, !msg.Timestamp.Before(recentFrom))
		est.Processed()
		if out.Kind == classifier.KindTransaction {
			est.Parsed()
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.IncrClassified(string(out.Kind))
		}

		select {
		case results <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// classifyOne turns a panic inside a parser into a Discard for that message.
func (p *Pipeline) classifyOne(msg *models.RawMessage, recent bool) (out classifier.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logger.Fields{
				"message_id": msg.ID,
				"sender":     msg.Sender,
				"panic":      r,
			}).Error("Classification panicked, message discarded")
			out = classifier.Recover(msg, r)
		}
	}()
	return p.classifier.Classify(msg, recent)
}

// cleanup runs the best-effort post-batch steps: unrecognized retention and
// the reconciliation sweep. Errors are logged and never fail the run.
func (p *Pipeline) cleanup(ctx context.Context, result *Result, sv *saver) {
	cutoff := p.now().Add(-p.config.UnrecognizedRetention)
	removed, err := p.deps.Store.CleanupUnrecognized(ctx, cutoff, p.config.UnrecognizedMaxRows)
	if err != nil {
		p.logger.WithError(err).Warn("Unrecognized message cleanup failed")
	} else {
		result.UnrecognizedCleaned = removed
	}

	from, to, ok := sv.touched()
	if !ok {
		return
	}
	sweepStart := p.now()
	lo, _ := p.dedup.Config().Bounds(from)
	_, hi := p.dedup.Config().Bounds(to)
	sweep, err := p.dedup.Sweep(ctx, lo, hi)
	p.recordStage("sweep", sweepStart)
	if err != nil {
		p.logger.WithError(err).Warn("Reconciliation sweep failed")
		return
	}
	result.Swept = len(sweep.Removed)
	if p.deps.Metrics != nil {
		p.deps.Metrics.AddSwept(result.Swept)
	}
	if result.Swept == 0 {
		return
	}

	// Later snapshots derived from a removed one are not recomputed.
	dropped, err := p.deps.Store.DeleteSnapshotsForEntries(ctx, sweep.Removed...)
	if err != nil {
		p.logger.WithError(err).WithField("entries", sweep.Removed).
			Warn("Balance snapshots of swept entries could not be removed")
		return
	}
	if dropped > 0 {
		p.logger.WithFields(logger.Fields{
			"entries":   len(sweep.Removed),
			"snapshots": dropped,
		}).Warn("Removed balance snapshots of swept duplicates")
	}
}

func (p *Pipeline) observe(progress stats.Progress) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.SetProgress(progress.Rate, progress.ETA)
	}
	if p.deps.Observer != nil {
		p.deps.Observer(progress)
	}
}

func (p *Pipeline) recordStage(stage string, start time.Time) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordStageDuration(stage, p.now().Sub(start))
	}
}
