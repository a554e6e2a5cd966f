// Package pipeline runs a transaction through extraction, rules, scoring,
// decision and the audit ledger.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Components are the collaborators a pipeline needs. Notifier may be nil.
type Components struct {
	History  *history.Service
	Engine   *rules.Engine
	Scorer   *scoring.Scorer
	Decider  *decision.Processor
	Ledger   *audit.Ledger
	Policies *policy.Store
	Notifier alert.Notifier
}

// Options tunes the pipeline.
type Options struct {
	// BatchLimit bounds concurrent runs in ScoreBatch.
	BatchLimit int

	// AlertTimeout bounds each escalation delivery.
	AlertTimeout time.Duration

	// OnFatal is called once when a run fails with an error that must stop
	// the writer process, such as a ledger sequence conflict.
	OnFatal func(error)
}

// Result is the outcome of one scoring run.
type Result struct {
	Sequence uint64               `json:"sequence"`
	Decision *domain.Decision     `json:"decision"`
	Score    domain.RiskScore     `json:"score"`
	Features domain.FeatureVector `json:"features"`
}

// Pipeline scores transactions. It is safe for concurrent use.
type Pipeline struct {
	c    Components
	opts Options

	inflight  singleflight.Group
	alerts    sync.WaitGroup
	fatalOnce sync.Once
}

// New creates a pipeline.
func New(c Components, opts Options) *Pipeline {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 32
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 5 * time.Second
	}
	if c.Notifier == nil {
		c.Notifier = alert.Nop{}
	}
	return &Pipeline{c: c, opts: opts}
}

// Score runs one transaction end to end. Concurrent calls for the same
// transaction share one run and its result, so at most one scoring
// computation per transaction is ever in flight. The run is detached from
// the caller's cancellation; model timeouts still apply.
//
// A failure at any stage before the audit append returns the error and
// records nothing. A returned Result always has a ledger entry.
func (p *Pipeline) Score(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	if err := tx.Validate(); err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues(domain.ErrorKind(err)).Inc()
		return nil, err
	}

	v, err, shared := p.inflight.Do(tx.Key(), func() (any, error) {
		return p.run(context.WithoutCancel(ctx), tx)
	})
	if shared {
		slog.Debug("joined in-flight scoring run", "tx_id", tx.ID, "chain_id", tx.ChainID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Pipeline) run(ctx context.Context, tx *domain.Transaction) (_ *Result, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "pipeline.score", telemetry.TxID(tx.ID), telemetry.ChainID(tx.ChainID))
	defer func() {
		if err != nil {
			fail(span, err)
			metrics.PipelineErrorsTotal.WithLabelValues(domain.ErrorKind(err)).Inc()
			slog.Warn("scoring failed",
				"tx_id", tx.ID,
				"chain_id", tx.ChainID,
				"error_kind", domain.ErrorKind(err),
				"error", err,
			)
			if domain.IsFatal(err) {
				p.fatal(err)
			}
		}
		span.End()
	}()

	snap := p.c.Policies.Current()
	if snap == nil {
		return nil, fmt.Errorf("%w: no live policy", domain.ErrInvalidPolicy)
	}

	hist, err := stage(ctx, "pipeline.history", func(ctx context.Context) (*domain.HistorySnapshot, error) {
		return p.c.History.Snapshot(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	fv, err := stage(ctx, "pipeline.extract", func(context.Context) (domain.FeatureVector, error) {
		return features.Extract(tx, hist)
	})
	if err != nil {
		return nil, err
	}

	ruleResult, err := stage(ctx, "pipeline.rules", func(ctx context.Context) (domain.RuleResult, error) {
		return p.c.Engine.EvaluateSet(ctx, snap.Rules, tx, fv, snap.Policy.Weights)
	})
	if err != nil {
		return nil, err
	}

	score, err := stage(ctx, "pipeline.model", func(ctx context.Context) (domain.RiskScore, error) {
		return p.c.Scorer.Score(ctx, fv, ruleResult, snap.Policy.ModelVersion)
	})
	if err != nil {
		return nil, err
	}

	d := p.c.Decider.Decide(tx, score, snap.Policy)

	seq, err := stage(ctx, "pipeline.audit", func(ctx context.Context) (uint64, error) {
		return p.c.Ledger.Append(ctx, domain.AuditEntry{
			TxID:     tx.ID,
			ChainID:  tx.ChainID,
			Features: fv,
			Rules:    ruleResult,
			Score:    score,
			Decision: *d,
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.Sequence(seq), telemetry.ModelVersion(score.ModelVersion))

	// The decision is recorded; history lag only affects later feature vectors.
	if err := p.c.History.RecordTransaction(ctx, tx); err != nil {
		slog.Warn("failed to record counterparty activity",
			"tx_id", tx.ID,
			"sequence", seq,
			"error", err,
		)
	}

	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome)).Inc()
	metrics.LedgerHeadSequence.Set(float64(seq))
	metrics.ObserveScoring(start)

	if decision.ShouldAlert(d) {
		p.notify(alert.NewAlert(seq, tx, d, ruleResult.TriggeredIDs()))
	}

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"chain_id", tx.ChainID,
		"sequence", seq,
		"outcome", d.Outcome,
		"score", score.Value,
		"model_version", score.ModelVersion,
		"policy_version", d.PolicyVersion,
		"rules_triggered", len(ruleResult.Triggered),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		Sequence: seq,
		Decision: d,
		Score:    score,
		Features: fv,
	}, nil
}

// fatal reports err to OnFatal once.
func (p *Pipeline) fatal(err error) {
	p.fatalOnce.Do(func() {
		slog.Error("fatal ledger error, stopping writer", "error", err)
		if p.opts.OnFatal != nil {
			p.opts.OnFatal(err)
		}
	})
}

// stage runs fn inside a child span.
func stage[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := telemetry.StartSpan(ctx, name)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		fail(span, err)
	}
	return v, err
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.ErrorKind(err))
}

// notify delivers an escalation in the background. Failures are logged and
// counted; they never affect the recorded decision.
func (p *Pipeline) notify(a *alert.Alert) {
	p.alerts.Add(1)
	go func() {
		defer p.alerts.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.AlertTimeout)
		defer cancel()

		if err := p.c.Notifier.Notify(ctx, a); err != nil {
			metrics.AlertsTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to deliver escalation",
				"tx_id", a.Decision.TxID,
				"sequence", a.Sequence,
				"error", err,
			)
			return
		}
		metrics.AlertsTotal.WithLabelValues("sent").Inc()
	}()
}

// WaitAlerts blocks until every pending escalation delivery has finished.
func (p *Pipeline) WaitAlerts() {
	p.alerts.Wait()
}

// BatchItem is the per-transaction outcome of ScoreBatch.
type BatchItem struct {
	Result *Result
	Err    error
}

// ScoreBatch scores independent transactions concurrently, at most
// BatchLimit at a time. Items fail independently; the returned slice is in
// input order. Transactions not yet started when ctx ends fail with the
// context error.
func (p *Pipeline) ScoreBatch(ctx context.Context, txs []*domain.Transaction) []BatchItem {
	items := make([]BatchItem, len(txs))

	var g errgroup.Group
	g.SetLimit(p.opts.BatchLimit)

	for i, tx := range txs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result, items[i].Err = p.Score(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()

	return items
}

// ReplayResult reports a re-scoring of a stored audit entry.
type ReplayResult struct {
	Entry    *domain.AuditEntry `json:"entry"`
	Rescored domain.RiskScore   `json:"rescored"`
	Match    bool               `json:"match"`
}

// Replay re-runs the model recorded on audit entry seq over its stored
// features and rule result. Nothing is appended.
func (p *Pipeline) Replay(ctx context.Context, seq uint64) (*ReplayResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.replay", telemetry.Sequence(seq))
	defer span.End()

	entry, err := p.c.Ledger.Get(ctx, seq)
	if err != nil {
		fail(span, err)
		return nil, err
	}

	rescored, match, err := p.c.Scorer.Replay(ctx, entry)
	if err != nil {
		fail(span, err)
		return nil, err
	}

	if !match {
		slog.Warn("replay mismatch",
			"sequence", seq,
			"tx_id", entry.TxID,
			"recorded", entry.Score.Value,
			"rescored", rescored.Value,
			"model_version", entry.Score.ModelVersion,
		)
	}

	return &ReplayResult{Entry: entry, Rescored: rescored, Match: match}, nil
}
