package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/report"
	"github.com/WessleyAI/ifcgraph/pkg/fn"
	"github.com/WessleyAI/ifcgraph/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// pending is a cut batch with its stable id. Ids only depend on the input
// and the batch size, so a rerun cuts the same batches.
type pending struct {
	id    string
	phase string
	batch graph.Batch
}

func (b pending) members() []string {
	out := make([]string, 0, len(b.batch.Nodes)+len(b.batch.Edges))
	for _, n := range b.batch.Nodes {
		out = append(out, n.ID)
	}
	for _, e := range b.batch.Edges {
		out = append(out, e.SourceID+"-["+e.Type+"]->"+e.TargetID)
	}
	return out
}

// committer feeds one phase's batches to the worker pool.
type committer struct {
	p      *Pipeline
	phase  string
	prefix string
	seq    int

	parent context.Context
	ctx    context.Context // done on the first fatal batch error or with parent
	g      *errgroup.Group
}

func (p *Pipeline) newCommitter(ctx context.Context, phase, prefix string) *committer {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	return &committer{p: p, phase: phase, prefix: prefix, parent: ctx, ctx: gctx, g: g}
}

// submit hands b to the pool, blocking while every worker is busy. It only
// fails once submission has to stop; the cause is then reported by wait.
func (c *committer) submit(b graph.Batch) error {
	if b.Empty() {
		return nil
	}
	c.seq++
	pb := pending{id: fmt.Sprintf("%s-%06d", c.prefix, c.seq), phase: c.phase, batch: b}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	if c.p.committed[pb.id] {
		c.p.collector.BatchSkipped(pb.phase)
		return nil
	}
	c.g.Go(func() error {
		if c.ctx.Err() != nil {
			return nil
		}
		return c.p.commit(c.ctx, pb)
	})
	return nil
}

// wait drains in-flight batches and returns the first fatal error, or the
// cancellation of the parent context.
func (c *committer) wait() error {
	if err := c.g.Wait(); err != nil {
		return err
	}
	return c.parent.Err()
}

// stop ends a phase after a submission-side error.
func (c *committer) stop(err error) error {
	stopped := c.ctx.Err() != nil
	werr := c.wait()
	if stopped && werr != nil {
		return werr
	}
	return errors.Join(err, werr)
}

// commit writes one batch with retries behind the breaker. Attempts run on a
// context detached from cancellation so an in-flight batch always
// finishes; ctx decides whether another attempt is worth making and ends
// a backoff sleep.
// Only strict mode and lost connectivity make a failure fatal.
func (p *Pipeline) commit(ctx context.Context, b pending) error {
	cctx, span := tracer.Start(context.WithoutCancel(ctx), "pipeline.commit", trace.WithAttributes(
		attribute.String("batch_id", b.id),
		attribute.String("phase", b.phase),
		attribute.Int("nodes", len(b.batch.Nodes)),
		attribute.Int("edges", len(b.batch.Edges)),
	))
	defer span.End()
	if m := p.deps.Metrics; m != nil {
		m.BatchesInFlight.Inc()
		defer m.BatchesInFlight.Dec()
	}
	start := time.Now()
	if p.limiter != nil {
		if err := p.limiter.Wait(cctx); err != nil {
			return err
		}
	}

	attempts := 0
	opts := p.cfg.Retry
	opts.Retryable = func(err error) bool { return ctx.Err() == nil && graph.IsTransient(err) }
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.collector.Retry(b.phase)
		p.log.Warn("pipeline: commit retry", "run_id", p.runID, "batch_id", b.id,
			"attempt", attempt, "wait", wait, "err", err)
	}
	// Backoff sleeps end with ctx; each attempt runs detached.
	res := fn.Retry(ctx, opts, func(context.Context) fn.Result[graph.WriteSummary] {
		attempts++
		return resilience.CallResult(p.breaker, cctx, func(ctx context.Context) fn.Result[graph.WriteSummary] {
			return fn.FromPair(p.deps.Store.CommitBatch(ctx, b.batch))
		})
	})
	took := time.Since(start)

	sum, err := res.Unwrap()
	if err == nil {
		p.collector.BatchCommitted(b.phase, sum, took)
		span.SetAttributes(attribute.Int64("edges_unmatched", sum.EdgesUnmatched))
		if l := p.deps.Ledger; l != nil {
			if err := l.MarkCommitted(cctx, p.runID, p.deps.Fingerprint, b.id, b.phase); err != nil {
				p.log.Warn("pipeline: checkpoint not recorded", "run_id", p.runID, "batch_id", b.id, "err", err)
			}
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.collector.BatchFailed(report.FailedBatch{
		BatchID:  b.id,
		Phase:    b.phase,
		Attempts: attempts,
		Error:    err.Error(),
		Members:  b.members(),
	}, took)
	p.log.Error("pipeline: batch failed", "run_id", p.runID, "batch_id", b.id, "phase", b.phase,
		"attempts", attempts, "err", err)

	berr := &domain.BatchError{BatchID: b.id, Phase: b.phase, Attempts: attempts, Wrapped: err}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", domain.ErrConnectivityLost, berr)
	}
	if p.cfg.Strict {
		return berr
	}
	return nil
}

// existingIDs backs the identity cache, retrying transient read failures.
func (p *Pipeline) existingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	opts := p.cfg.Retry
	opts.Retryable = graph.IsTransient
	return fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[map[string]bool] {
		return fn.FromPair(p.deps.Store.ExistingIDs(ctx, ids))
	}).Unwrap()
}
