// Package pipeline runs a transformation: it applies the schema, streams the
// model through identity resolution and mapping, commits the spatial tree
// level by level, then element and relationship batches on a worker pool,
// and finishes with the run report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/checkpoint"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/identity"
	"github.com/WessleyAI/ifcgraph/engine/mapper"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/engine/report"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/WessleyAI/ifcgraph/engine/source"
	"github.com/WessleyAI/ifcgraph/pkg/fn"
	"github.com/WessleyAI/ifcgraph/pkg/metrics"
	"github.com/WessleyAI/ifcgraph/pkg/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize  = 500
	DefaultWorkers    = 4
	DefaultClearChunk = 10000
)

var tracer = otel.Tracer("engine/pipeline")

// Store is the graph database as the pipeline uses it.
type Store interface {
	schema.Catalog
	CommitBatch(ctx context.Context, b graph.Batch) (graph.WriteSummary, error)
	ClearAll(ctx context.Context, chunk int) (int64, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

var _ Store = (*graph.GraphStore)(nil)

// Config tunes a run.
type Config struct {
	BatchSize int
	Workers   int
	Retry     fn.RetryOpts
	Breaker   resilience.BreakerOpts
	// Strict aborts the run on the first batch that fails after retries.
	Strict bool
	// ClearBeforeRun deletes the whole graph before writing.
	ClearBeforeRun bool
	ClearChunk     int
	// ResetSchema drops the declared constraints and indexes before they
	// are applied again.
	ResetSchema bool
	// Resume skips batches the checkpoint ledger has recorded for the
	// same input fingerprint. It excludes ClearBeforeRun, which would
	// delete what those batches wrote.
	Resume bool
	// CommitsPerSecond limits commit starts. Zero means unlimited.
	CommitsPerSecond float64
	CacheSize        int
	SampleInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = fn.DefaultRetry
	}
	if c.ClearChunk <= 0 {
		c.ClearChunk = DefaultClearChunk
	}
	if c.CacheSize <= 0 {
		c.CacheSize = identity.DefaultCacheSize
	}
	return c
}

// Deps holds the collaborators of a run. Store, Model and Registry are
// required; the rest may be nil.
type Deps struct {
	Store    Store
	Model    source.Model
	Topology source.Topology
	Registry *schema.Registry

	RunID string
	// Ledger and Fingerprint enable checkpoints.
	Ledger      *checkpoint.Ledger
	Fingerprint string

	AnomalyLog *report.AnomalyLog
	Sink       report.Sink
	Metrics    *metrics.Registry
	// Notify is called with the final report, for example to publish a
	// run-completed event. Its error is logged only.
	Notify func(ctx context.Context, stats *report.Stats) error
	Logger *slog.Logger
	Clock  func() time.Time
}

// Pipeline is a single run. It is not reusable.
type Pipeline struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	runID string

	collector *report.Collector
	ids       *identity.Set
	resolver  *identity.Resolver
	mapper    *mapper.Mapper
	cache     *identity.Cache
	merger    *merge.Merger
	breaker   *resilience.Breaker
	limiter   *rate.Limiter
	committed map[string]bool

	mu      sync.Mutex
	state   State
	history []State
}

// New validates deps and prepares a run.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store required")
	case deps.Model == nil:
		return nil, errors.New("pipeline: model required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: schema registry required")
	case deps.Ledger != nil && deps.Fingerprint == "":
		return nil, errors.New("pipeline: checkpoints need an input fingerprint")
	case cfg.Resume && cfg.ClearBeforeRun:
		return nil, errors.New("pipeline: resume cannot be combined with clearing the graph")
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger,
		runID:    deps.RunID,
		ids:      identity.NewSet(),
		resolver: identity.NewResolver(deps.Registry),
		mapper:   mapper.New(deps.Registry),
		state:    StateInit,
	}
	p.collector = report.New(report.Options{
		RunID:   deps.RunID,
		Log:     deps.AnomalyLog,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
		Clock:   deps.Clock,
	})
	cache, err := identity.NewCache(cfg.CacheSize, p.existingIDs)
	if err != nil {
		return nil, err
	}
	p.cache = cache
	p.merger = merge.New(deps.Registry, p.ids, cache, p.collector)

	bopts := cfg.Breaker
	bopts.Counts = graph.IsConnectivity
	bopts.OnStateChange = func(s resilience.State) {
		p.log.Warn("pipeline: commit breaker", "run_id", p.runID, "state", s.String())
		if deps.Metrics != nil {
			deps.Metrics.SetBreakerOpen(s == resilience.StateOpen)
		}
	}
	p.breaker = resilience.NewBreaker(bopts)
	if cfg.CommitsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.CommitsPerSecond), cfg.Workers)
	}
	return p, nil
}

// RunID identifies the run in logs, reports and checkpoints.
func (p *Pipeline) RunID() string { return p.runID }

// Collector exposes the live counters of the run.
func (p *Pipeline) Collector() *report.Collector { return p.collector }

// Run executes the transformation. It returns the report even when the run
// failed; the error says why it stopped. Failed batches in a non-strict run
// are not an error: check Stats.Perfect.
func (p *Pipeline) Run(ctx context.Context) (*report.Stats, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", p.runID)))
	defer span.End()

	stopSampler := p.collector.StartSampler(ctx, p.cfg.SampleInterval)
	runErr := p.execute(ctx)
	stopSampler()

	if runErr != nil {
		p.move(StateFailed)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return p.finish(ctx, StateFailed, runErr), runErr
	}
	p.move(StateReporting)
	stats := p.finish(ctx, StateDone, nil)
	p.move(StateDone)
	return stats, nil
}

func (p *Pipeline) execute(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		return err
	}
	if err := p.phase(ctx, "schema", p.applySchema); err != nil {
		return err
	}
	p.move(StateSchemaApplied)

	p.move(StateStreaming)
	spatial, err := p.scanEntities(ctx)
	if err != nil {
		return err
	}
	if err := p.phase(ctx, "hierarchy", func(ctx context.Context) error {
		return p.commitHierarchy(ctx, spatial)
	}); err != nil {
		return err
	}
	if err := p.phase(ctx, "elements", p.commitElements); err != nil {
		return err
	}
	var rels *committer
	if err := p.phase(ctx, "relationships", func(ctx context.Context) (err error) {
		rels, err = p.submitRelationships(ctx)
		return err
	}); err != nil {
		return err
	}
	p.move(StateCommitting)
	return p.phase(ctx, "drain", func(context.Context) error { return rels.wait() })
}

// start opens the run in the checkpoint ledger and loads prior progress.
func (p *Pipeline) start(ctx context.Context) error {
	l := p.deps.Ledger
	if l == nil {
		return nil
	}
	if err := l.StartRun(ctx, p.runID, p.deps.Fingerprint, p.cfg.Resume); err != nil {
		return err
	}
	done, err := l.Committed(ctx, p.deps.Fingerprint)
	if err != nil {
		return err
	}
	p.committed = done
	if len(done) > 0 {
		p.log.Info("pipeline: resuming", "run_id", p.runID, "committed_batches", len(done))
	}
	return nil
}

func (p *Pipeline) applySchema(ctx context.Context) error {
	reg := p.deps.Registry
	if p.cfg.ResetSchema {
		if err := reg.Drop(ctx, p.deps.Store); err != nil {
			return err
		}
	}
	plan, err := reg.Apply(ctx, p.deps.Store)
	if err != nil {
		return err
	}
	p.log.Info("pipeline: schema applied", "run_id", p.runID,
		"present", len(plan.Present), "created", len(plan.Statements))

	if p.cfg.ClearBeforeRun {
		n, err := p.deps.Store.ClearAll(ctx, p.cfg.ClearChunk)
		if err != nil {
			return err
		}
		p.log.Info("pipeline: graph cleared", "run_id", p.runID, "nodes_deleted", n)
	}
	return nil
}

// phase runs f in its own span with entry and exit logging.
func (p *Pipeline) phase(ctx context.Context, name string, f func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	p.log.Info("stage.enter", "run_id", p.runID, "stage", name)
	start := time.Now()
	err := f(ctx)
	p.log.Info("stage.exit", "run_id", p.runID, "stage", name, "duration", time.Since(start), "ok", err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// finish records the final state and hands the report to its outputs.
// Output failures are logged and leave the result alone.
func (p *Pipeline) finish(ctx context.Context, final State, runErr error) *report.Stats {
	p.collector.CacheLookups(p.cache.Stats())
	stats := p.collector.Finish(string(final), runErr)
	out, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if l := p.deps.Ledger; l != nil {
		if err := l.FinishRun(out, p.runID, string(final)); err != nil {
			p.log.Warn("pipeline: checkpoint finish", "run_id", p.runID, "err", err)
		}
	}
	if p.deps.Sink != nil {
		// The collector logs its own output failures.
		_ = p.collector.Publish(out, p.deps.Sink, stats)
	}
	if p.deps.Notify != nil {
		if err := p.deps.Notify(out, stats); err != nil {
			p.log.Warn("pipeline: run event not sent", "run_id", p.runID, "err", err)
		}
	}
	p.log.Info("pipeline: finished", "run_id", p.runID, "state", string(final),
		"duration", stats.Duration, "anomalies", stats.AnomalyTotal(), "failed_batches", stats.BatchesFailed())
	return stats
}
