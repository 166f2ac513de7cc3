// Package report accumulates per-run counters and produces the run report.
package report

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/pkg/metrics"
)

// Fact outcomes as exported to metrics.
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
)

// Options wires optional outputs into a Collector.
type Options struct {
	RunID   string
	Log     *AnomalyLog
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// Clock is used for timestamps. Nil means time.Now.
	Clock func() time.Time
}

// Collector is safe for concurrent use by pipeline workers.
type Collector struct {
	opts  Options
	start time.Time

	entitiesSeen     atomic.Int64
	entitiesMapped   atomic.Int64
	entitiesRejected atomic.Int64
	propertySets     atomic.Int64
	materials        atomic.Int64
	nodesWritten     atomic.Int64
	edgesWritten     atomic.Int64
	edgesUnmatched   atomic.Int64
	retries          atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	peakHeap         atomic.Uint64

	mu             sync.Mutex
	factsByProv    map[domain.Provenance]int64
	factsByType    map[string]int64
	dupsByProv     map[domain.Provenance]int64
	factsRejected  int64
	anomalies      map[domain.AnomalyKind]int64
	batches        map[string]*PhaseCounts
	failedBatches  []FailedBatch
	reportingError error
}

var _ merge.Observer = (*Collector)(nil)

// New creates a collector and starts its wall clock.
func New(opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Collector{
		opts:        opts,
		start:       opts.Clock(),
		factsByProv: map[domain.Provenance]int64{},
		factsByType: map[string]int64{},
		dupsByProv:  map[domain.Provenance]int64{},
		anomalies:   map[domain.AnomalyKind]int64{},
		batches:     map[string]*PhaseCounts{},
	}
}

// EntitySeen counts an entity read from the source.
func (c *Collector) EntitySeen() { c.entitiesSeen.Add(1) }

// EntityMapped counts an entity turned into a write operation.
func (c *Collector) EntityMapped(cat domain.Category, propertySets, materials int) {
	c.entitiesMapped.Add(1)
	c.propertySets.Add(int64(propertySets))
	c.materials.Add(int64(materials))
	if m := c.opts.Metrics; m != nil {
		m.EntitiesTotal.WithLabelValues(string(cat), "mapped").Inc()
	}
}

// EntityRejected counts an entity excluded from the graph.
func (c *Collector) EntityRejected(cat domain.Category) {
	c.entitiesRejected.Add(1)
	if m := c.opts.Metrics; m != nil {
		m.EntitiesTotal.WithLabelValues(string(cat), "rejected").Inc()
	}
}

// FactAccepted counts a fact that produced an edge operation.
func (c *Collector) FactAccepted(op merge.EdgeOp) {
	c.mu.Lock()
	c.factsByProv[op.Provenance]++
	c.factsByType[op.Type]++
	c.mu.Unlock()
	if m := c.opts.Metrics; m != nil {
		m.FactsTotal.WithLabelValues(string(op.Provenance), outcomeAccepted).Inc()
	}
}

// FactDuplicate counts a fact already emitted earlier in the run.
func (c *Collector) FactDuplicate(op merge.EdgeOp) {
	c.mu.Lock()
	c.dupsByProv[op.Provenance]++
	c.mu.Unlock()
	if m := c.opts.Metrics; m != nil {
		m.FactsTotal.WithLabelValues(string(op.Provenance), outcomeDuplicate).Inc()
	}
}

// Anomaly records a per-item rejection and appends it to the anomaly log.
func (c *Collector) Anomaly(a *domain.Anomaly) {
	c.mu.Lock()
	c.anomalies[a.Kind]++
	if factKind(a.Kind) {
		c.factsRejected++
	}
	c.mu.Unlock()

	if m := c.opts.Metrics; m != nil {
		m.AnomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
	}
	if c.opts.Log != nil {
		if err := c.opts.Log.Write(a, c.opts.Clock()); err != nil {
			c.reportingFailed(err)
		}
	}
}

func factKind(k domain.AnomalyKind) bool {
	switch k {
	case domain.KindDanglingReference, domain.KindSelfRelationship, domain.KindUnknownRelType:
		return true
	}
	return false
}

// CacheLookups records the identity cache hits and misses of the run.
func (c *Collector) CacheLookups(hits, misses int64) {
	c.cacheHits.Add(hits)
	c.cacheMisses.Add(misses)
	if m := c.opts.Metrics; m != nil {
		m.RecordCacheLookups(hits, misses)
	}
}

// Retry counts one retried commit attempt.
func (c *Collector) Retry(phase string) {
	c.retries.Add(1)
	if m := c.opts.Metrics; m != nil {
		m.BatchRetries.WithLabelValues(phase).Inc()
	}
}

// BatchCommitted records a committed batch and what it wrote.
func (c *Collector) BatchCommitted(phase string, sum graph.WriteSummary, took time.Duration) {
	c.nodesWritten.Add(sum.Nodes)
	c.edgesWritten.Add(sum.Edges)
	c.edgesUnmatched.Add(sum.EdgesUnmatched)
	c.phase(phase, func(p *PhaseCounts) { p.Committed++ })
	if m := c.opts.Metrics; m != nil {
		m.RecordBatch(phase, "committed", took)
	}
}

// BatchSkipped records a batch already committed by an earlier run.
func (c *Collector) BatchSkipped(phase string) {
	c.phase(phase, func(p *PhaseCounts) { p.Skipped++ })
	if m := c.opts.Metrics; m != nil {
		m.RecordBatch(phase, "skipped", 0)
	}
}

// BatchFailed records a batch given up on after retries. It is also logged
// as a BatchCommitFailure anomaly naming the member ids.
func (c *Collector) BatchFailed(fb FailedBatch, took time.Duration) {
	c.phase(fb.Phase, func(p *PhaseCounts) { p.Failed++ })
	c.mu.Lock()
	c.failedBatches = append(c.failedBatches, fb)
	c.mu.Unlock()
	if m := c.opts.Metrics; m != nil {
		m.RecordBatch(fb.Phase, "failed", took)
	}
	c.Anomaly(domain.NewAnomaly(domain.KindBatchCommitFailure, fb.BatchID, fb.detail()))
}

func (c *Collector) phase(name string, f func(*PhaseCounts)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.batches[name]
	if !ok {
		p = &PhaseCounts{}
		c.batches[name] = p
	}
	f(p)
}

// SampleMemory records the current heap in use if it is a new peak.
func (c *Collector) SampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	for {
		cur := c.peakHeap.Load()
		if ms.HeapInuse <= cur || c.peakHeap.CompareAndSwap(cur, ms.HeapInuse) {
			return
		}
	}
}

// StartSampler samples memory every interval until ctx is done or the
// returned stop function is called.
func (c *Collector) StartSampler(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.SampleMemory()
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SampleMemory()
			}
		}
	}()
	return func() {
		cancel()
		<-done
		c.SampleMemory()
	}
}

// reportingFailed notes a failure of an optional output. Only the first is
// logged; none of them change the run result.
func (c *Collector) reportingFailed(err error) {
	c.mu.Lock()
	first := c.reportingError == nil
	c.reportingError = errors.Join(c.reportingError, err)
	c.mu.Unlock()
	if first {
		c.opts.Logger.Warn("report: output failed", "run_id", c.opts.RunID, "err", err)
	}
}
