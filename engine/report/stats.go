package report

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// PhaseCounts are batch outcomes for one pipeline phase.
type PhaseCounts struct {
	Committed int64 `json:"committed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped,omitempty"`
}

// FailedBatch identifies a batch that was not committed.
type FailedBatch struct {
	BatchID  string   `json:"batch_id"`
	Phase    string   `json:"phase"`
	Attempts int      `json:"attempts"`
	Error    string   `json:"error"`
	Members  []string `json:"members"`
}

func (fb FailedBatch) detail() string {
	const shown = 20
	members := fb.Members
	suffix := ""
	if len(members) > shown {
		suffix = fmt.Sprintf(" (+%d more)", len(members)-shown)
		members = members[:shown]
	}
	return fmt.Sprintf("%s batch failed after %d attempt(s): %s; members: %s%s",
		fb.Phase, fb.Attempts, fb.Error, strings.Join(members, ","), suffix)
}

// EntityCounts summarizes entity processing.
type EntityCounts struct {
	Seen         int64 `json:"seen"`
	Mapped       int64 `json:"mapped"`
	Rejected     int64 `json:"rejected"`
	PropertySets int64 `json:"property_sets"`
	Materials    int64 `json:"materials"`
}

// FactCounts summarizes relationship facts.
type FactCounts struct {
	ByProvenance map[domain.Provenance]int64 `json:"by_provenance"`
	ByType       map[string]int64            `json:"by_type"`
	Duplicates   map[domain.Provenance]int64 `json:"duplicates"`
	Rejected     int64                       `json:"rejected"`
}

// WriteCounts are what committed batches reported writing.
type WriteCounts struct {
	Nodes          int64 `json:"nodes"`
	Edges          int64 `json:"edges"`
	EdgesUnmatched int64 `json:"edges_unmatched"`
}

// CacheCounts are identity cache lookups made while resolving endpoints
// that were not accepted in this run.
type CacheCounts struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats is the structured run report.
type Stats struct {
	RunID         string                       `json:"run_id,omitempty"`
	State         string                       `json:"state"`
	StartedAt     time.Time                    `json:"started_at"`
	Duration      time.Duration                `json:"-"`
	DurationSec   float64                      `json:"duration_seconds"`
	PeakHeapBytes uint64                       `json:"peak_heap_bytes"`
	Entities      EntityCounts                 `json:"entities"`
	Facts         FactCounts                   `json:"facts"`
	Writes        WriteCounts                  `json:"writes"`
	Cache         CacheCounts                  `json:"identity_cache"`
	Batches       map[string]PhaseCounts       `json:"batches"`
	Retries       int64                        `json:"retries"`
	Anomalies     map[domain.AnomalyKind]int64 `json:"anomalies"`
	FailedBatches []FailedBatch                `json:"failed_batches,omitempty"`
	Error         string                       `json:"error,omitempty"`
	ReportErrors  string                       `json:"report_errors,omitempty"`
}

// Snapshot returns the counters gathered so far. state and runErr describe
// where the run stands; they are copied into the report as is.
func (c *Collector) Snapshot(state string, runErr error) *Stats {
	now := c.opts.Clock()
	s := &Stats{
		RunID:         c.opts.RunID,
		State:         state,
		StartedAt:     c.start,
		Duration:      now.Sub(c.start),
		PeakHeapBytes: c.peakHeap.Load(),
		Entities: EntityCounts{
			Seen:         c.entitiesSeen.Load(),
			Mapped:       c.entitiesMapped.Load(),
			Rejected:     c.entitiesRejected.Load(),
			PropertySets: c.propertySets.Load(),
			Materials:    c.materials.Load(),
		},
		Writes: WriteCounts{
			Nodes:          c.nodesWritten.Load(),
			Edges:          c.edgesWritten.Load(),
			EdgesUnmatched: c.edgesUnmatched.Load(),
		},
		Cache: CacheCounts{
			Hits:   c.cacheHits.Load(),
			Misses: c.cacheMisses.Load(),
		},
		Retries: c.retries.Load(),
	}
	s.DurationSec = s.Duration.Seconds()
	if runErr != nil {
		s.Error = runErr.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.Facts = FactCounts{
		ByProvenance: maps.Clone(c.factsByProv),
		ByType:       maps.Clone(c.factsByType),
		Duplicates:   maps.Clone(c.dupsByProv),
		Rejected:     c.factsRejected,
	}
	s.Anomalies = maps.Clone(c.anomalies)
	s.Batches = make(map[string]PhaseCounts, len(c.batches))
	for name, p := range c.batches {
		s.Batches[name] = *p
	}
	s.FailedBatches = slices.Clone(c.failedBatches)
	if c.reportingError != nil {
		s.ReportErrors = c.reportingError.Error()
	}
	return s
}

// Finish snapshots the collector and records the run in metrics.
func (c *Collector) Finish(state string, runErr error) *Stats {
	s := c.Snapshot(state, runErr)
	if m := c.opts.Metrics; m != nil {
		m.RecordRun(state, s.Duration, s.PeakHeapBytes)
	}
	return s
}

// BatchesFailed is the number of failed batches over all phases.
func (s *Stats) BatchesFailed() int64 {
	var n int64
	for _, p := range s.Batches {
		n += p.Failed
	}
	return n
}

// AnomalyTotal is the number of anomalies of every kind.
func (s *Stats) AnomalyTotal() int64 {
	var n int64
	for _, v := range s.Anomalies {
		n += v
	}
	return n
}

// Perfect reports whether the run finished with no failed batch, no
// anomaly and no error.
func (s *Stats) Perfect() bool {
	return s.Error == "" && s.BatchesFailed() == 0 && s.AnomalyTotal() == 0
}

// JSON encodes the report, indented.
func (s *Stats) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Summary renders the report as flat key=value lines in a stable order.
func (s *Stats) Summary() string {
	var b strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&b, "%s=%v\n", k, v) }

	line("state", s.State)
	if s.RunID != "" {
		line("run_id", s.RunID)
	}
	line("duration", s.Duration.Round(time.Millisecond))
	line("peak_heap_mb", fmt.Sprintf("%.1f", float64(s.PeakHeapBytes)/(1<<20)))
	line("entities.seen", s.Entities.Seen)
	line("entities.mapped", s.Entities.Mapped)
	line("entities.rejected", s.Entities.Rejected)
	line("property_sets", s.Entities.PropertySets)
	line("materials", s.Entities.Materials)
	for _, p := range slices.Sorted(maps.Keys(s.Facts.ByProvenance)) {
		line("facts."+string(p), s.Facts.ByProvenance[p])
	}
	for _, t := range slices.Sorted(maps.Keys(s.Facts.ByType)) {
		line("facts.type."+t, s.Facts.ByType[t])
	}
	for _, p := range slices.Sorted(maps.Keys(s.Facts.Duplicates)) {
		line("facts.duplicate."+string(p), s.Facts.Duplicates[p])
	}
	line("facts.rejected", s.Facts.Rejected)
	line("writes.nodes", s.Writes.Nodes)
	line("writes.edges", s.Writes.Edges)
	if s.Writes.EdgesUnmatched > 0 {
		line("writes.edges_unmatched", s.Writes.EdgesUnmatched)
	}
	for _, name := range slices.Sorted(maps.Keys(s.Batches)) {
		p := s.Batches[name]
		line("batches."+name+".committed", p.Committed)
		line("batches."+name+".failed", p.Failed)
		if p.Skipped > 0 {
			line("batches."+name+".skipped", p.Skipped)
		}
	}
	line("identity_cache.hits", s.Cache.Hits)
	line("identity_cache.misses", s.Cache.Misses)
	line("retries", s.Retries)
	for _, k := range slices.Sorted(maps.Keys(s.Anomalies)) {
		line("anomalies."+string(k), s.Anomalies[k])
	}
	line("perfect", s.Perfect())
	if s.Error != "" {
		line("error", s.Error)
	}
	return b.String()
}
