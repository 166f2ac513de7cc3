package report

import (
	"maps"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// RunCompletedSubject is the NATS subject a finished run is announced on.
const RunCompletedSubject = "ifcgraph.run.completed"

// RunEvent is the compact announcement of a finished run.
type RunEvent struct {
	RunID         string                       `json:"run_id"`
	State         string                       `json:"state"`
	Perfect       bool                         `json:"perfect"`
	DurationSec   float64                      `json:"duration_seconds"`
	NodesWritten  int64                        `json:"nodes_written"`
	EdgesWritten  int64                        `json:"edges_written"`
	Anomalies     map[domain.AnomalyKind]int64 `json:"anomalies,omitempty"`
	FailedBatches []string                     `json:"failed_batches,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// NewRunEvent summarizes s for subscribers.
func NewRunEvent(s *Stats) RunEvent {
	ev := RunEvent{
		RunID:        s.RunID,
		State:        s.State,
		Perfect:      s.Perfect(),
		DurationSec:  s.DurationSec,
		NodesWritten: s.Writes.Nodes,
		EdgesWritten: s.Writes.Edges,
		Error:        s.Error,
	}
	if len(s.Anomalies) > 0 {
		ev.Anomalies = maps.Clone(s.Anomalies)
	}
	for _, fb := range s.FailedBatches {
		ev.FailedBatches = append(ev.FailedBatches, fb.BatchID)
	}
	return ev
}
