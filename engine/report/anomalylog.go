package report

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// AnomalyEntry is one line of the anomaly log.
type AnomalyEntry struct {
	Kind   domain.AnomalyKind `json:"kind"`
	ID     string             `json:"id,omitempty"`
	Reason string             `json:"reason"`
	Detail string             `json:"detail,omitempty"`
	At     time.Time          `json:"at"`
}

// AnomalyLog writes anomalies as JSON lines. It is safe for concurrent use.
type AnomalyLog struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int64
}

// NewAnomalyLog writes to w. The caller owns w.
func NewAnomalyLog(w io.Writer) *AnomalyLog {
	return &AnomalyLog{enc: json.NewEncoder(w)}
}

// Write appends one anomaly.
func (l *AnomalyLog) Write(a *domain.Anomaly, at time.Time) error {
	entry := AnomalyEntry{
		Kind:   a.Kind,
		ID:     a.ID,
		Detail: a.Detail,
		At:     at.UTC(),
	}
	if a.Wrapped != nil {
		entry.Reason = a.Wrapped.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		return err
	}
	l.n++
	return nil
}

// Len is the number of lines written.
func (l *AnomalyLog) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}
