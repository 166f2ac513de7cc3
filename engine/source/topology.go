package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

const maxLine = 4 << 20

// TopologyFile is a Topology backed by a JSON-lines file of facts, one per
// line. Every fact is tagged geometry-analysis.
type TopologyFile struct {
	Path string
}

var _ Topology = TopologyFile{}

// ResolveTopology decides once whether derived facts are available. It
// returns nil when analysis is disabled or its output cannot be read.
func ResolveTopology(enabled bool, path string, logger *slog.Logger) Topology {
	if !enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("topology: analyzer output unavailable, derived relationships disabled", "path", path, "err", err)
		return nil
	}
	f.Close()
	return TopologyFile{Path: path}
}

func (t TopologyFile) Facts() iter.Seq2[domain.RelationshipFact, error] {
	return func(yield func(domain.RelationshipFact, error) bool) {
		f, err := os.Open(t.Path)
		if err != nil {
			yield(domain.RelationshipFact{}, fmt.Errorf("topology: %w", err))
			return
		}
		defer f.Close()
		for fact, err := range ReadFacts(f) {
			if !yield(fact, err) {
				return
			}
		}
	}
}

// ReadFacts decodes JSON-lines facts from r. Blank lines are skipped; a line
// that does not decode is reported as an anomaly.
func ReadFacts(r io.Reader) iter.Seq2[domain.RelationshipFact, error] {
	return func(yield func(domain.RelationshipFact, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), maxLine)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var fact domain.RelationshipFact
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&fact); err != nil {
				a := domain.NewAnomaly(domain.KindUnsupportedValue, fmt.Sprintf("line %d", line), "decode: "+err.Error())
				if !yield(domain.RelationshipFact{}, a) {
					return
				}
				continue
			}
			fact.Provenance = domain.ProvenanceDerived
			if !yield(fact, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(domain.RelationshipFact{}, fmt.Errorf("topology: line %d: %w", line+1, err))
		}
	}
}
