package pipeline

import "fmt"

// State is a stage of a run. Done and Failed are terminal; a failed run is
// reported from Failed.
type State string

const (
	StateInit          State = "Init"
	StateSchemaApplied State = "SchemaApplied"
	StateStreaming     State = "Streaming"
	StateCommitting    State = "Committing"
	StateReporting     State = "Reporting"
	StateDone          State = "Done"
	StateFailed        State = "Failed"
)

var transitions = map[State][]State{
	StateInit:          {StateSchemaApplied, StateFailed},
	StateSchemaApplied: {StateStreaming, StateFailed},
	StateStreaming:     {StateCommitting, StateFailed},
	StateCommitting:    {StateReporting, StateFailed},
	StateReporting:     {StateDone},
}

func (s State) canMove(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// move advances the run. An illegal transition is a programming error.
func (p *Pipeline) move(to State) {
	p.mu.Lock()
	from := p.state
	if !from.canMove(to) {
		p.mu.Unlock()
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", from, to))
	}
	p.state = to
	p.history = append(p.history, to)
	p.mu.Unlock()
	p.log.Info("pipeline.state", "run_id", p.runID, "from", string(from), "to", string(to))
}

// State returns the current state of the run.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns every state the run has entered, in order.
func (p *Pipeline) History() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State{StateInit}, p.history...)
}
