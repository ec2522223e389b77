package harness

import (
	"github.com/roach88/questlog/internal/scoring"
)

// TraceEvent records one executed step and the state right after it.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Step    string `json:"step"`
	Detail  string `json:"detail,omitempty"`
	OK      bool   `json:"ok"`
	XP      int    `json:"xp"`
	Coins   int    `json:"coins"`
	Rank    string `json:"rank"`
	Pending int    `json:"pending"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as expected and all assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final state, recomputed at the final clock time.
	State scoring.WireState `json:"state"`

	// Pending is the number of changes still unacknowledged at the end.
	Pending int `json:"pending"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

// Count returns the number of trace events for a step kind.
func (r *Result) Count(step string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Step == step {
			n++
		}
	}
	return n
}
