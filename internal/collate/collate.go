// Package collate reduces per-target executions into a summary for the
// presentation layer. Pure functions only.
package collate

import (
	"errors"
	"sort"

	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/internal/transport"
)

// Outcome is one target's terminal result.
type Outcome struct {
	Target         string      `json:"target"`
	State          fleet.State `json:"-"`
	StateName      string      `json:"state"`
	Attempts       int         `json:"attempts"`
	ExitCode       int         `json:"exit_code"`
	Exited         bool        `json:"exited"`
	ErrKind        string      `json:"error_kind,omitempty"`
	Error          string      `json:"error,omitempty"`
	RetryExhausted bool        `json:"retry_exhausted,omitempty"`
}

// Summary aggregates a completed run. Every target appears exactly once
// in Outcomes, sorted by name.
type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	TimedOut  int       `json:"timed_out"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Summarize reduces the execution map to a Summary. Calling it twice on
// the same input yields identical values.
func Summarize(execs map[string]*fleet.Execution) Summary {
	s := Summary{Total: len(execs), Outcomes: make([]Outcome, 0, len(execs))}

	for name, exec := range execs {
		o := Outcome{
			Target:    name,
			State:     exec.State,
			StateName: exec.State.String(),
			Attempts:  exec.Attempt,
			ExitCode:  exec.ExitCode,
			Exited:    exec.Exited,
		}
		if exec.Err != nil {
			o.Error = exec.Err.Error()
			var connErr *transport.ConnError
			if errors.As(exec.Err, &connErr) {
				o.ErrKind = connErr.Kind.String()
			}
		}

		switch exec.State {
		case fleet.StateSucceeded:
			s.Succeeded++
		case fleet.StateFailed:
			s.Failed++
		case fleet.StateTimedOut:
			s.TimedOut++
		}
		s.Outcomes = append(s.Outcomes, o)
	}

	sort.Slice(s.Outcomes, func(i, j int) bool {
		return s.Outcomes[i].Target < s.Outcomes[j].Target
	})
	return s
}

// MarkExhausted flags targets that stayed non-succeeded after the retry
// budget ran out. Returns a copy; the input summary is not mutated.
func MarkExhausted(s Summary, maxAttempts int) Summary {
	out := s
	out.Outcomes = make([]Outcome, len(s.Outcomes))
	copy(out.Outcomes, s.Outcomes)
	for i := range out.Outcomes {
		o := &out.Outcomes[i]
		if o.State != fleet.StateSucceeded && maxAttempts > 0 && o.Attempts >= maxAttempts {
			o.RetryExhausted = true
		}
	}
	return out
}
