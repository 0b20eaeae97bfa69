package retrypolicy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/internal/transport"
)

// fastPolicy keeps test delays negligible and deterministic.
func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         4 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

// mockSubmitter scripts one terminal state per (target, attempt) and
// counts submissions per target.
type mockSubmitter struct {
	mu     sync.Mutex
	script map[string][]fleet.State // outcome per attempt; last repeats
	errs   map[string]error         // error attached to failed states
	calls  map[string]int
}

func newMockSubmitter(script map[string][]fleet.State, errs map[string]error) *mockSubmitter {
	return &mockSubmitter{script: script, errs: errs, calls: map[string]int{}}
}

func (m *mockSubmitter) SubmitAttempt(ctx context.Context, op fleet.Operation, targets []*fleet.Target, attempt int) (map[string]*fleet.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string]*fleet.Execution, len(targets))
	for _, target := range targets {
		m.calls[target.Name]++
		states := m.script[target.Name]
		idx := attempt - 1
		if idx >= len(states) {
			idx = len(states) - 1
		}
		exec := &fleet.Execution{
			OperationID: op.ID,
			Target:      target.Name,
			Attempt:     attempt,
			State:       states[idx],
		}
		if exec.State != fleet.StateSucceeded {
			if err, ok := m.errs[target.Name]; ok {
				exec.Err = err
			}
		}
		results[target.Name] = exec
	}
	return results, nil
}

func (m *mockSubmitter) callCount(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[target]
}

func mkTargets(names ...string) []*fleet.Target {
	out := make([]*fleet.Target, 0, len(names))
	for _, n := range names {
		out = append(out, &fleet.Target{Name: n, Address: n, Kind: fleet.KindSSH})
	}
	return out
}

func TestRunnerRetriesOnlyFailedSubset(t *testing.T) {
	sub := newMockSubmitter(map[string][]fleet.State{
		"steady": {fleet.StateSucceeded},
		"flaky":  {fleet.StateTimedOut, fleet.StateSucceeded},
	}, nil)
	runner := NewRunner(sub, fastPolicy(3), nil)

	results, err := runner.Run(context.Background(),
		fleet.NewShellOp("true", 0, 0), mkTargets("steady", "flaky"))
	require.NoError(t, err)

	assert.Equal(t, 1, sub.callCount("steady"), "succeeded target must never be re-invoked")
	assert.Equal(t, 2, sub.callCount("flaky"))
	assert.Equal(t, fleet.StateSucceeded, results["steady"].State)
	assert.Equal(t, fleet.StateSucceeded, results["flaky"].State)
	assert.Equal(t, 2, results["flaky"].Attempt, "final outcome comes from the last attempt")
}

func TestRunnerGivesUpAtBudget(t *testing.T) {
	sub := newMockSubmitter(map[string][]fleet.State{
		"dead": {fleet.StateTimedOut},
	}, nil)
	runner := NewRunner(sub, fastPolicy(3), nil)

	results, err := runner.Run(context.Background(),
		fleet.NewShellOp("true", 0, 0), mkTargets("dead"))
	require.NoError(t, err)

	assert.Equal(t, 3, sub.callCount("dead"))
	assert.Equal(t, fleet.StateTimedOut, results["dead"].State)
}

func TestAuthRejectedNotRetried(t *testing.T) {
	sub := newMockSubmitter(
		map[string][]fleet.State{"locked": {fleet.StateFailed}},
		map[string]error{"locked": &transport.ConnError{
			Kind: transport.AuthRejected, Target: "locked", Err: errors.New("denied"),
		}},
	)
	runner := NewRunner(sub, fastPolicy(5), nil)

	results, err := runner.Run(context.Background(),
		fleet.NewShellOp("true", 0, 0), mkTargets("locked"))
	require.NoError(t, err)

	assert.Equal(t, 1, sub.callCount("locked"), "auth rejection must give up immediately")
	assert.Equal(t, fleet.StateFailed, results["locked"].State)
}

func TestEveryTargetAppearsOnce(t *testing.T) {
	sub := newMockSubmitter(map[string][]fleet.State{
		"a": {fleet.StateSucceeded},
		"b": {fleet.StateFailed, fleet.StateFailed, fleet.StateSucceeded},
		"c": {fleet.StateTimedOut},
	}, nil)
	runner := NewRunner(sub, fastPolicy(3), nil)

	results, err := runner.Run(context.Background(),
		fleet.NewShellOp("true", 0, 0), mkTargets("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, name := range []string{"a", "b", "c"} {
		assert.Contains(t, results, name)
	}
}

func TestRetryableClassification(t *testing.T) {
	p := Default(3)

	tests := []struct {
		name string
		exec *fleet.Execution
		want bool
	}{
		{"timed out", &fleet.Execution{State: fleet.StateTimedOut}, true},
		{"unreachable", &fleet.Execution{State: fleet.StateFailed,
			Err: &transport.ConnError{Kind: transport.Unreachable, Err: errors.New("x")}}, true},
		{"auth rejected", &fleet.Execution{State: fleet.StateFailed,
			Err: &transport.ConnError{Kind: transport.AuthRejected, Err: errors.New("x")}}, false},
		{"protocol mismatch", &fleet.Execution{State: fleet.StateFailed,
			Err: &transport.ConnError{Kind: transport.ProtocolMismatch, Err: errors.New("x")}}, false},
		{"nonzero exit", &fleet.Execution{State: fleet.StateFailed,
			Err: errors.New("dispatch: exit code 1"), ExitCode: 1, Exited: true}, true},
		{"succeeded", &fleet.Execution{State: fleet.StateSucceeded}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Retryable(tt.exec))
		})
	}
}

func TestDecideDelayGrowsAndCaps(t *testing.T) {
	p := fastPolicy(10)
	bo := p.NewBackOff()
	op := fleet.NewShellOp("true", 0, 0)
	failed := []*fleet.Execution{{State: fleet.StateTimedOut}}

	var last time.Duration
	for attempt := 1; attempt < 8; attempt++ {
		d := p.Decide(op, failed, attempt, bo)
		require.True(t, d.Retry)
		assert.LessOrEqual(t, d.Delay, p.MaxInterval)
		assert.GreaterOrEqual(t, d.Delay, last, "delay must not shrink")
		if d.Delay < p.MaxInterval {
			assert.Greater(t, d.Delay, last)
		}
		last = d.Delay
	}
}

func TestZeroBudgetMeansSingleAttempt(t *testing.T) {
	sub := newMockSubmitter(map[string][]fleet.State{
		"dead": {fleet.StateTimedOut},
	}, nil)
	p := fastPolicy(0) // neither the policy nor the op configures a budget
	runner := NewRunner(sub, p, nil)

	results, err := runner.Run(context.Background(),
		fleet.NewShellOp("true", 0, 0), mkTargets("dead"))
	require.NoError(t, err)

	assert.Equal(t, 1, sub.callCount("dead"), "an unconfigured budget must not retry forever")
	assert.Equal(t, fleet.StateTimedOut, results["dead"].State)
}

func TestDecideHonorsOperationBudget(t *testing.T) {
	p := fastPolicy(10)
	bo := p.NewBackOff()
	op := fleet.NewShellOp("true", 0, 2) // operation overrides policy budget
	failed := []*fleet.Execution{{State: fleet.StateTimedOut}}

	assert.True(t, p.Decide(op, failed, 1, bo).Retry)
	assert.False(t, p.Decide(op, failed, 2, bo).Retry)
}
