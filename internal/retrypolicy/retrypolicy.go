// Package retrypolicy decides whether and when failed targets get another
// attempt, and drives the submit/collect/retry loop. Only the failed
// subset is ever re-submitted.
package retrypolicy

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/internal/lg"
	"github.com/akarev/fleetexec/internal/transport"
)

// Decision is the outcome of one retry deliberation: retry after Delay,
// or give up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy holds the retry budget and the exponential delay shape.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Default returns the standard policy: exponential delay from 500ms,
// half-width jitter, capped at 5s.
func Default(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
	}
}

// NewBackOff builds a fresh delay source for one run. The backoff is
// stateful, so every run gets its own.
func (p Policy) NewBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		MaxInterval:         p.MaxInterval,
		Multiplier:          p.Multiplier,
		RandomizationFactor: p.RandomizationFactor,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	b.Reset()
	return b
}

// Retryable reports whether an execution's failure class permits another
// attempt. Auth rejections and protocol mismatches will not heal on
// retry; timeouts and reachability failures might.
func (p Policy) Retryable(exec *fleet.Execution) bool {
	switch exec.State {
	case fleet.StateTimedOut:
		return true
	case fleet.StateFailed:
		var connErr *transport.ConnError
		if errors.As(exec.Err, &connErr) {
			switch connErr.Kind {
			case transport.AuthRejected, transport.ProtocolMismatch:
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Decide applies the budget and failure classification to the failed
// executions of the given attempt. The operation's own MaxAttempts, when
// set, overrides the policy budget.
func (p Policy) Decide(op fleet.Operation, failed []*fleet.Execution, attempt int, bo backoff.BackOff) Decision {
	budget := p.MaxAttempts
	if op.MaxAttempts > 0 {
		budget = op.MaxAttempts
	}
	// An unconfigured budget must not mean unbounded: the attempt count is
	// the only thing guaranteed to stop a persistently failing target.
	if budget < 1 {
		budget = 1
	}
	if attempt >= budget {
		return Decision{}
	}

	retryable := false
	for _, exec := range failed {
		if p.Retryable(exec) {
			retryable = true
			break
		}
	}
	if !retryable {
		return Decision{}
	}

	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return Decision{}
	}
	return Decision{Retry: true, Delay: delay}
}

// Submitter is the dispatcher surface the runner drives. Narrow on
// purpose so tests can count per-target submissions.
type Submitter interface {
	SubmitAttempt(ctx context.Context, op fleet.Operation, targets []*fleet.Target, attempt int) (map[string]*fleet.Execution, error)
}

// Runner drives attempts until every target succeeds, the budget runs
// out, or only non-retryable failures remain. Succeeded targets are never
// re-submitted.
type Runner struct {
	submitter Submitter
	policy    Policy
	logger    lg.Logger
}

func NewRunner(submitter Submitter, policy Policy, logger lg.Logger) *Runner {
	if logger == nil {
		logger = lg.Discard
	}
	return &Runner{submitter: submitter, policy: policy, logger: logger}
}

// Run returns the final execution per target: the last attempt's outcome
// replaces earlier ones, so the map always covers every target exactly
// once.
func (r *Runner) Run(ctx context.Context, op fleet.Operation, targets []*fleet.Target) (map[string]*fleet.Execution, error) {
	results, err := r.submitter.SubmitAttempt(ctx, op, targets, 1)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*fleet.Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}

	bo := r.policy.NewBackOff()
	attempt := 1
	for {
		var failedExecs []*fleet.Execution
		for _, exec := range results {
			if r.policy.Retryable(exec) {
				failedExecs = append(failedExecs, exec)
			}
		}
		if len(failedExecs) == 0 {
			return results, nil
		}

		decision := r.policy.Decide(op, failedExecs, attempt, bo)
		if !decision.Retry {
			r.logger.Info("giving up on failed subset",
				lg.Int("attempt", attempt), lg.Int("remaining", len(failedExecs)))
			return results, nil
		}

		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return results, ctx.Err()
		}

		retryTargets := make([]*fleet.Target, 0, len(failedExecs))
		for _, exec := range failedExecs {
			if t, ok := byName[exec.Target]; ok {
				retryTargets = append(retryTargets, t)
			}
		}
		sort.Slice(retryTargets, func(i, j int) bool {
			return retryTargets[i].Name < retryTargets[j].Name
		})

		attempt++
		r.logger.Info("retrying failed subset",
			lg.Int("attempt", attempt),
			lg.Int("targets", len(retryTargets)),
			lg.Duration("delay", decision.Delay))

		retried, err := r.submitter.SubmitAttempt(ctx, op, retryTargets, attempt)
		if err != nil {
			return results, err
		}
		for name, exec := range retried {
			results[name] = exec
		}
	}
}
