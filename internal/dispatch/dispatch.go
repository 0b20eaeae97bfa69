// Package dispatch fans one operation out to many targets concurrently and
// collects every execution behind a bulk-synchronous barrier. A slow or
// unreachable target never starves the rest; each failure is recorded on
// its own execution and nothing unwinds past Submit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/internal/lg"
	"github.com/akarev/fleetexec/internal/transport"
)

// Sink receives live stream events. Implemented by stream.Aggregator.
type Sink interface {
	Ingest(fleet.StreamEvent)
}

type nopSink struct{}

func (nopSink) Ingest(fleet.StreamEvent) {}

// Config tunes the dispatcher.
type Config struct {
	// Grace bounds how long a cancelled target's handle teardown is
	// waited on before it is abandoned.
	Grace time.Duration
	// MaxConcurrent caps in-flight targets. Zero means unbounded.
	MaxConcurrent int64
}

const defaultGrace = 5 * time.Second

// Dispatcher runs operations against targets through a transport
// connector.
type Dispatcher struct {
	connector transport.Connector
	sink      Sink
	cfg       Config
	logger    lg.Logger
}

func New(connector transport.Connector, sink Sink, cfg Config, logger lg.Logger) *Dispatcher {
	if sink == nil {
		sink = nopSink{}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Dispatcher{connector: connector, sink: sink, cfg: cfg, logger: logger}
}

// Submit runs op against every target concurrently and returns once all
// executions are terminal. The returned map holds exactly one execution
// per target, keyed by target name. The only error returned directly is a
// malformed operation, detected before any fan-out.
func (d *Dispatcher) Submit(ctx context.Context, op fleet.Operation, targets []*fleet.Target) (map[string]*fleet.Execution, error) {
	return d.SubmitAttempt(ctx, op, targets, 1)
}

// SubmitAttempt is Submit for a specific attempt number. Retry drivers use
// it so stream sequence numbers stay namespaced per attempt.
func (d *Dispatcher) SubmitAttempt(ctx context.Context, op fleet.Operation, targets []*fleet.Target, attempt int) (map[string]*fleet.Execution, error) {
	if err := checkOperation(op); err != nil {
		return nil, err
	}

	results := make(map[string]*fleet.Execution, len(targets))
	var mu sync.Mutex

	var sem *semaphore.Weighted
	if d.cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(d.cfg.MaxConcurrent)
	}

	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					exec := fleet.NewExecution(op, target.Name, attempt)
					d.transition(exec, target, fleet.StateFailed)
					exec.Err = fmt.Errorf("dispatch: cancelled before start: %w", err)
					exec.Ended = time.Now()
					mu.Lock()
					results[target.Name] = exec
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)
			}
			exec := d.run(ctx, op, target, attempt)
			mu.Lock()
			results[target.Name] = exec
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // barrier; workers never return errors

	return results, nil
}

func checkOperation(op fleet.Operation) error {
	switch op.Kind {
	case fleet.OpShell:
		if op.Command == "" {
			return errors.New("dispatch: shell operation has no command")
		}
	case fleet.OpLifecycle:
		if op.Action == "" {
			return errors.New("dispatch: lifecycle operation has no action")
		}
		if !op.Action.Valid() {
			return fmt.Errorf("dispatch: unknown lifecycle action %q", op.Action)
		}
		if op.Action == fleet.ActionLaunch && op.Image == "" {
			return errors.New("dispatch: launch operation has no image")
		}
	default:
		return fmt.Errorf("dispatch: unknown operation kind %d", op.Kind)
	}
	return nil
}

// run drives one execution through its state machine:
// Pending -> Connecting -> Running -> {Succeeded, Failed, TimedOut}.
func (d *Dispatcher) run(ctx context.Context, op fleet.Operation, target *fleet.Target, attempt int) *fleet.Execution {
	exec := fleet.NewExecution(op, target.Name, attempt)
	exec.Started = time.Now()
	defer func() { exec.Ended = time.Now() }()

	logger := d.logger.With(
		lg.String("target", target.Name),
		lg.String("op", op.ID.String()),
		lg.Int("attempt", attempt),
	)

	opCtx := ctx
	var cancel context.CancelFunc
	if op.Timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	d.transition(exec, target, fleet.StateConnecting)
	conn, err := d.connector.Connect(opCtx, target)
	if err != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			d.transition(exec, target, fleet.StateTimedOut)
			exec.Err = fmt.Errorf("dispatch: connect timed out after %s: %w", op.Timeout, err)
		} else {
			d.transition(exec, target, fleet.StateFailed)
			exec.Err = err
		}
		logger.Warn("connect failed", lg.Err(exec.Err))
		return exec
	}

	events, err := conn.Exec(opCtx, op, attempt)
	if err != nil {
		d.transition(exec, target, fleet.StateFailed)
		exec.Err = err
		d.abandonClose(conn, logger)
		logger.Warn("exec failed to start", lg.Err(err))
		return exec
	}

	d.transition(exec, target, fleet.StateRunning)
	logger.Debug("running")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a sentinel: the producer bailed
				// out, typically on cancellation.
				if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
					d.timeout(exec, target, op, conn, logger)
				} else {
					d.transition(exec, target, fleet.StateFailed)
					exec.Err = errors.New("dispatch: stream ended without exit status")
					d.abandonClose(conn, logger)
				}
				return exec
			}

			d.sink.Ingest(ev)
			if !ev.Final {
				exec.Output = append(exec.Output, ev.Line)
				continue
			}

			if ev.Err != nil {
				d.transition(exec, target, fleet.StateFailed)
				exec.Err = ev.Err
			} else {
				exec.ExitCode = ev.ExitCode
				exec.Exited = true
				if ev.ExitCode == 0 {
					d.transition(exec, target, fleet.StateSucceeded)
				} else {
					d.transition(exec, target, fleet.StateFailed)
					exec.Err = fmt.Errorf("dispatch: exit code %d", ev.ExitCode)
				}
			}
			d.abandonClose(conn, logger)
			logger.Debug("finished", lg.String("state", exec.State.String()))
			return exec

		case <-opCtx.Done():
			if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
				d.timeout(exec, target, op, conn, logger)
			} else {
				d.transition(exec, target, fleet.StateFailed)
				exec.Err = fmt.Errorf("dispatch: cancelled: %w", opCtx.Err())
				d.abandonClose(conn, logger)
			}
			return exec
		}
	}
}

func (d *Dispatcher) timeout(exec *fleet.Execution, target *fleet.Target, op fleet.Operation, conn transport.Conn, logger lg.Logger) {
	d.transition(exec, target, fleet.StateTimedOut)
	exec.Err = fmt.Errorf("dispatch: timed out after %s", op.Timeout)
	d.abandonClose(conn, logger)
	logger.Warn("timed out", lg.Duration("timeout", op.Timeout))
}

// abandonClose requests handle teardown but never blocks past the grace
// window; a remote that ignores the close does not hold the barrier.
func (d *Dispatcher) abandonClose(conn transport.Conn, logger lg.Logger) {
	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.Grace):
		logger.Warn("handle close abandoned after grace window",
			lg.Duration("grace", d.cfg.Grace))
	}
}

func (d *Dispatcher) transition(exec *fleet.Execution, target *fleet.Target, next fleet.State) {
	exec.State = next
	switch next {
	case fleet.StateConnecting:
		target.SetStatus(fleet.StatusConnecting)
	case fleet.StateRunning:
		target.SetStatus(fleet.StatusRunning)
	case fleet.StateSucceeded:
		target.SetStatus(fleet.StatusSucceeded)
	case fleet.StateFailed:
		target.SetStatus(fleet.StatusFailed)
	case fleet.StateTimedOut:
		target.SetStatus(fleet.StatusTimedOut)
	}
}
