// Package transport adapts heterogeneous execution backends (SSH
// sessions, container exec over the LXD REST API, raw websocket channels)
// to one connect/exec/close contract consumed by the dispatcher.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akarev/fleetexec/internal/fleet"
)

// Connector opens a connection to a target. Implementations must not
// leak a partially open handle when Connect fails.
type Connector interface {
	Connect(ctx context.Context, target *fleet.Target) (Conn, error)
}

// Conn is one open handle to a target.
//
// Exec returns a lazy, finite event stream terminated by a sentinel event
// carrying the exit code. The consumer must drain the channel or cancel
// ctx; on cancellation the underlying handle is closed and producers stop
// within a bounded grace period.
type Conn interface {
	Exec(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error)
	Close() error
}

// ErrKind classifies connection failures.
type ErrKind int

const (
	Unreachable ErrKind = iota
	AuthRejected
	ProtocolMismatch
)

func (k ErrKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthRejected:
		return "auth_rejected"
	case ProtocolMismatch:
		return "protocol_mismatch"
	}
	return "unknown"
}

// ConnError wraps a backend failure with its classification and target.
type ConnError struct {
	Kind   ErrKind
	Target string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Mux routes Connect calls to the backend registered for the target's
// connection kind. The kind set is closed; an unregistered kind is a
// protocol mismatch.
type Mux struct {
	backends map[fleet.ConnKind]Connector
}

func NewMux() *Mux {
	return &Mux{backends: make(map[fleet.ConnKind]Connector)}
}

func (m *Mux) Register(kind fleet.ConnKind, c Connector) *Mux {
	m.backends[kind] = c
	return m
}

func (m *Mux) Connect(ctx context.Context, target *fleet.Target) (Conn, error) {
	backend, ok := m.backends[target.Kind]
	if !ok {
		return nil, &ConnError{
			Kind:   ProtocolMismatch,
			Target: target.Name,
			Err:    fmt.Errorf("no backend for kind %q", target.Kind),
		}
	}
	return backend.Connect(ctx, target)
}

var _ Connector = (*Mux)(nil)

// emitter assigns monotonic sequence numbers and publishes events for one
// (target, attempt) stream. The lock spans the channel send so sequence
// order and channel order agree even with stdout and stderr producers
// racing.
type emitter struct {
	mu      sync.Mutex
	seq     uint64
	target  string
	attempt int
	ch      chan fleet.StreamEvent
}

func newEmitter(target string, attempt int, buffer int) *emitter {
	return &emitter{
		target:  target,
		attempt: attempt,
		ch:      make(chan fleet.StreamEvent, buffer),
	}
}

// line publishes one output line. Returns false once ctx is cancelled so
// producers abandon the stream instead of blocking on a gone consumer.
func (e *emitter) line(ctx context.Context, text string, stderr bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev := fleet.StreamEvent{
		Target:  e.target,
		Attempt: e.attempt,
		Seq:     e.seq,
		Line:    text,
		Stderr:  stderr,
		Time:    time.Now(),
	}
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish publishes the sentinel and closes the stream.
func (e *emitter) finish(ctx context.Context, exitCode int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev := fleet.StreamEvent{
		Target:   e.target,
		Attempt:  e.attempt,
		Seq:      e.seq,
		Time:     time.Now(),
		Final:    true,
		ExitCode: exitCode,
		Err:      err,
	}
	select {
	case e.ch <- ev:
	case <-ctx.Done():
	}
	close(e.ch)
}
