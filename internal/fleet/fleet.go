// Package fleet holds the shared data model: targets, operations,
// executions and the stream events that flow between them.
package fleet

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnKind selects the transport backend for a target.
type ConnKind string

const (
	KindSSH       ConnKind = "ssh"
	KindContainer ConnKind = "container"
	KindWebsocket ConnKind = "websocket"
)

// Valid reports whether k names a known transport backend.
func (k ConnKind) Valid() bool {
	switch k {
	case KindSSH, KindContainer, KindWebsocket:
		return true
	}
	return false
}

// Status is the target-level view of the most recent activity against it.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timedout"
	}
	return "unknown"
}

// Target is one remote endpoint. Connection parameters come from the
// inventory; CredentialRef is an opaque handle resolved by the caller's
// credential store, never a secret itself.
type Target struct {
	Name          string   `yaml:"name" json:"name" bson:"name" validate:"required"`
	Address       string   `yaml:"address" json:"address" bson:"address"`
	Port          int      `yaml:"port" json:"port" bson:"port" validate:"gte=0,lte=65535"`
	User          string   `yaml:"user" json:"user" bson:"user"`
	Kind          ConnKind `yaml:"kind" json:"kind" bson:"kind" validate:"required,connkind"`
	CredentialRef string   `yaml:"credential" json:"credential" bson:"credential"`

	status atomic.Int32
}

// Status returns the last status set by the dispatcher.
func (t *Target) Status() Status { return Status(t.status.Load()) }

// SetStatus records a dispatcher transition. Only the dispatcher calls this.
func (t *Target) SetStatus(s Status) { t.status.Store(int32(s)) }

// OpKind distinguishes shell commands from container lifecycle actions.
type OpKind int

const (
	OpShell OpKind = iota
	OpLifecycle
)

// LifecycleAction is a container operation executed via the container
// backend: a state change, instance creation or removal, or an inventory
// listing.
type LifecycleAction string

const (
	ActionLaunch  LifecycleAction = "launch"
	ActionStart   LifecycleAction = "start"
	ActionStop    LifecycleAction = "stop"
	ActionRestart LifecycleAction = "restart"
	ActionDelete  LifecycleAction = "delete"
	ActionList    LifecycleAction = "list"
)

// Valid reports whether a names a known lifecycle action.
func (a LifecycleAction) Valid() bool {
	switch a {
	case ActionLaunch, ActionStart, ActionStop, ActionRestart, ActionDelete, ActionList:
		return true
	}
	return false
}

// Operation is a unit of work submitted to the dispatcher. Immutable once
// submitted.
type Operation struct {
	ID          uuid.UUID
	Kind        OpKind
	Command     string
	Action      LifecycleAction
	Image       string // source image alias, required by ActionLaunch
	Timeout     time.Duration
	MaxAttempts int
}

// NewShellOp builds a shell operation with a fresh identity.
func NewShellOp(command string, timeout time.Duration, maxAttempts int) Operation {
	return Operation{
		ID:          uuid.New(),
		Kind:        OpShell,
		Command:     command,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
	}
}

// NewLifecycleOp builds a container lifecycle operation.
func NewLifecycleOp(action LifecycleAction, timeout time.Duration, maxAttempts int) Operation {
	return Operation{
		ID:          uuid.New(),
		Kind:        OpLifecycle,
		Action:      action,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
	}
}

// NewLaunchOp builds a lifecycle operation that creates a new container
// from the given image alias and starts it.
func NewLaunchOp(image string, timeout time.Duration, maxAttempts int) Operation {
	op := NewLifecycleOp(ActionLaunch, timeout, maxAttempts)
	op.Image = image
	return op
}

// State is the dispatcher's per-execution state machine.
type State int

const (
	StatePending State = iota
	StateConnecting
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timedout"
	}
	return "unknown"
}

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Execution binds one operation to one target for one attempt. The
// dispatcher owns it exclusively until it reaches a terminal state, after
// which it is handed off read-only.
type Execution struct {
	OperationID uuid.UUID
	Target      string
	Attempt     int
	State       State
	Started     time.Time
	Ended       time.Time
	ExitCode    int
	Exited      bool // ExitCode is meaningful only when true
	Output      []string
	Err         error
}

// NewExecution creates a pending execution for the given attempt.
func NewExecution(op Operation, target string, attempt int) *Execution {
	return &Execution{
		OperationID: op.ID,
		Target:      target,
		Attempt:     attempt,
		State:       StatePending,
	}
}

// StreamEvent is one line (or the terminating sentinel) produced by a
// transport for a single target. Seq is strictly increasing within one
// (target, attempt) stream and never reused across attempts.
type StreamEvent struct {
	Target  string
	Attempt int
	Seq     uint64
	Line    string
	Stderr  bool
	Time    time.Time

	// Final marks the stream sentinel. ExitCode is valid when Final is
	// set and Err is nil; Err carries a mid-stream transport failure.
	Final    bool
	ExitCode int
	Err      error
}
