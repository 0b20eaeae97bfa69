package transport

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"

	"github.com/akarev/fleetexec/internal/fleet"
)

const defaultLifecycleWindow = 30 // seconds, passed to instance state changes

// LXDConfig configures the container backend. Certificate material is PEM,
// as the client library expects; an empty ServerCert skips verification,
// which is how standalone daemons with self-signed certificates are
// trusted.
type LXDConfig struct {
	URL        string // e.g. https://127.0.0.1:8443
	ClientCert string
	ClientKey  string
	ServerCert string
}

// containerAPI is the slice of lxd.InstanceServer the backend drives,
// narrowed for tests.
type containerAPI interface {
	GetServer() (*api.Server, string, error)
	ExecInstance(name string, exec api.InstanceExecPost, args *lxd.InstanceExecArgs) (lxd.Operation, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (lxd.Operation, error)
	CreateInstance(instance api.InstancesPost) (lxd.Operation, error)
	DeleteInstance(name string) (lxd.Operation, error)
	GetInstances(instanceType api.InstanceType) ([]api.Instance, error)
}

// LXD executes operations inside containers through an LXD daemon.
type LXD struct {
	dial func(ctx context.Context) (containerAPI, error)
}

func NewLXD(cfg LXDConfig) *LXD {
	return &LXD{
		dial: func(ctx context.Context) (containerAPI, error) {
			return lxd.ConnectLXDWithContext(ctx, cfg.URL, &lxd.ConnectionArgs{
				TLSClientCert:      cfg.ClientCert,
				TLSClientKey:       cfg.ClientKey,
				TLSServerCert:      cfg.ServerCert,
				InsecureSkipVerify: cfg.ServerCert == "",
			})
		},
	}
}

var _ Connector = (*LXD)(nil)

// Connect dials the daemon and verifies the client certificate is trusted,
// so reachability and auth problems fail here rather than mid-dispatch.
// The returned handle is bound to one instance.
func (l *LXD) Connect(ctx context.Context, target *fleet.Target) (Conn, error) {
	server, err := l.dial(ctx)
	if err != nil {
		return nil, &ConnError{Kind: classifyLXD(err), Target: target.Name, Err: err}
	}
	srv, _, err := server.GetServer()
	if err != nil {
		return nil, &ConnError{Kind: ProtocolMismatch, Target: target.Name,
			Err: fmt.Errorf("lxd: query daemon: %w", err)}
	}
	if srv.Auth != "trusted" {
		return nil, &ConnError{Kind: AuthRejected, Target: target.Name,
			Err: fmt.Errorf("lxd: client certificate not trusted (auth %q)", srv.Auth)}
	}
	return &lxdConn{api: server, target: target.Name, instance: target.Name}, nil
}

func classifyLXD(err error) ErrKind {
	msg := err.Error()
	if strings.Contains(msg, "certificate") || strings.Contains(msg, "tls:") {
		return AuthRejected
	}
	return Unreachable
}

type lxdConn struct {
	api      containerAPI
	target   string
	instance string
}

var _ Conn = (*lxdConn)(nil)

func (c *lxdConn) Exec(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error) {
	switch op.Kind {
	case fleet.OpShell:
		return c.execShell(ctx, op, attempt)
	case fleet.OpLifecycle:
		return c.lifecycle(ctx, op, attempt)
	default:
		return nil, fmt.Errorf("lxd: unknown operation kind %d", op.Kind)
	}
}

func (c *lxdConn) execShell(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error) {
	em := newEmitter(c.target, attempt, streamBuffer)
	stdout := newLineWriter(ctx, em, false)
	stderr := newLineWriter(ctx, em, true)
	dataDone := make(chan bool)

	operation, err := c.api.ExecInstance(c.instance, api.InstanceExecPost{
		Command:     []string{"/bin/sh", "-c", op.Command},
		WaitForWS:   true,
		Interactive: false,
	}, &lxd.InstanceExecArgs{
		Stdout:   stdout,
		Stderr:   stderr,
		DataDone: dataDone,
	})
	if err != nil {
		return nil, fmt.Errorf("lxd: exec %s: %w", c.instance, err)
	}

	go func() {
		waitErr := operation.WaitContext(ctx)
		// Output websockets may still be flushing after the operation
		// reports completion.
		select {
		case <-dataDone:
		case <-ctx.Done():
		}
		stdout.Close()
		stderr.Close()

		if waitErr != nil {
			em.finish(ctx, 0, fmt.Errorf("lxd: exec %s: %w", c.instance, waitErr))
			return
		}
		em.finish(ctx, execReturnCode(operation.Get()), nil)
	}()
	return em.ch, nil
}

// execReturnCode pulls the command's exit code out of the finished exec
// operation's metadata.
func execReturnCode(op api.Operation) int {
	switch v := op.Metadata["return"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (c *lxdConn) lifecycle(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error) {
	em := newEmitter(c.target, attempt, streamBuffer)
	go func() {
		if err := c.runLifecycle(ctx, op, em); err != nil {
			em.finish(ctx, 0, err)
			return
		}
		em.finish(ctx, 0, nil)
	}()
	return em.ch, nil
}

func (c *lxdConn) runLifecycle(ctx context.Context, op fleet.Operation, em *emitter) error {
	switch op.Action {
	case fleet.ActionStart, fleet.ActionStop, fleet.ActionRestart:
		if err := c.changeState(ctx, op.Action, op); err != nil {
			return err
		}
		em.line(ctx, fmt.Sprintf("%s %s: done", op.Action, c.instance), false)
		return nil

	case fleet.ActionLaunch:
		operation, err := c.api.CreateInstance(api.InstancesPost{
			Name:   c.instance,
			Source: api.InstanceSource{Type: "image", Alias: op.Image},
		})
		if err != nil {
			return fmt.Errorf("lxd: create %s from %s: %w", c.instance, op.Image, err)
		}
		if err := operation.WaitContext(ctx); err != nil {
			return fmt.Errorf("lxd: create %s: %w", c.instance, err)
		}
		em.line(ctx, fmt.Sprintf("created %s from %s", c.instance, op.Image), false)
		if err := c.changeState(ctx, fleet.ActionStart, op); err != nil {
			return err
		}
		em.line(ctx, fmt.Sprintf("started %s", c.instance), false)
		return nil

	case fleet.ActionDelete:
		operation, err := c.api.DeleteInstance(c.instance)
		if err != nil {
			return fmt.Errorf("lxd: delete %s: %w", c.instance, err)
		}
		if err := operation.WaitContext(ctx); err != nil {
			return fmt.Errorf("lxd: delete %s: %w", c.instance, err)
		}
		em.line(ctx, fmt.Sprintf("deleted %s", c.instance), false)
		return nil

	case fleet.ActionList:
		instances, err := c.api.GetInstances(api.InstanceTypeAny)
		if err != nil {
			return fmt.Errorf("lxd: list instances: %w", err)
		}
		sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
		for _, inst := range instances {
			em.line(ctx, fmt.Sprintf("%s %s", inst.Name, strings.ToLower(inst.Status)), false)
		}
		return nil

	default:
		return fmt.Errorf("lxd: unknown lifecycle action %q", op.Action)
	}
}

func (c *lxdConn) changeState(ctx context.Context, action fleet.LifecycleAction, op fleet.Operation) error {
	timeout := defaultLifecycleWindow
	if op.Timeout > 0 {
		timeout = int(op.Timeout.Seconds())
	}
	operation, err := c.api.UpdateInstanceState(c.instance, api.InstanceStatePut{
		Action:  string(action),
		Timeout: timeout,
		Force:   false,
	}, "")
	if err != nil {
		return fmt.Errorf("lxd: %s %s: %w", action, c.instance, err)
	}
	if err := operation.WaitContext(ctx); err != nil {
		return fmt.Errorf("lxd: %s %s: %w", action, c.instance, err)
	}
	return nil
}

// Close is a no-op: the client library owns the exec websockets and tears
// them down when the operation's context ends.
func (c *lxdConn) Close() error { return nil }

// lineWriter adapts the client's io.WriteCloser output contract to line
// events. Writes may carry partial lines; the remainder is buffered until
// the next write or Close.
type lineWriter struct {
	ctx    context.Context
	em     *emitter
	stderr bool

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func newLineWriter(ctx context.Context, em *emitter, stderr bool) *lineWriter {
	return &lineWriter{ctx: ctx, em: em, stderr: stderr}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if !w.em.line(w.ctx, line, w.stderr) {
			// Consumer is gone; swallow the rest instead of blocking the
			// library's copy loop.
			w.buf = nil
			w.closed = true
			return len(p), nil
		}
	}
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buf) > 0 {
		w.em.line(w.ctx, strings.TrimRight(string(w.buf), "\r"), w.stderr)
		w.buf = nil
	}
	return nil
}
