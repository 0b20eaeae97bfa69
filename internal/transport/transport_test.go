package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/akarev/fleetexec/internal/fleet"
)

func TestMuxRoutesOnKind(t *testing.T) {
	called := map[fleet.ConnKind]bool{}
	stub := func(kind fleet.ConnKind) Connector {
		return connectorFunc(func(ctx context.Context, tgt *fleet.Target) (Conn, error) {
			called[kind] = true
			return nil, errors.New("stub")
		})
	}

	mux := NewMux().
		Register(fleet.KindSSH, stub(fleet.KindSSH)).
		Register(fleet.KindWebsocket, stub(fleet.KindWebsocket))

	mux.Connect(context.Background(), &fleet.Target{Name: "a", Kind: fleet.KindSSH})
	assert.True(t, called[fleet.KindSSH])
	assert.False(t, called[fleet.KindWebsocket])
}

func TestMuxUnknownKindIsProtocolMismatch(t *testing.T) {
	mux := NewMux()
	_, err := mux.Connect(context.Background(), &fleet.Target{Name: "a", Kind: "carrier-pigeon"})
	require.Error(t, err)

	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ProtocolMismatch, connErr.Kind)
	assert.Equal(t, "a", connErr.Target)
}

type connectorFunc func(context.Context, *fleet.Target) (Conn, error)

func (f connectorFunc) Connect(ctx context.Context, t *fleet.Target) (Conn, error) {
	return f(ctx, t)
}

func TestClassifySSH(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), AuthRejected},
		{"no methods", errors.New("ssh: no supported methods remain"), AuthRejected},
		{"timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, Unreachable},
		{"garbage banner", errors.New("ssh: handshake failed: EOF"), ProtocolMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySSH(tt.err))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyWS(t *testing.T) {
	assert.Equal(t, Unreachable, classifyWS(errors.New("dial tcp: connection refused"), nil))
}

func TestEmitterSequencesAreMonotonic(t *testing.T) {
	em := newEmitter("t1", 1, 128)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			em.line(ctx, "out", false)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			em.line(ctx, "err", true)
		}
	}()
	wg.Wait()
	em.finish(ctx, 0, nil)

	var last uint64
	count := 0
	for ev := range em.ch {
		count++
		assert.Equal(t, last+1, ev.Seq, "sequence must increase by one in channel order")
		last = ev.Seq
		if ev.Final {
			assert.Equal(t, 0, ev.ExitCode)
		}
	}
	assert.Equal(t, 41, count)
}

func TestEmitterAbandonsOnCancel(t *testing.T) {
	em := newEmitter("t1", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, em.line(ctx, "fits in buffer", false))
	cancel()
	// Buffer full and the consumer is gone; the producer must not block.
	done := make(chan bool, 1)
	go func() { done <- em.line(ctx, "overflow", false) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("emitter blocked on a cancelled stream")
	}
}

func TestScanIntoKeepsLongLines(t *testing.T) {
	long := strings.Repeat("x", 70*1024)
	em := newEmitter("t1", 1, 4)

	err := scanInto(context.Background(), em, strings.NewReader(long+"\nafter\n"), false)
	require.NoError(t, err)

	first := <-em.ch
	assert.Len(t, first.Line, len(long), "a line past the default scanner buffer must survive whole")
	second := <-em.ch
	assert.Equal(t, "after", second.Line)
}

func TestScanIntoSurfacesReadFailure(t *testing.T) {
	em := newEmitter("t1", 1, 4)
	sentinel := errors.New("connection reset")

	err := scanInto(context.Background(), em, iotest.ErrReader(sentinel), false)
	assert.ErrorIs(t, err, sentinel, "a truncated stream must not look like a clean scan")
}

func TestScanIntoSurfacesOversizedLine(t *testing.T) {
	em := newEmitter("t1", 1, 4)
	huge := strings.Repeat("y", maxLineBytes+1)

	err := scanInto(context.Background(), em, strings.NewReader(huge+"\n"), false)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestSSHConnectUnreachable(t *testing.T) {
	s := NewSSH(SSHConfig{
		Resolver:    staticResolver{},
		DialTimeout: 200 * time.Millisecond,
	})

	// Reserved TEST-NET address; nothing listens there.
	target := &fleet.Target{Name: "ghost", Address: "192.0.2.1", Port: 22, Kind: fleet.KindSSH}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := s.Connect(ctx, target)
	require.Error(t, err)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, Unreachable, connErr.Kind)
}

func TestSSHExecRejectsLifecycle(t *testing.T) {
	conn := &sshConn{target: "a"}
	_, err := conn.Exec(context.Background(), fleet.NewLifecycleOp(fleet.ActionStart, 0, 0), 1)
	assert.Error(t, err)
}

type staticResolver struct{}

func (staticResolver) Resolve(ref string) ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{ssh.Password("irrelevant")}, nil
}
