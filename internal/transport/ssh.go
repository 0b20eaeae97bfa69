package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/akarev/fleetexec/internal/fleet"
)

const (
	defaultSSHPort    = 22
	defaultDialWindow = 10 * time.Second
	streamBuffer      = 64
	maxLineBytes      = 1024 * 1024
)

// CredentialResolver turns a target's opaque credential reference into
// SSH auth methods. The core never sees the secret material itself.
type CredentialResolver interface {
	Resolve(ref string) ([]ssh.AuthMethod, error)
}

// PrivateKeyFile builds a public-key auth method from a key on disk.
func PrivateKeyFile(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// SSHConfig configures the SSH backend.
type SSHConfig struct {
	Resolver        CredentialResolver
	HostKeyCallback ssh.HostKeyCallback // defaults to InsecureIgnoreHostKey
	DialTimeout     time.Duration
}

// SSH connects to targets over golang.org/x/crypto/ssh. Session opens are
// guarded by a per-connection circuit breaker so a flapping host stops
// consuming attempts quickly.
type SSH struct {
	cfg SSHConfig
}

func NewSSH(cfg SSHConfig) *SSH {
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialWindow
	}
	return &SSH{cfg: cfg}
}

var _ Connector = (*SSH)(nil)

func (s *SSH) Connect(ctx context.Context, target *fleet.Target) (Conn, error) {
	if s.cfg.Resolver == nil {
		return nil, &ConnError{Kind: AuthRejected, Target: target.Name,
			Err: errors.New("no credential resolver configured")}
	}
	auth, err := s.cfg.Resolver.Resolve(target.CredentialRef)
	if err != nil {
		return nil, &ConnError{Kind: AuthRejected, Target: target.Name, Err: err}
	}

	port := target.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	clientCfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: s.cfg.HostKeyCallback,
		Timeout:         s.cfg.DialTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Kind: Unreachable, Target: target.Name, Err: err}
	}

	cc, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		return nil, &ConnError{Kind: classifySSH(err), Target: target.Name, Err: err}
	}

	return &sshConn{
		target:  target.Name,
		client:  ssh.NewClient(cc, chans, reqs),
		breaker: gobreaker.NewCircuitBreaker(sessionBreakerSettings(target.Name)),
	}, nil
}

// classifySSH splits handshake failures into auth rejections and protocol
// problems. TCP-level failures are classified before the handshake runs.
func classifySSH(err error) ErrKind {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return AuthRejected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unreachable
	}
	return ProtocolMismatch
}

func sessionBreakerSettings(target string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "ssh-session-" + target,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
}

type sshConn struct {
	target  string
	client  *ssh.Client
	breaker *gobreaker.CircuitBreaker

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*sshConn)(nil)

func (c *sshConn) Exec(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error) {
	if op.Kind != fleet.OpShell {
		return nil, fmt.Errorf("ssh: operation kind %d not supported on host targets", op.Kind)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.client.NewSession()
	})
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}
	sess := res.(*ssh.Session)

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stderr pipe: %w", err)
	}

	if err := sess.Start(op.Command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start: %w", err)
	}

	em := newEmitter(c.target, attempt, streamBuffer)
	go c.pump(ctx, sess, stdout, stderr, em)
	return em.ch, nil
}

func (c *sshConn) pump(ctx context.Context, sess *ssh.Session, stdout, stderr io.Reader, em *emitter) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the scanners; the remote may never acknowledge.
			sess.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	var outErr, errErr error
	wg.Add(2)
	go func() { defer wg.Done(); outErr = scanInto(ctx, em, stdout, false) }()
	go func() { defer wg.Done(); errErr = scanInto(ctx, em, stderr, true) }()
	wg.Wait()

	err := sess.Wait()
	sess.Close()

	// A broken output stream means the collected lines are incomplete; a
	// clean exit code must not paper over that.
	if scanErr := errors.Join(outErr, errErr); scanErr != nil {
		em.finish(ctx, 0, fmt.Errorf("ssh: read output: %w", scanErr))
		return
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		em.finish(ctx, 0, nil)
	case errors.As(err, &exitErr):
		em.finish(ctx, exitErr.ExitStatus(), nil)
	default:
		em.finish(ctx, 0, fmt.Errorf("ssh: wait: %w", err))
	}
}

// scanInto emits r line by line. A nil return means the stream was fully
// consumed or deliberately abandoned on cancellation; anything else is a
// truncated stream.
func scanInto(ctx context.Context, em *emitter, r io.Reader, isStderr bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if !em.line(ctx, scanner.Text(), isStderr) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the session window does not jam before Wait.
		io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
