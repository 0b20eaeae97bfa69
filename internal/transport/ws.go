package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akarev/fleetexec/internal/fleet"
)

// Websocket frame protocol spoken with a remote execution agent: the
// command goes out as one JSON frame, line frames stream back, and an
// exit frame terminates the stream.
type wsCommand struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

type wsFrame struct {
	Type   string `json:"type"` // "line" or "exit"
	Line   string `json:"line,omitempty"`
	Stderr bool   `json:"stderr,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// WSConfig configures the websocket channel backend.
type WSConfig struct {
	Dialer *websocket.Dialer
	Header http.Header // e.g. bearer tokens resolved by the caller
	Path   string      // request path when the target address is host:port
}

// WS talks to targets that expose a websocket execution endpoint.
type WS struct {
	cfg WSConfig
}

func NewWS(cfg WSConfig) *WS {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.Path == "" {
		cfg.Path = "/exec"
	}
	return &WS{cfg: cfg}
}

var _ Connector = (*WS)(nil)

func (w *WS) Connect(ctx context.Context, target *fleet.Target) (Conn, error) {
	endpoint := target.Address
	if !strings.Contains(endpoint, "://") {
		host := endpoint
		if target.Port != 0 {
			host = net.JoinHostPort(endpoint, strconv.Itoa(target.Port))
		}
		endpoint = "ws://" + host + w.cfg.Path
	}

	sock, resp, err := w.cfg.Dialer.DialContext(ctx, endpoint, w.cfg.Header)
	if err != nil {
		kind := classifyWS(err, resp)
		return nil, &ConnError{Kind: kind, Target: target.Name, Err: err}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{target: target.Name, sock: sock}, nil
}

func classifyWS(err error, resp *http.Response) ErrKind {
	if errors.Is(err, websocket.ErrBadHandshake) {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden) {
			return AuthRejected
		}
		return ProtocolMismatch
	}
	return Unreachable
}

type wsConn struct {
	target string
	sock   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Exec(ctx context.Context, op fleet.Operation, attempt int) (<-chan fleet.StreamEvent, error) {
	if op.Kind != fleet.OpShell {
		return nil, fmt.Errorf("websocket: operation kind %d not supported on channel targets", op.Kind)
	}

	c.writeMu.Lock()
	err := c.sock.WriteJSON(wsCommand{ID: op.ID.String(), Command: op.Command})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("websocket: send command: %w", err)
	}

	em := newEmitter(c.target, attempt, streamBuffer)
	go c.pump(ctx, em)
	return em.ch, nil
}

func (c *wsConn) pump(ctx context.Context, em *emitter) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		var frame wsFrame
		if err := c.sock.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				em.finish(ctx, 0, nil)
			} else {
				em.finish(ctx, 0, fmt.Errorf("websocket: read: %w", err))
			}
			return
		}
		switch frame.Type {
		case "line":
			if !em.line(ctx, frame.Line, frame.Stderr) {
				return
			}
		case "exit":
			em.finish(ctx, frame.Code, nil)
			return
		default:
			em.finish(ctx, 0, fmt.Errorf("websocket: unexpected frame type %q", frame.Type))
			return
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.sock.Close()
	})
	return c.closeErr
}
