package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarev/fleetexec/internal/fleet"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// execAgent is what a minimal remote agent looks like: accept the
// command frame, stream a few lines, then report the exit code.
func execAgent(t *testing.T, exitCode int, lines []wsFrame) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer sock.Close()

		var cmd wsCommand
		if err := sock.ReadJSON(&cmd); err != nil {
			t.Errorf("read command: %v", err)
			return
		}
		if cmd.Command == "" || cmd.ID == "" {
			t.Errorf("command frame incomplete: %+v", cmd)
		}
		for _, fr := range lines {
			sock.WriteJSON(fr)
		}
		sock.WriteJSON(wsFrame{Type: "exit", Code: exitCode})
	}
}

func wsTarget(t *testing.T, srv *httptest.Server) *fleet.Target {
	addr := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &fleet.Target{Name: "agent1", Kind: fleet.KindWebsocket, Address: host, Port: port}
}

func TestWSExecStreamsLinesAndExit(t *testing.T) {
	srv := httptest.NewServer(execAgent(t, 3, []wsFrame{
		{Type: "line", Line: "one"},
		{Type: "line", Line: "warn", Stderr: true},
		{Type: "line", Line: "two"},
	}))
	defer srv.Close()

	ws := NewWS(WSConfig{})
	conn, err := ws.Connect(context.Background(), wsTarget(t, srv))
	require.NoError(t, err)
	defer conn.Close()

	events, err := conn.Exec(context.Background(), fleet.NewShellOp("uptime", 0, 0), 1)
	require.NoError(t, err)

	var got []fleet.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "one", got[0].Line)
	assert.Equal(t, "warn", got[1].Line)
	assert.True(t, got[1].Stderr)
	assert.Equal(t, "two", got[2].Line)

	final := got[3]
	require.True(t, final.Final)
	assert.Equal(t, 3, final.ExitCode)
	assert.NoError(t, final.Err)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "agent1", ev.Target)
		assert.Equal(t, 1, ev.Attempt)
	}
}

func TestWSConnectAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ws := NewWS(WSConfig{})
	_, err := ws.Connect(context.Background(), wsTarget(t, srv))
	require.Error(t, err)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, AuthRejected, connErr.Kind)
}

func TestWSExecUnexpectedFrameEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer sock.Close()
		var cmd wsCommand
		sock.ReadJSON(&cmd)
		sock.WriteJSON(wsFrame{Type: "telemetry"})
	}))
	defer srv.Close()

	ws := NewWS(WSConfig{})
	conn, err := ws.Connect(context.Background(), wsTarget(t, srv))
	require.NoError(t, err)
	defer conn.Close()

	events, err := conn.Exec(context.Background(), fleet.NewShellOp("id", 0, 0), 1)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.True(t, ev.Final)
		assert.ErrorContains(t, ev.Err, "unexpected frame type")
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event for malformed stream")
	}
}

func TestWSExecRejectsLifecycle(t *testing.T) {
	conn := &wsConn{target: "agent1"}
	_, err := conn.Exec(context.Background(), fleet.NewLifecycleOp(fleet.ActionStop, 0, 0), 1)
	assert.Error(t, err)
}
