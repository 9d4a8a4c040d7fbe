package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func TestHandler(t *testing.T) {
	t.Run("authenticates from the bearer header and answers pings", func(t *testing.T) {
		g := newTestGateway()
		srv := httptest.NewServer(NewHandler(g))
		defer srv.Close()

		conn := dial(t, srv, "", http.Header{"Authorization": {"Bearer T1:alice"}})
		connected := readFrame(t, conn)
		assert.Equal(t, TypeConnected, connected["type"])
		assert.Equal(t, "T1", connected["tenantId"])

		writeFrame(t, conn, `{"type":"ping"}`)
		assert.Equal(t, TypePong, readFrame(t, conn)["type"])
	})

	t.Run("authenticates from a first auth frame", func(t *testing.T) {
		g := newTestGateway()
		srv := httptest.NewServer(NewHandler(g))
		defer srv.Close()

		conn := dial(t, srv, "", nil)
		writeFrame(t, conn, `{"type":"auth","token":"T2:bob"}`)

		connected := readFrame(t, conn)
		assert.Equal(t, TypeConnected, connected["type"])
		assert.Equal(t, "bob", connected["userId"])
	})

	t.Run("rejects an invalid token with an error and a policy close", func(t *testing.T) {
		g := newTestGateway()
		srv := httptest.NewServer(NewHandler(g))
		defer srv.Close()

		conn := dial(t, srv, "?token=garbage", nil)
		assert.Equal(t, TypeError, readFrame(t, conn)["type"])

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
		assert.Equal(t, 0, g.ConnectionCount())
	})

	t.Run("rate limited messages are answered with an error", func(t *testing.T) {
		g := newTestGateway()
		srv := httptest.NewServer(NewHandler(g, WithRateLimit(0.001, 1)))
		defer srv.Close()

		conn := dial(t, srv, "?auth=T1:alice", nil)
		readFrame(t, conn)

		writeFrame(t, conn, `{"type":"ping"}`)
		writeFrame(t, conn, `{"type":"ping"}`)
		assert.Equal(t, TypePong, readFrame(t, conn)["type"])
		limited := readFrame(t, conn)
		assert.Equal(t, TypeError, limited["type"])
		assert.Equal(t, "rate limit exceeded", limited["message"])
	})

	t.Run("closing the client disconnects the connection", func(t *testing.T) {
		g := newTestGateway()
		srv := httptest.NewServer(NewHandler(g))
		defer srv.Close()

		conn := dial(t, srv, "?token=T1:alice", nil)
		readFrame(t, conn)
		require.Equal(t, 1, g.ConnectionCount())

		require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
		assert.Eventually(t, func() bool { return g.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
