package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records decoded frames
type fakeSession struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
	code   websocket.StatusCode
}

func (s *fakeSession) Send(ctx context.Context, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	return nil
}

func (s *fakeSession) Frames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.frames...)
}

func (s *fakeSession) Types() []string {
	var out []string
	for _, f := range s.Frames() {
		out = append(out, f["type"].(string))
	}
	return out
}

func (s *fakeSession) Closed() (bool, websocket.StatusCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code
}

// waitFor blocks until a frame of the given type arrives and returns it
func (s *fakeSession) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, f := range s.Frames() {
			if f["type"] == typ {
				found = f
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s frame", typ)
	return found
}

// drain waits until every session has seen a marker broadcast. Outbound
// queues are FIFO, so anything pushed earlier has been written by then.
func drain(t *testing.T, g *Gateway, sessions ...*fakeSession) {
	t.Helper()
	g.BroadcastToAll("marker", nil)
	for _, s := range sessions {
		s.waitFor(t, "marker")
	}
}

// tokens maps "tenant:user" to an identity
var tokens = TokenVerifierFunc(func(ctx context.Context, token string) (Identity, error) {
	tenant, user, ok := strings.Cut(token, ":")
	if !ok {
		return Identity{}, &contracts.AuthenticationError{Reason: "invalid token", Err: errors.New("malformed")}
	}
	return Identity{TenantID: tenant, UserID: user}, nil
})

func newTestGateway(opts ...Option) *Gateway {
	base := []Option{WithLogger(quietLogger()), WithClock(clock.Fake(epoch))}
	return New(tokens, append(base, opts...)...)
}

func connect(t *testing.T, g *Gateway, token string) (*Connection, *fakeSession) {
	t.Helper()
	s := &fakeSession{}
	c, err := g.Accept(context.Background(), s, token)
	require.NoError(t, err)
	s.waitFor(t, TypeConnected)
	return c, s
}

func envelope(t *testing.T, eventType, tenantID string, payload any) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(eventType, tenantID, payload, contracts.WithOccurredAt(epoch))
	require.NoError(t, err)
	return env
}

func countType(s *fakeSession, typ string) int {
	n := 0
	for _, got := range s.Types() {
		if got == typ {
			n++
		}
	}
	return n
}

type transitions struct {
	mu  sync.Mutex
	log []string
}

func (r *transitions) record(_ string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, from.String()+">"+to.String())
}

func (r *transitions) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}
