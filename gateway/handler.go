package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// wsSession adapts a websocket connection to Session
type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSession) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// Handler serves the gateway over WebSocket
type Handler struct {
	gateway     *Gateway
	logger      *slog.Logger
	limit       rate.Limit
	burst       int
	readLimit   int64
	authTimeout time.Duration
	accept      *websocket.AcceptOptions
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithRateLimit bounds inbound client messages per connection
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

// WithReadLimit bounds the size of a client frame
func WithReadLimit(bytes int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = bytes
	}
}

// WithAuthTimeout bounds the wait for an auth frame when the handshake
// carried no token
func WithAuthTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.authTimeout = d
	}
}

// WithOriginPatterns allows cross-origin handshakes from the given hosts
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.accept.OriginPatterns = patterns
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates an http.Handler upgrading requests to gateway
// connections
func NewHandler(g *Gateway, options ...HandlerOption) *Handler {
	h := &Handler{
		gateway:     g,
		logger:      g.logger,
		limit:       rate.Limit(20),
		burst:       40,
		readLimit:   64 << 10,
		authTimeout: 10 * time.Second,
		accept:      &websocket.AcceptOptions{},
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	ctx := r.Context()
	session := &wsSession{conn: conn}

	token := TokenFromRequest(r)
	if token == "" {
		token = h.readAuthFrame(ctx, conn)
	}

	c, err := h.gateway.Accept(ctx, session, token)
	if err != nil {
		return
	}
	defer func() {
		_ = h.gateway.Disconnect(c.ID())
	}()

	limiter := rate.NewLimiter(h.limit, h.burst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug("connection read ended", "connectionId", c.ID(), "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.gateway.SendError(c, "binary messages are not supported")
			continue
		}
		if !limiter.Allow() {
			h.gateway.SendError(c, "rate limit exceeded")
			continue
		}
		if err := h.gateway.HandleMessage(ctx, c.ID(), data); err != nil {
			if errors.Is(err, ErrConnectionNotFound) {
				return
			}
			h.logger.Warn("message handling failed", "connectionId", c.ID(), "error", err)
		}
	}
}

// readAuthFrame waits for {"type":"auth","token":...}. Any other first
// frame yields an empty token.
func (h *Handler) readAuthFrame(ctx context.Context, conn *websocket.Conn) string {
	ctx, cancel := context.WithTimeout(ctx, h.authTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return ""
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != TypeAuth {
		return ""
	}
	return frame.Token
}
