package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

const (
	// DefaultSendBuffer is the number of frames that can be queued per client.
	DefaultSendBuffer = 64

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// maxCloseReason is the byte limit of a WebSocket close reason.
	maxCloseReason = 123
)

// wsConn adapts a WebSocket to Conn. Frames are queued on a buffered
// channel drained by writeLoop; a full queue drops the frame.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	reason    string
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, buffer),
		closing: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env protocol.Envelope) bool {
	select {
	case <-c.closing:
		return false
	default:
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		slog.Warn("ws: encode frame", "conn", c.id, "type", env.Type, "err", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close queues a disconnect frame, if reason is set, and asks writeLoop to
// flush and close the socket. Safe to call more than once.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		if reason != "" {
			if data, err := protocol.Marshal(envelope(protocol.TypeDisconnect, protocol.Disconnect{Reason: reason})); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
		close(c.closing)
	})
}

// writeLoop drains the send queue until Close is called or a write fails.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				slog.Debug("ws: write failed", "conn", c.id, "err", err)
				_ = c.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.closing:
			c.flush(ctx)
			return
		}
	}
}

func (c *wsConn) flush(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				_ = c.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		default:
			reason := c.reason
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
			_ = c.ws.Close(websocket.StatusNormalClosure, reason)
			return
		}
	}
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

// handleWS upgrades the request and pumps frames between the socket and
// the hub until either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("ws: accept error", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	c := newWSConn(ws, s.cfg.SendBuffer)
	writerCtx, cancelWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(writerCtx)
	}()
	defer func() {
		c.Close("")
		<-writerDone
		cancelWriter()
	}()

	if !s.hub.Connect(c) {
		c.Close("server shutting down")
		return
	}
	slog.Debug("ws: connected", "conn", c.id, "remote", r.RemoteAddr)

	s.readLoop(r.Context(), c)
	s.hub.Disconnect(c)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("ws: read ended", "conn", c.id, "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Debug("ws: bad frame", "conn", c.id, "err", err)
			continue
		}
		if !s.hub.Receive(c, env) {
			return
		}
	}
}
