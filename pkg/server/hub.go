package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

const (
	// DefaultHistorySize is how many stored lines a new connection receives.
	DefaultHistorySize = 50

	eventBufferSize = 256
)

// HubDeps holds the hub's collaborators. Nil workers are replaced by FIFO
// workers started in Run; nil Metrics and Now get defaults.
type HubDeps struct {
	Auth        Authenticator
	History     History
	Metrics     *Metrics
	StoreWorker Worker
	AuthWorker  Worker
	Now         func() time.Time
	HistorySize int
}

// binding is the hub's view of one open connection.
type binding struct {
	conn     Conn
	username string // set once authenticated; kept after a kick or displacement
	pending  bool   // an auth request is in flight
}

// Hub owns all session state and processes every event on one goroutine.
// Transport readers, the console and worker completions post closures to it.
type Hub struct {
	*relay
	router  *Router
	console *Console

	historySize int
	conns       map[string]*binding
	owned       []*queueWorker

	events   chan func()
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// NewHub wires the hub's components around deps.
func NewHub(deps HubDeps) *Hub {
	h := &Hub{
		historySize: deps.HistorySize,
		conns:       make(map[string]*binding),
		events:      make(chan func(), eventBufferSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	if h.historySize <= 0 {
		h.historySize = DefaultHistorySize
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	storeq, authq := deps.StoreWorker, deps.AuthWorker
	if storeq == nil {
		w := newQueueWorker("store", h.post)
		h.owned = append(h.owned, w)
		storeq = w
	}
	if authq == nil {
		w := newQueueWorker("auth", h.post)
		h.owned = append(h.owned, w)
		authq = w
	}

	registry := NewRegistry()
	h.relay = &relay{
		registry: registry,
		admins:   NewAdminSet(),
		bcast:    NewBroadcaster(registry, metrics),
		metrics:  metrics,
		auth:     deps.Auth,
		history:  deps.History,
		storeq:   storeq,
		authq:    authq,
		now:      now,
	}
	h.router = newRouter(h.relay)
	h.console = newConsole(h.relay, h.shutdown)
	return h
}

// Run processes events until ctx is cancelled or the console asks for
// shutdown. Both end with a nil error.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, w := range h.owned {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	defer func() {
		close(h.stopped)
		cancel()
		wg.Wait()
	}()

	slog.Info("hub running", "history_size", h.historySize)
	for {
		select {
		case <-ctx.Done():
			h.closeAll("server shutting down")
			return nil
		case <-h.quit:
			return nil
		case fn := <-h.events:
			fn()
			select {
			case <-h.quit:
				return nil
			default:
			}
		}
	}
}

// Done is closed when the console requests shutdown.
func (h *Hub) Done() <-chan struct{} {
	return h.quit
}

// Metrics returns the hub's counters.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// post hands fn to the event loop. It reports false once the hub has stopped.
func (h *Hub) post(fn func()) bool {
	select {
	case h.events <- fn:
		return true
	case <-h.stopped:
		return false
	case <-h.quit:
		return false
	}
}

// Connect announces a new connection.
func (h *Hub) Connect(c Conn) bool {
	return h.post(func() { h.onConnect(c) })
}

// Disconnect announces that c has gone away.
func (h *Hub) Disconnect(c Conn) bool {
	return h.post(func() { h.onDisconnect(c) })
}

// Receive hands a decoded client frame to the hub.
func (h *Hub) Receive(c Conn, env protocol.Envelope) bool {
	return h.post(func() { h.onReceive(c, env) })
}

// ConsoleLine hands one operator line to the hub.
func (h *Hub) ConsoleLine(line string) bool {
	return h.post(func() { h.console.Handle(line) })
}

func (h *Hub) shutdown() {
	h.closeAll("server shutting down")
	h.quitOnce.Do(func() { close(h.quit) })
}

func (h *Hub) closeAll(reason string) {
	for id, b := range h.conns {
		b.conn.Close(reason)
		delete(h.conns, id)
	}
	for _, name := range h.registry.Usernames() {
		h.registry.Unregister(name)
	}
	h.metrics.ActiveConnections.Store(0)
	h.metrics.ActiveSessions.Store(0)
}

// alive reports whether b is still the binding for its connection.
func (h *Hub) alive(b *binding) bool {
	return h.conns[b.conn.ID()] == b
}

func (h *Hub) onConnect(c Conn) {
	b := &binding{conn: c}
	h.conns[c.ID()] = b
	h.metrics.TotalConnections.Add(1)
	h.metrics.ActiveConnections.Add(1)
	slog.Debug("connection opened", "conn", c.ID())

	n := h.historySize
	h.storeq.Submit(func(ctx context.Context) func() {
		msgs, err := h.history.Recent(ctx, n)
		return func() {
			if !h.alive(b) {
				return
			}
			if err != nil {
				slog.Error("load history failed", "conn", c.ID(), "err", err)
			}
			out := make([]protocol.Message, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, protocol.Message{
					Kind:      string(m.Kind),
					Text:      m.Body,
					Sender:    m.Sender,
					Timestamp: m.CreatedAt,
				})
			}
			h.bcast.send(c, envelope(protocol.TypeHistory, out))
		}
	})
}

func (h *Hub) onDisconnect(c Conn) {
	b, ok := h.conns[c.ID()]
	if !ok {
		return
	}
	delete(h.conns, c.ID())
	h.metrics.ActiveConnections.Add(-1)
	h.metrics.TotalDisconnects.Add(1)
	slog.Debug("connection closed", "conn", c.ID(), "username", b.username)

	if b.username == "" || !h.registry.UnregisterConn(b.username, c.ID()) {
		return
	}
	h.metrics.ActiveSessions.Store(int64(h.registry.Count()))
	h.bcast.Notice(b.username+" left the chat", h.now())
	h.bcast.NickList()
}

func (h *Hub) onReceive(c Conn, env protocol.Envelope) {
	b, ok := h.conns[c.ID()]
	if !ok {
		return
	}

	var err error
	switch env.Type {
	case protocol.TypeProbe:
		var p protocol.Probe
		if err = env.Decode(&p); err == nil {
			h.onProbe(b, p)
		}
	case protocol.TypeRegister:
		var p protocol.Register
		if err = env.Decode(&p); err == nil {
			h.onRegister(b, p)
		}
	case protocol.TypeLogin:
		var p protocol.Login
		if err = env.Decode(&p); err == nil {
			h.onLogin(b, p)
		}
	case protocol.TypeChat:
		var p protocol.Chat
		if err = env.Decode(&p); err == nil {
			h.onChat(b, p)
		}
	default:
		slog.Debug("unknown frame type", "conn", c.ID(), "type", env.Type)
	}
	if err != nil {
		slog.Debug("bad frame", "conn", c.ID(), "type", env.Type, "err", err)
	}
}

func (h *Hub) onProbe(b *binding, p protocol.Probe) {
	name := p.Username
	if model.ValidateUsername(name) != nil {
		h.bcast.send(b.conn, envelope(protocol.TypeSalt, protocol.Salt{Username: name}))
		return
	}
	h.authq.Submit(func(ctx context.Context) func() {
		salt, known, err := h.auth.Salt(ctx, name)
		return func() {
			if !h.alive(b) {
				return
			}
			if err != nil {
				slog.Error("salt lookup failed", "username", name, "err", err)
				known, salt = false, ""
			}
			h.bcast.send(b.conn, envelope(protocol.TypeSalt, protocol.Salt{Username: name, Known: known, Salt: salt}))
		}
	})
}

func (h *Hub) onRegister(b *binding, p protocol.Register) {
	if !h.beginAuth(b) {
		return
	}
	h.authq.Submit(func(ctx context.Context) func() {
		id, err := h.auth.Register(ctx, p.Username, p.Salt, p.Proof)
		return func() {
			if err == nil {
				h.metrics.Registrations.Add(1)
			}
			h.finishAuth(b, id, err)
		}
	})
}

func (h *Hub) onLogin(b *binding, p protocol.Login) {
	if !h.beginAuth(b) {
		return
	}
	h.authq.Submit(func(ctx context.Context) func() {
		id, err := h.auth.Login(ctx, p.Username, p.Proof)
		return func() { h.finishAuth(b, id, err) }
	})
}

// beginAuth marks an auth request in flight. A connection that already holds
// its session, or is still waiting, cannot start another.
func (h *Hub) beginAuth(b *binding) bool {
	if b.pending || h.authenticated(b) {
		return false
	}
	b.pending = true
	return true
}

func (h *Hub) finishAuth(b *binding, id auth.Identity, err error) {
	b.pending = false
	if !h.alive(b) {
		h.metrics.StaleAuthResults.Add(1)
		return
	}
	if err != nil {
		h.metrics.FailedAuths.Add(1)
		slog.Info("auth rejected", "conn", b.conn.ID(), "err", err)
		h.bcast.send(b.conn, envelope(protocol.TypeAuth, protocol.Auth{Reason: rejectReason(err)}))
		return
	}
	h.admit(b, id)
}

// admit registers an authenticated connection, replacing any earlier
// session for the same username without notice.
func (h *Hub) admit(b *binding, id auth.Identity) {
	name := id.Username
	b.username = name
	h.registry.Register(&Session{
		Username:       name,
		Conn:           b.conn,
		AdminAtConnect: id.Admin,
		ConnectedAt:    h.now(),
	})
	if id.Admin {
		h.admins.Promote(name)
	}
	h.metrics.SuccessfulAuths.Add(1)
	h.metrics.ActiveSessions.Store(int64(h.registry.Count()))
	slog.Info("user joined", "username", name, "admin", h.admins.IsAdmin(name), "conn", b.conn.ID())

	h.bcast.send(b.conn, envelope(protocol.TypeAuth, protocol.Auth{
		Accepted: true,
		Username: name,
		Admin:    h.admins.IsAdmin(name),
	}))
	h.bcast.Notice(name+" joined the chat", h.now())
	h.bcast.NickList()
}

// authenticated reports whether b currently holds the live session for its
// username. Kicked and displaced connections do not.
func (h *Hub) authenticated(b *binding) bool {
	return b.username != "" && h.registry.Owns(b.username, b.conn.ID())
}

func (h *Hub) onChat(b *binding, p protocol.Chat) {
	if !h.authenticated(b) {
		slog.Debug("chat from unauthenticated connection", "conn", b.conn.ID())
		return
	}
	h.router.Handle(b.username, p.Text)
}

// rejectReason is the client-facing text for an auth failure.
func rejectReason(err error) string {
	for _, known := range []error{
		auth.ErrBanned, auth.ErrUnknownUser, auth.ErrBadCredentials, auth.ErrUserExists,
	} {
		if errors.Is(err, known) {
			return strings.TrimPrefix(err.Error(), "auth: ")
		}
	}
	for _, invalid := range []error{
		model.ErrUsernameEmpty, model.ErrUsernameTooLong, model.ErrUsernameInvalidChars, crypto.ErrInvalidSalt,
	} {
		if errors.Is(err, invalid) {
			return strings.TrimPrefix(invalid.Error(), "crypto: ")
		}
	}
	return "internal error"
}
