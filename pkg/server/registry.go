package server

import (
	"sort"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// Conn is one client connection as seen by the hub. Send must not block:
// implementations queue the frame and report false if it was dropped.
type Conn interface {
	ID() string
	Send(env protocol.Envelope) bool
	// Close sends a disconnect frame carrying reason and closes the connection.
	Close(reason string)
}

// Session binds an authenticated username to its live connection.
type Session struct {
	Username       string
	Conn           Conn
	AdminAtConnect bool
	ConnectedAt    time.Time
}

// Registry maps usernames to live sessions.
//
// It is owned by the hub's event loop and must only be touched from there.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds username to sess, silently replacing any previous session.
func (r *Registry) Register(sess *Session) {
	r.sessions[sess.Username] = sess
}

// Unregister removes username. It is a no-op if absent.
func (r *Registry) Unregister(username string) {
	delete(r.sessions, username)
}

// UnregisterConn removes username only if its live session belongs to connID.
// It reports whether a session was removed.
func (r *Registry) UnregisterConn(username, connID string) bool {
	sess, ok := r.sessions[username]
	if !ok || sess.Conn.ID() != connID {
		return false
	}
	delete(r.sessions, username)
	return true
}

// Lookup returns the session for username, or nil.
func (r *Registry) Lookup(username string) *Session {
	return r.sessions[username]
}

// Owns reports whether connID holds the live session for username.
func (r *Registry) Owns(username, connID string) bool {
	sess, ok := r.sessions[username]
	return ok && sess.Conn.ID() == connID
}

// Targets returns every live connection.
func (r *Registry) Targets() []Conn {
	out := make([]Conn, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Conn)
	}
	return out
}

// Usernames returns the online usernames, sorted.
func (r *Registry) Usernames() []string {
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return len(r.sessions)
}
