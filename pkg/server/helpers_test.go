package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/store"
)

// fakeConn records every frame it is sent.
type fakeConn struct {
	id     string
	frames []protocol.Envelope
	closed bool
	reason string
	full   bool // simulate a saturated send queue
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env protocol.Envelope) bool {
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *fakeConn) Close(reason string) {
	c.closed = true
	c.reason = reason
}

// ofType returns the frames of type typ.
func (c *fakeConn) ofType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// texts returns the text of every message frame received.
func (c *fakeConn) texts(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range c.ofType(protocol.TypeMessage) {
		var m protocol.Message
		if err := f.Decode(&m); err != nil {
			t.Fatalf("decode message frame: %v", err)
		}
		out = append(out, m.Text)
	}
	return out
}

func (c *fakeConn) lastAuth(t *testing.T) protocol.Auth {
	t.Helper()
	frames := c.ofType(protocol.TypeAuth)
	if len(frames) == 0 {
		t.Fatalf("conn %s: no auth frame", c.id)
	}
	var a protocol.Auth
	if err := frames[len(frames)-1].Decode(&a); err != nil {
		t.Fatalf("decode auth frame: %v", err)
	}
	return a
}

func (c *fakeConn) lastNickList(t *testing.T) []string {
	t.Helper()
	frames := c.ofType(protocol.TypeNickList)
	if len(frames) == 0 {
		t.Fatalf("conn %s: no nicklist frame", c.id)
	}
	var n protocol.NickList
	if err := frames[len(frames)-1].Decode(&n); err != nil {
		t.Fatalf("decode nicklist frame: %v", err)
	}
	return n.Users
}

func (c *fakeConn) reset() {
	c.frames = nil
}

// manualWorker queues jobs until runAll is called.
type manualWorker struct {
	jobs []Job
}

func (w *manualWorker) Submit(job Job) {
	w.jobs = append(w.jobs, job)
}

func (w *manualWorker) runAll() {
	for len(w.jobs) > 0 {
		job := w.jobs[0]
		w.jobs = w.jobs[1:]
		if done := job(context.Background()); done != nil {
			done()
		}
	}
}

type testEnv struct {
	hub   *Hub
	store *store.MemoryStore
	auth  *auth.Service
	seq   int
}

// newTestEnv builds a hub whose workers run inline and whose clock ticks one
// second per read.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	svc := auth.NewService(st)
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{store: st, auth: svc}
	env.hub = NewHub(HubDeps{
		Auth:        svc,
		History:     datastore.NewHistory(st),
		StoreWorker: InlineWorker{},
		AuthWorker:  InlineWorker{},
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return env
}

// enroll registers an account directly with the auth service and returns its password proof.
func (e *testEnv) enroll(t *testing.T, username string, admin bool) string {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	proof := crypto.Proof("pw-"+username, salt)
	if _, err := e.auth.Register(context.Background(), username, salt, proof); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	if admin {
		if err := e.auth.SetAdmin(context.Background(), username, true); err != nil {
			t.Fatalf("SetAdmin(%s): %v", username, err)
		}
	}
	return proof
}

func (e *testEnv) connect() *fakeConn {
	e.seq++
	c := newFakeConn(fmt.Sprintf("conn-%d", e.seq))
	e.hub.onConnect(c)
	return c
}

func (e *testEnv) send(t *testing.T, c *fakeConn, typ string, payload any) {
	t.Helper()
	env, err := protocol.New(typ, payload)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	e.hub.onReceive(c, env)
}

func (e *testEnv) chat(t *testing.T, c *fakeConn, text string) {
	t.Helper()
	e.send(t, c, protocol.TypeChat, protocol.Chat{Text: text})
}

// join enrolls username, connects and logs in, then clears the recorded frames.
func (e *testEnv) join(t *testing.T, username string, admin bool) *fakeConn {
	t.Helper()
	proof := e.enroll(t, username, admin)
	c := e.connect()
	e.send(t, c, protocol.TypeLogin, protocol.Login{Username: username, Proof: proof})
	if a := c.lastAuth(t); !a.Accepted {
		t.Fatalf("login %s rejected: %s", username, a.Reason)
	}
	return c
}

// persisted returns the bodies of every stored message in insertion order.
func (e *testEnv) persisted() []string {
	var out []string
	for _, m := range e.store.Messages() {
		out = append(out, m.Body)
	}
	return out
}

func resetAll(conns ...*fakeConn) {
	for _, c := range conns {
		c.reset()
	}
}
