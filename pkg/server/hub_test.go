package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func TestConnectSendsHistoryNewestFirst(t *testing.T) {
	e := newTestEnv(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 60; i++ {
		m := &model.Message{Kind: model.KindChat, Sender: "alice", Body: fmt.Sprintf("alice: %d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := e.store.CreateMessage(context.Background(), m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	c := e.connect()
	frames := c.ofType(protocol.TypeHistory)
	if len(frames) != 1 {
		t.Fatalf("history frames = %d, want 1", len(frames))
	}
	var hist []protocol.Message
	if err := frames[0].Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 50 {
		t.Fatalf("history len = %d, want 50", len(hist))
	}
	if hist[0].Text != "alice: 60" || hist[49].Text != "alice: 11" {
		t.Fatalf("history bounds = %q .. %q", hist[0].Text, hist[49].Text)
	}
}

func TestConnectEmptyHistory(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect()

	frames := c.ofType(protocol.TypeHistory)
	if len(frames) != 1 || string(frames[0].Payload) != "[]" {
		t.Fatalf("history frames = %+v, want one empty list", frames)
	}
}

func TestLoginAnnouncesAndRefreshesNickList(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	alice.reset()

	bob := e.join(t, "bob", false)

	if diff := cmp.Diff([]string{"bob joined the chat"}, alice.texts(t)); diff != "" {
		t.Fatalf("alice notices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, alice.lastNickList(t)); diff != "" {
		t.Fatalf("nick list mismatch (-want +got):\n%s", diff)
	}
	if got := bob.lastAuth(t); got.Username != "bob" || got.Admin {
		t.Fatalf("bob auth = %+v", got)
	}
	if sess := e.hub.registry.Lookup("bob"); sess == nil || sess.Conn != Conn(bob) {
		t.Fatalf("registry lookup bob = %+v", sess)
	}
	if len(e.persisted()) != 0 {
		t.Fatalf("join notices must not be persisted: %v", e.persisted())
	}
}

func TestLoginAdminFlagPromotes(t *testing.T) {
	e := newTestEnv(t)
	root := e.join(t, "root", true)

	if !e.hub.admins.IsAdmin("root") {
		t.Fatalf("root not promoted at login")
	}
	if a := root.lastAuth(t); !a.Admin {
		t.Fatalf("auth frame admin = false")
	}
	if sess := e.hub.registry.Lookup("root"); !sess.AdminAtConnect {
		t.Fatalf("session AdminAtConnect = false")
	}
}

func TestLoginRejected(t *testing.T) {
	e := newTestEnv(t)
	e.enroll(t, "alice", false)
	bob := e.join(t, "bob", false)
	bob.reset()

	c := e.connect()
	e.send(t, c, protocol.TypeLogin, protocol.Login{Username: "alice", Proof: "wrong"})

	got := c.lastAuth(t)
	if got.Accepted || got.Reason != "bad credentials" {
		t.Fatalf("auth = %+v, want rejected with bad credentials", got)
	}
	if e.hub.registry.Lookup("alice") != nil {
		t.Fatalf("rejected login registered a session")
	}

	e.chat(t, c, "hello")
	if len(bob.texts(t)) != 0 || len(e.persisted()) != 0 {
		t.Fatalf("chat from rejected connection was routed")
	}
	if n := e.hub.metrics.FailedAuths.Load(); n != 1 {
		t.Fatalf("FailedAuths = %d, want 1", n)
	}
}

func TestRegisterActsAsLogin(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect()
	salt, _ := crypto.GenerateSalt()

	e.send(t, c, protocol.TypeRegister, protocol.Register{Username: "carol", Salt: salt, Proof: crypto.Proof("pw", salt)})

	if a := c.lastAuth(t); !a.Accepted || a.Username != "carol" {
		t.Fatalf("register auth = %+v", a)
	}
	if e.hub.registry.Lookup("carol") == nil {
		t.Fatalf("registered user has no session")
	}

	other := e.connect()
	e.send(t, other, protocol.TypeRegister, protocol.Register{Username: "carol", Salt: salt, Proof: "x"})
	if a := other.lastAuth(t); a.Accepted || a.Reason != "username already registered" {
		t.Fatalf("duplicate register auth = %+v", a)
	}
	if n := e.hub.metrics.Registrations.Load(); n != 1 {
		t.Fatalf("Registrations = %d, want 1", n)
	}
}

func TestRegisterInvalidUsername(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect()
	salt, _ := crypto.GenerateSalt()

	e.send(t, c, protocol.TypeRegister, protocol.Register{Username: "no spaces", Salt: salt, Proof: "p"})

	if a := c.lastAuth(t); a.Accepted || a.Reason != model.ErrUsernameInvalidChars.Error() {
		t.Fatalf("auth = %+v", a)
	}
}

func TestProbe(t *testing.T) {
	e := newTestEnv(t)
	e.enroll(t, "alice", false)
	wantSalt, _, _ := e.auth.Salt(context.Background(), "alice")

	c := e.connect()
	e.send(t, c, protocol.TypeProbe, protocol.Probe{Username: "alice"})
	e.send(t, c, protocol.TypeProbe, protocol.Probe{Username: "nobody"})
	e.send(t, c, protocol.TypeProbe, protocol.Probe{Username: "bad name"})

	var got []protocol.Salt
	for _, f := range c.ofType(protocol.TypeSalt) {
		var s protocol.Salt
		if err := f.Decode(&s); err != nil {
			t.Fatalf("decode salt: %v", err)
		}
		got = append(got, s)
	}
	want := []protocol.Salt{
		{Username: "alice", Known: true, Salt: wantSalt},
		{Username: "nobody"},
		{Username: "bad name"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("salt frames mismatch (-want +got):\n%s", diff)
	}
}

func TestUnauthenticatedChatIsIgnored(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	alice.reset()

	anon := e.connect()
	e.chat(t, anon, "hello")

	if len(alice.texts(t)) != 0 {
		t.Fatalf("anonymous chat was broadcast: %v", alice.texts(t))
	}
	if len(e.persisted()) != 0 {
		t.Fatalf("anonymous chat was persisted: %v", e.persisted())
	}
}

func TestBlankChatIsIgnored(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	alice.reset()

	e.chat(t, alice, "")
	e.chat(t, alice, "   \t ")

	if len(alice.texts(t)) != 0 || len(e.persisted()) != 0 {
		t.Fatalf("blank chat was routed")
	}
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	bob := e.join(t, "bob", false)
	resetAll(alice, bob)

	e.hub.onDisconnect(bob)

	if e.hub.registry.Lookup("bob") != nil {
		t.Fatalf("bob still registered after disconnect")
	}
	if diff := cmp.Diff([]string{"bob left the chat"}, alice.texts(t)); diff != "" {
		t.Fatalf("alice notices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice"}, alice.lastNickList(t)); diff != "" {
		t.Fatalf("nick list mismatch (-want +got):\n%s", diff)
	}

	// A second disconnect for the same connection is ignored.
	alice.reset()
	e.hub.onDisconnect(bob)
	if len(alice.frames) != 0 {
		t.Fatalf("repeated disconnect produced frames")
	}
}

func TestAnonymousDisconnectIsSilent(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	alice.reset()

	anon := e.connect()
	e.hub.onDisconnect(anon)

	if len(alice.frames) != 0 {
		t.Fatalf("anonymous disconnect produced frames: %+v", alice.frames)
	}
}

func TestDuplicateLoginDisplacesSilently(t *testing.T) {
	e := newTestEnv(t)
	proof := e.enroll(t, "alice", false)
	bob := e.join(t, "bob", false)

	first := e.connect()
	e.send(t, first, protocol.TypeLogin, protocol.Login{Username: "alice", Proof: proof})
	second := e.connect()
	e.send(t, second, protocol.TypeLogin, protocol.Login{Username: "alice", Proof: proof})
	resetAll(first, second, bob)

	if sess := e.hub.registry.Lookup("alice"); sess.Conn != Conn(second) {
		t.Fatalf("alice session not replaced by the newer connection")
	}
	if first.closed || len(first.ofType(protocol.TypeDisconnect)) != 0 {
		t.Fatalf("displaced connection was notified")
	}

	e.chat(t, first, "from the old tab")
	if len(bob.texts(t)) != 0 {
		t.Fatalf("displaced connection could still chat")
	}

	e.hub.onDisconnect(first)
	if e.hub.registry.Lookup("alice") == nil {
		t.Fatalf("displaced disconnect removed the newer session")
	}
	if len(bob.texts(t)) != 0 {
		t.Fatalf("displaced disconnect announced a leave: %v", bob.texts(t))
	}
}

func TestLoginIgnoredWhileAuthenticated(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	bobProof := e.enroll(t, "bob", false)
	alice.reset()

	e.send(t, alice, protocol.TypeLogin, protocol.Login{Username: "bob", Proof: bobProof})

	if len(alice.ofType(protocol.TypeAuth)) != 0 {
		t.Fatalf("second login on an authenticated connection was processed")
	}
	if e.hub.registry.Lookup("bob") != nil {
		t.Fatalf("second login registered bob")
	}
}

func TestStaleAuthResultDropped(t *testing.T) {
	e := newTestEnv(t)
	proof := e.enroll(t, "alice", false)
	authq := &manualWorker{}
	e.hub.authq = authq

	c := e.connect()
	e.send(t, c, protocol.TypeLogin, protocol.Login{Username: "alice", Proof: proof})
	e.send(t, c, protocol.TypeLogin, protocol.Login{Username: "alice", Proof: proof})
	if len(authq.jobs) != 1 {
		t.Fatalf("queued auth jobs = %d, want 1 while pending", len(authq.jobs))
	}

	e.hub.onDisconnect(c)
	authq.runAll()

	if e.hub.registry.Lookup("alice") != nil {
		t.Fatalf("auth result applied to a closed connection")
	}
	if n := e.hub.metrics.StaleAuthResults.Load(); n != 1 {
		t.Fatalf("StaleAuthResults = %d, want 1", n)
	}
}

func TestHandlingDoesNotWaitForWorkers(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	bob := e.join(t, "bob", false)
	resetAll(alice, bob)
	storeq := &manualWorker{}
	e.hub.storeq = storeq

	e.chat(t, alice, "first")
	e.chat(t, bob, "second")

	if diff := cmp.Diff([]string{"alice: first", "bob: second"}, bob.texts(t)); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if len(e.persisted()) != 0 {
		t.Fatalf("persisted before the store worker ran")
	}

	storeq.runAll()
	if diff := cmp.Diff([]string{"alice: first", "bob: second"}, e.persisted()); diff != "" {
		t.Fatalf("persistence order mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistFailureDoesNotBlockDelivery(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	bob := e.join(t, "bob", false)
	resetAll(alice, bob)
	e.store.FailMessages(errors.New("disk full"))

	e.chat(t, alice, "still delivered")

	if diff := cmp.Diff([]string{"alice: still delivered"}, bob.texts(t)); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if n := e.hub.metrics.PersistFailures.Load(); n != 1 {
		t.Fatalf("PersistFailures = %d, want 1", n)
	}
}

func TestFullQueueDropsFrame(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	bob := e.join(t, "bob", false)
	resetAll(alice, bob)
	bob.full = true

	e.chat(t, alice, "hi")

	if diff := cmp.Diff([]string{"alice: hi"}, alice.texts(t)); diff != "" {
		t.Fatalf("sender delivery mismatch (-want +got):\n%s", diff)
	}
	if n := e.hub.metrics.FramesDropped.Load(); n != 1 {
		t.Fatalf("FramesDropped = %d, want 1", n)
	}
	if len(e.persisted()) != 1 {
		t.Fatalf("dropped frame affected persistence")
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	alice.reset()

	e.hub.onReceive(alice, protocol.Envelope{Type: "dance"})
	e.hub.onReceive(alice, protocol.Envelope{Type: protocol.TypeChat, Payload: []byte(`{"text": 3}`)})

	if len(alice.frames) != 0 {
		t.Fatalf("unexpected frames: %+v", alice.frames)
	}
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: fmt.Errorf("%w: spamming", auth.ErrBanned), want: "user is banned: spamming"},
		{err: errors.New("database is locked"), want: "internal error"},
		{err: fmt.Errorf("auth: register: %w", crypto.ErrInvalidSalt), want: "invalid salt"},
	}
	for _, tt := range tests {
		if got := rejectReason(tt.err); got != tt.want {
			t.Errorf("rejectReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestShutdownClosesEveryConnection(t *testing.T) {
	e := newTestEnv(t)
	alice := e.join(t, "alice", false)
	anon := e.connect()

	e.hub.shutdown()

	for _, c := range []*fakeConn{alice, anon} {
		if !c.closed || !strings.Contains(c.reason, "shutting down") {
			t.Fatalf("conn %s closed=%t reason=%q", c.id, c.closed, c.reason)
		}
	}
	select {
	case <-e.hub.Done():
	default:
		t.Fatalf("Done not closed after shutdown")
	}
	if e.hub.registry.Count() != 0 {
		t.Fatalf("registry not cleared")
	}
}
