package server

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")

	r.Register(&Session{Username: "alice", Conn: c1})
	if got := r.Lookup("alice"); got == nil || got.Conn != Conn(c1) {
		t.Fatalf("Lookup(alice) = %+v", got)
	}

	c2 := newFakeConn("c2")
	r.Register(&Session{Username: "alice", Conn: c2})
	if got := r.Lookup("alice"); got.Conn != Conn(c2) {
		t.Fatalf("Register did not overwrite")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	r.Unregister("alice")
	r.Unregister("alice")
	if r.Lookup("alice") != nil {
		t.Fatalf("alice still registered")
	}
}

func TestRegistryUnregisterConn(t *testing.T) {
	r := NewRegistry()
	r.Register(&Session{Username: "alice", Conn: newFakeConn("new")})

	if r.UnregisterConn("alice", "old") {
		t.Fatalf("UnregisterConn removed a session owned by another connection")
	}
	if !r.Owns("alice", "new") || r.Owns("alice", "old") {
		t.Fatalf("Owns mismatch")
	}
	if !r.UnregisterConn("alice", "new") {
		t.Fatalf("UnregisterConn did not remove the owning connection")
	}
	if r.UnregisterConn("bob", "x") {
		t.Fatalf("UnregisterConn of absent user reported removal")
	}
}

func TestRegistryTargetsAndUsernames(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		r.Register(&Session{Username: name, Conn: newFakeConn(name)})
	}

	if diff := cmp.Diff([]string{"alice", "bob", "carol"}, r.Usernames()); diff != "" {
		t.Fatalf("Usernames mismatch (-want +got):\n%s", diff)
	}
	if got := len(r.Targets()); got != 3 {
		t.Fatalf("Targets = %d, want 3", got)
	}
}

func TestAdminSet(t *testing.T) {
	a := NewAdminSet()
	a.Promote("root")
	a.Promote("root")
	a.Promote("alice")

	if !a.IsAdmin("root") || a.IsAdmin("bob") {
		t.Fatalf("IsAdmin mismatch")
	}
	if diff := cmp.Diff([]string{"alice", "root"}, a.List()); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	a.Demote("root")
	a.Demote("root")
	if a.IsAdmin("root") {
		t.Fatalf("root still admin after demote")
	}
}
