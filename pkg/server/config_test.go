package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GORELAY_LISTEN_ADDR", ":8000")
	t.Setenv("GORELAY_HISTORY_SIZE", "20")
	t.Setenv("GORELAY_ALLOWED_ORIGINS", "chat.example.com,*.example.org")
	t.Setenv("GORELAY_TLS", "true")

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	want := DefaultConfig()
	want.ListenAddr = ":8000"
	want.HistorySize = 20
	want.AllowedOrigins = []string{"chat.example.com", "*.example.org"}
	want.TLS = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvRejectsBadValue(t *testing.T) {
	t.Setenv("GORELAY_HISTORY_SIZE", "lots")
	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err == nil {
		t.Fatalf("LoadEnv accepted a non-numeric history size")
	}
}

func TestImportAdminsFromYAML(t *testing.T) {
	e := newTestEnv(t)
	e.enroll(t, "root", false)
	e.enroll(t, "alice", false)

	data := []byte("admins:\n  - root\n  - ghost\n")
	if err := ImportAdminsFromYAML(context.Background(), data, e.auth); err != nil {
		t.Fatalf("ImportAdminsFromYAML: %v", err)
	}

	c := e.connect()
	e.send(t, c, protocol.TypeLogin, protocol.Login{Username: "root", Proof: proofFor(t, e, "root")})
	if a := c.lastAuth(t); !a.Accepted || !a.Admin {
		t.Fatalf("root auth = %+v, want accepted admin", a)
	}

	u, err := e.store.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Role.String() != "user" {
		t.Fatalf("alice role = %s, want user", u.Role)
	}
}

func TestImportAdminsFromYAMLInvalid(t *testing.T) {
	e := newTestEnv(t)
	if err := ImportAdminsFromYAML(context.Background(), []byte("admins: [unterminated"), e.auth); err == nil {
		t.Fatalf("ImportAdminsFromYAML accepted malformed YAML")
	}
}

func TestLoadAdminsFromYAMLMissingFile(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "admins.yaml")
	if err := LoadAdminsFromYAML(context.Background(), path, e.auth); err == nil {
		t.Fatalf("LoadAdminsFromYAML accepted a missing file")
	}

	if err := os.WriteFile(path, []byte("admins:\n  - ghost\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := LoadAdminsFromYAML(context.Background(), path, e.auth); err != nil {
		t.Fatalf("LoadAdminsFromYAML: %v", err)
	}
}

func TestExportUsersYAML(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.enroll(t, "root", true)
	e.enroll(t, "mallory", false)
	if err := e.auth.Ban(ctx, "mallory", "spam", "root"); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	data, err := ExportUsersYAML(ctx, e.store)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	if strings.Contains(string(data), "proof") || strings.Contains(string(data), "salt") {
		t.Fatalf("export leaks credentials:\n%s", data)
	}

	var got UsersExport
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if len(got.Users) != 2 {
		t.Fatalf("exported %d users, want 2", len(got.Users))
	}
	for i := range got.Users {
		got.Users[i].CreatedAt = ""
	}
	want := []UserYAML{
		{ID: 1, Username: "root", Role: "admin"},
		{ID: 2, Username: "mallory", Role: "user", Banned: true, BanReason: "spam"},
	}
	if diff := cmp.Diff(want, got.Users); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}
}

// proofFor recomputes the proof enroll used for username.
func proofFor(t *testing.T, e *testEnv, username string) string {
	t.Helper()
	u, err := e.store.GetUserByUsername(context.Background(), username)
	if err != nil || u == nil {
		t.Fatalf("GetUserByUsername(%s) = %v, %v", username, u, err)
	}
	return crypto.Proof("pw-"+username, u.Salt)
}
