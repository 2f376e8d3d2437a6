package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/auth"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "GORELAY_"

// LoadEnv overrides cfg with any GORELAY_* variables that are set.
// Unset variables leave the current value alone.
func LoadEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	return nil
}

// AdminsConfig is the YAML file naming accounts that carry the admin flag.
//
//	admins:
//	  - root
//	  - alice
type AdminsConfig struct {
	Admins []string `yaml:"admins"`
}

// AdminSetter stores the admin flag consulted at login.
type AdminSetter interface {
	SetAdmin(ctx context.Context, username string, admin bool) error
}

// LoadAdminsFromYAML reads an admins file and flags each listed account.
func LoadAdminsFromYAML(ctx context.Context, path string, svc AdminSetter) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read admins config: %w", err)
	}
	return ImportAdminsFromYAML(ctx, data, svc)
}

// ImportAdminsFromYAML parses YAML data and flags each listed account.
// Accounts that are not registered yet are skipped with a warning.
func ImportAdminsFromYAML(ctx context.Context, data []byte, svc AdminSetter) error {
	var cfg AdminsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse admins config: %w", err)
	}

	applied := 0
	for _, name := range cfg.Admins {
		err := svc.SetAdmin(ctx, name, true)
		switch {
		case errors.Is(err, auth.ErrUnknownUser):
			slog.Warn("admins config names unknown account", "username", name)
		case err != nil:
			return fmt.Errorf("set admin %q: %w", name, err)
		default:
			applied++
		}
	}

	slog.Info("imported admins from YAML", "count", applied)
	return nil
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Role      string `yaml:"role"`
	Banned    bool   `yaml:"banned,omitempty"`
	BanReason string `yaml:"ban_reason,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ExportUsersYAML exports all accounts with their role and ban state.
func ExportUsersYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		entry := UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role.String(),
			CreatedAt: u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		ban, err := st.ActiveBan(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if ban != nil {
			entry.Banned = true
			entry.BanReason = ban.Reason
		}
		export.Users = append(export.Users, entry)
	}
	return yaml.Marshal(&export)
}
