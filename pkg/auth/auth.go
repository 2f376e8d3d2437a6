// Package auth verifies relay accounts and manages their ban and admin flags.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

var (
	ErrUnknownUser    = errors.New("auth: unknown user")
	ErrBadCredentials = errors.New("auth: bad credentials")
	ErrBanned         = errors.New("auth: user is banned")
	ErrUserExists     = errors.New("auth: username already registered")
)

// Identity is the result of a successful login or registration.
type Identity struct {
	Username string
	Admin    bool
}

// Service answers salt probes, registers and logs in accounts, and applies
// moderation flags. It is safe for concurrent use as far as the underlying
// store is.
type Service struct {
	store datastore.DataProviderFactory
	now   func() time.Time
}

// NewService creates a Service backed by store.
func NewService(store datastore.DataProviderFactory) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Salt returns the stored salt for username. known is false when the name
// is not enrolled.
func (s *Service) Salt(ctx context.Context, username string) (salt string, known bool, err error) {
	user, err := s.store.NonTx().GetUserByUsername(ctx, username)
	if err != nil {
		return "", false, fmt.Errorf("auth: salt: %w", err)
	}
	if user == nil {
		return "", false, nil
	}
	return user.Salt, true, nil
}

// Register enrolls username with a client-chosen salt and the proof derived
// from it. New accounts are never admins.
func (s *Service) Register(ctx context.Context, username, salt, proof string) (Identity, error) {
	if err := model.ValidateUsername(username); err != nil {
		return Identity{}, fmt.Errorf("auth: register: %w", err)
	}
	if err := crypto.ValidateSalt(salt); err != nil {
		return Identity{}, fmt.Errorf("auth: register: %w", err)
	}
	if strings.TrimSpace(proof) == "" {
		return Identity{}, fmt.Errorf("auth: register: %w", ErrBadCredentials)
	}

	tx, err := s.store.Tx(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: register: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := tx.GetUserByUsername(ctx, username)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: register: %w", err)
	}
	if existing != nil {
		return Identity{}, ErrUserExists
	}

	user := &model.User{
		Username:  username,
		Role:      model.RoleUser,
		Salt:      salt,
		ProofHash: crypto.HashProof(proof, salt),
	}
	if err := tx.CreateUser(ctx, user); err != nil {
		return Identity{}, fmt.Errorf("auth: register: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Identity{}, fmt.Errorf("auth: register: commit: %w", err)
	}

	slog.Info("account registered", "username", username)
	return Identity{Username: username}, nil
}

// Login verifies proof for username. Banned accounts are rejected with an
// error wrapping ErrBanned and carrying the ban reason.
func (s *Service) Login(ctx context.Context, username, proof string) (Identity, error) {
	st := s.store.NonTx()
	user, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: login: %w", err)
	}
	if user == nil {
		return Identity{}, ErrUnknownUser
	}
	if !crypto.VerifyProof(proof, user.Salt, user.ProofHash) {
		return Identity{}, ErrBadCredentials
	}

	ban, err := st.ActiveBan(ctx, user.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: login: %w", err)
	}
	if ban != nil {
		if ban.Reason == "" {
			return Identity{}, ErrBanned
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrBanned, ban.Reason)
	}

	return Identity{Username: user.Username, Admin: user.IsAdmin()}, nil
}

// Ban records a permanent ban on username.
func (s *Service) Ban(ctx context.Context, username, reason, by string) error {
	user, err := s.lookup(ctx, "ban", username)
	if err != nil {
		return err
	}
	ban := &model.Ban{
		UserID:   user.ID,
		Reason:   reason,
		BannedBy: by,
	}
	if err := s.store.NonTx().CreateBan(ctx, ban); err != nil {
		return fmt.Errorf("auth: ban: %w", err)
	}
	slog.Info("account banned", "username", username, "reason", reason, "by", by)
	return nil
}

// Unban lifts every ban on username. lifted is false if none was active.
func (s *Service) Unban(ctx context.Context, username string) (lifted bool, err error) {
	user, err := s.lookup(ctx, "unban", username)
	if err != nil {
		return false, err
	}
	n, err := s.store.NonTx().DeleteBans(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("auth: unban: %w", err)
	}
	slog.Info("account unbanned", "username", username, "bans_removed", n)
	return n > 0, nil
}

// SetAdmin sets or clears the stored admin flag consulted at login.
func (s *Service) SetAdmin(ctx context.Context, username string, admin bool) error {
	user, err := s.lookup(ctx, "set admin", username)
	if err != nil {
		return err
	}
	role := model.RoleUser
	if admin {
		role = model.RoleAdmin
	}
	if user.Role == role {
		return nil
	}
	if err := s.store.NonTx().UpdateUserRole(ctx, user.ID, role); err != nil {
		return fmt.Errorf("auth: set admin: %w", err)
	}
	return nil
}

// Banned reports whether username currently has an active ban.
func (s *Service) Banned(ctx context.Context, username string) (bool, error) {
	user, err := s.lookup(ctx, "banned", username)
	if err != nil {
		return false, err
	}
	ban, err := s.store.NonTx().ActiveBan(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("auth: banned: %w", err)
	}
	return ban != nil && ban.Active(s.now()), nil
}

func (s *Service) lookup(ctx context.Context, op, username string) (*model.User, error) {
	user, err := s.store.NonTx().GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: %w", op, err)
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	return user, nil
}
