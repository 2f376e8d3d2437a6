// Package store provides an in-memory DataStore for tests and ephemeral relays.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextBanID     int64
	nextMessageID int64

	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
	bansByID        map[int64]*model.Ban
	messages        []model.Message

	// failMessages, when set, is returned by CreateMessage.
	failMessages error
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextBanID:       1,
		nextMessageID:   1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
		bansByID:        make(map[int64]*model.Ban),
	}
}

// Compile-time checks.
var (
	_ datastore.DataStore           = (*MemoryStore)(nil)
	_ datastore.DataProviderFactory = (*MemoryStore)(nil)
)

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx returns a view whose writes are applied immediately; Rollback is a no-op.
func (s *MemoryStore) Tx(_ context.Context) (datastore.DataStoreTx, error) {
	return memoryTx{s}, nil
}

type memoryTx struct {
	*MemoryStore
}

func (memoryTx) Rollback() error { return nil }
func (memoryTx) Commit() error   { return nil }

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ZeroTime returns the zero time value.
func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

// FailMessages makes subsequent CreateMessage calls return err (nil restores).
func (s *MemoryStore) FailMessages(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMessages = err
}

// CreateUser creates a new user and fills in its ID.
func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) error {
	if err := model.ValidateUsername(user.Username); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if !user.Role.Valid() {
		return fmt.Errorf("store: create user: %w", model.ErrInvalidRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	user.ID = s.nextUserID
	user.CreatedAt = s.now().UTC()
	s.nextUserID++
	copyUser := *user
	copyUser.ProofHash = append([]byte(nil), user.ProofHash...)
	s.usersByID[user.ID] = &copyUser
	s.usersByUsername[user.Username] = &copyUser
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// UpdateUserRole changes a user's role.
func (s *MemoryStore) UpdateUserRole(_ context.Context, userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("store: update user role: %w", model.ErrInvalidRole)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[userID]
	if !ok {
		return nil
	}
	user.Role = role
	return nil
}

// ListUsers returns all users.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// CreateBan adds a ban record.
func (s *MemoryStore) CreateBan(_ context.Context, ban *model.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ban.ID = s.nextBanID
	ban.CreatedAt = s.now().UTC()
	s.nextBanID++
	copyBan := *ban
	s.bansByID[ban.ID] = &copyBan
	return nil
}

// ActiveBan returns the newest unexpired ban for a user.
func (s *MemoryStore) ActiveBan(_ context.Context, userID int64) (*model.Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	var newest *model.Ban
	for _, ban := range s.bansByID {
		if ban.UserID != userID || !ban.Active(now) {
			continue
		}
		if newest == nil || ban.ID > newest.ID {
			newest = ban
		}
	}
	if newest == nil {
		return nil, nil
	}
	copyBan := *newest
	return &copyBan, nil
}

// DeleteBans lifts every ban on a user.
func (s *MemoryStore) DeleteBans(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ban := range s.bansByID {
		if ban.UserID == userID {
			delete(s.bansByID, id)
			n++
		}
	}
	return n, nil
}

// CreateMessage appends a chat line.
func (s *MemoryStore) CreateMessage(_ context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMessages != nil {
		return fmt.Errorf("store: create message: %w", s.failMessages)
	}
	message.ID = s.nextMessageID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}
	s.nextMessageID++
	s.messages = append(s.messages, *message)
	return nil
}

// RecentMessages returns up to limit messages, newest first.
func (s *MemoryStore) RecentMessages(_ context.Context, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := make([]model.Message, len(s.messages))
	copy(sorted, s.messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if limit < len(sorted) {
		sorted = sorted[:max(limit, 0)]
	}
	return sorted, nil
}

// Messages returns every stored message in insertion order.
func (s *MemoryStore) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
