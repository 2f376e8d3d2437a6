package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for accounts, bans and chat history.
// Implementations include the default SQLite store and the in-memory store in
// pkg/store used by tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	BanReadProvider
	BanWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
}

type UserReadProvider interface {
	// GetUserByUsername returns (nil, nil) when the username is not enrolled.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUserRole(ctx context.Context, userID int64, role model.Role) error
}

type BanReadProvider interface {
	// ActiveBan returns the most recent unexpired ban, or (nil, nil).
	ActiveBan(ctx context.Context, userID int64) (*model.Ban, error)
}

type BanWriteProvider interface {
	CreateBan(ctx context.Context, ban *model.Ban) error
	// DeleteBans removes every ban for the user and returns how many were removed.
	DeleteBans(ctx context.Context, userID int64) (int64, error)
}

type MessageReadProvider interface {
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, limit int) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
}
