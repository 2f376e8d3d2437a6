package datastore

import (
	"context"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// History exposes a DataStore through the relay's message history contract:
// append a line, fetch the last N newest first.
type History struct {
	Store DataStore
}

// NewHistory wraps the non-transactional view of a provider factory.
func NewHistory(f DataProviderFactory) History {
	return History{Store: f.NonTx()}
}

// Append persists msg.
func (h History) Append(ctx context.Context, msg *model.Message) error {
	return h.Store.CreateMessage(ctx, msg)
}

// Recent returns up to n messages, newest first.
func (h History) Recent(ctx context.Context, n int) ([]model.Message, error) {
	return h.Store.RecentMessages(ctx, n)
}
