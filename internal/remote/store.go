// Package remote adapts the authoritative backend data store. Rows travel
// as raw JSON so server-only columns survive a round trip untouched.
package remote

//go:generate mockgen -source=store.go -destination=mock_store.go -package=remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("remote row not found")

// Collections the sync engine reads and writes.
const (
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

// Store is the remote data store contract.
type Store interface {
	// Get returns the row with id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	// Insert creates row and returns it as stored. The server may assign
	// a different id.
	Insert(ctx context.Context, collection string, row json.RawMessage) (json.RawMessage, error)
	// Update applies patch to the row with id and returns the result.
	Update(ctx context.Context, collection, id string, patch json.RawMessage) (json.RawMessage, error)
	// QueryUpdatedAfter returns the user's rows changed after since, oldest
	// first. A zero since returns everything.
	QueryUpdatedAfter(ctx context.Context, collection, userID string, since time.Time) ([]json.RawMessage, error)
}

func validCollection(c string) error {
	if c != CollectionConversations && c != CollectionMessages {
		return fmt.Errorf("unknown collection %q", c)
	}

	return nil
}
