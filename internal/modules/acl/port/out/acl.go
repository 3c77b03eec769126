package out

import (
	"context"

	"chorus/internal/modules/acl/domain"
)

// EntryStore persists entries with ScopePersistent. It holds at most one
// entry per peer.
type EntryStore interface {
	Get(ctx context.Context, peerID string) (domain.Entry, bool, error)
	Put(ctx context.Context, entry domain.Entry) error
	Delete(ctx context.Context, peerID string) error
	List(ctx context.Context) ([]domain.Entry, error)
}
