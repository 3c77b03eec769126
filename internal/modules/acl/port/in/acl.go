package in

import (
	"context"

	"chorus/internal/modules/acl/domain"
)

// Console is how a user inspects and answers the access control engine.
type Console interface {
	Pending() []domain.Request
	Decide(ctx context.Context, requestID string, choice domain.Choice) (domain.Entry, error)
	Entries(ctx context.Context) ([]domain.Entry, error)
	SetEntry(ctx context.Context, entry domain.Entry) (domain.Entry, error)
	RemoveEntry(ctx context.Context, peerID string) error
	Policy() domain.Policy
	Subscribe() (<-chan domain.Event, func())
}
