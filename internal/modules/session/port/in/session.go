package in

import (
	"context"

	"chorus/internal/modules/session/domain"
)

type Manager interface {
	Run(ctx context.Context) error
	Connect(ctx context.Context, peerID string) error
	Disconnect(ctx context.Context, peerID string) error
	Peers() []domain.Peer
	Connections() []domain.Connection
	Subscribe() (<-chan domain.Event, func())
}
