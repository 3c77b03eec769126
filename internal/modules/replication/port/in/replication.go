package in

import (
	"context"
	"time"

	"chorus/internal/modules/replication/domain"
	"chorus/internal/platform/wire"
)

// Sender delivers one envelope to the peer behind a connection.
type Sender func(ctx context.Context, env wire.Envelope) error

// Replica is the replication state of one authorized connection.
type Replica interface {
	// Start announces the local tips. It must be called before Handle.
	Start(ctx context.Context) error
	// Handle processes one replication envelope. ready reports that the
	// remote handshake completed.
	Handle(ctx context.Context, env wire.Envelope) (ready bool, err error)
	// Tick returns domain.ErrReplicationStalled once an acknowledgement or
	// gap fill is overdue.
	Tick(now time.Time) error
	Close()
}

type Replicator interface {
	Open(peerID, connID string, send Sender) Replica
}

// Log is the local command log as seen by callers outside a connection.
type Log interface {
	Load(ctx context.Context) error
	Submit(ctx context.Context, m domain.Mutation) (domain.Command, error)
	Compact(ctx context.Context) (int, error)
	RunCompaction(ctx context.Context, interval time.Duration) error
	Origin() string
	Tips() map[string]uint64
	Partial(origin string) bool
}
