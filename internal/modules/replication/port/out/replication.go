package out

import (
	"context"

	"chorus/internal/modules/replication/domain"
)

type LogStore interface {
	Load(ctx context.Context) (domain.Snapshot, error)
	// Append persists contiguous commands. Re-appending a stored position is
	// a no-op.
	Append(ctx context.Context, cmds []domain.Command) error
	MarkPruned(ctx context.Context, refs []domain.Ref) error
	// MarkHoles records accepted gaps and flags the origin partial.
	MarkHoles(ctx context.Context, origin string, seqs []uint64) error
	PeerTips(ctx context.Context) (map[string]map[string]uint64, error)
	SavePeerTips(ctx context.Context, peerID string, tips map[string]uint64) error
}

// Applier materializes commands. Apply is called in per-origin order and
// exactly once per command for the life of the process.
type Applier interface {
	Apply(cmd domain.Command) error
	MarkPartial(origin string)
}
