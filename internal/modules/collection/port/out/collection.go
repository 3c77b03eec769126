package out

import (
	"context"

	repldomain "chorus/internal/modules/replication/domain"
)

// CommandLog accepts local mutations. Every change to a collection goes
// through it.
type CommandLog interface {
	Submit(ctx context.Context, m repldomain.Mutation) (repldomain.Command, error)
	Origin() string
}
