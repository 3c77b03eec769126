package out

import (
	"context"
	"net/http"
	"time"

	acldomain "chorus/internal/modules/acl/domain"
	aclin "chorus/internal/modules/acl/port/in"
	colldomain "chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	"chorus/internal/modules/node/domain"
	replin "chorus/internal/modules/replication/port/in"
	sessiondomain "chorus/internal/modules/session/domain"
	sessionin "chorus/internal/modules/session/port/in"
	sessionout "chorus/internal/modules/session/port/out"
)

// Runtime is every engine a running daemon owns. The log has already been
// replayed into the registry when a factory returns it.
type Runtime struct {
	// Node is the display name. Origin keys the local collection.
	Node        string
	Origin      string
	Fingerprint string
	Transports  []sessionout.Transport
	Sessions    sessionin.Manager
	Authority   aclin.Console
	Log         replin.Log
	Registry    collin.Registry
	Curator     collin.Curator
	Metrics     http.Handler
	Close       func() error
}

type RuntimeFactory interface {
	Build(ctx context.Context) (*Runtime, error)
}

type DaemonStore interface {
	WritePID(ctx context.Context, pid int) error
	ReadPID(ctx context.Context) (int, error)
	ClearPID(ctx context.Context) error
	SocketPath() string
	LogPath() string
}

type ActivityQuery struct {
	Since time.Time
	Limit int
}

type ActivityStore interface {
	Append(ctx context.Context, event domain.ActivityEvent) error
	Tail(ctx context.Context, query ActivityQuery) ([]domain.ActivityEvent, error)
}

type TransportStatus struct {
	Name        string   `json:"name"`
	LocalID     string   `json:"local_id"`
	ListenAddrs []string `json:"listen_addrs,omitempty"`
}

type DaemonStatus struct {
	Node           string                 `json:"node"`
	Origin         string                 `json:"origin"`
	Fingerprint    string                 `json:"fingerprint"`
	StartedAt      time.Time              `json:"started_at"`
	Transports     []TransportStatus      `json:"transports"`
	Peers          int                    `json:"peers"`
	OnlinePeers    int                    `json:"online_peers"`
	ActivePeers    int                    `json:"active_peers"`
	PendingAuth    int                    `json:"pending_auth"`
	Tips           map[string]uint64      `json:"tips"`
	Origins        []collin.OriginSummary `json:"origins"`
	MetricsAddress string                 `json:"metrics_address,omitempty"`
}

type DaemonRuntimeStatus struct {
	Running    bool
	PID        int
	SocketPath string
	Status     DaemonStatus
}

type CollectionView struct {
	Origins    []collin.OriginSummary `json:"origins"`
	Collection *colldomain.Collection `json:"collection,omitempty"`
	Digest     string                 `json:"digest,omitempty"`
}

// IPCHandler is the daemon API served on the local socket.
type IPCHandler interface {
	Status(ctx context.Context) (DaemonStatus, error)
	PeerList(ctx context.Context) ([]sessiondomain.Peer, error)
	PeerConnect(ctx context.Context, peerID string) error
	PeerDisconnect(ctx context.Context, peerID string) error
	AuthPending(ctx context.Context) ([]acldomain.Request, error)
	AuthDecide(ctx context.Context, requestID string, choice acldomain.Choice) (acldomain.Entry, error)
	ACLList(ctx context.Context) ([]acldomain.Entry, error)
	ACLSet(ctx context.Context, entry acldomain.Entry) (acldomain.Entry, error)
	ACLRemove(ctx context.Context, peerID string) error
	Mutate(ctx context.Context, m domain.Mutation) (domain.MutationResult, error)
	Collection(ctx context.Context, origin string) (CollectionView, error)
	Compact(ctx context.Context) (int, error)
	ActivityTail(ctx context.Context, query ActivityQuery) ([]domain.ActivityEvent, error)
	Resolve(ctx context.Context, q colldomain.TrackQuery) (<-chan colldomain.ResolveResult, error)
	Watch(ctx context.Context) (<-chan domain.WatchEvent, error)
	Stop(ctx context.Context) error
}

type IPCServer interface {
	Serve(ctx context.Context, socketPath string, handler IPCHandler) error
}

// IPCClient talks to a daemon over its socket. Streaming calls hand every
// item to fn and stop at the first error fn returns.
type IPCClient interface {
	Status(ctx context.Context, socketPath string) (DaemonStatus, error)
	PeerList(ctx context.Context, socketPath string) ([]sessiondomain.Peer, error)
	PeerConnect(ctx context.Context, socketPath, peerID string) error
	PeerDisconnect(ctx context.Context, socketPath, peerID string) error
	AuthPending(ctx context.Context, socketPath string) ([]acldomain.Request, error)
	AuthDecide(ctx context.Context, socketPath, requestID string, choice acldomain.Choice) (acldomain.Entry, error)
	ACLList(ctx context.Context, socketPath string) ([]acldomain.Entry, error)
	ACLSet(ctx context.Context, socketPath string, entry acldomain.Entry) (acldomain.Entry, error)
	ACLRemove(ctx context.Context, socketPath, peerID string) error
	Mutate(ctx context.Context, socketPath string, m domain.Mutation) (domain.MutationResult, error)
	Collection(ctx context.Context, socketPath, origin string) (CollectionView, error)
	Compact(ctx context.Context, socketPath string) (int, error)
	ActivityTail(ctx context.Context, socketPath string, query ActivityQuery) ([]domain.ActivityEvent, error)
	Resolve(ctx context.Context, socketPath string, q colldomain.TrackQuery, fn func(colldomain.ResolveResult) error) error
	Watch(ctx context.Context, socketPath string, fn func(domain.WatchEvent) error) error
	Stop(ctx context.Context, socketPath string) error
}
