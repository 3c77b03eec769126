package out

import (
	"context"

	acldomain "chorus/internal/modules/acl/domain"
	"chorus/internal/modules/session/domain"
)

// Transport discovers peers and carries opaque frames to them. Frames sent
// to one peer arrive in order. Transports never decide policy.
type Transport interface {
	Name() string
	// LocalID is this node's qualified id on the transport. It is only
	// meaningful after Start.
	LocalID() string
	Start(ctx context.Context) error
	Events() <-chan domain.PeerEvent
	Inbound() <-chan domain.Frame
	// Send wraps domain.ErrTransport when the peer is unreachable or the
	// transport is closed.
	Send(ctx context.Context, peerID string, payload []byte) error
	Close() error
}

// Authorizer gates inbound connections.
type Authorizer interface {
	Evaluate(ctx context.Context, subject acldomain.Subject) (acldomain.Outcome, error)
	Await(ctx context.Context, requestID string) (acldomain.Verdict, error)
	Cancel(peerID string)
	Forget(peerID string)
	AllowsOutbound(ctx context.Context, peerID string) (bool, error)
}

// Authenticator proves this node's identity and checks a peer's.
type Authenticator interface {
	PublicKey() []byte
	Sign(payload []byte) ([]byte, error)
	Verify(publicKey, payload, signature []byte) error
}

// HintStore remembers how to reach peers across restarts.
type HintStore interface {
	Load(ctx context.Context, transport string) (map[string][]string, error)
	Save(ctx context.Context, transport, peerID string, addrs []string) error
}
