package out

import (
	"context"
	"fmt"
	"sync"

	"chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
)

const (
	MemTransportName = "mem"
	memBuffer        = 256
)

// MemHub connects in-process transports. Every started member sees every
// other started member.
type MemHub struct {
	mu      sync.Mutex
	members map[string]*MemTransport
}

func NewMemHub() *MemHub {
	return &MemHub{members: map[string]*MemTransport{}}
}

// Transport returns a member named name. It joins the hub on Start.
func (h *MemHub) Transport(name string) *MemTransport {
	return &MemTransport{
		hub:     h,
		name:    name,
		events:  make(chan domain.PeerEvent, memBuffer),
		inbound: make(chan domain.Frame, memBuffer),
	}
}

func (h *MemHub) join(t *MemTransport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[t.name]; ok {
		return fmt.Errorf("%w: %s already joined", domain.ErrTransport, t.LocalID())
	}
	for _, other := range h.members {
		other.emit(domain.PeerEvent{Type: domain.PeerFound, PeerID: t.LocalID(), Transport: MemTransportName, Name: t.name})
		t.emit(domain.PeerEvent{Type: domain.PeerFound, PeerID: other.LocalID(), Transport: MemTransportName, Name: other.name})
	}
	h.members[t.name] = t
	return nil
}

func (h *MemHub) leave(t *MemTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[t.name] != t {
		return
	}
	delete(h.members, t.name)
	for _, other := range h.members {
		other.emit(domain.PeerEvent{Type: domain.PeerLost, PeerID: t.LocalID(), Transport: MemTransportName})
	}
}

func (h *MemHub) member(peerID string) (*MemTransport, bool) {
	transport, local, ok := domain.SplitID(peerID)
	if !ok || transport != MemTransportName {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.members[local]
	return t, ok
}

// MemTransport is an in-process transport for loopback and tests.
type MemTransport struct {
	hub     *MemHub
	name    string
	events  chan domain.PeerEvent
	inbound chan domain.Frame
}

var _ sessionout.Transport = (*MemTransport)(nil)

func (t *MemTransport) Name() string {
	return MemTransportName
}

func (t *MemTransport) LocalID() string {
	return domain.QualifiedID(MemTransportName, t.name)
}

func (t *MemTransport) Start(context.Context) error {
	return t.hub.join(t)
}

func (t *MemTransport) Events() <-chan domain.PeerEvent {
	return t.events
}

func (t *MemTransport) Inbound() <-chan domain.Frame {
	return t.inbound
}

func (t *MemTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	dst, ok := t.hub.member(peerID)
	if !ok {
		return fmt.Errorf("%w: %s is not reachable", domain.ErrTransport, peerID)
	}
	if self, ok := t.hub.member(t.LocalID()); !ok || self != t {
		return fmt.Errorf("%w: transport closed", domain.ErrTransport)
	}
	frame := domain.Frame{PeerID: t.LocalID(), Transport: MemTransportName, Payload: append([]byte(nil), payload...)}
	select {
	case dst.inbound <- frame:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
	}
}

func (t *MemTransport) Close() error {
	t.hub.leave(t)
	return nil
}

func (t *MemTransport) emit(ev domain.PeerEvent) {
	select {
	case t.events <- ev:
	default:
	}
}
