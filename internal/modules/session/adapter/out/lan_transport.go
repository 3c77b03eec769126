package out

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	msgio "github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/logging"
	"chorus/internal/platform/wire"
)

const (
	LANTransportName = "lan"

	frameProtocol  protocol.ID = "/chorus/frame/1.0.0"
	lanBuffer                  = 256
	lanDialTimeout             = 10 * time.Second
)

type LANOptions struct {
	ListenAddrs []string
	// ServiceTag scopes mDNS discovery; only peers with the same tag are found.
	ServiceTag string
	// DisableMDNS leaves discovery to stored hints only.
	DisableMDNS bool
	Hints       sessionout.HintStore
	Logger      *zap.Logger
}

// LANTransport discovers peers with mDNS and carries frames over one
// varint-delimited libp2p stream per direction, so frames arrive in order.
type LANTransport struct {
	identity crypto.PrivKey
	opts     LANOptions
	logger   *zap.Logger
	events   chan domain.PeerEvent
	inbound  chan domain.Frame

	mu      sync.Mutex
	host    host.Host
	mdns    mdns.Service
	ctx     context.Context
	cancel  context.CancelFunc
	known   map[peer.ID]bool
	writers map[peer.ID]*lanWriter
	closed  bool
}

type lanWriter struct {
	mu     sync.Mutex
	stream network.Stream
	w      msgio.WriteCloser
}

var _ sessionout.Transport = (*LANTransport)(nil)

func NewLANTransport(identity crypto.PrivKey, opts LANOptions) *LANTransport {
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"}
	}
	if opts.ServiceTag == "" {
		opts.ServiceTag = "chorus-lan"
	}
	return &LANTransport{
		identity: identity,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("lan"),
		events:   make(chan domain.PeerEvent, lanBuffer),
		inbound:  make(chan domain.Frame, lanBuffer),
		known:    map[peer.ID]bool{},
		writers:  map[peer.ID]*lanWriter{},
	}
}

func (t *LANTransport) Name() string {
	return LANTransportName
}

func (t *LANTransport) LocalID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return ""
	}
	return domain.QualifiedID(LANTransportName, t.host.ID().String())
}

func (t *LANTransport) Start(ctx context.Context) error {
	h, err := libp2p.New(
		libp2p.Identity(t.identity),
		libp2p.ListenAddrStrings(t.opts.ListenAddrs...),
	)
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.host = h
	t.ctx = runCtx
	t.cancel = cancel
	t.mu.Unlock()

	h.SetStreamHandler(frameProtocol, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go t.found(runCtx, c.RemotePeer())
		},
		DisconnectedF: t.disconnected,
	})

	if !t.opts.DisableMDNS {
		svc := mdns.NewMdnsService(h, t.opts.ServiceTag, t)
		if err := svc.Start(); err != nil {
			cancel()
			_ = h.Close()
			return fmt.Errorf("start mdns discovery: %w", err)
		}
		t.mu.Lock()
		t.mdns = svc
		t.mu.Unlock()
	}

	t.logger.Info("lan transport listening", zap.Strings("addrs", renderListenAddrs(h)))
	go t.redialHints(runCtx)
	return nil
}

func (t *LANTransport) Events() <-chan domain.PeerEvent {
	return t.events
}

func (t *LANTransport) Inbound() <-chan domain.Frame {
	return t.inbound
}

// ListenAddrs returns dialable addresses including the /p2p component.
func (t *LANTransport) ListenAddrs() []string {
	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return renderListenAddrs(h)
}

// HandlePeerFound is called by mDNS for every announcement.
func (t *LANTransport) HandlePeerFound(info peer.AddrInfo) {
	t.mu.Lock()
	h, ctx := t.host, t.ctx
	t.mu.Unlock()
	if h == nil || info.ID == h.ID() {
		return
	}
	go t.connect(ctx, info)
}

func (t *LANTransport) connect(ctx context.Context, info peer.AddrInfo) {
	dialCtx, cancel := context.WithTimeout(ctx, lanDialTimeout)
	defer cancel()
	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	if err := h.Connect(dialCtx, info); err != nil {
		t.logger.Debug("dial lan peer", zap.String("peer", info.ID.String()), zap.Error(err))
		return
	}
	t.found(ctx, info.ID)
	t.saveHints(ctx, h, info.ID)
}

func (t *LANTransport) found(ctx context.Context, pid peer.ID) {
	t.mu.Lock()
	if t.known[pid] {
		t.mu.Unlock()
		return
	}
	t.known[pid] = true
	t.mu.Unlock()
	t.emit(ctx, domain.PeerEvent{Type: domain.PeerFound, PeerID: domain.QualifiedID(LANTransportName, pid.String()), Transport: LANTransportName})
}

func (t *LANTransport) disconnected(n network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if n.Connectedness(pid) == network.Connected {
		return
	}
	t.mu.Lock()
	ctx := t.ctx
	wasKnown := t.known[pid]
	delete(t.known, pid)
	w := t.writers[pid]
	delete(t.writers, pid)
	t.mu.Unlock()
	if w != nil {
		_ = w.stream.Reset()
	}
	if wasKnown {
		go t.emit(ctx, domain.PeerEvent{Type: domain.PeerLost, PeerID: domain.QualifiedID(LANTransportName, pid.String()), Transport: LANTransportName})
	}
}

func (t *LANTransport) emit(ctx context.Context, ev domain.PeerEvent) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *LANTransport) redialHints(ctx context.Context) {
	if t.opts.Hints == nil {
		return
	}
	hints, err := t.opts.Hints.Load(ctx, LANTransportName)
	if err != nil {
		t.logger.Warn("load lan hints", zap.Error(err))
		return
	}
	for peerID, raw := range hints {
		_, local, ok := domain.SplitID(peerID)
		if !ok {
			continue
		}
		pid, err := peer.Decode(local)
		if err != nil {
			continue
		}
		info := peer.AddrInfo{ID: pid}
		for _, s := range raw {
			addr, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, addr)
		}
		if len(info.Addrs) > 0 {
			go t.connect(ctx, info)
		}
	}
}

func (t *LANTransport) saveHints(ctx context.Context, h host.Host, pid peer.ID) {
	if t.opts.Hints == nil {
		return
	}
	addrs := h.Peerstore().Addrs(pid)
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	if err := t.opts.Hints.Save(ctx, LANTransportName, domain.QualifiedID(LANTransportName, pid.String()), out); err != nil {
		t.logger.Warn("save lan hints", zap.String("peer", pid.String()), zap.Error(err))
	}
}

func (t *LANTransport) handleStream(s network.Stream) {
	pid := s.Conn().RemotePeer()
	t.mu.Lock()
	t.known[pid] = true
	ctx := t.ctx
	t.mu.Unlock()

	r := msgio.NewVarintReaderSize(s, wire.MaxFrameSize)
	defer func() { _ = r.Close() }()
	from := domain.QualifiedID(LANTransportName, pid.String())
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("lan stream ended", zap.String("peer", from), zap.Error(err))
			}
			return
		}
		payload := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		select {
		case t.inbound <- domain.Frame{PeerID: from, Transport: LANTransportName, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *LANTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	transport, local, ok := domain.SplitID(peerID)
	if !ok || transport != LANTransportName {
		return fmt.Errorf("%w: %s is not a lan peer", domain.ErrTransport, peerID)
	}
	pid, err := peer.Decode(local)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	w, err := t.writer(ctx, pid)
	if err != nil {
		return err
	}
	w.mu.Lock()
	err = w.w.WriteMsg(payload)
	w.mu.Unlock()
	if err != nil {
		t.mu.Lock()
		if t.writers[pid] == w {
			delete(t.writers, pid)
		}
		t.mu.Unlock()
		_ = w.stream.Reset()
		return fmt.Errorf("%w: write to %s: %v", domain.ErrTransport, peerID, err)
	}
	return nil
}

func (t *LANTransport) writer(ctx context.Context, pid peer.ID) (*lanWriter, error) {
	t.mu.Lock()
	if w, ok := t.writers[pid]; ok {
		t.mu.Unlock()
		return w, nil
	}
	h, closed := t.host, t.closed
	t.mu.Unlock()
	if h == nil || closed {
		return nil, fmt.Errorf("%w: lan transport is not running", domain.ErrTransport)
	}
	s, err := h.NewStream(ctx, pid, frameProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream to %s: %v", domain.ErrTransport, pid, err)
	}
	w := &lanWriter{stream: s, w: msgio.NewVarintWriter(s)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.writers[pid]; ok {
		_ = s.Close()
		return existing, nil
	}
	t.writers[pid] = w
	return w, nil
}

func (t *LANTransport) Close() error {
	t.mu.Lock()
	if t.closed || t.host == nil {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h, svc, cancel := t.host, t.mdns, t.cancel
	t.mu.Unlock()

	cancel()
	var errs []error
	if svc != nil {
		errs = append(errs, svc.Close())
	}
	errs = append(errs, h.Close())
	return errors.Join(errs...)
}

func renderListenAddrs(h host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		full := addr.Encapsulate(multiaddr.StringCast("/p2p/" + h.ID().String()))
		out = append(out, full.String())
	}
	return out
}
