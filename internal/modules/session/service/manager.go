package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	replin "chorus/internal/modules/replication/port/in"
	"chorus/internal/modules/session/domain"
	sessionin "chorus/internal/modules/session/port/in"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/clock"
	"chorus/internal/platform/id"
	"chorus/internal/platform/logging"
	"chorus/internal/platform/metrics"
	"chorus/internal/platform/wire"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultTickInterval     = time.Second
	defaultInboxSize        = 256
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 15 * time.Second
	closedHistory           = 64
	subscriberBuffer        = 64
)

var errNotRunning = errors.New("session manager is not running")

type Options struct {
	// Name is announced to peers in hello frames.
	Name              string
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	HandshakeTimeout  time.Duration
	TickInterval      time.Duration
	InboxSize         int
	Clock             clock.Clock
	IDs               id.Generator
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type peerState struct {
	peer    domain.Peer
	live    *actor
	view    domain.Connection
	backoff *backoff.ExponentialBackOff
	retry   *time.Timer
}

// Manager owns every connection. It keeps at most one live connection per
// peer and drives each through the connection state machine.
type Manager struct {
	transports map[string]sessionout.Transport
	order      []string
	auth       sessionout.Authorizer
	authn      sessionout.Authenticator
	replicator replin.Replicator
	opts       Options
	clock      clock.Clock
	ids        id.Generator
	logger     *zap.Logger
	metrics    *metrics.Metrics

	workers sync.WaitGroup

	mu       sync.Mutex
	runCtx   context.Context
	stopping bool
	peers    map[string]*peerState
	closed   []domain.Connection
	subs     map[int]chan domain.Event
	nextSub  int
}

var _ sessionin.Manager = (*Manager)(nil)

func NewManager(transports []sessionout.Transport, auth sessionout.Authorizer, authn sessionout.Authenticator, replicator replin.Replicator, opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = backoff.DefaultMultiplier
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = id.RandomHex{}
	}
	m := &Manager{
		transports: map[string]sessionout.Transport{},
		auth:       auth,
		authn:      authn,
		replicator: replicator,
		opts:       opts,
		clock:      opts.Clock,
		ids:        opts.IDs,
		logger:     logging.OrNop(opts.Logger).Named("session"),
		metrics:    opts.Metrics,
		peers:      map[string]*peerState{},
		subs:       map[int]chan domain.Event{},
	}
	for _, t := range transports {
		m.transports[t.Name()] = t
		m.order = append(m.order, t.Name())
	}
	return m
}

// Run starts every transport and serves them until ctx ends. On return all
// connections are closed and every transport is shut down.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return errors.New("session manager already running")
	}
	m.runCtx = ctx
	m.mu.Unlock()

	started := make([]sessionout.Transport, 0, len(m.order))
	for _, name := range m.order {
		t := m.transports[name]
		if err := t.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Close()
			}
			return fmt.Errorf("start %s transport: %w", name, err)
		}
		m.logger.Info("transport started", zap.String("transport", name), zap.String("local_id", t.LocalID()))
		started = append(started, t)
	}

	var readers sync.WaitGroup
	for _, t := range started {
		readers.Add(2)
		go func() {
			defer readers.Done()
			m.readEvents(ctx, t)
		}()
		go func() {
			defer readers.Done()
			m.readFrames(ctx, t)
		}()
	}

	<-ctx.Done()
	m.shutdown()
	for _, t := range started {
		if err := t.Close(); err != nil {
			m.logger.Warn("close transport", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
	readers.Wait()
	return nil
}

func (m *Manager) readEvents(ctx context.Context, t sessionout.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			m.onPeerEvent(ctx, t, ev)
		}
	}
}

func (m *Manager) readFrames(ctx context.Context, t sessionout.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-t.Inbound():
			if !ok {
				return
			}
			m.route(t, frame)
		}
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopping = true
	live := make([]*actor, 0, len(m.peers))
	for _, ps := range m.peers {
		if ps.retry != nil {
			ps.retry.Stop()
			ps.retry = nil
		}
		if ps.live != nil {
			live = append(live, ps.live)
		}
	}
	m.mu.Unlock()
	for _, a := range live {
		a.stop(closeWith(domain.ReasonShutdown, errShutdown))
	}
	m.workers.Wait()
}

func (m *Manager) onPeerEvent(ctx context.Context, t sessionout.Transport, ev domain.PeerEvent) {
	switch ev.Type {
	case domain.PeerFound:
		m.mu.Lock()
		ps := m.ensurePeerLocked(ev.PeerID, t.Name())
		wasOnline := ps.peer.Online
		ps.peer.Online = true
		ps.peer.LastSeen = m.clock.Now()
		if ev.Name != "" {
			ps.peer.Name = ev.Name
		}
		dial := !wasOnline && ps.live == nil && ps.retry == nil && !ps.peer.Incompatible
		m.publishLocked(domain.Event{Type: domain.EventPeer, Peer: ps.peer})
		m.mu.Unlock()
		if !dial {
			return
		}
		if err := m.dial(ctx, ev.PeerID); err != nil {
			m.logger.Debug("not dialing discovered peer", zap.String("peer", ev.PeerID), zap.Error(err))
		}
	case domain.PeerLost:
		m.mu.Lock()
		ps, ok := m.peers[ev.PeerID]
		if !ok {
			m.mu.Unlock()
			return
		}
		ps.peer.Online = false
		if ps.retry != nil {
			ps.retry.Stop()
			ps.retry = nil
		}
		live := ps.live
		m.publishLocked(domain.Event{Type: domain.EventPeer, Peer: ps.peer})
		m.mu.Unlock()
		if live != nil {
			live.stop(ending{state: domain.StateClosed, cause: fmt.Errorf("%w: %s", domain.ErrPeerOffline, ev.PeerID)})
		}
		m.auth.Cancel(ev.PeerID)
		m.auth.Forget(ev.PeerID)
	}
}

// route hands an inbound frame to its connection, or opens an inbound
// connection for a hello.
func (m *Manager) route(t sessionout.Transport, frame domain.Frame) {
	env, err := wire.Unmarshal(frame.Payload)
	if err != nil {
		m.metrics.FrameDropped(t.Name(), "malformed")
		m.logger.Debug("malformed frame", zap.String("peer", frame.PeerID), zap.Error(err))
		m.mu.Lock()
		var live *actor
		if ps, ok := m.peers[frame.PeerID]; ok {
			live = ps.live
		}
		m.mu.Unlock()
		if live != nil {
			live.stop(failure(err))
		}
		return
	}
	if !env.Kind.Known() {
		m.metrics.FrameDropped(t.Name(), "unknown_kind")
		return
	}

	m.mu.Lock()
	ps, ok := m.peers[frame.PeerID]
	if ok && ps.live != nil && ps.live.id == env.Conn {
		live := ps.live
		m.mu.Unlock()
		live.deliver(env)
		return
	}
	if env.Kind != wire.KindHello {
		m.mu.Unlock()
		m.metrics.FrameDropped(t.Name(), "stale")
		return
	}
	if m.runCtx == nil || m.stopping {
		m.mu.Unlock()
		return
	}
	ps = m.ensurePeerLocked(frame.PeerID, t.Name())
	ps.peer.Online = true
	ps.peer.LastSeen = m.clock.Now()

	refuse := false
	if live := ps.live; live != nil {
		state := ps.view.State
		switch {
		case live.dir == domain.DirectionInbound && state == domain.StateAwaitingAuthorization:
			refuse = true
		case live.dir == domain.DirectionOutbound && state == domain.StateConnecting:
			if domain.ResolveDuplicate(t.LocalID(), frame.PeerID) {
				refuse = true
			} else {
				live.stop(ending{state: domain.StateClosed, cause: errDuplicate})
			}
		default:
			live.stop(closeWith(domain.ReasonSuperseded, errSuperseded))
		}
	}
	if !refuse {
		a := m.spawnLocked(t, ps, env.Conn, domain.DirectionInbound)
		a.inbox <- env
		go a.run()
	}
	m.mu.Unlock()
	if refuse {
		m.logger.Debug("refusing duplicate connection", zap.String("peer", frame.PeerID), zap.String("conn", env.Conn))
		m.reject(t, frame.PeerID, env.Conn, domain.ReasonDuplicate)
	}
}

func (m *Manager) reject(t sessionout.Transport, peerID, connID, reason string) {
	env, err := wire.New(wire.KindBye, connID, domain.Bye{Reason: reason})
	if err != nil {
		return
	}
	frame, err := wire.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := t.Send(ctx, peerID, frame); err != nil {
		m.logger.Debug("send bye", zap.String("peer", peerID), zap.Error(err))
	}
}

// dial opens an outbound connection unless one is already live.
func (m *Manager) dial(ctx context.Context, peerID string) error {
	allowed, err := m.auth.AllowsOutbound(ctx, peerID)
	if err != nil {
		return fmt.Errorf("check outbound access for %s: %w", peerID, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", domain.ErrOutboundDenied, peerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil || m.stopping {
		return errNotRunning
	}
	ps, ok := m.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	if !ps.peer.Online {
		return fmt.Errorf("%w: %s", domain.ErrPeerOffline, peerID)
	}
	if ps.peer.Incompatible {
		return fmt.Errorf("%w: %s", domain.ErrPeerIncompatible, peerID)
	}
	if ps.live != nil {
		return nil
	}
	t, ok := m.transports[ps.peer.Transport]
	if !ok {
		return fmt.Errorf("%w: no %s transport", domain.ErrUnknownPeer, ps.peer.Transport)
	}
	a := m.spawnLocked(t, ps, m.ids.New(), domain.DirectionOutbound)
	go a.run()
	return nil
}

func (m *Manager) spawnLocked(t sessionout.Transport, ps *peerState, connID string, dir domain.Direction) *actor {
	conn := domain.NewConnection(connID, ps.peer.ID, t.Name(), dir, m.clock.Now())
	a := newActor(m, context.WithoutCancel(m.runCtx), t, conn)
	ps.live = a
	ps.view = conn.Clone()
	ps.peer.State = conn.State
	m.metrics.Transition(t.Name(), "", string(conn.State))
	m.publishLocked(domain.Event{Type: domain.EventConnection, Peer: ps.peer, Connection: conn.Clone()})
	m.workers.Add(1)
	return a
}

func (m *Manager) ensurePeerLocked(peerID, transport string) *peerState {
	ps, ok := m.peers[peerID]
	if ok {
		return ps
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.Multiplier = m.opts.BackoffMultiplier
	b.MaxElapsedTime = 0
	b.Reset()
	ps = &peerState{
		peer:    domain.Peer{ID: peerID, Transport: transport, State: domain.StateDiscovered},
		backoff: b,
	}
	m.peers[peerID] = ps
	return ps
}

// observe records a transition made by a's goroutine.
func (m *Manager) observe(a *actor, from domain.State) {
	conn := a.conn.Clone()
	m.metrics.Transition(conn.Transport, string(from), string(conn.State))
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[conn.PeerID]
	if !ok {
		return
	}
	if ps.live == a {
		ps.view = conn
		ps.peer.State = conn.State
	}
	m.publishLocked(domain.Event{Type: domain.EventConnection, Peer: ps.peer, Connection: conn})
}

// finished releases a's slot and schedules a redial when the failure is
// retryable and the peer is still online.
func (m *Manager) finished(a *actor, from domain.State, end ending) {
	conn := a.conn.Clone()
	if from != conn.State {
		m.metrics.Transition(conn.Transport, string(from), string(conn.State))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, conn)
	if len(m.closed) > closedHistory {
		m.closed = m.closed[len(m.closed)-closedHistory:]
	}
	ps, ok := m.peers[conn.PeerID]
	if !ok {
		return
	}
	if ps.live == a {
		ps.live = nil
		ps.view = conn
		ps.peer.State = conn.State
	}
	if end.incompatible {
		ps.peer.Incompatible = true
		m.logger.Warn("peer flagged incompatible", zap.String("peer", conn.PeerID), zap.Error(end.cause))
	}
	m.publishLocked(domain.Event{Type: domain.EventConnection, Peer: ps.peer, Connection: conn})
	if end.retry && !ps.peer.Incompatible && !m.stopping && ps.peer.Online && ps.live == nil {
		m.scheduleRetryLocked(ps)
	}
}

func (m *Manager) scheduleRetryLocked(ps *peerState) {
	if ps.retry != nil {
		return
	}
	delay := ps.backoff.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	peerID := ps.peer.ID
	m.logger.Debug("scheduling redial", zap.String("peer", peerID), zap.Duration("delay", delay))
	ps.retry = time.AfterFunc(delay, func() { m.redial(peerID) })
}

func (m *Manager) redial(peerID string) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if !ok || m.stopping {
		m.mu.Unlock()
		return
	}
	ps.retry = nil
	if ps.live == nil {
		ps.peer.State = domain.StateDiscovered
		m.publishLocked(domain.Event{Type: domain.EventPeer, Peer: ps.peer})
	}
	ctx := m.runCtx
	m.mu.Unlock()
	if err := m.dial(ctx, peerID); err != nil {
		m.logger.Debug("redial skipped", zap.String("peer", peerID), zap.Error(err))
	}
}

func (m *Manager) activated(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peerID]; ok {
		ps.backoff.Reset()
	}
}

func (m *Manager) identify(peerID, name, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[peerID]
	if !ok {
		return
	}
	if name != "" {
		ps.peer.Name = name
	}
	ps.peer.Fingerprint = fingerprint
}

// Connect dials peerID now. It clears an incompatible flag and any pending
// backoff.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	ps.peer.Incompatible = false
	if ps.retry != nil {
		ps.retry.Stop()
		ps.retry = nil
	}
	ps.backoff.Reset()
	m.mu.Unlock()
	return m.dial(ctx, peerID)
}

// Disconnect closes the live connection to peerID and cancels its pending
// authorization. The peer is not redialled automatically.
func (m *Manager) Disconnect(_ context.Context, peerID string) error {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, peerID)
	}
	if ps.retry != nil {
		ps.retry.Stop()
		ps.retry = nil
	}
	live := ps.live
	m.mu.Unlock()
	if live != nil {
		live.stop(closeWith(domain.ReasonDisconnect, errDisconnected))
	}
	m.auth.Cancel(peerID)
	return nil
}

func (m *Manager) Peers() []domain.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Peer, 0, len(m.peers))
	for _, ps := range m.peers {
		out = append(out, ps.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns recently finished connections followed by live ones.
func (m *Manager) Connections() []domain.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Connection, 0, len(m.closed)+len(m.peers))
	for _, conn := range m.closed {
		out = append(out, conn.Clone())
	}
	live := make([]domain.Connection, 0, len(m.peers))
	for _, ps := range m.peers {
		if ps.live != nil {
			live = append(live, ps.view.Clone())
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].PeerID < live[j].PeerID })
	return append(out, live...)
}

func (m *Manager) Subscribe() (<-chan domain.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextSub
	m.nextSub++
	ch := make(chan domain.Event, subscriberBuffer)
	m.subs[key] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, key)
			close(ch)
		})
	}
}

func (m *Manager) publishLocked(ev domain.Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
