package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chorus/internal/modules/replication/domain"
	replin "chorus/internal/modules/replication/port/in"
	"chorus/internal/platform/wire"
)

type gapRequest struct {
	through uint64
	ranges  []domain.Range
	at      time.Time
}

// Replica exchanges log deltas with one peer. Outbound frames go through a
// bounded outbox drained by a single goroutine so they leave in order.
type Replica struct {
	engine *Engine
	peerID string
	connID string
	send   replin.Sender
	logger *zap.Logger

	outbox chan wire.Envelope
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	failure  error
	inflight map[domain.Ref]time.Time
	gaps     map[string]gapRequest
	// remote holds the highest position per origin the peer is known to
	// have. Anything past the local tip is pulled one window at a time.
	remote map[string]uint64
}

var _ replin.Replica = (*Replica)(nil)

func newReplica(e *Engine, peerID, connID string, send replin.Sender) *Replica {
	return &Replica{
		engine:   e,
		peerID:   peerID,
		connID:   connID,
		send:     send,
		logger:   e.logger.With(zap.String("peer", peerID), zap.String("conn", connID)),
		outbox:   make(chan wire.Envelope, e.outboxSize),
		done:     make(chan struct{}),
		inflight: map[domain.Ref]time.Time{},
		gaps:     map[string]gapRequest{},
		remote:   map[string]uint64{},
	}
}

func (r *Replica) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go r.drain(runCtx)
	if err := r.engine.register(r); err != nil {
		r.Close()
		return err
	}
	return nil
}

func (r *Replica) drain(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			if err := r.send(ctx, env); err != nil {
				r.fail(fmt.Errorf("send %s: %w", env.Kind, err))
				return
			}
		}
	}
}

func (r *Replica) Handle(ctx context.Context, env wire.Envelope) (bool, error) {
	switch env.Kind {
	case wire.KindHandshake:
		return true, r.handleHandshake(ctx, env)
	case wire.KindCommand:
		return false, r.handleCommand(ctx, env)
	case wire.KindGapFillRequest:
		return false, r.handleGapFillRequest(env)
	case wire.KindGapUnavailable:
		return false, r.handleGapUnavailable(ctx, env)
	case wire.KindAck:
		return false, r.handleAck(ctx, env)
	default:
		return false, nil
	}
}

func (r *Replica) handleHandshake(ctx context.Context, env wire.Envelope) error {
	hs := domain.Handshake{}
	if err := env.Decode(&hs); err != nil {
		return err
	}
	if hs.Protocol != domain.ProtocolVersion {
		return fmt.Errorf("%w: peer speaks replication protocol %d, want %d", domain.ErrProtocol, hs.Protocol, domain.ProtocolVersion)
	}
	r.engine.recordPeerTips(ctx, r.peerID, hs.Tips)
	r.observeRemote(hs.Tips)
	behind := r.pull()
	r.logger.Debug("replication handshake", zap.String("origin", hs.Origin), zap.Int("origins_behind", behind))
	return nil
}

func (r *Replica) handleCommand(ctx context.Context, env wire.Envelope) error {
	cmd := domain.Command{}
	if err := env.Decode(&cmd); err != nil {
		return err
	}
	missing, err := r.engine.ingest(ctx, r, cmd)
	if err != nil {
		return err
	}
	r.observeRemote(map[string]uint64{cmd.Origin: cmd.Seq})
	tips := r.engine.Tips()
	r.settleGaps(tips)
	if len(missing) > 0 {
		r.requestGap(cmd.Origin, missing)
	}
	r.pull()
	r.enqueueAck(tips)
	return nil
}

func (r *Replica) handleGapFillRequest(env wire.Envelope) error {
	req := domain.GapFillRequest{}
	if err := env.Decode(&req); err != nil {
		return err
	}
	now := r.engine.clock.Now()
	var unavailable []domain.Range
	budget := domain.SyncWindow
	for _, rg := range req.Ranges {
		if budget == 0 || rg.Len() == 0 {
			break
		}
		rg = rg.Limit(budget)
		budget -= rg.Len()
		cmds, missing := r.engine.rangeOf(req.Origin, rg)
		for _, cmd := range cmds {
			r.enqueueCommand(cmd, now)
		}
		unavailable = append(unavailable, missing...)
	}
	if len(unavailable) > 0 {
		r.engine.metrics.GapFill("inbound", "unavailable")
		return r.enqueue(wire.KindGapUnavailable, domain.GapUnavailable{Origin: req.Origin, Ranges: unavailable})
	}
	r.engine.metrics.GapFill("inbound", "served")
	return nil
}

func (r *Replica) handleGapUnavailable(ctx context.Context, env wire.Envelope) error {
	gone := domain.GapUnavailable{}
	if err := env.Decode(&gone); err != nil {
		return err
	}
	r.mu.Lock()
	pending, ok := r.gaps[gone.Origin]
	delete(r.gaps, gone.Origin)
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("unsolicited gap_unavailable", zap.String("origin", gone.Origin))
		return nil
	}
	if holes := domain.Clip(gone.Ranges, pending.ranges); len(holes) > 0 {
		r.engine.acceptHoles(ctx, gone.Origin, holes)
	}
	tips := r.engine.Tips()
	r.settleGaps(tips)
	r.pull()
	r.enqueueAck(tips)
	return nil
}

func (r *Replica) handleAck(ctx context.Context, env wire.Envelope) error {
	ack := domain.Ack{}
	if err := env.Decode(&ack); err != nil {
		return err
	}
	r.mu.Lock()
	for ref := range r.inflight {
		if ack.Tips[ref.Origin] >= ref.Seq {
			delete(r.inflight, ref)
		}
	}
	r.mu.Unlock()
	r.engine.recordPeerTips(ctx, r.peerID, ack.Tips)
	r.observeRemote(ack.Tips)
	r.pull()
	return nil
}

func (r *Replica) observeRemote(tips map[string]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for origin, tip := range tips {
		if tip > r.remote[origin] {
			r.remote[origin] = tip
		}
	}
}

// pull requests the next window of every origin the peer is ahead on and
// no request is outstanding for. It returns how many origins are behind.
func (r *Replica) pull() int {
	r.mu.Lock()
	remote := make(map[string]uint64, len(r.remote))
	for origin, tip := range r.remote {
		remote[origin] = tip
	}
	r.mu.Unlock()
	missing := r.engine.missingFrom(remote)
	origins := make([]string, 0, len(missing))
	for origin := range missing {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		r.mu.Lock()
		_, pending := r.gaps[origin]
		r.mu.Unlock()
		if !pending {
			r.requestGap(origin, []domain.Range{missing[origin]})
		}
	}
	return len(origins)
}

func (r *Replica) requestGap(origin string, ranges []domain.Range) {
	var through uint64
	for _, rg := range ranges {
		if rg.To > through {
			through = rg.To
		}
	}
	r.mu.Lock()
	pending, ok := r.gaps[origin]
	if ok && pending.through >= through {
		r.mu.Unlock()
		return
	}
	r.gaps[origin] = gapRequest{
		through: through,
		ranges:  append(pending.ranges, ranges...),
		at:      r.engine.clock.Now(),
	}
	r.mu.Unlock()
	r.engine.metrics.GapFill("outbound", "requested")
	if err := r.enqueue(wire.KindGapFillRequest, domain.GapFillRequest{Origin: origin, Ranges: ranges}); err != nil {
		r.logger.Warn("queue gap fill request", zap.String("origin", origin), zap.Error(err))
	}
}

func (r *Replica) settleGaps(tips map[string]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for origin, pending := range r.gaps {
		if tips[origin] >= pending.through {
			delete(r.gaps, origin)
		}
	}
}

func (r *Replica) enqueueAck(tips map[string]uint64) {
	if err := r.enqueue(wire.KindAck, domain.Ack{Tips: tips}); err != nil {
		r.logger.Warn("queue ack", zap.Error(err))
	}
}

func (r *Replica) enqueueHandshake(hs domain.Handshake) error {
	return r.enqueue(wire.KindHandshake, hs)
}

// enqueueCommand is called with the engine lock held.
func (r *Replica) enqueueCommand(cmd domain.Command, now time.Time) {
	r.mu.Lock()
	if !r.closed {
		if _, ok := r.inflight[cmd.Ref()]; !ok {
			r.inflight[cmd.Ref()] = now
		}
	}
	r.mu.Unlock()
	if err := r.enqueue(wire.KindCommand, cmd); err != nil {
		r.logger.Warn("queue command", zap.Stringer("ref", cmd.Ref()), zap.Error(err))
	}
}

func (r *Replica) enqueue(kind wire.Kind, body any) error {
	env, err := wire.New(kind, r.connID, body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	select {
	case r.outbox <- env:
		return nil
	default:
		if r.failure == nil {
			r.failure = fmt.Errorf("%w: outbox full for %s", domain.ErrReplicationStalled, r.peerID)
		}
		return r.failure
	}
}

func (r *Replica) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
}

// Tick reports a stalled exchange: a send failure, a full outbox, or an
// acknowledgement or gap fill older than the ack timeout.
func (r *Replica) Tick(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	deadline := r.engine.ackTimeout
	for ref, sentAt := range r.inflight {
		if now.Sub(sentAt) > deadline {
			return fmt.Errorf("%w: %s unacknowledged since %s", domain.ErrReplicationStalled, ref, sentAt.Format(time.RFC3339))
		}
	}
	for origin, pending := range r.gaps {
		if now.Sub(pending.at) > deadline {
			return fmt.Errorf("%w: gap fill for %s through %d unanswered", domain.ErrReplicationStalled, origin, pending.through)
		}
	}
	return nil
}

// Close drops in-flight tracking and pending gap fills and stops the outbox.
func (r *Replica) Close() {
	r.engine.unregister(r)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.inflight = map[domain.Ref]time.Time{}
	r.gaps = map[string]gapRequest{}
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-r.done
	}
}
