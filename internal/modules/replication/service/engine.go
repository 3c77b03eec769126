package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"chorus/internal/modules/replication/domain"
	replin "chorus/internal/modules/replication/port/in"
	replout "chorus/internal/modules/replication/port/out"
	"chorus/internal/platform/clock"
	"chorus/internal/platform/logging"
	"chorus/internal/platform/metrics"
)

const (
	defaultAckTimeout = 30 * time.Second
	defaultOutboxSize = 4 * int(domain.SyncWindow)
)

var errNotLoaded = errors.New("command log not loaded")

type Options struct {
	// Origin is stamped on submitted commands. It must be stable and unique
	// to this node.
	Origin     string
	AckTimeout time.Duration
	OutboxSize int
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Engine owns the local command log. A single mutex serializes every write so
// each origin has one writer and the applier sees commands in order.
type Engine struct {
	origin     string
	store      replout.LogStore
	applier    replout.Applier
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	ackTimeout time.Duration
	outboxSize int

	mu       sync.Mutex
	loaded   bool
	log      *domain.Log
	last     domain.HLC
	replicas map[*Replica]struct{}
	peerTips map[string]map[string]uint64
}

var (
	_ replin.Replicator = (*Engine)(nil)
	_ replin.Log        = (*Engine)(nil)
)

func NewEngine(store replout.LogStore, applier replout.Applier, opts Options) *Engine {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	return &Engine{
		origin:     opts.Origin,
		store:      store,
		applier:    applier,
		clock:      opts.Clock,
		logger:     logging.OrNop(opts.Logger).Named("replication"),
		metrics:    opts.Metrics,
		ackTimeout: opts.AckTimeout,
		outboxSize: opts.OutboxSize,
		log:        domain.NewLog(),
		replicas:   map[*Replica]struct{}{},
		peerTips:   map[string]map[string]uint64{},
	}
}

// Load restores the persisted log and replays it into the applier. It must
// finish before any replica is opened.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load command log: %w", err)
	}
	peerTips, err := e.store.PeerTips(ctx)
	if err != nil {
		return fmt.Errorf("load peer tips: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = domain.Restore(snap)
	replayed := 0
	for _, cmd := range e.log.Commands() {
		e.last = domain.ObserveHLC(e.last, cmd.Clock)
		if err := e.applier.Apply(cmd); err != nil {
			e.logger.Warn("replay command", zap.Stringer("ref", cmd.Ref()), zap.Error(err))
			continue
		}
		replayed++
	}
	for _, origin := range e.log.Origins() {
		if e.log.Partial(origin) {
			e.applier.MarkPartial(origin)
		}
	}
	if peerTips != nil {
		e.peerTips = peerTips
	}
	e.last.Origin = e.origin
	e.loaded = true
	e.logger.Info("command log loaded", zap.Int("replayed", replayed), zap.Int("origins", len(e.log.Origins())))
	return nil
}

// Submit records a local mutation, applies it, and queues it to every
// started replica.
func (e *Engine) Submit(ctx context.Context, m domain.Mutation) (domain.Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return domain.Command{}, errNotLoaded
	}
	stamp := domain.NextHLC(e.clock.Now(), e.last, e.origin)
	cmd, err := domain.NewCommand(e.origin, e.log.Tip(e.origin)+1, stamp, m)
	if err != nil {
		return domain.Command{}, err
	}
	if err := e.store.Append(ctx, []domain.Command{cmd}); err != nil {
		return domain.Command{}, fmt.Errorf("persist %s: %w", cmd.Ref(), err)
	}
	res, err := e.log.Insert(cmd)
	if err != nil {
		return domain.Command{}, err
	}
	e.last = stamp
	e.applyLocked(res.Applied, nil, true)
	return cmd, nil
}

// ingest places a command received from a replica. It returns the ranges
// that must be requested before the command can apply.
func (e *Engine) ingest(ctx context.Context, from *Replica, cmd domain.Command) ([]domain.Range, error) {
	if err := cmd.Verify(); err != nil {
		e.metrics.CommandRejected("checksum")
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, errNotLoaded
	}
	res, err := e.log.Insert(cmd)
	if err != nil {
		e.metrics.CommandRejected("conflict")
		return nil, err
	}
	if res.Ahead {
		e.metrics.CommandRejected("ahead")
		e.logger.Debug("command beyond sync window", zap.Stringer("ref", cmd.Ref()), zap.Uint64("tip", e.log.Tip(cmd.Origin)))
		return nil, nil
	}
	if res.Duplicate {
		return res.Missing, nil
	}
	if len(res.Applied) > 0 {
		if err := e.store.Append(ctx, res.Applied); err != nil {
			// Peers re-send anything missing after a restart.
			e.logger.Error("persist received commands", zap.Stringer("ref", cmd.Ref()), zap.Error(err))
		}
	}
	e.applyLocked(res.Applied, from, false)
	return res.Missing, nil
}

func (e *Engine) applyLocked(cmds []domain.Command, from *Replica, local bool) {
	if len(cmds) == 0 {
		return
	}
	now := e.clock.Now()
	for _, cmd := range cmds {
		e.last = domain.ObserveHLC(e.last, cmd.Clock)
		if err := e.applier.Apply(cmd); err != nil {
			e.logger.Warn("apply command", zap.Stringer("ref", cmd.Ref()), zap.String("kind", cmd.Kind), zap.Error(err))
		}
		e.metrics.CommandApplied(local)
		for r := range e.replicas {
			if r != from {
				r.enqueueCommand(cmd, now)
			}
		}
	}
}

// acceptHoles records ranges no peer can provide and releases whatever was
// buffered behind them.
func (e *Engine) acceptHoles(ctx context.Context, origin string, ranges []domain.Range) {
	e.mu.Lock()
	defer e.mu.Unlock()
	accepted, applied := e.log.AcceptHoles(origin, ranges)
	if len(accepted) > 0 {
		if err := e.store.MarkHoles(ctx, origin, accepted); err != nil {
			e.logger.Error("persist holes", zap.String("origin", origin), zap.Error(err))
		}
		e.applier.MarkPartial(origin)
		e.metrics.GapFill("outbound", "unavailable")
		e.logger.Warn("accepted log gap",
			zap.String("origin", origin),
			zap.Int("commands", len(accepted)),
			zap.Error(domain.ErrGapUnresolvable))
	}
	if len(applied) > 0 {
		if err := e.store.Append(ctx, applied); err != nil {
			e.logger.Error("persist released commands", zap.String("origin", origin), zap.Error(err))
		}
	}
	e.applyLocked(applied, nil, false)
}

func (e *Engine) rangeOf(origin string, r domain.Range) ([]domain.Command, []domain.Range) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Range(origin, r)
}

// missingFrom lists, per origin, the next window of positions the remote
// holds and the local log lacks.
func (e *Engine) missingFrom(remote map[string]uint64) map[string]domain.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := domain.MissingFrom(e.log.Tips(), remote)
	for origin, rg := range out {
		out[origin] = rg.Limit(domain.SyncWindow)
	}
	return out
}

// recordPeerTips keeps the highest tips a peer has acknowledged. They bound
// the compaction horizon.
func (e *Engine) recordPeerTips(ctx context.Context, peerID string, tips map[string]uint64) {
	e.mu.Lock()
	known, ok := e.peerTips[peerID]
	if !ok {
		known = map[string]uint64{}
		e.peerTips[peerID] = known
	}
	changed := false
	for origin, tip := range tips {
		if tip > known[origin] {
			known[origin] = tip
			changed = true
		}
	}
	snapshot := make(map[string]uint64, len(known))
	for origin, tip := range known {
		snapshot[origin] = tip
	}
	e.mu.Unlock()
	if !changed && ok {
		return
	}
	if err := e.store.SavePeerTips(ctx, peerID, snapshot); err != nil {
		e.logger.Warn("persist peer tips", zap.String("peer", peerID), zap.Error(err))
	}
}

// Compact prunes the history of entities whose latest command is a tombstone,
// up to the lowest tip every known peer has acknowledged. Without known peers
// the local tip is the horizon.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	horizon := func(origin string) uint64 {
		if len(e.peerTips) == 0 {
			return e.log.Tip(origin)
		}
		lowest := uint64(math.MaxUint64)
		for _, tips := range e.peerTips {
			if tip := tips[origin]; tip < lowest {
				lowest = tip
			}
		}
		return lowest
	}
	refs := e.log.Compactable(horizon)
	if len(refs) == 0 {
		return 0, nil
	}
	if err := e.store.MarkPruned(ctx, refs); err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	e.log.Prune(refs)
	e.logger.Info("compacted command log", zap.Int("pruned", len(refs)))
	return len(refs), nil
}

// RunCompaction compacts on every tick until ctx ends.
func (e *Engine) RunCompaction(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Compact(ctx); err != nil {
				e.logger.Warn("compaction failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) Tips() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Tips()
}

func (e *Engine) Partial(origin string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Partial(origin)
}

func (e *Engine) Origin() string {
	return e.origin
}

// Open creates the replication state for one authorized connection.
func (e *Engine) Open(peerID, connID string, send replin.Sender) replin.Replica {
	return newReplica(e, peerID, connID, send)
}

// register queues the handshake and then makes the replica visible to
// broadcasts, atomically, so the handshake is always the first frame.
func (e *Engine) register(r *Replica) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return errNotLoaded
	}
	if err := r.enqueueHandshake(domain.Handshake{Protocol: domain.ProtocolVersion, Origin: e.origin, Tips: e.log.Tips()}); err != nil {
		return err
	}
	e.replicas[r] = struct{}{}
	return nil
}

func (e *Engine) unregister(r *Replica) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.replicas, r)
}
