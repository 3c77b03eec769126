package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	repldomain "chorus/internal/modules/replication/domain"
	replout "chorus/internal/modules/replication/port/out"
	"chorus/internal/platform/logging"
)

const subscriberBuffer = 64

// Registry keeps the materialized view of every known collection. It is
// written only by replaying commands; readers get deep copies.
type Registry struct {
	logger *zap.Logger

	mu   sync.RWMutex
	view *domain.View

	subMu       sync.Mutex
	subscribers map[int]chan domain.Change
	nextSub     int
}

var (
	_ collin.Registry = (*Registry)(nil)
	_ replout.Applier = (*Registry)(nil)
)

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logging.OrNop(logger).Named("collection"),
		view:        domain.NewView(),
		subscribers: map[int]chan domain.Change{},
	}
}

func (r *Registry) Apply(cmd repldomain.Command) error {
	r.mu.Lock()
	change, applied, err := r.view.Apply(cmd)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if applied {
		r.publish(change)
	}
	return nil
}

func (r *Registry) MarkPartial(origin string) {
	r.mu.Lock()
	r.view.MarkPartial(origin)
	r.mu.Unlock()
	r.logger.Warn("collection is partial", zap.String("origin", origin))
}

// Rebuild replaces the view with one replayed from cmds, which must be in
// per-origin order.
func (r *Registry) Rebuild(cmds []repldomain.Command, partial []string) error {
	view := domain.NewView()
	for _, cmd := range cmds {
		if _, _, err := view.Apply(cmd); err != nil {
			return fmt.Errorf("replay %s: %w", cmd.Ref(), err)
		}
	}
	for _, origin := range partial {
		view.MarkPartial(origin)
	}
	r.mu.Lock()
	r.view = view
	r.mu.Unlock()
	return nil
}

func (r *Registry) Query(origin string) (domain.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.view.Collections[origin]
	if !ok {
		return domain.Collection{}, fmt.Errorf("%w: %s", domain.ErrUnknownOrigin, origin)
	}
	return c.Clone(), nil
}

func (r *Registry) Origins() []collin.OriginSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]collin.OriginSummary, 0, len(r.view.Collections))
	for origin, c := range r.view.Collections {
		out = append(out, collin.OriginSummary{Origin: origin, Tracks: len(c.Tracks), Playlists: len(c.Playlists), Partial: c.Partial})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Subscribe streams applied changes. Slow subscribers miss changes rather
// than block replay.
func (r *Registry) Subscribe() (<-chan domain.Change, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan domain.Change, subscriberBuffer)
	r.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			delete(r.subscribers, id)
			close(ch)
		})
	}
}

func (r *Registry) publish(change domain.Change) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Resolve streams matching tracks, best first. The channel closes when every
// result is delivered or ctx ends.
func (r *Registry) Resolve(ctx context.Context, q domain.TrackQuery) <-chan domain.ResolveResult {
	out := make(chan domain.ResolveResult)
	r.mu.RLock()
	collections := make([]domain.Collection, 0, len(r.view.Collections))
	for _, c := range r.view.Collections {
		if q.Origin == "" || c.Origin == q.Origin {
			collections = append(collections, c.Clone())
		}
	}
	r.mu.RUnlock()

	go func() {
		defer close(out)
		if q.Empty() {
			return
		}
		for _, result := range domain.Match(q, collections) {
			select {
			case <-ctx.Done():
				return
			case out <- result:
			}
		}
	}()
	return out
}

// Digest fingerprints the whole view.
func (r *Registry) Digest() (string, error) {
	r.mu.RLock()
	raw, err := r.view.Canonical()
	r.mu.RUnlock()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
