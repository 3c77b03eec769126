package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chorus/internal/modules/acl/domain"
	aclin "chorus/internal/modules/acl/port/in"
	aclout "chorus/internal/modules/acl/port/out"
	"chorus/internal/platform/clock"
	"chorus/internal/platform/id"
	"chorus/internal/platform/logging"
	"chorus/internal/platform/metrics"
)

const (
	defaultSubscriberBuffer = 32
	recentRequests          = 256
)

type Options struct {
	Policy  domain.Policy
	Timeout time.Duration
	Clock   clock.Clock
	IDs     id.Generator
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type pendingRequest struct {
	request domain.Request
	done    chan struct{}
	timer   *time.Timer

	claimed  bool
	resolved bool
	verdict  domain.Verdict
	source   domain.Source
}

// Engine decides whether an inbound peer may connect. Persistent entries are
// read through the store; session entries and pending requests live in memory.
type Engine struct {
	store   aclout.EntryStore
	clock   clock.Clock
	ids     id.Generator
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	policy      domain.Policy
	timeout     time.Duration
	session     map[string]domain.Entry
	pending     map[string]*pendingRequest
	requests    map[string]*pendingRequest
	recent      map[string]*pendingRequest
	recentOrder []string
	subscribers map[int]chan domain.Event
	nextSub     int
}

var _ aclin.Console = (*Engine)(nil)

func NewEngine(store aclout.EntryStore, opts Options) *Engine {
	if opts.Policy == "" {
		opts.Policy = domain.PolicyAsk
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = id.UUID{}
	}
	return &Engine{
		store:       store,
		clock:       opts.Clock,
		ids:         opts.IDs,
		logger:      logging.OrNop(opts.Logger).Named("acl"),
		metrics:     opts.Metrics,
		policy:      opts.Policy,
		timeout:     opts.Timeout,
		session:     map[string]domain.Entry{},
		pending:     map[string]*pendingRequest{},
		requests:    map[string]*pendingRequest{},
		recent:      map[string]*pendingRequest{},
		subscribers: map[int]chan domain.Event{},
	}
}

// Evaluate looks up persistent entries, then session entries, then the
// default policy. Under the ask policy a second attempt from a peer with an
// outstanding request is denied without prompting again.
func (e *Engine) Evaluate(ctx context.Context, subject domain.Subject) (domain.Outcome, error) {
	if strings.TrimSpace(subject.PeerID) == "" {
		return domain.Outcome{}, domain.ErrInvalidPeerID
	}
	entry, ok, err := e.store.Get(ctx, subject.PeerID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("load acl entry: %w", err)
	}
	if ok {
		return e.record(subject.PeerID, domain.Outcome{Verdict: verdictOf(entry.Decision), Source: domain.SourcePersistent}), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.session[subject.PeerID]; ok {
		return e.record(subject.PeerID, domain.Outcome{Verdict: verdictOf(entry.Decision), Source: domain.SourceSession}), nil
	}
	switch e.policy {
	case domain.PolicyAllowAll:
		return e.record(subject.PeerID, domain.Outcome{Verdict: domain.VerdictAllow, Source: domain.SourcePolicy}), nil
	case domain.PolicyDenyAll:
		return e.record(subject.PeerID, domain.Outcome{Verdict: domain.VerdictDeny, Source: domain.SourcePolicy}), nil
	}
	if _, busy := e.pending[subject.PeerID]; busy {
		return e.record(subject.PeerID, domain.Outcome{Verdict: domain.VerdictDeny, Source: domain.SourceDuplicate}), nil
	}

	now := e.clock.Now()
	req := &pendingRequest{
		request: domain.Request{
			ID:          e.ids.New(),
			PeerID:      subject.PeerID,
			PeerName:    subject.Name,
			Fingerprint: subject.Fingerprint,
			OpenedAt:    now,
		},
		done: make(chan struct{}),
	}
	if e.timeout > 0 {
		req.request.Deadline = now.Add(e.timeout)
		req.timer = time.AfterFunc(e.timeout, func() { e.expire(req) })
	}
	e.pending[subject.PeerID] = req
	e.requests[req.request.ID] = req
	e.publishLocked(domain.Event{Type: domain.EventRequestOpened, Request: req.request, Verdict: domain.VerdictAskPending})
	return e.record(subject.PeerID, domain.Outcome{Verdict: domain.VerdictAskPending, RequestID: req.request.ID, Source: domain.SourcePolicy}), nil
}

// Await blocks until the request is decided, expires, or ctx ends. A ctx
// cancellation (the peer went away) cancels the request without recording
// an entry. Recently resolved requests return their outcome immediately.
func (e *Engine) Await(ctx context.Context, requestID string) (domain.Verdict, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		req, ok = e.recent[requestID]
	}
	e.mu.Unlock()
	if !ok {
		return domain.VerdictDeny, domain.ErrRequestNotFound
	}
	select {
	case <-req.done:
	case <-ctx.Done():
		e.mu.Lock()
		canceled := e.finishLocked(req, domain.VerdictDeny, domain.SourceCanceled, domain.EventRequestCanceled)
		e.mu.Unlock()
		if canceled {
			return domain.VerdictDeny, ctx.Err()
		}
	}
	return req.result()
}

// Decide resolves a pending request with a user choice. A persistent choice
// claims the request before the entry is written, so the request cannot
// expire while the store is busy.
func (e *Engine) Decide(ctx context.Context, requestID string, choice domain.Choice) (domain.Entry, error) {
	if _, err := domain.ParseChoice(string(choice)); err != nil {
		return domain.Entry{}, err
	}
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok || req.claimed {
		e.mu.Unlock()
		return domain.Entry{}, domain.ErrRequestNotFound
	}
	entry := choice.Entry(req.request.PeerID, e.clock.Now())
	if entry.Scope == domain.ScopePersistent {
		req.claimed = true
		if req.timer != nil {
			req.timer.Stop()
		}
		e.mu.Unlock()
		err := e.store.Put(ctx, entry)
		e.mu.Lock()
		req.claimed = false
		if err != nil {
			e.rearmLocked(req)
			e.mu.Unlock()
			return domain.Entry{}, fmt.Errorf("store acl entry: %w", err)
		}
	}
	defer e.mu.Unlock()

	// Only a departed peer can end a claimed request; the stored entry stands.
	if !e.finishLocked(req, verdictOf(entry.Decision), domain.SourceUser, domain.EventRequestResolved) {
		e.logger.Debug("request ended while its decision was stored", zap.String("request", requestID))
	}
	if entry.Scope == domain.ScopeSession {
		e.session[entry.PeerID] = entry
	} else {
		delete(e.session, entry.PeerID)
	}
	e.metrics.Authorization(string(verdictOf(entry.Decision)), string(domain.SourceUser))
	e.logger.Info("authorization decided",
		zap.String("peer", entry.PeerID),
		zap.String("decision", string(entry.Decision)),
		zap.String("scope", string(entry.Scope)))
	return entry, nil
}

// Cancel drops the outstanding request for peerID, if any, without
// recording a decision.
func (e *Engine) Cancel(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.pending[peerID]; ok {
		e.finishLocked(req, domain.VerdictDeny, domain.SourceCanceled, domain.EventRequestCanceled)
	}
}

// Forget ends the session scope for peerID: session entries and pending
// requests are dropped.
func (e *Engine) Forget(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.session, peerID)
	if req, ok := e.pending[peerID]; ok {
		e.finishLocked(req, domain.VerdictDeny, domain.SourceCanceled, domain.EventRequestCanceled)
	}
}

// AllowsOutbound reports whether a locally initiated attempt may proceed:
// only an explicit deny entry blocks it.
func (e *Engine) AllowsOutbound(ctx context.Context, peerID string) (bool, error) {
	entry, ok, err := e.store.Get(ctx, peerID)
	if err != nil {
		return false, fmt.Errorf("load acl entry: %w", err)
	}
	if ok {
		return entry.Decision == domain.DecisionAllow, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.session[peerID]; ok {
		return entry.Decision == domain.DecisionAllow, nil
	}
	return true, nil
}

func (e *Engine) Pending() []domain.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Request, 0, len(e.requests))
	for _, req := range e.requests {
		out = append(out, req.request)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Entries lists persistent entries followed by session entries.
func (e *Engine) Entries(ctx context.Context) ([]domain.Entry, error) {
	persistent, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list acl entries: %w", err)
	}
	e.mu.Lock()
	session := make([]domain.Entry, 0, len(e.session))
	for _, entry := range e.session {
		session = append(session, entry)
	}
	e.mu.Unlock()
	sort.Slice(session, func(i, j int) bool { return session[i].PeerID < session[j].PeerID })
	return append(persistent, session...), nil
}

func (e *Engine) SetEntry(ctx context.Context, entry domain.Entry) (domain.Entry, error) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = e.clock.Now()
	}
	if err := entry.Validate(); err != nil {
		return domain.Entry{}, err
	}
	if entry.Scope == domain.ScopePersistent {
		if err := e.store.Put(ctx, entry); err != nil {
			return domain.Entry{}, fmt.Errorf("store acl entry: %w", err)
		}
		e.mu.Lock()
		delete(e.session, entry.PeerID)
		e.mu.Unlock()
		return entry, nil
	}
	e.mu.Lock()
	e.session[entry.PeerID] = entry
	e.mu.Unlock()
	return entry, nil
}

func (e *Engine) RemoveEntry(ctx context.Context, peerID string) error {
	e.mu.Lock()
	_, hadSession := e.session[peerID]
	delete(e.session, peerID)
	e.mu.Unlock()
	err := e.store.Delete(ctx, peerID)
	if err == nil || (hadSession && errors.Is(err, domain.ErrEntryNotFound)) {
		return nil
	}
	return err
}

func (e *Engine) SetPolicy(policy domain.Policy) error {
	if _, err := domain.ParsePolicy(string(policy)); err != nil {
		return err
	}
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
	return nil
}

func (e *Engine) Policy() domain.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Subscribe streams request events. Slow subscribers miss events rather
// than block the engine.
func (e *Engine) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, defaultSubscriberBuffer)
	e.mu.Lock()
	key := e.nextSub
	e.nextSub++
	e.subscribers[key] = ch
	e.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subscribers, key)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) expire(req *pendingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.claimed {
		return
	}
	if !e.finishLocked(req, domain.VerdictDeny, domain.SourceTimeout, domain.EventRequestExpired) {
		return
	}
	e.session[req.request.PeerID] = domain.Entry{
		PeerID:    req.request.PeerID,
		Decision:  domain.DecisionDeny,
		Scope:     domain.ScopeSession,
		UpdatedAt: e.clock.Now(),
	}
	e.metrics.Authorization(string(domain.VerdictDeny), string(domain.SourceTimeout))
	e.logger.Info("authorization request expired", zap.String("peer", req.request.PeerID), zap.String("request", req.request.ID))
}

// rearmLocked restarts the expiry timer of a request whose claim was
// released without a decision.
func (e *Engine) rearmLocked(req *pendingRequest) {
	if req.resolved || req.request.Deadline.IsZero() {
		return
	}
	remaining := req.request.Deadline.Sub(e.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	req.timer = time.AfterFunc(remaining, func() { e.expire(req) })
}

func (e *Engine) finishLocked(req *pendingRequest, verdict domain.Verdict, source domain.Source, event domain.EventType) bool {
	if req.resolved {
		return false
	}
	req.resolved = true
	req.verdict = verdict
	req.source = source
	if req.timer != nil {
		req.timer.Stop()
	}
	if current, ok := e.pending[req.request.PeerID]; ok && current == req {
		delete(e.pending, req.request.PeerID)
	}
	delete(e.requests, req.request.ID)
	e.recent[req.request.ID] = req
	e.recentOrder = append(e.recentOrder, req.request.ID)
	if len(e.recentOrder) > recentRequests {
		delete(e.recent, e.recentOrder[0])
		e.recentOrder = e.recentOrder[1:]
	}
	close(req.done)
	e.publishLocked(domain.Event{Type: event, Request: req.request, Verdict: verdict})
	return true
}

func (e *Engine) publishLocked(event domain.Event) {
	for key, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.logger.Warn("acl subscriber is slow, dropping event", zap.Int("subscriber", key), zap.String("event", string(event.Type)))
		}
	}
}

func (e *Engine) record(peerID string, outcome domain.Outcome) domain.Outcome {
	e.metrics.Authorization(string(outcome.Verdict), string(outcome.Source))
	e.logger.Debug("authorization evaluated",
		zap.String("peer", peerID),
		zap.String("verdict", string(outcome.Verdict)),
		zap.String("source", string(outcome.Source)))
	return outcome
}

func (r *pendingRequest) result() (domain.Verdict, error) {
	switch r.source {
	case domain.SourceTimeout:
		return domain.VerdictDeny, domain.ErrAuthorizationTimeout
	case domain.SourceCanceled:
		return domain.VerdictDeny, domain.ErrRequestCanceled
	}
	if r.verdict == domain.VerdictAllow {
		return domain.VerdictAllow, nil
	}
	return domain.VerdictDeny, domain.ErrAuthorizationDenied
}

func verdictOf(decision domain.Decision) domain.Verdict {
	if decision == domain.DecisionAllow {
		return domain.VerdictAllow
	}
	return domain.VerdictDeny
}
