package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chorus/internal/modules/acl/domain"
	"chorus/internal/modules/acl/service"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]domain.Entry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string]domain.Entry{}}
}

func (s *memoryStore) Get(_ context.Context, peerID string) (domain.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[peerID]
	return entry, ok, nil
}

func (s *memoryStore) Put(_ context.Context, entry domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Scope = domain.ScopePersistent
	s.entries[entry.PeerID] = entry
	return nil
}

func (s *memoryStore) Delete(_ context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[peerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, peerID)
	}
	delete(s.entries, peerID)
	return nil
}

func (s *memoryStore) List(context.Context) ([]domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// gatedStore holds each Put until release is closed, then fails it if fail
// is set.
type gatedStore struct {
	*memoryStore
	entered chan struct{}
	release chan struct{}
	fail    bool
}

func newGatedStore(fail bool) *gatedStore {
	return &gatedStore{memoryStore: newMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{}), fail: fail}
}

func (s *gatedStore) Put(ctx context.Context, entry domain.Entry) error {
	s.entered <- struct{}{}
	<-s.release
	if s.fail {
		return errors.New("disk full")
	}
	return s.memoryStore.Put(ctx, entry)
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("req-%d", g.n)
}

func newEngine(t *testing.T, store *memoryStore, policy domain.Policy, timeout time.Duration) *service.Engine {
	t.Helper()
	return service.NewEngine(store, service.Options{
		Policy:  policy,
		Timeout: timeout,
		IDs:     &sequentialIDs{},
		Logger:  zaptest.NewLogger(t),
	})
}

func subject(peerID string) domain.Subject {
	return domain.Subject{PeerID: peerID, Name: "bob", Fingerprint: "ab:cd"}
}

func TestEvaluateUsesPersistentEntryBeforePolicy(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	require.NoError(t, store.Put(context.Background(), domain.Entry{PeerID: "lan:bob", Decision: domain.DecisionDeny}))
	engine := newEngine(t, store, domain.PolicyAllowAll, 0)

	outcome, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictDeny, outcome.Verdict)
	require.Equal(t, domain.SourcePersistent, outcome.Source)

	outcome, err = engine.Evaluate(context.Background(), subject("lan:carol"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, outcome.Verdict)
	require.Equal(t, domain.SourcePolicy, outcome.Source)
}

func TestEvaluateDenyAllPolicy(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyDenyAll, 0)
	outcome, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictDeny, outcome.Verdict)
	require.Empty(t, engine.Pending())
}

func TestAskPolicyKeepsOneOutstandingRequestPerPeer(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	events, cancel := engine.Subscribe()
	defer cancel()

	first, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAskPending, first.Verdict)
	require.NotEmpty(t, first.RequestID)

	second, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictDeny, second.Verdict)
	require.Equal(t, domain.SourceDuplicate, second.Source)

	pending := engine.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, first.RequestID, pending[0].ID)

	opened := <-events
	require.Equal(t, domain.EventRequestOpened, opened.Type)
	select {
	case extra := <-events:
		require.FailNow(t, "unexpected second event", "%+v", extra)
	default:
	}
}

func TestDecideAllowRecordsSessionEntry(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	engine := newEngine(t, store, domain.PolicyAsk, 0)
	ctx := context.Background()

	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		verdict, err := engine.Await(ctx, outcome.RequestID)
		if err == nil && verdict != domain.VerdictAllow {
			err = fmt.Errorf("unexpected verdict %s", verdict)
		}
		result <- err
	}()

	entry, err := engine.Decide(ctx, outcome.RequestID, domain.ChoiceAllow)
	require.NoError(t, err)
	require.Equal(t, domain.ScopeSession, entry.Scope)
	require.NoError(t, <-result)

	again, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, again.Verdict)
	require.Equal(t, domain.SourceSession, again.Source)

	persisted, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestDecideAlwaysDenyPersistsAndBlocksWithoutPrompt(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	engine := newEngine(t, store, domain.PolicyAsk, 0)
	ctx := context.Background()

	outcome, err := engine.Evaluate(ctx, subject("lan:mallory"))
	require.NoError(t, err)
	_, err = engine.Decide(ctx, outcome.RequestID, domain.ChoiceAlwaysDeny)
	require.NoError(t, err)

	verdict, err := engine.Await(ctx, outcome.RequestID)
	require.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	require.Equal(t, domain.VerdictDeny, verdict)

	for i := 0; i < 3; i++ {
		next, err := engine.Evaluate(ctx, subject("lan:mallory"))
		require.NoError(t, err)
		require.Equal(t, domain.VerdictDeny, next.Verdict)
		require.Equal(t, domain.SourcePersistent, next.Source)
	}
	require.Empty(t, engine.Pending())

	allowed, err := engine.AllowsOutbound(ctx, "lan:mallory")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestPersistentDecisionHoldsOffExpiry(t *testing.T) {
	t.Parallel()
	store := newGatedStore(false)
	engine := service.NewEngine(store, service.Options{Policy: domain.PolicyAsk, Timeout: 150 * time.Millisecond, IDs: &sequentialIDs{}, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()
	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)

	decided := make(chan error, 1)
	go func() {
		_, err := engine.Decide(ctx, outcome.RequestID, domain.ChoiceAlwaysAllow)
		decided <- err
	}()
	<-store.entered
	time.Sleep(300 * time.Millisecond)
	require.Len(t, engine.Pending(), 1, "claimed request expired while its entry was stored")
	close(store.release)
	require.NoError(t, <-decided)

	verdict, err := engine.Await(ctx, outcome.RequestID)
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, verdict)
	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.ScopePersistent, entries[0].Scope)
	require.Equal(t, domain.DecisionAllow, entries[0].Decision)
}

func TestFailedPersistentDecisionLeavesRequestToExpire(t *testing.T) {
	t.Parallel()
	store := newGatedStore(true)
	engine := service.NewEngine(store, service.Options{Policy: domain.PolicyAsk, Timeout: 150 * time.Millisecond, IDs: &sequentialIDs{}, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()
	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)

	decided := make(chan error, 1)
	go func() {
		_, err := engine.Decide(ctx, outcome.RequestID, domain.ChoiceAlwaysAllow)
		decided <- err
	}()
	<-store.entered
	time.Sleep(200 * time.Millisecond)
	close(store.release)
	require.Error(t, <-decided)

	verdict, err := engine.Await(ctx, outcome.RequestID)
	require.ErrorIs(t, err, domain.ErrAuthorizationTimeout)
	require.Equal(t, domain.VerdictDeny, verdict)
	persistent, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, persistent)
}

func TestDecideAfterExpiryStoresNothing(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	engine := newEngine(t, store, domain.PolicyAsk, 20*time.Millisecond)
	ctx := context.Background()
	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)
	_, err = engine.Await(ctx, outcome.RequestID)
	require.ErrorIs(t, err, domain.ErrAuthorizationTimeout)

	_, err = engine.Decide(ctx, outcome.RequestID, domain.ChoiceAlwaysAllow)
	require.ErrorIs(t, err, domain.ErrRequestNotFound)
	persistent, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, persistent)
}

func TestAwaitReturnsDeniedForUserDeny(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	ctx := context.Background()
	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Await(ctx, outcome.RequestID)
		done <- err
	}()
	_, err = engine.Decide(ctx, outcome.RequestID, domain.ChoiceDeny)
	require.NoError(t, err)
	require.ErrorIs(t, <-done, domain.ErrAuthorizationDenied)
}

func TestTimeoutRecordsSessionDeny(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 30*time.Millisecond)
	ctx := context.Background()

	outcome, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAskPending, outcome.Verdict)

	verdict, err := engine.Await(ctx, outcome.RequestID)
	require.ErrorIs(t, err, domain.ErrAuthorizationTimeout)
	require.Equal(t, domain.VerdictDeny, verdict)

	entries, err := engine.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.DecisionDeny, entries[0].Decision)
	require.Equal(t, domain.ScopeSession, entries[0].Scope)

	next, err := engine.Evaluate(ctx, subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictDeny, next.Verdict)
	require.Equal(t, domain.SourceSession, next.Source)
	require.Empty(t, engine.Pending())
}

func TestCanceledAwaitLeavesNoEntry(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	outcome, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Await(ctx, outcome.RequestID)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := engine.Entries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)

	next, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAskPending, next.Verdict)
	require.NotEqual(t, outcome.RequestID, next.RequestID)
}

func TestCancelWakesAwaiter(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	outcome, err := engine.Evaluate(context.Background(), subject("lan:bob"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Await(context.Background(), outcome.RequestID)
		done <- err
	}()
	engine.Cancel("lan:bob")
	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrRequestCanceled)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "await did not return after cancel")
	}
}

func TestForgetDropsSessionEntries(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	ctx := context.Background()
	_, err := engine.SetEntry(ctx, domain.Entry{PeerID: "lan:bob", Decision: domain.DecisionDeny, Scope: domain.ScopeSession})
	require.NoError(t, err)

	allowed, err := engine.AllowsOutbound(ctx, "lan:bob")
	require.NoError(t, err)
	require.False(t, allowed)

	engine.Forget("lan:bob")
	allowed, err = engine.AllowsOutbound(ctx, "lan:bob")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRemoveEntry(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	engine := newEngine(t, store, domain.PolicyAsk, 0)
	ctx := context.Background()

	_, err := engine.SetEntry(ctx, domain.Entry{PeerID: "lan:bob", Decision: domain.DecisionAllow, Scope: domain.ScopePersistent})
	require.NoError(t, err)
	require.NoError(t, engine.RemoveEntry(ctx, "lan:bob"))
	require.ErrorIs(t, engine.RemoveEntry(ctx, "lan:bob"), domain.ErrEntryNotFound)

	_, err = engine.SetEntry(ctx, domain.Entry{PeerID: "lan:carol", Decision: domain.DecisionAllow, Scope: domain.ScopeSession})
	require.NoError(t, err)
	require.NoError(t, engine.RemoveEntry(ctx, "lan:carol"))
}

func TestDecideUnknownRequest(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	_, err := engine.Decide(context.Background(), "missing", domain.ChoiceAllow)
	require.ErrorIs(t, err, domain.ErrRequestNotFound)
	_, err = engine.Decide(context.Background(), "missing", "perhaps")
	require.ErrorIs(t, err, domain.ErrInvalidChoice)
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, newMemoryStore(), domain.PolicyAsk, 0)
	require.NoError(t, engine.SetPolicy(domain.PolicyAllowAll))
	require.Equal(t, domain.PolicyAllowAll, engine.Policy())
	require.ErrorIs(t, engine.SetPolicy("sometimes"), domain.ErrInvalidPolicy)
}
