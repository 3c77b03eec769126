package out_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	out "chorus/internal/modules/node/adapter/out"
	"chorus/internal/modules/node/domain"
	nodeout "chorus/internal/modules/node/port/out"
	sessiondomain "chorus/internal/modules/session/domain"
)

type fakeIPCHandler struct {
	mu        sync.Mutex
	stopped   bool
	connected []string
	mutations []domain.Mutation
}

func (h *fakeIPCHandler) Status(context.Context) (nodeout.DaemonStatus, error) {
	return nodeout.DaemonStatus{Node: "alice", Peers: 2, Tips: map[string]uint64{"alice": 9}}, nil
}
func (h *fakeIPCHandler) PeerList(context.Context) ([]sessiondomain.Peer, error) {
	return []sessiondomain.Peer{{ID: "mem:bob", Transport: "mem", State: sessiondomain.StateActive, Online: true}}, nil
}
func (h *fakeIPCHandler) PeerConnect(_ context.Context, peerID string) error {
	if peerID == "mem:ghost" {
		return sessiondomain.ErrUnknownPeer
	}
	h.mu.Lock()
	h.connected = append(h.connected, peerID)
	h.mu.Unlock()
	return nil
}
func (h *fakeIPCHandler) PeerDisconnect(context.Context, string) error { return nil }
func (h *fakeIPCHandler) AuthPending(context.Context) ([]acldomain.Request, error) {
	return []acldomain.Request{{ID: "r1", PeerID: "mem:bob"}}, nil
}
func (h *fakeIPCHandler) AuthDecide(_ context.Context, requestID string, choice acldomain.Choice) (acldomain.Entry, error) {
	if requestID != "r1" {
		return acldomain.Entry{}, acldomain.ErrRequestNotFound
	}
	return choice.Entry("mem:bob", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)), nil
}
func (h *fakeIPCHandler) ACLList(context.Context) ([]acldomain.Entry, error) {
	return []acldomain.Entry{{PeerID: "mem:bob", Decision: acldomain.DecisionAllow, Scope: acldomain.ScopePersistent}}, nil
}
func (h *fakeIPCHandler) ACLSet(_ context.Context, entry acldomain.Entry) (acldomain.Entry, error) {
	return entry, nil
}
func (h *fakeIPCHandler) ACLRemove(context.Context, string) error { return nil }
func (h *fakeIPCHandler) Mutate(_ context.Context, m domain.Mutation) (domain.MutationResult, error) {
	h.mu.Lock()
	h.mutations = append(h.mutations, m)
	h.mu.Unlock()
	return domain.MutationResult{Change: colldomain.Change{Origin: "alice", Seq: 10, Kind: colldomain.KindTrackAdded, Entity: colldomain.TrackEntity(m.Track.ID)}}, nil
}
func (h *fakeIPCHandler) Collection(_ context.Context, origin string) (nodeout.CollectionView, error) {
	view := nodeout.CollectionView{Origins: []collin.OriginSummary{{Origin: "alice", Tracks: 1}}}
	if origin != "" {
		view.Collection = &colldomain.Collection{
			Origin: origin,
			Tracks: map[string]colldomain.Track{"t1": {ID: "t1", Title: "Naima", Artist: "John Coltrane"}},
		}
		view.Digest = "d1"
	}
	return view, nil
}
func (h *fakeIPCHandler) Compact(context.Context) (int, error) { return 5, nil }
func (h *fakeIPCHandler) ActivityTail(context.Context, nodeout.ActivityQuery) ([]domain.ActivityEvent, error) {
	return []domain.ActivityEvent{{ID: "a1", Type: domain.ActivityDaemon, Message: "daemon started"}}, nil
}
func (h *fakeIPCHandler) Resolve(_ context.Context, q colldomain.TrackQuery) (<-chan colldomain.ResolveResult, error) {
	results := make(chan colldomain.ResolveResult, 2)
	results <- colldomain.ResolveResult{Origin: "alice", Score: 1, Track: colldomain.Track{ID: "t1", Title: q.Title}}
	results <- colldomain.ResolveResult{Origin: "bob", Score: 0.7, Track: colldomain.Track{ID: "t7", Title: q.Title}}
	close(results)
	return results, nil
}
func (h *fakeIPCHandler) Watch(context.Context) (<-chan domain.WatchEvent, error) {
	events := make(chan domain.WatchEvent, 1)
	events <- domain.WatchEvent{Kind: domain.WatchCollection, Change: &colldomain.Change{Origin: "bob", Seq: 3}}
	close(events)
	return events, nil
}
func (h *fakeIPCHandler) Stop(context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return nil
}

func TestGRPCServerClientContract(t *testing.T) {
	t.Parallel()
	h := &fakeIPCHandler{}
	server := out.NewGRPCServer()
	client := out.NewGRPCClient()
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, socketPath, h)
	}()

	require.Eventually(t, func() bool {
		_, err := client.Status(context.Background(), socketPath)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	status, err := client.Status(ctx, socketPath)
	require.NoError(t, err)
	require.Equal(t, "alice", status.Node)
	require.Equal(t, uint64(9), status.Tips["alice"])

	peers, err := client.PeerList(ctx, socketPath)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, sessiondomain.StateActive, peers[0].State)

	require.NoError(t, client.PeerConnect(ctx, socketPath, "mem:bob"))
	err = client.PeerConnect(ctx, socketPath, "mem:ghost")
	require.Error(t, err)
	require.Contains(t, err.Error(), sessiondomain.ErrUnknownPeer.Error())

	entry, err := client.AuthDecide(ctx, socketPath, "r1", acldomain.ChoiceAlwaysDeny)
	require.NoError(t, err)
	require.Equal(t, acldomain.DecisionDeny, entry.Decision)
	require.Equal(t, acldomain.ScopePersistent, entry.Scope)
	_, err = client.AuthDecide(ctx, socketPath, "r9", acldomain.ChoiceAllow)
	require.Error(t, err)

	result, err := client.Mutate(ctx, socketPath, domain.Mutation{Op: domain.OpTrackAdd, Track: colldomain.TrackAdded{ID: "t2", Title: "Alabama", Artist: "John Coltrane"}})
	require.NoError(t, err)
	require.Equal(t, "track/t2", result.Change.Entity)
	h.mu.Lock()
	require.Len(t, h.mutations, 1)
	require.Equal(t, "Alabama", h.mutations[0].Track.Title)
	h.mu.Unlock()

	view, err := client.Collection(ctx, socketPath, "alice")
	require.NoError(t, err)
	require.NotNil(t, view.Collection)
	require.Equal(t, "Naima", view.Collection.Tracks["t1"].Title)
	require.Equal(t, "d1", view.Digest)

	pruned, err := client.Compact(ctx, socketPath)
	require.NoError(t, err)
	require.Equal(t, 5, pruned)

	activity, err := client.ActivityTail(ctx, socketPath, nodeout.ActivityQuery{Limit: 5})
	require.NoError(t, err)
	require.Len(t, activity, 1)

	var resolved []colldomain.ResolveResult
	require.NoError(t, client.Resolve(ctx, socketPath, colldomain.TrackQuery{Title: "Naima"}, func(r colldomain.ResolveResult) error {
		resolved = append(resolved, r)
		return nil
	}))
	require.Len(t, resolved, 2)
	require.Equal(t, "bob", resolved[1].Origin)

	var watched []domain.WatchEvent
	require.NoError(t, client.Watch(ctx, socketPath, func(ev domain.WatchEvent) error {
		watched = append(watched, ev)
		return nil
	}))
	require.Len(t, watched, 1)
	require.Equal(t, uint64(3), watched[0].Change.Seq)

	require.NoError(t, client.Stop(ctx, socketPath))
	h.mu.Lock()
	require.True(t, h.stopped)
	h.mu.Unlock()

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not stop")
	}
}

func TestGRPCClientReportsMissingDaemon(t *testing.T) {
	t.Parallel()
	client := out.NewGRPCClient()
	_, err := client.Status(context.Background(), filepath.Join(t.TempDir(), "none.sock"))
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrDaemonNotRunning), "got %v", err)
}
