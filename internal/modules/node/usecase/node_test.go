package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	"chorus/internal/modules/node/domain"
	"chorus/internal/modules/node/dto"
	nodeout "chorus/internal/modules/node/port/out"
	"chorus/internal/modules/node/usecase"
	sessiondomain "chorus/internal/modules/session/domain"
)

var fixedTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	err       error
	mutations *[]domain.Mutation
	aclSet    *acldomain.Entry
}

func (f fakeService) RunDaemon(context.Context) error   { return f.err }
func (f fakeService) StartDaemon(context.Context) error { return f.err }
func (f fakeService) StopDaemon(context.Context) error  { return f.err }
func (f fakeService) DaemonStatus(context.Context) (nodeout.DaemonRuntimeStatus, error) {
	if f.err != nil {
		return nodeout.DaemonRuntimeStatus{}, f.err
	}
	return nodeout.DaemonRuntimeStatus{Running: true, PID: 42, SocketPath: "/tmp/chorus.sock", Status: status()}, nil
}
func (f fakeService) DaemonLogs(context.Context, int) (string, error) { return "line", f.err }
func (f fakeService) ActivityTail(context.Context, nodeout.ActivityQuery) ([]domain.ActivityEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.ActivityEvent{{ID: "a1", Type: domain.ActivityAuth, Message: "request_opened", OccurredAt: fixedTime}}, nil
}
func (f fakeService) Status(context.Context) (nodeout.DaemonStatus, error) {
	if f.err != nil {
		return nodeout.DaemonStatus{}, f.err
	}
	return status(), nil
}
func (f fakeService) PeerList(context.Context) ([]sessiondomain.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []sessiondomain.Peer{{ID: "mem:bob", Transport: "mem", Name: "bob", State: sessiondomain.StateActive, Online: true}}, nil
}
func (f fakeService) PeerConnect(context.Context, string) error    { return f.err }
func (f fakeService) PeerDisconnect(context.Context, string) error { return f.err }
func (f fakeService) AuthPending(context.Context) ([]acldomain.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []acldomain.Request{{ID: "r1", PeerID: "mem:bob", PeerName: "bob", OpenedAt: fixedTime}}, nil
}
func (f fakeService) AuthDecide(_ context.Context, _ string, choice acldomain.Choice) (acldomain.Entry, error) {
	if f.err != nil {
		return acldomain.Entry{}, f.err
	}
	return choice.Entry("mem:bob", fixedTime), nil
}
func (f fakeService) ACLList(context.Context) ([]acldomain.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []acldomain.Entry{{PeerID: "mem:bob", Decision: acldomain.DecisionAllow, Scope: acldomain.ScopePersistent}}, nil
}
func (f fakeService) ACLSet(_ context.Context, entry acldomain.Entry) (acldomain.Entry, error) {
	if f.err != nil {
		return acldomain.Entry{}, f.err
	}
	if f.aclSet != nil {
		*f.aclSet = entry
	}
	entry.UpdatedAt = fixedTime
	return entry, nil
}
func (f fakeService) ACLRemove(context.Context, string) error { return f.err }
func (f fakeService) Mutate(_ context.Context, m domain.Mutation) (domain.MutationResult, error) {
	if f.err != nil {
		return domain.MutationResult{}, f.err
	}
	if f.mutations != nil {
		*f.mutations = append(*f.mutations, m)
	}
	return domain.MutationResult{
		Change:  colldomain.Change{Origin: "alice", Seq: uint64(len(*f.mutations)), Kind: colldomain.KindPlaylistCreated, Entity: colldomain.PlaylistEntity("p1")},
		Created: "p1",
	}, nil
}
func (f fakeService) Collection(_ context.Context, origin string) (nodeout.CollectionView, error) {
	if f.err != nil {
		return nodeout.CollectionView{}, f.err
	}
	view := nodeout.CollectionView{Origins: []collin.OriginSummary{{Origin: "alice", Tracks: 1}}}
	if origin == "" {
		return view, nil
	}
	view.Collection = &colldomain.Collection{
		Origin: origin,
		Tracks: map[string]colldomain.Track{
			"t1": {ID: "t1", Title: "Blue in Green", Artist: "Miles Davis", Plays: 2},
		},
		Playlists: map[string]colldomain.Playlist{},
	}
	view.Digest = "abc"
	return view, nil
}
func (f fakeService) Compact(context.Context) (int, error) { return 3, f.err }
func (f fakeService) Resolve(context.Context, colldomain.TrackQuery) (<-chan colldomain.ResolveResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan colldomain.ResolveResult, 1)
	out <- colldomain.ResolveResult{Origin: "alice", Score: 0.9, Track: colldomain.Track{ID: "t1", Title: "Blue in Green"}}
	close(out)
	return out, nil
}
func (f fakeService) Watch(context.Context) (<-chan domain.WatchEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan domain.WatchEvent, 3)
	out <- domain.WatchEvent{Kind: domain.WatchAuth, Auth: &acldomain.Event{Type: acldomain.EventRequestOpened, Request: acldomain.Request{ID: "r1", PeerID: "mem:bob"}}}
	out <- domain.WatchEvent{Kind: domain.WatchPeer, Peer: &sessiondomain.Event{Type: sessiondomain.EventPeer, Peer: sessiondomain.Peer{ID: "mem:bob", Online: true}}}
	out <- domain.WatchEvent{Kind: domain.WatchCollection, Change: &colldomain.Change{Origin: "bob", Seq: 7, Kind: colldomain.KindTrackAdded, Entity: "track/t9"}}
	close(out)
	return out, nil
}

func status() nodeout.DaemonStatus {
	return nodeout.DaemonStatus{
		Node:        "alice",
		Fingerprint: "ab:cd",
		StartedAt:   fixedTime,
		Transports:  []nodeout.TransportStatus{{Name: "lan", LocalID: "lan:12D3", ListenAddrs: []string{"/ip4/127.0.0.1/tcp/4001"}}},
		Peers:       2,
		OnlinePeers: 1,
		Tips:        map[string]uint64{"alice": 4},
		Origins:     []collin.OriginSummary{{Origin: "alice", Tracks: 3}},
	}
}

func TestInteractorSuccess(t *testing.T) {
	t.Parallel()
	var mutations []domain.Mutation
	uc := usecase.NewInteractor(fakeService{mutations: &mutations})
	ctx := context.Background()

	require.NoError(t, uc.RunDaemon(ctx))
	daemon, err := uc.DaemonStatus(ctx)
	require.NoError(t, err)
	require.True(t, daemon.Running)
	require.Equal(t, "alice", daemon.Status.Node)
	require.Len(t, daemon.Status.Transports, 1)
	require.Equal(t, 3, daemon.Status.Origins[0].Tracks)

	peers, err := uc.PeerList(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "active", peers[0].State)

	pending, err := uc.AuthPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bob", pending[0].PeerName)

	entry, err := uc.AuthDecide(ctx, "r1", "always-allow")
	require.NoError(t, err)
	require.Equal(t, "allow", entry.Decision)
	require.Equal(t, "persistent", entry.Scope)

	activity, err := uc.ActivityTail(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	require.Equal(t, "auth", activity[0].Type)

	n, err := uc.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	change, err := uc.PlaylistCreate(ctx, "  Late night  ")
	require.NoError(t, err)
	require.Equal(t, "p1", change.Created)
	require.Equal(t, "playlist/p1", change.Entity)
	require.Equal(t, domain.OpPlaylistCreate, mutations[0].Op)
	require.Equal(t, "Late night", mutations[0].Name)
}

func TestInteractorBuildsMutations(t *testing.T) {
	t.Parallel()
	var mutations []domain.Mutation
	uc := usecase.NewInteractor(fakeService{mutations: &mutations})
	ctx := context.Background()

	steps := []func() error{
		func() error {
			_, err := uc.TrackAdd(ctx, dto.TrackInput{ID: "t1", Title: " So What ", Artist: "Miles Davis", DurationMS: 545000})
			return err
		},
		func() error { _, err := uc.TrackRemove(ctx, "t1"); return err },
		func() error { _, err := uc.PlaylistRename(ctx, "p1", "Modal"); return err },
		func() error { _, err := uc.PlaylistDelete(ctx, "p1"); return err },
		func() error { _, err := uc.PlaylistAdd(ctx, "p1", "t1", "e0"); return err },
		func() error { _, err := uc.PlaylistRemove(ctx, "p1", "e1"); return err },
		func() error { _, err := uc.PlayLog(ctx, "t1", fixedTime); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
	}
	want := []domain.MutationOp{
		domain.OpTrackAdd, domain.OpTrackRemove, domain.OpPlaylistRename, domain.OpPlaylistDelete,
		domain.OpPlaylistAdd, domain.OpPlaylistRemove, domain.OpPlayLog,
	}
	require.Len(t, mutations, len(want))
	for i, op := range want {
		require.Equal(t, op, mutations[i].Op, "mutation %d", i)
	}
	require.Equal(t, "So What", mutations[0].Track.Title)
	require.EqualValues(t, 545000, mutations[0].Track.Duration)
	require.Equal(t, "p1", mutations[4].Playlist)
	require.Equal(t, "t1", mutations[4].ID)
	require.Equal(t, "e0", mutations[4].After)
	require.True(t, mutations[6].At.Equal(fixedTime), "play time %v", mutations[6].At)
}

func TestInteractorACLSetDefaultsToPersistent(t *testing.T) {
	t.Parallel()
	var stored acldomain.Entry
	uc := usecase.NewInteractor(fakeService{aclSet: &stored})

	out, err := uc.ACLSet(context.Background(), dto.ACLSetInput{PeerID: " mem:bob ", Decision: "DENY"})
	require.NoError(t, err)
	require.Equal(t, "mem:bob", stored.PeerID)
	require.Equal(t, acldomain.DecisionDeny, stored.Decision)
	require.Equal(t, acldomain.ScopePersistent, stored.Scope)
	require.True(t, out.UpdatedAt.Equal(fixedTime), "updated at %v", out.UpdatedAt)

	_, err = uc.ACLSet(context.Background(), dto.ACLSetInput{PeerID: "mem:bob", Decision: "maybe"})
	require.Error(t, err)
	_, err = uc.AuthDecide(context.Background(), "r1", "sometimes")
	require.ErrorIs(t, err, acldomain.ErrInvalidChoice)
}

func TestInteractorCollectionAndStreams(t *testing.T) {
	t.Parallel()
	uc := usecase.NewInteractor(fakeService{})
	ctx := context.Background()

	summary, err := uc.Collection(ctx, "")
	require.NoError(t, err)
	require.Len(t, summary.Origins, 1)
	require.Nil(t, summary.Tracks)

	view, err := uc.Collection(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", view.Origin)
	require.Equal(t, "abc", view.Digest)
	require.Len(t, view.Tracks, 1)
	require.Equal(t, 2, view.Tracks[0].Plays)

	_, err = uc.Resolve(ctx, dto.ResolveInput{Origin: "alice"})
	require.Error(t, err, "empty query")
	results, err := uc.Resolve(ctx, dto.ResolveInput{Title: "blue in green"})
	require.NoError(t, err)
	var got []dto.ResolveOutput
	for r := range results {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].Track.ID)
	require.Equal(t, 0.9, got[0].Score)

	events, err := uc.Watch(ctx)
	require.NoError(t, err)
	var summaries []string
	for ev := range events {
		summaries = append(summaries, ev.Summary)
	}
	require.Equal(t, []string{"request_opened mem:bob", "mem:bob online", "bob #7 track_added track/t9"}, summaries)
}

func TestInteractorErrors(t *testing.T) {
	t.Parallel()
	uc := usecase.NewInteractor(fakeService{err: errors.New("boom")})
	ctx := context.Background()

	require.Error(t, uc.StartDaemon(ctx))
	_, err := uc.Status(ctx)
	require.Error(t, err)
	_, err = uc.PeerList(ctx)
	require.Error(t, err)
	require.Error(t, uc.PeerConnect(ctx, "mem:bob"))
	_, err = uc.ACLList(ctx)
	require.Error(t, err)
	_, err = uc.TrackRemove(ctx, "t1")
	require.Error(t, err)
	_, err = uc.Collection(ctx, "alice")
	require.Error(t, err)
	_, err = uc.Watch(ctx)
	require.Error(t, err)
}
