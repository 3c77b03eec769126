package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chorus/internal/modules/collection/domain"
	"chorus/internal/modules/collection/service"
	repldomain "chorus/internal/modules/replication/domain"
)

// loopLog stands in for the replication engine: it sequences mutations and
// applies them straight to the registry.
type loopLog struct {
	mu       sync.Mutex
	origin   string
	registry *service.Registry
	cmds     []repldomain.Command
}

func (l *loopLog) Origin() string { return l.origin }

func (l *loopLog) Submit(_ context.Context, m repldomain.Mutation) (repldomain.Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.cmds) + 1)
	cmd, err := repldomain.NewCommand(l.origin, seq, repldomain.HLC{Wall: 1700000000000 + int64(seq), Origin: l.origin}, m)
	if err != nil {
		return repldomain.Command{}, err
	}
	if err := l.registry.Apply(cmd); err != nil {
		return repldomain.Command{}, err
	}
	l.cmds = append(l.cmds, cmd)
	return cmd, nil
}

type counterIDs struct {
	mu sync.Mutex
	n  int
}

func (c *counterIDs) New() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("id%d", c.n)
}

func newFixture(t *testing.T) (*service.Registry, *service.Curator, *loopLog) {
	t.Helper()
	registry := service.NewRegistry(zaptest.NewLogger(t))
	log := &loopLog{origin: "lan:self", registry: registry}
	return registry, service.NewCurator(log, registry, &counterIDs{}), log
}

func TestCuratorEditsLocalCollection(t *testing.T) {
	t.Parallel()
	registry, curator, _ := newFixture(t)
	ctx := context.Background()

	_, err := curator.AddTrack(ctx, domain.TrackAdded{ID: "t1", Title: "Halo", Artist: "Beyoncé"})
	require.NoError(t, err)
	_, err = curator.AddTrack(ctx, domain.TrackAdded{ID: "t2", Title: "Teardrop", Artist: "Massive Attack"})
	require.NoError(t, err)
	_, playlistID, err := curator.CreatePlaylist(ctx, "Evening")
	require.NoError(t, err)
	_, first, err := curator.AddToPlaylist(ctx, playlistID, "t1", "")
	require.NoError(t, err)
	_, second, err := curator.AddToPlaylist(ctx, playlistID, "t2", "")
	require.NoError(t, err)
	_, err = curator.LogPlayback(ctx, "t2", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	local, err := registry.Query("lan:self")
	require.NoError(t, err)
	require.Len(t, local.Tracks, 2)
	require.Equal(t, 1, local.Tracks["t2"].Plays)
	entries := local.Playlists[playlistID].Entries()
	require.Equal(t, []domain.PlaylistEntry{{ID: first, Track: "t1"}, {ID: second, Track: "t2"}}, entries)

	_, err = curator.RemoveFromPlaylist(ctx, playlistID, first)
	require.NoError(t, err)
	_, err = curator.RemoveFromPlaylist(ctx, playlistID, first)
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
	_, err = curator.RenamePlaylist(ctx, playlistID, "Late")
	require.NoError(t, err)

	_, err = curator.RemoveTrack(ctx, "t1")
	require.NoError(t, err)
	_, err = curator.RemoveTrack(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrTrackNotFound)

	_, err = curator.DeletePlaylist(ctx, playlistID)
	require.NoError(t, err)
	_, err = curator.RenamePlaylist(ctx, playlistID, "Gone")
	require.ErrorIs(t, err, domain.ErrPlaylistNotFound)
}

func TestCuratorRejectsUnknownReferences(t *testing.T) {
	t.Parallel()
	_, curator, _ := newFixture(t)
	ctx := context.Background()

	_, _, err := curator.AddToPlaylist(ctx, "nope", "t1", "")
	require.ErrorIs(t, err, domain.ErrPlaylistNotFound)
	_, err = curator.LogPlayback(ctx, "t1", time.Now())
	require.ErrorIs(t, err, domain.ErrTrackNotFound)
	_, err = curator.AddTrack(ctx, domain.TrackAdded{ID: "t1"})
	require.ErrorIs(t, err, domain.ErrInvalidTrack)
}

func TestRebuildMatchesLiveView(t *testing.T) {
	t.Parallel()
	registry, curator, log := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := curator.AddTrack(ctx, domain.TrackAdded{ID: fmt.Sprintf("t%d", i), Title: fmt.Sprintf("Song %d", i)})
		require.NoError(t, err)
	}
	_, err := curator.RemoveTrack(ctx, "t3")
	require.NoError(t, err)
	live, err := registry.Digest()
	require.NoError(t, err)

	rebuilt := service.NewRegistry(nil)
	require.NoError(t, rebuilt.Rebuild(log.cmds, nil))
	replayed, err := rebuilt.Digest()
	require.NoError(t, err)
	require.Equal(t, live, replayed)
}

func TestQueryReturnsCopies(t *testing.T) {
	t.Parallel()
	registry, curator, _ := newFixture(t)
	_, err := curator.AddTrack(context.Background(), domain.TrackAdded{ID: "t1", Title: "Halo"})
	require.NoError(t, err)

	snapshot, err := registry.Query("lan:self")
	require.NoError(t, err)
	delete(snapshot.Tracks, "t1")

	again, err := registry.Query("lan:self")
	require.NoError(t, err)
	require.Contains(t, again.Tracks, "t1")

	_, err = registry.Query("lan:nobody")
	require.ErrorIs(t, err, domain.ErrUnknownOrigin)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	t.Parallel()
	registry, curator, _ := newFixture(t)
	changes, cancel := registry.Subscribe()
	defer cancel()

	_, err := curator.AddTrack(context.Background(), domain.TrackAdded{ID: "t1", Title: "Halo"})
	require.NoError(t, err)
	select {
	case change := <-changes:
		require.Equal(t, domain.KindTrackAdded, change.Kind)
		require.Equal(t, "track/t1", change.Entity)
	case <-time.After(time.Second):
		require.FailNow(t, "no change delivered")
	}
}

func TestResolveStreamsAcrossOrigins(t *testing.T) {
	t.Parallel()
	registry, curator, _ := newFixture(t)
	ctx := context.Background()
	_, err := curator.AddTrack(ctx, domain.TrackAdded{ID: "t1", Title: "Halo", Artist: "Beyoncé"})
	require.NoError(t, err)

	remote, err := domain.AddTrack(domain.TrackAdded{ID: "r1", Title: "HALO", Artist: "beyonce"})
	require.NoError(t, err)
	cmd, err := repldomain.NewCommand("xmpp:bob@example.org/chorus", 1, repldomain.HLC{Wall: 1, Origin: "xmpp:bob@example.org/chorus"}, remote)
	require.NoError(t, err)
	require.NoError(t, registry.Apply(cmd))
	registry.MarkPartial("xmpp:bob@example.org/chorus")

	var got []domain.ResolveResult
	for result := range registry.Resolve(ctx, domain.TrackQuery{Artist: "Beyonce", Title: "halo"}) {
		got = append(got, result)
	}
	require.Len(t, got, 2)
	require.Equal(t, "lan:self", got[0].Origin)

	origins := registry.Origins()
	require.Len(t, origins, 2)
	require.True(t, origins[1].Partial)

	canceled, stop := context.WithCancel(ctx)
	stop()
	for range registry.Resolve(canceled, domain.TrackQuery{Title: "halo"}) {
	}
}
