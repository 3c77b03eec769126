package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	repldomain "chorus/internal/modules/replication/domain"
)

type builder struct {
	t    *testing.T
	seqs map[string]uint64
}

func newBuilder(t *testing.T) *builder {
	return &builder{t: t, seqs: map[string]uint64{}}
}

// on returns a function that sequences mutations for origin.
func (b *builder) on(origin string) func(repldomain.Mutation, error) repldomain.Command {
	return func(m repldomain.Mutation, err error) repldomain.Command {
		b.t.Helper()
		require.NoError(b.t, err, "build mutation")
		b.seqs[origin]++
		seq := b.seqs[origin]
		cmd, err := repldomain.NewCommand(origin, seq, repldomain.HLC{Wall: 1700000000000 + int64(seq), Origin: origin}, m)
		require.NoError(b.t, err, "new command")
		return cmd
	}
}

func replay(t *testing.T, cmds []repldomain.Command) *View {
	t.Helper()
	view := NewView()
	for _, cmd := range cmds {
		_, _, err := view.Apply(cmd)
		require.NoError(t, err, "apply %s", cmd.Ref())
	}
	return view
}

func sampleLog(t *testing.T) []repldomain.Command {
	b := newBuilder(t)
	return []repldomain.Command{
		b.on("lan:a")(AddTrack(TrackAdded{ID: "t1", Title: "Halo", Artist: "Beyoncé"})),
		b.on("lan:a")(AddTrack(TrackAdded{ID: "t2", Title: "Teardrop", Artist: "Massive Attack", Album: "Mezzanine"})),
		b.on("xmpp:b@example.org/chorus")(AddTrack(TrackAdded{ID: "x1", Title: "Windowlicker", Artist: "Aphex Twin"})),
		b.on("lan:a")(CreatePlaylist("p1", "Evening")),
		b.on("lan:a")(AddPlaylistEntry(PlaylistEntryAdded{Playlist: "p1", Entry: "e1", Track: "t1"})),
		b.on("lan:a")(AddPlaylistEntry(PlaylistEntryAdded{Playlist: "p1", Entry: "e2", Track: "t2", After: "e1"})),
		b.on("xmpp:b@example.org/chorus")(LogPlayback("x1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))),
		b.on("lan:a")(RemoveTrack("t1")),
		b.on("lan:a")(RenamePlaylist("p1", "Late evening")),
		b.on("lan:a")(RemovePlaylistEntry("p1", "e1")),
	}
}

func canonical(t *testing.T, v *View) string {
	t.Helper()
	raw, err := v.Canonical()
	require.NoError(t, err)
	return string(raw)
}

func TestReplayIsDeterministic(t *testing.T) {
	t.Parallel()
	cmds := sampleLog(t)
	first := canonical(t, replay(t, cmds))
	second := canonical(t, replay(t, cmds))
	require.Equal(t, first, second)
}

func TestReplayAfterCompactionMatchesFullReplay(t *testing.T) {
	t.Parallel()
	cmds := sampleLog(t)
	want := canonical(t, replay(t, cmds))

	log := repldomain.NewLog()
	for _, cmd := range cmds {
		_, err := log.Insert(cmd)
		require.NoError(t, err)
	}
	refs := log.Compactable(log.Tip)
	require.NotEmpty(t, refs)
	log.Prune(refs)

	require.Equal(t, want, canonical(t, replay(t, log.Commands())))
}

func TestInterleavingAcrossOriginsDoesNotMatter(t *testing.T) {
	t.Parallel()
	cmds := sampleLog(t)
	want := canonical(t, replay(t, cmds))

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		byOrigin := map[string][]repldomain.Command{}
		var origins []string
		for _, cmd := range cmds {
			if _, ok := byOrigin[cmd.Origin]; !ok {
				origins = append(origins, cmd.Origin)
			}
			byOrigin[cmd.Origin] = append(byOrigin[cmd.Origin], cmd)
		}
		var shuffled []repldomain.Command
		for len(shuffled) < len(cmds) {
			origin := origins[rng.Intn(len(origins))]
			if queue := byOrigin[origin]; len(queue) > 0 {
				shuffled = append(shuffled, queue[0])
				byOrigin[origin] = queue[1:]
			}
		}
		require.Equal(t, want, canonical(t, replay(t, shuffled)), "round %d", round)
	}
}

func TestRemoveTrackAfterAdd(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	view := replay(t, []repldomain.Command{
		b.on("lan:a")(AddTrack(TrackAdded{ID: "t1", Title: "Halo"})),
		b.on("lan:a")(RemoveTrack("t1")),
	})
	require.NotContains(t, view.Collections["lan:a"].Tracks, "t1")
}

func TestPlaylistOrderingAndRemoval(t *testing.T) {
	t.Parallel()
	view := replay(t, sampleLog(t))
	playlist := view.Collections["lan:a"].Playlists["p1"]
	require.Equal(t, "Late evening", playlist.Name)
	entries := playlist.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "e2", entries[0].ID)
}

func TestPlaylistInsertAfterPlacesNewestFirst(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	view := replay(t, []repldomain.Command{
		b.on("lan:a")(CreatePlaylist("p", "Mix")),
		b.on("lan:a")(AddPlaylistEntry(PlaylistEntryAdded{Playlist: "p", Entry: "e1", Track: "t1"})),
		b.on("lan:a")(AddPlaylistEntry(PlaylistEntryAdded{Playlist: "p", Entry: "e3", Track: "t3", After: "e1"})),
		b.on("lan:a")(AddPlaylistEntry(PlaylistEntryAdded{Playlist: "p", Entry: "e2", Track: "t2", After: "e1"})),
	})
	entries := view.Collections["lan:a"].Playlists["p"].Entries()
	got := []string{}
	for _, e := range entries {
		got = append(got, e.ID)
	}
	require.Equal(t, []string{"e1", "e2", "e3"}, got)
}

func TestPlaybackCountsAndUnknownKinds(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	played := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	view := replay(t, []repldomain.Command{
		b.on("lan:a")(AddTrack(TrackAdded{ID: "t1", Title: "Halo"})),
		b.on("lan:a")(LogPlayback("t1", played)),
		b.on("lan:a")(LogPlayback("t1", played.Add(-time.Hour))),
		b.on("lan:a")(LogPlayback("missing", played)),
		b.on("lan:a")(repldomain.Mutation{Kind: "lyrics_added", Entity: "track/t1", Payload: map[string]string{"text": "la"}}, nil),
	})
	track := view.Collections["lan:a"].Tracks["t1"]
	require.Equal(t, 2, track.Plays)
	require.True(t, track.LastPlayed.Equal(played))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	view := replay(t, sampleLog(t))
	snap := view.Snapshot()
	snap["lan:a"].Tracks["t9"] = Track{ID: "t9"}
	snap["lan:a"].Playlists["p1"].Nodes["zz"] = entryNode{ID: "zz"}
	require.NotContains(t, view.Collections["lan:a"].Tracks, "t9", "snapshot shares track map")
	require.NotContains(t, view.Collections["lan:a"].Playlists["p1"].Nodes, "zz", "snapshot shares playlist nodes")
}

func TestMutationValidation(t *testing.T) {
	t.Parallel()
	_, err := AddTrack(TrackAdded{ID: "a/b", Title: "x"})
	require.Error(t, err, "slash in id")
	_, err = AddTrack(TrackAdded{ID: "a"})
	require.Error(t, err, "missing title")
	m, err := RemoveTrack("a")
	require.NoError(t, err)
	require.True(t, m.Tombstone)
	require.Equal(t, "track/a", m.Entity)
}
