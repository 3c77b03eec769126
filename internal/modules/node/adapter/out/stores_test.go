package out_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/node/adapter/out"
	"chorus/internal/modules/node/domain"
	nodeout "chorus/internal/modules/node/port/out"
)

type sequence struct{ n int }

func (s *sequence) New() string {
	s.n++
	return "evt-" + string(rune('0'+s.n))
}

func TestFileActivityStoreTailKeepsNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := out.NewFileActivityStore(t.TempDir(), &sequence{})
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, domain.ActivityEvent{
			Type:       domain.ActivityPeer,
			Message:    "connection active",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := store.Tail(ctx, nodeout.ActivityQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-4", events[0].ID)
	require.Equal(t, "evt-5", events[1].ID)

	since, err := store.Tail(ctx, nodeout.ActivityQuery{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.True(t, since[0].OccurredAt.Equal(base.Add(3*time.Minute)))
}

func TestFileActivityStoreTailWithoutLog(t *testing.T) {
	t.Parallel()
	store := out.NewFileActivityStore(t.TempDir(), nil)
	events, err := store.Tail(context.Background(), nodeout.ActivityQuery{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFileDaemonStorePIDLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store := out.NewFileDaemonStore(dir)

	require.Equal(t, filepath.Join(dir, "daemon.sock"), store.SocketPath())
	require.Equal(t, filepath.Join(dir, "daemon.log"), store.LogPath())

	_, err := store.ReadPID(ctx)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, store.WritePID(ctx, 4242))
	pid, err := store.ReadPID(ctx)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)

	require.NoError(t, store.ClearPID(ctx))
	require.NoError(t, store.ClearPID(ctx))
}

func TestFileIdentityStoreReusesKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := out.NewFileIdentityStore(filepath.Join(dir, "node"))

	first, err := store.LoadOrCreate()
	require.NoError(t, err)
	require.Equal(t, crypto.Ed25519, first.Type())

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := out.NewFileIdentityStore(filepath.Join(dir, "node")).LoadOrCreate()
	require.NoError(t, err)
	require.True(t, first.Equals(second))
}

func TestFileIdentityStoreRejectsGarbage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := out.NewFileIdentityStore(dir)
	require.NoError(t, os.WriteFile(store.Path(), []byte("not base64!"), 0o600))
	_, err := store.LoadOrCreate()
	require.Error(t, err)
}
