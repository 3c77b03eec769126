package out_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/session/adapter/out"
	"chorus/internal/platform/sqlitedb"
)

func TestSQLiteHintStoreReplacesAddressesPerPeer(t *testing.T) {
	t.Parallel()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "hints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := out.NewSQLiteHintStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "lan", "lan:peer-a", []string{"/ip4/10.0.0.2/tcp/4001"}))
	require.NoError(t, store.Save(ctx, "lan", "lan:peer-a", []string{"/ip4/10.0.0.3/tcp/4001"}))
	require.NoError(t, store.Save(ctx, "xmpp", "xmpp:bob@example.org/chorus", []string{"bob@example.org/chorus"}))

	hints, err := store.Load(ctx, "lan")
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"lan:peer-a": {"/ip4/10.0.0.3/tcp/4001"}}, hints)

	empty, err := store.Load(ctx, "backchannel")
	require.NoError(t, err)
	require.Empty(t, empty)
}
