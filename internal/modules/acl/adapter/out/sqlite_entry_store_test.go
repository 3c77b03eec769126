package out_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/acl/adapter/out"
	"chorus/internal/modules/acl/domain"
	"chorus/internal/platform/sqlitedb"
)

func TestSQLiteEntryStoreKeepsOneEntryPerPeer(t *testing.T) {
	t.Parallel()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "acl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := out.NewSQLiteEntryStore(db)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, ok, err := store.Get(ctx, "xmpp:bob@example.org/chorus")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, domain.Entry{PeerID: "xmpp:bob@example.org/chorus", Decision: domain.DecisionAllow, UpdatedAt: now}))
	require.NoError(t, store.Put(ctx, domain.Entry{PeerID: "xmpp:bob@example.org/chorus", Decision: domain.DecisionDeny, UpdatedAt: now.Add(time.Minute)}))

	entry, ok, err := store.Get(ctx, "xmpp:bob@example.org/chorus")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.DecisionDeny, entry.Decision)
	require.Equal(t, domain.ScopePersistent, entry.Scope)
	require.True(t, entry.UpdatedAt.Equal(now.Add(time.Minute)))

	listed, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.Delete(ctx, "xmpp:bob@example.org/chorus"))
	require.ErrorIs(t, store.Delete(ctx, "xmpp:bob@example.org/chorus"), domain.ErrEntryNotFound)
}

func TestSQLiteEntryStoreRejectsInvalidEntries(t *testing.T) {
	t.Parallel()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "acl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := out.NewSQLiteEntryStore(db)
	require.NoError(t, err)

	require.ErrorIs(t, store.Put(context.Background(), domain.Entry{Decision: domain.DecisionAllow}), domain.ErrInvalidPeerID)
}
