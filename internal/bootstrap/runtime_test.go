package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	colldomain "chorus/internal/modules/collection/domain"
	nodeout "chorus/internal/modules/node/port/out"
	sessionadapter "chorus/internal/modules/session/adapter/out"
	sessiondomain "chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/config"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T, name string) config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Node.Name = name
	cfg.ACL.DefaultPolicy = "allow_all"
	cfg.Transports.LAN.Enabled = false
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func memTransports(hub *sessionadapter.MemHub, name string) TransportBuilder {
	return func(crypto.PrivKey, sessionout.HintStore) ([]sessionout.Transport, error) {
		return []sessionout.Transport{hub.Transport(name)}, nil
	}
}

func startRuntime(t *testing.T, cfg config.Config, build TransportBuilder) *nodeout.Runtime {
	t.Helper()
	rt, err := NewRuntimeFactory(cfg, zap.NewNop()).WithTransports(build).Build(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Sessions.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, rt.Close())
	})
	return rt
}

func hasActive(rt *nodeout.Runtime, peerID string) bool {
	for _, conn := range rt.Sessions.Connections() {
		if conn.PeerID == peerID && conn.State == sessiondomain.StateActive {
			return true
		}
	}
	return false
}

func TestRuntimesReplicateOverMemHub(t *testing.T) {
	hub := sessionadapter.NewMemHub()
	alice := startRuntime(t, testConfig(t, "alice"), memTransports(hub, "alice"))
	bob := startRuntime(t, testConfig(t, "bob"), memTransports(hub, "bob"))

	require.Eventually(t, func() bool {
		return hasActive(alice, "mem:bob") && hasActive(bob, "mem:alice")
	}, waitFor, 10*time.Millisecond)

	change, err := alice.Curator.AddTrack(context.Background(), colldomain.TrackAdded{
		Title:  "Blue in Green",
		Artist: "Miles Davis",
	})
	require.NoError(t, err)
	require.Equal(t, alice.Origin, change.Origin)

	require.Eventually(t, func() bool {
		remote, err := bob.Registry.Query(alice.Origin)
		if err != nil {
			return false
		}
		for _, track := range remote.Tracks {
			if track.Title == "Blue in Green" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, uint64(1), bob.Log.Tips()[alice.Origin])
}

func hasTitle(c colldomain.Collection, title string) bool {
	for _, track := range c.Tracks {
		if track.Title == title {
			return true
		}
	}
	return false
}

func TestSameNamedRuntimesKeepSeparateCollections(t *testing.T) {
	hub := sessionadapter.NewMemHub()
	a := startRuntime(t, testConfig(t, "studio"), memTransports(hub, "studio-a"))
	b := startRuntime(t, testConfig(t, "studio"), memTransports(hub, "studio-b"))
	require.NotEqual(t, a.Origin, b.Origin)
	require.NotEqual(t, "studio", a.Origin)

	require.Eventually(t, func() bool {
		return hasActive(a, "mem:studio-b") && hasActive(b, "mem:studio-a")
	}, waitFor, 10*time.Millisecond)

	ctx := context.Background()
	_, err := a.Curator.AddTrack(ctx, colldomain.TrackAdded{Title: "from a"})
	require.NoError(t, err)
	_, err = b.Curator.AddTrack(ctx, colldomain.TrackAdded{Title: "from b"})
	require.NoError(t, err)
	_, err = a.Curator.AddTrack(ctx, colldomain.TrackAdded{Title: "second from a"})
	require.NoError(t, err)

	want := map[string]uint64{a.Origin: 2, b.Origin: 1}
	require.Eventually(t, func() bool {
		return equalTips(a.Log.Tips(), want) && equalTips(b.Log.Tips(), want)
	}, waitFor, 10*time.Millisecond)

	own, err := b.Registry.Query(b.Origin)
	require.NoError(t, err)
	require.Len(t, own.Tracks, 1)
	require.True(t, hasTitle(own, "from b"))

	mirrored, err := b.Registry.Query(a.Origin)
	require.NoError(t, err)
	require.Len(t, mirrored.Tracks, 2)
	require.True(t, hasTitle(mirrored, "second from a"))

	digestA, err := a.Registry.Digest()
	require.NoError(t, err)
	digestB, err := b.Registry.Digest()
	require.NoError(t, err)
	require.Equal(t, digestA, digestB)
}

func equalTips(got, want map[string]uint64) bool {
	if len(got) != len(want) {
		return false
	}
	for origin, tip := range want {
		if got[origin] != tip {
			return false
		}
	}
	return true
}

func TestCompactedLogReloadsToTheSameView(t *testing.T) {
	cfg := testConfig(t, "solo")
	hub := sessionadapter.NewMemHub()
	ctx := context.Background()

	first, err := NewRuntimeFactory(cfg, zap.NewNop()).WithTransports(memTransports(hub, "solo")).Build(ctx)
	require.NoError(t, err)
	_, err = first.Curator.AddTrack(ctx, colldomain.TrackAdded{ID: "t", Title: "Doomed"})
	require.NoError(t, err)
	_, err = first.Curator.AddTrack(ctx, colldomain.TrackAdded{ID: "k", Title: "Keeper"})
	require.NoError(t, err)
	_, err = first.Curator.RemoveTrack(ctx, "t")
	require.NoError(t, err)

	pruned, err := first.Log.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	live, err := first.Registry.Digest()
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewRuntimeFactory(cfg, zap.NewNop()).WithTransports(memTransports(hub, "solo")).Build(ctx)
	require.NoError(t, err)
	defer second.Close()

	reloaded, err := second.Registry.Digest()
	require.NoError(t, err)
	require.Equal(t, live, reloaded)
}

func TestRuntimeKeepsIdentityAndLogAcrossBuilds(t *testing.T) {
	cfg := testConfig(t, "solo")
	hub := sessionadapter.NewMemHub()

	first, err := NewRuntimeFactory(cfg, zap.NewNop()).WithTransports(memTransports(hub, "solo")).Build(context.Background())
	require.NoError(t, err)
	_, err = first.Curator.AddTrack(context.Background(), colldomain.TrackAdded{Title: "So What", Artist: "Miles Davis"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewRuntimeFactory(cfg, zap.NewNop()).WithTransports(memTransports(hub, "solo")).Build(context.Background())
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, first.Origin, second.Origin)
	local, err := second.Registry.Query(second.Origin)
	require.NoError(t, err)
	require.Len(t, local.Tracks, 1)
}

func TestRuntimeRequiresATransport(t *testing.T) {
	cfg := testConfig(t, "lonely")
	_, err := NewRuntimeFactory(cfg, zap.NewNop()).Build(context.Background())
	require.ErrorContains(t, err, "no transport is enabled")
}

func TestRuntimeRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig(t, "odd")
	cfg.ACL.DefaultPolicy = "sometimes"
	_, err := NewRuntimeFactory(cfg, zap.NewNop()).Build(context.Background())
	require.Error(t, err)
}
