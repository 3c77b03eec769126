package out_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/session/adapter/out"
	"chorus/internal/modules/session/domain"
)

type memoryHints struct {
	mu    sync.Mutex
	hints map[string][]string
}

func (m *memoryHints) Load(context.Context, string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]string{}
	for k, v := range m.hints {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (m *memoryHints) Save(_ context.Context, _ string, peerID string, addrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints[peerID] = append([]string(nil), addrs...)
	return nil
}

func startLAN(t *testing.T, hints *memoryHints) *out.LANTransport {
	t.Helper()
	identity, err := out.GenerateIdentity()
	require.NoError(t, err)
	opts := out.LANOptions{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}, DisableMDNS: true}
	if hints != nil {
		opts.Hints = hints
	}
	tr := out.NewLANTransport(identity, opts)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func awaitFound(t *testing.T, tr *out.LANTransport, peerID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Type == domain.PeerFound && ev.PeerID == peerID {
				return
			}
		case <-deadline:
			require.FailNow(t, "peer was not found", peerID)
		}
	}
}

func TestLANTransportDialsHintsAndExchangesFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	b := startLAN(t, nil)
	hints := &memoryHints{hints: map[string][]string{}}
	for _, addr := range b.ListenAddrs() {
		hints.hints[b.LocalID()] = append(hints.hints[b.LocalID()], addr)
	}
	a := startLAN(t, hints)

	awaitFound(t, a, b.LocalID())
	awaitFound(t, b, a.LocalID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, b.LocalID(), []byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case frame := <-b.Inbound():
			require.Equal(t, a.LocalID(), frame.PeerID)
			require.Equal(t, want, string(frame.Payload))
		case <-ctx.Done():
			require.FailNow(t, "frames did not arrive")
		}
	}
	require.NoError(t, b.Send(ctx, a.LocalID(), []byte("back")))
	select {
	case frame := <-a.Inbound():
		require.Equal(t, "back", string(frame.Payload))
	case <-ctx.Done():
		require.FailNow(t, "reply did not arrive")
	}

	require.Eventually(t, func() bool {
		h, _ := hints.Load(ctx, out.LANTransportName)
		return len(h[b.LocalID()]) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, a.Send(ctx, "xmpp:bob@example.org/chorus", nil), domain.ErrTransport)
}

func TestKeyAuthenticatorVerifiesOnlyMatchingSignatures(t *testing.T) {
	t.Parallel()
	mine, err := out.GenerateIdentity()
	require.NoError(t, err)
	theirs, err := out.GenerateIdentity()
	require.NoError(t, err)
	a, err := out.NewKeyAuthenticator(mine)
	require.NoError(t, err)
	b, err := out.NewKeyAuthenticator(theirs)
	require.NoError(t, err)

	payload := domain.SigningPayload("conn-1", []byte("0123456789abcdef"))
	sig, err := a.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, b.Verify(a.PublicKey(), payload, sig))
	require.Error(t, b.Verify(b.PublicKey(), payload, sig))
	require.Error(t, b.Verify(a.PublicKey(), domain.SigningPayload("conn-2", []byte("0123456789abcdef")), sig))
	require.Error(t, b.Verify([]byte("short"), payload, sig))

	_, err = out.NewKeyAuthenticator(nil)
	require.Error(t, err)
}
