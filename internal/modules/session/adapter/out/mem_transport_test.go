package out_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/session/adapter/out"
	"chorus/internal/modules/session/domain"
)

func TestMemHubAnnouncesMembersBothWays(t *testing.T) {
	t.Parallel()
	hub := out.NewMemHub()
	a, b := hub.Transport("a"), hub.Transport("b")
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.Error(t, hub.Transport("a").Start(context.Background()))

	require.Equal(t, domain.PeerEvent{Type: domain.PeerFound, PeerID: "mem:b", Transport: "mem", Name: "b"}, <-a.Events())
	require.Equal(t, domain.PeerEvent{Type: domain.PeerFound, PeerID: "mem:a", Transport: "mem", Name: "a"}, <-b.Events())

	require.NoError(t, b.Close())
	require.Equal(t, domain.PeerLost, (<-a.Events()).Type)
}

func TestMemTransportSendsOnlyBetweenMembers(t *testing.T) {
	t.Parallel()
	hub := out.NewMemHub()
	a, b := hub.Transport("a"), hub.Transport("b")
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	payload := []byte("frame")
	require.NoError(t, a.Send(context.Background(), "mem:b", payload))
	payload[0] = 'X'
	select {
	case frame := <-b.Inbound():
		require.Equal(t, "mem:a", frame.PeerID)
		require.Equal(t, []byte("frame"), frame.Payload)
	case <-time.After(time.Second):
		require.FailNow(t, "no frame")
	}

	require.ErrorIs(t, a.Send(context.Background(), "mem:nobody", nil), domain.ErrTransport)
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send(context.Background(), "mem:b", nil), domain.ErrTransport)
}
