package out

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xmppo/go-xmpp"
	"github.com/stretchr/testify/require"

	"chorus/internal/modules/session/domain"
)

type fakeXMPP struct {
	stanzas chan any
	once    sync.Once

	mu   sync.Mutex
	sent []xmpp.Chat
}

func newFakeXMPP() *fakeXMPP {
	return &fakeXMPP{stanzas: make(chan any, 16)}
}

func (f *fakeXMPP) Recv() (any, error) {
	s, ok := <-f.stanzas
	if !ok {
		return nil, errors.New("stream closed")
	}
	return s, nil
}

func (f *fakeXMPP) Send(chat xmpp.Chat) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chat)
	return len(chat.Text), nil
}

func (f *fakeXMPP) Roster() error { return nil }

func (f *fakeXMPP) Close() error {
	f.once.Do(func() { close(f.stanzas) })
	return nil
}

func (f *fakeXMPP) chats() []xmpp.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]xmpp.Chat(nil), f.sent...)
}

func startXMPP(t *testing.T, client *fakeXMPP) *XMPPTransport {
	t.Helper()
	tr := newXMPPTransport(XMPPOptions{JID: "alice@example.org", Resource: "chorus-laptop"}, func(XMPPOptions) (xmppClient, error) {
		return client, nil
	})
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func nextEvent(t *testing.T, tr *XMPPTransport) domain.PeerEvent {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no peer event")
		return domain.PeerEvent{}
	}
}

func TestXMPPTransportTracksPresenceOfChorusResources(t *testing.T) {
	t.Parallel()
	client := newFakeXMPP()
	tr := startXMPP(t, client)
	require.Equal(t, "xmpp:alice@example.org/chorus-laptop", tr.LocalID())

	client.stanzas <- xmpp.Presence{From: "bob@example.org/phone"}
	client.stanzas <- xmpp.Presence{From: "alice@example.org/chorus-laptop"}
	client.stanzas <- xmpp.Presence{From: "bob@example.org/chorus-desk"}
	client.stanzas <- xmpp.Presence{From: "bob@example.org/chorus-desk"}
	client.stanzas <- xmpp.Presence{From: "bob@example.org/chorus-desk", Type: "unavailable"}

	found := nextEvent(t, tr)
	require.Equal(t, domain.PeerFound, found.Type)
	require.Equal(t, "xmpp:bob@example.org/chorus-desk", found.PeerID)
	require.Equal(t, "bob@example.org", found.Name)

	lost := nextEvent(t, tr)
	require.Equal(t, domain.PeerLost, lost.Type)
	require.Equal(t, found.PeerID, lost.PeerID)
}

func TestXMPPTransportCarriesFramesAsChatText(t *testing.T) {
	t.Parallel()
	client := newFakeXMPP()
	tr := startXMPP(t, client)

	require.NoError(t, tr.Send(context.Background(), "xmpp:bob@example.org/chorus-desk", []byte(`{"type":"hello"}`)))
	sent := client.chats()
	require.Len(t, sent, 1)
	require.Equal(t, "bob@example.org/chorus-desk", sent[0].Remote)
	require.Equal(t, "chat", sent[0].Type)
	require.True(t, strings.HasPrefix(sent[0].Text, framePrefix))

	client.stanzas <- xmpp.Chat{Remote: "bob@example.org/chorus-desk", Type: "chat", Text: "hi there"}
	client.stanzas <- xmpp.Chat{Remote: "bob@example.org/chorus-desk", Type: "chat", Text: framePrefix + base64.StdEncoding.EncodeToString([]byte("payload"))}

	select {
	case frame := <-tr.Inbound():
		require.Equal(t, "xmpp:bob@example.org/chorus-desk", frame.PeerID)
		require.Equal(t, XMPPTransportName, frame.Transport)
		require.Equal(t, []byte("payload"), frame.Payload)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no frame")
	}

	require.ErrorIs(t, tr.Send(context.Background(), "lan:12D3KooW", nil), domain.ErrTransport)
}

func TestXMPPTransportReportsEveryoneLostWhenStreamEnds(t *testing.T) {
	t.Parallel()
	client := newFakeXMPP()
	tr := startXMPP(t, client)

	client.stanzas <- xmpp.Presence{From: "bob@example.org/chorus-desk"}
	require.Equal(t, domain.PeerFound, nextEvent(t, tr).Type)

	_ = client.Close()
	lost := nextEvent(t, tr)
	require.Equal(t, domain.PeerLost, lost.Type)
	require.Equal(t, "xmpp:bob@example.org/chorus-desk", lost.PeerID)
}
