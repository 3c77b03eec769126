package out_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	out "chorus/internal/modules/session/adapter/out"
	"chorus/internal/modules/session/domain"
)

type relay struct {
	mu       sync.Mutex
	friends  []map[string]any
	inbox    []map[string]any
	posted   []map[string]any
	failures int
	sinces   []string
	auth     []string
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/api/friends":
		_ = json.NewEncoder(w).Encode(r.friends)
	case req.Method == http.MethodGet && req.URL.Path == "/api/inbox":
		r.sinces = append(r.sinces, req.URL.Query().Get("since"))
		msgs := r.inbox
		r.inbox = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs, "cursor": "c1"})
	case req.Method == http.MethodPost && req.URL.Path == "/api/messages":
		if r.failures > 0 {
			r.failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body := map[string]any{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.posted = append(r.posted, body)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, req)
	}
}

func (r *relay) setFriends(friends ...map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.friends = friends
}

func startBackchannel(t *testing.T, r *relay) *out.BackchannelTransport {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	tr, err := out.NewBackchannelTransport(out.BackchannelOptions{
		Endpoint:     srv.URL + "/api/",
		Handle:       "alice",
		Token:        "secret",
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestBackchannelTransportFollowsFriendPresence(t *testing.T) {
	t.Parallel()
	r := &relay{}
	r.setFriends(
		map[string]any{"handle": "bob", "name": "Bob", "online": true},
		map[string]any{"handle": "carol", "name": "Carol", "online": false},
	)
	tr := startBackchannel(t, r)
	require.Equal(t, "backchannel:alice", tr.LocalID())

	select {
	case ev := <-tr.Events():
		require.Equal(t, domain.PeerFound, ev.Type)
		require.Equal(t, "backchannel:bob", ev.PeerID)
		require.Equal(t, "Bob", ev.Name)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "bob was not found")
	}

	r.setFriends(map[string]any{"handle": "bob", "name": "Bob", "online": false})
	select {
	case ev := <-tr.Events():
		require.Equal(t, domain.PeerLost, ev.Type)
		require.Equal(t, "backchannel:bob", ev.PeerID)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "bob was not lost")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Contains(t, r.auth, "Bearer secret")
}

func TestBackchannelTransportDeliversInboxAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	r := &relay{inbox: []map[string]any{{"id": "m1", "from": "bob", "payload": []byte("frame-1")}}}
	tr := startBackchannel(t, r)

	select {
	case frame := <-tr.Inbound():
		require.Equal(t, "backchannel:bob", frame.PeerID)
		require.Equal(t, []byte("frame-1"), frame.Payload)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no inbox frame")
	}

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.sinces) >= 2 && r.sinces[len(r.sinces)-1] == "c1"
	}, 2*time.Second, 10*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, "", r.sinces[0])
}

func TestBackchannelTransportRetriesServerErrorsOnSend(t *testing.T) {
	t.Parallel()
	r := &relay{failures: 1}
	tr := startBackchannel(t, r)

	require.NoError(t, tr.Send(context.Background(), "backchannel:bob", []byte("hello")))
	r.mu.Lock()
	require.Len(t, r.posted, 1)
	require.Equal(t, "bob", r.posted[0]["to"])
	r.mu.Unlock()

	require.ErrorIs(t, tr.Send(context.Background(), "mem:bob", nil), domain.ErrTransport)
}

func TestNewBackchannelTransportRejectsRelativeEndpoint(t *testing.T) {
	t.Parallel()
	_, err := out.NewBackchannelTransport(out.BackchannelOptions{Endpoint: "/api", Handle: "alice"})
	require.Error(t, err)
	_, err = out.NewBackchannelTransport(out.BackchannelOptions{Endpoint: "https://relay.example.org"})
	require.Error(t, err)
}
