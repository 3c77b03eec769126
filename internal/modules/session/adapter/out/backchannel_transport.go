package out

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/logging"
)

const (
	BackchannelTransportName = "backchannel"

	backchannelBuffer   = 256
	backchannelRetries  = 3
	defaultPollInterval = 30 * time.Second
)

type BackchannelOptions struct {
	Endpoint     string
	Handle       string
	Token        string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

type friend struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

type inboxMessage struct {
	From    string `json:"from"`
	Payload []byte `json:"payload"`
}

type inboxPage struct {
	Messages []inboxMessage `json:"messages"`
	Cursor   string         `json:"cursor"`
}

type outboxMessage struct {
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

// BackchannelTransport rides a social service's friend list and message
// relay. It polls for presence and inbox messages on an interval.
type BackchannelTransport struct {
	opts    BackchannelOptions
	base    *url.URL
	client  *http.Client
	logger  *zap.Logger
	events  chan domain.PeerEvent
	inbound chan domain.Frame

	mu      sync.Mutex
	online  map[string]bool
	cursor  string
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

var _ sessionout.Transport = (*BackchannelTransport)(nil)

func NewBackchannelTransport(opts BackchannelOptions) (*BackchannelTransport, error) {
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backchannel endpoint %q is not an absolute url", opts.Endpoint)
	}
	if strings.TrimSpace(opts.Handle) == "" {
		return nil, fmt.Errorf("backchannel handle is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &BackchannelTransport{
		opts:    opts,
		base:    base,
		client:  client,
		logger:  logging.OrNop(opts.Logger).Named("backchannel"),
		events:  make(chan domain.PeerEvent, backchannelBuffer),
		inbound: make(chan domain.Frame, backchannelBuffer),
		online:  map[string]bool{},
	}, nil
}

func (t *BackchannelTransport) Name() string {
	return BackchannelTransportName
}

func (t *BackchannelTransport) LocalID() string {
	return domain.QualifiedID(BackchannelTransportName, t.opts.Handle)
}

func (t *BackchannelTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("backchannel transport already started")
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()
	go t.poll(runCtx)
	return nil
}

func (t *BackchannelTransport) Events() <-chan domain.PeerEvent {
	return t.events
}

func (t *BackchannelTransport) Inbound() <-chan domain.Frame {
	return t.inbound
}

func (t *BackchannelTransport) poll(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := t.pollFriends(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("poll friends", zap.Error(err))
		}
		if err := t.pollInbox(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("poll inbox", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *BackchannelTransport) pollFriends(ctx context.Context) error {
	friends := []friend{}
	if err := t.get(ctx, "/friends", nil, &friends); err != nil {
		return err
	}
	seen := map[string]friend{}
	for _, f := range friends {
		if f.Online && f.Handle != t.opts.Handle {
			seen[domain.QualifiedID(BackchannelTransportName, f.Handle)] = f
		}
	}
	var events []domain.PeerEvent
	t.mu.Lock()
	for peerID := range t.online {
		if _, ok := seen[peerID]; !ok {
			delete(t.online, peerID)
			events = append(events, domain.PeerEvent{Type: domain.PeerLost, PeerID: peerID, Transport: BackchannelTransportName})
		}
	}
	for peerID, f := range seen {
		if !t.online[peerID] {
			t.online[peerID] = true
			events = append(events, domain.PeerEvent{Type: domain.PeerFound, PeerID: peerID, Transport: BackchannelTransportName, Name: f.Name})
		}
	}
	t.mu.Unlock()
	for _, ev := range events {
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *BackchannelTransport) pollInbox(ctx context.Context) error {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()
	page := inboxPage{}
	if err := t.get(ctx, "/inbox", url.Values{"since": {cursor}}, &page); err != nil {
		return err
	}
	for _, msg := range page.Messages {
		frame := domain.Frame{PeerID: domain.QualifiedID(BackchannelTransportName, msg.From), Transport: BackchannelTransportName, Payload: msg.Payload}
		select {
		case t.inbound <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if page.Cursor != "" {
		t.mu.Lock()
		t.cursor = page.Cursor
		t.mu.Unlock()
	}
	return nil
}

// Send posts one frame to the relay, retrying server errors with backoff.
func (t *BackchannelTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	transport, handle, ok := domain.SplitID(peerID)
	if !ok || transport != BackchannelTransportName {
		return fmt.Errorf("%w: %s is not a backchannel peer", domain.ErrTransport, peerID)
	}
	body, err := json.Marshal(outboxMessage{To: handle, Payload: payload})
	if err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), backchannelRetries), ctx)
	err = backoff.Retry(func() error {
		req, err := t.request(ctx, http.MethodPost, "/messages", nil, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("relay answered %s", resp.Status)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("relay answered %s", resp.Status))
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: send to %s: %v", domain.ErrTransport, peerID, err)
	}
	return nil
}

func (t *BackchannelTransport) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := t.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", domain.ErrTransport, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s answered %s", domain.ErrTransport, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (t *BackchannelTransport) request(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *t.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if t.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	return req, nil
}

func (t *BackchannelTransport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
