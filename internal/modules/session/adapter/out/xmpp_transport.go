package out

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xmppo/go-xmpp"
	"go.uber.org/zap"

	"chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/logging"
)

const (
	XMPPTransportName = "xmpp"

	// framePrefix marks chat bodies that carry frames.
	framePrefix = "chorus1:"
	xmppBuffer  = 256
)

type XMPPOptions struct {
	Server   string
	JID      string
	Password string
	// Resource is bound for this installation. Contacts whose resource starts
	// with ResourcePrefix are treated as peers.
	Resource       string
	ResourcePrefix string
	NoTLS          bool
	StartTLS       bool
	Logger         *zap.Logger
}

// xmppClient is the part of *xmpp.Client the transport uses.
type xmppClient interface {
	Recv() (any, error)
	Send(chat xmpp.Chat) (int, error)
	Roster() error
	Close() error
}

type xmppDialer func(opts XMPPOptions) (xmppClient, error)

func dialXMPP(opts XMPPOptions) (xmppClient, error) {
	options := xmpp.Options{
		Host:     opts.Server,
		User:     opts.JID,
		Password: opts.Password,
		Resource: opts.Resource,
		NoTLS:    opts.NoTLS,
		StartTLS: opts.StartTLS,
		Session:  true,
		Status:   "chat",
	}
	client, err := options.NewClient()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// XMPPTransport finds peers through roster presence and carries frames as
// base64 text in chat stanzas addressed to full JIDs.
type XMPPTransport struct {
	opts    XMPPOptions
	dial    xmppDialer
	logger  *zap.Logger
	events  chan domain.PeerEvent
	inbound chan domain.Frame

	sendMu sync.Mutex
	mu     sync.Mutex
	client xmppClient
	cancel context.CancelFunc
	online map[string]bool
	done   chan struct{}
}

var _ sessionout.Transport = (*XMPPTransport)(nil)

func NewXMPPTransport(opts XMPPOptions) *XMPPTransport {
	return newXMPPTransport(opts, dialXMPP)
}

func newXMPPTransport(opts XMPPOptions, dial xmppDialer) *XMPPTransport {
	if opts.Resource == "" {
		opts.Resource = "chorus"
	}
	if opts.ResourcePrefix == "" {
		opts.ResourcePrefix = "chorus"
	}
	return &XMPPTransport{
		opts:    opts,
		dial:    dial,
		logger:  logging.OrNop(opts.Logger).Named("xmpp"),
		events:  make(chan domain.PeerEvent, xmppBuffer),
		inbound: make(chan domain.Frame, xmppBuffer),
		online:  map[string]bool{},
	}
}

func (t *XMPPTransport) Name() string {
	return XMPPTransportName
}

func (t *XMPPTransport) LocalID() string {
	return domain.QualifiedID(XMPPTransportName, bareJID(t.opts.JID)+"/"+t.opts.Resource)
}

func (t *XMPPTransport) Start(ctx context.Context) error {
	client, err := t.dial(t.opts)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", t.opts.Server, err)
	}
	if err := client.Roster(); err != nil {
		_ = client.Close()
		return fmt.Errorf("request roster: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.client = client
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()
	go t.receive(runCtx, client)
	t.logger.Info("xmpp transport connected", zap.String("jid", t.LocalID()))
	return nil
}

func (t *XMPPTransport) Events() <-chan domain.PeerEvent {
	return t.events
}

func (t *XMPPTransport) Inbound() <-chan domain.Frame {
	return t.inbound
}

func (t *XMPPTransport) receive(ctx context.Context, client xmppClient) {
	defer close(t.done)
	for {
		stanza, err := client.Recv()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("xmpp receive", zap.Error(err))
			}
			t.dropAll(ctx)
			return
		}
		switch v := stanza.(type) {
		case xmpp.Presence:
			t.presence(ctx, v)
		case xmpp.Chat:
			t.chat(ctx, v)
		}
	}
}

func (t *XMPPTransport) presence(ctx context.Context, p xmpp.Presence) {
	bare, resource, ok := strings.Cut(p.From, "/")
	if !ok || !strings.HasPrefix(resource, t.opts.ResourcePrefix) {
		return
	}
	if bare == bareJID(t.opts.JID) && resource == t.opts.Resource {
		return
	}
	peerID := domain.QualifiedID(XMPPTransportName, p.From)
	available := p.Type == "" || p.Type == "available"
	if p.Type != "" && p.Type != "available" && p.Type != "unavailable" {
		return
	}
	t.mu.Lock()
	was := t.online[peerID]
	if available {
		t.online[peerID] = true
	} else {
		delete(t.online, peerID)
	}
	t.mu.Unlock()
	switch {
	case available && !was:
		t.emit(ctx, domain.PeerEvent{Type: domain.PeerFound, PeerID: peerID, Transport: XMPPTransportName, Name: bare})
	case !available && was:
		t.emit(ctx, domain.PeerEvent{Type: domain.PeerLost, PeerID: peerID, Transport: XMPPTransportName})
	}
}

func (t *XMPPTransport) chat(ctx context.Context, c xmpp.Chat) {
	if c.Type != "chat" || !strings.HasPrefix(c.Text, framePrefix) {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(c.Text, framePrefix))
	if err != nil {
		t.logger.Debug("undecodable frame", zap.String("from", c.Remote), zap.Error(err))
		return
	}
	select {
	case t.inbound <- domain.Frame{PeerID: domain.QualifiedID(XMPPTransportName, c.Remote), Transport: XMPPTransportName, Payload: payload}:
	case <-ctx.Done():
	}
}

func (t *XMPPTransport) dropAll(ctx context.Context) {
	t.mu.Lock()
	lost := make([]string, 0, len(t.online))
	for peerID := range t.online {
		lost = append(lost, peerID)
	}
	t.online = map[string]bool{}
	t.mu.Unlock()
	for _, peerID := range lost {
		t.emit(ctx, domain.PeerEvent{Type: domain.PeerLost, PeerID: peerID, Transport: XMPPTransportName})
	}
}

func (t *XMPPTransport) emit(ctx context.Context, ev domain.PeerEvent) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *XMPPTransport) Send(_ context.Context, peerID string, payload []byte) error {
	transport, jid, ok := domain.SplitID(peerID)
	if !ok || transport != XMPPTransportName {
		return fmt.Errorf("%w: %s is not an xmpp peer", domain.ErrTransport, peerID)
	}
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: xmpp transport is not connected", domain.ErrTransport)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := client.Send(xmpp.Chat{Remote: jid, Type: "chat", Text: framePrefix + base64.StdEncoding.EncodeToString(payload)}); err != nil {
		return fmt.Errorf("%w: send to %s: %v", domain.ErrTransport, jid, err)
	}
	return nil
}

func (t *XMPPTransport) Close() error {
	t.mu.Lock()
	client, cancel, done := t.client, t.cancel, t.done
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	cancel()
	err := client.Close()
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close xmpp client: %w", err)
	}
	return nil
}

func bareJID(jid string) string {
	bare, _, _ := strings.Cut(jid, "/")
	return bare
}
