package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	acldomain "chorus/internal/modules/acl/domain"
	repldomain "chorus/internal/modules/replication/domain"
	replin "chorus/internal/modules/replication/port/in"
	"chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	"chorus/internal/platform/wire"
)

const (
	nonceSize  = 16
	byeTimeout = 2 * time.Second
)

var (
	errDuplicate    = errors.New("duplicate connection resolved in favor of the peer")
	errSuperseded   = errors.New("superseded by a newer connection")
	errDisconnected = errors.New("disconnected locally")
	errShutdown     = errors.New("session manager shutting down")
)

// ending describes how a connection finishes.
type ending struct {
	state        domain.State
	reason       string
	cause        error
	retry        bool
	incompatible bool
}

func closeWith(reason string, cause error) ending {
	return ending{state: domain.StateClosed, reason: reason, cause: cause}
}

// failure classifies err. Protocol violations flag the peer and are never
// retried; anything else is retried after backoff.
func failure(err error) ending {
	if errors.Is(err, domain.ErrProtocol) || errors.Is(err, repldomain.ErrProtocol) || errors.Is(err, wire.ErrMalformed) {
		return ending{state: domain.StateFailed, reason: domain.ReasonProtocol, cause: err, incompatible: true}
	}
	if errors.Is(err, domain.ErrAuthentication) {
		return ending{state: domain.StateFailed, cause: err}
	}
	return ending{state: domain.StateFailed, cause: err, retry: true}
}

type decision struct {
	verdict acldomain.Verdict
	err     error
}

// actor owns one connection. Every transition happens on its goroutine.
type actor struct {
	m         *Manager
	transport sessionout.Transport
	id        string
	peerID    string
	dir       domain.Direction
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan wire.Envelope
	votes  chan decision
	stopc  chan ending

	conn        domain.Connection
	nonce       []byte
	remoteNonce []byte
	requestID   string
	replica     replin.Replica
}

func newActor(m *Manager, base context.Context, t sessionout.Transport, conn domain.Connection) *actor {
	ctx, cancel := context.WithCancel(base)
	return &actor{
		m:         m,
		transport: t,
		id:        conn.ID,
		peerID:    conn.PeerID,
		dir:       conn.Direction,
		logger:    m.logger.With(zap.String("peer", conn.PeerID), zap.String("conn", conn.ID), zap.String("direction", string(conn.Direction))),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan wire.Envelope, m.opts.InboxSize),
		votes:     make(chan decision, 1),
		stopc:     make(chan ending, 1),
		conn:      conn,
	}
}

// deliver hands a frame to the actor without blocking the transport reader.
func (a *actor) deliver(env wire.Envelope) {
	select {
	case a.inbox <- env:
	default:
		a.m.metrics.FrameDropped(a.transport.Name(), "inbox_full")
		a.logger.Warn("connection inbox full, dropping frame", zap.String("kind", string(env.Kind)))
	}
}

// stop asks the actor to finish. The first request wins.
func (a *actor) stop(end ending) {
	select {
	case a.stopc <- end:
	default:
	}
}

func (a *actor) run() {
	defer a.m.workers.Done()
	a.finish(a.loop())
}

func (a *actor) loop() ending {
	if err := a.enter(domain.StateConnecting, nil); err != nil {
		return failure(err)
	}
	handshake := time.NewTimer(a.m.opts.HandshakeTimeout)
	defer handshake.Stop()
	ticker := time.NewTicker(a.m.opts.TickInterval)
	defer ticker.Stop()

	if a.dir == domain.DirectionOutbound {
		if err := a.sendHello(); err != nil {
			return failure(err)
		}
	}
	for {
		select {
		case end := <-a.stopc:
			return end
		case env := <-a.inbox:
			if end, done := a.handle(env); done {
				return end
			}
		case vote := <-a.votes:
			if end, done := a.decided(vote); done {
				return end
			}
		case <-handshake.C:
			if a.conn.State == domain.StateConnecting {
				return failure(fmt.Errorf("%w: handshake timed out after %s", domain.ErrTransport, a.m.opts.HandshakeTimeout))
			}
		case <-ticker.C:
			if a.replica == nil {
				continue
			}
			if err := a.replica.Tick(a.m.clock.Now()); err != nil {
				return failure(err)
			}
		}
	}
}

func (a *actor) handle(env wire.Envelope) (ending, bool) {
	switch env.Kind {
	case wire.KindHello:
		return a.onHello(env)
	case wire.KindHelloAck:
		return a.onHelloAck(env)
	case wire.KindBye:
		return a.onBye(env), true
	}
	if a.replica == nil {
		a.m.metrics.FrameDropped(a.transport.Name(), "unauthorized")
		a.logger.Debug("dropping replication frame before authorization", zap.String("kind", string(env.Kind)))
		return ending{}, false
	}
	ready, err := a.replica.Handle(a.ctx, env)
	if err != nil {
		return failure(fmt.Errorf("handle %s: %w", env.Kind, err)), true
	}
	if ready && a.conn.State == domain.StateAuthorized {
		if err := a.enter(domain.StateActive, nil); err != nil {
			return failure(err), true
		}
		a.m.activated(a.peerID)
	}
	return ending{}, false
}

func (a *actor) onHello(env wire.Envelope) (ending, bool) {
	if a.dir != domain.DirectionInbound || a.conn.State != domain.StateConnecting {
		return failure(fmt.Errorf("%w: unexpected hello in %s", domain.ErrProtocol, a.conn.State)), true
	}
	hello := domain.Hello{}
	if err := env.Decode(&hello); err != nil {
		return failure(err), true
	}
	if hello.Protocol != domain.ProtocolVersion {
		return failure(fmt.Errorf("%w: peer speaks session protocol %d, want %d", domain.ErrProtocol, hello.Protocol, domain.ProtocolVersion)), true
	}
	cred := hello.Credential
	if len(cred.Nonce) < nonceSize {
		return failure(fmt.Errorf("%w: hello nonce too short", domain.ErrProtocol)), true
	}
	if err := a.m.authn.Verify(cred.PublicKey, domain.SigningPayload(a.id, cred.Nonce), cred.Signature); err != nil {
		return failure(fmt.Errorf("%w: %v", domain.ErrAuthentication, err)), true
	}
	a.remoteNonce = cred.Nonce
	fingerprint := domain.Fingerprint(cred.PublicKey)
	a.m.identify(a.peerID, hello.Name, fingerprint)
	if err := a.enter(domain.StateAwaitingAuthorization, nil); err != nil {
		return failure(err), true
	}

	outcome, err := a.m.auth.Evaluate(a.ctx, acldomain.Subject{PeerID: a.peerID, Name: hello.Name, Fingerprint: fingerprint})
	if err != nil {
		return failure(fmt.Errorf("evaluate access for %s: %w", a.peerID, err)), true
	}
	switch outcome.Verdict {
	case acldomain.VerdictAllow:
		return a.accept()
	case acldomain.VerdictDeny:
		return closeWith(domain.ReasonDenied, acldomain.ErrAuthorizationDenied), true
	}
	a.requestID = outcome.RequestID
	if err := a.sendAck(domain.AckPending); err != nil {
		return failure(err), true
	}
	go a.await(outcome.RequestID)
	return ending{}, false
}

func (a *actor) await(requestID string) {
	verdict, err := a.m.auth.Await(a.ctx, requestID)
	select {
	case a.votes <- decision{verdict: verdict, err: err}:
	case <-a.ctx.Done():
	}
}

func (a *actor) decided(vote decision) (ending, bool) {
	a.requestID = ""
	switch {
	case vote.err == nil && vote.verdict == acldomain.VerdictAllow:
		return a.accept()
	case errors.Is(vote.err, acldomain.ErrAuthorizationTimeout):
		return closeWith(domain.ReasonTimeout, vote.err), true
	case vote.err == nil || errors.Is(vote.err, acldomain.ErrAuthorizationDenied):
		return closeWith(domain.ReasonDenied, acldomain.ErrAuthorizationDenied), true
	default:
		return closeWith(domain.ReasonDisconnect, vote.err), true
	}
}

func (a *actor) accept() (ending, bool) {
	if err := a.sendAck(domain.AckAccepted); err != nil {
		return failure(err), true
	}
	return a.authorize()
}

func (a *actor) authorize() (ending, bool) {
	if err := a.enter(domain.StateAuthorized, nil); err != nil {
		return failure(err), true
	}
	a.replica = a.m.replicator.Open(a.peerID, a.id, a.sendEnvelope)
	if err := a.replica.Start(a.ctx); err != nil {
		return failure(fmt.Errorf("start replication: %w", err)), true
	}
	return ending{}, false
}

func (a *actor) onHelloAck(env wire.Envelope) (ending, bool) {
	state := a.conn.State
	if a.dir != domain.DirectionOutbound || (state != domain.StateConnecting && state != domain.StateAwaitingAuthorization) {
		return failure(fmt.Errorf("%w: unexpected hello_ack in %s", domain.ErrProtocol, state)), true
	}
	ack := domain.HelloAck{}
	if err := env.Decode(&ack); err != nil {
		return failure(err), true
	}
	cred := ack.Credential
	if !bytes.Equal(cred.Nonce, a.nonce) {
		return failure(fmt.Errorf("%w: hello_ack answers another challenge", domain.ErrAuthentication)), true
	}
	if err := a.m.authn.Verify(cred.PublicKey, domain.SigningPayload(a.id, a.nonce), cred.Signature); err != nil {
		return failure(fmt.Errorf("%w: %v", domain.ErrAuthentication, err)), true
	}
	a.m.identify(a.peerID, ack.Name, domain.Fingerprint(cred.PublicKey))
	if state == domain.StateConnecting {
		if err := a.enter(domain.StateAwaitingAuthorization, nil); err != nil {
			return failure(err), true
		}
	}
	switch ack.Status {
	case domain.AckPending:
		return ending{}, false
	case domain.AckAccepted:
		return a.authorize()
	default:
		return failure(fmt.Errorf("%w: unknown hello_ack status %q", domain.ErrProtocol, ack.Status)), true
	}
}

func (a *actor) onBye(env wire.Envelope) ending {
	bye := domain.Bye{}
	if err := env.Decode(&bye); err != nil {
		return failure(err)
	}
	cause := fmt.Errorf("peer closed the connection: %s", bye.Reason)
	switch bye.Reason {
	case domain.ReasonProtocol:
		return ending{state: domain.StateFailed, cause: cause, incompatible: true}
	case domain.ReasonDenied, domain.ReasonTimeout:
		return ending{state: domain.StateClosed, cause: fmt.Errorf("%w: %s", acldomain.ErrAuthorizationDenied, bye.Reason)}
	default:
		return ending{state: domain.StateClosed, cause: cause}
	}
}

// finish releases everything the connection holds and reports to the manager.
func (a *actor) finish(end ending) {
	if a.replica != nil {
		a.replica.Close()
	}
	if a.requestID != "" {
		a.m.auth.Cancel(a.peerID)
	}
	if end.reason != "" {
		a.sendBye(end.reason)
	}
	a.cancel()
	from := a.conn.State
	if !from.Terminal() {
		if err := a.conn.Transition(end.state, a.m.clock.Now(), end.cause); err != nil {
			a.logger.Error("finish connection", zap.Error(err))
		}
	}
	if end.cause != nil {
		a.logger.Info("connection finished", zap.String("state", string(a.conn.State)), zap.Error(end.cause))
	} else {
		a.logger.Info("connection finished", zap.String("state", string(a.conn.State)))
	}
	a.m.finished(a, from, end)
}

func (a *actor) enter(to domain.State, cause error) error {
	from := a.conn.State
	if err := a.conn.Transition(to, a.m.clock.Now(), cause); err != nil {
		return err
	}
	a.logger.Debug("connection transition", zap.String("from", string(from)), zap.String("to", string(to)))
	a.m.observe(a, from)
	return nil
}

func (a *actor) credential(nonce []byte) (domain.Credential, error) {
	sig, err := a.m.authn.Sign(domain.SigningPayload(a.id, nonce))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sign credential: %w", err)
	}
	return domain.Credential{PublicKey: a.m.authn.PublicKey(), Nonce: nonce, Signature: sig}, nil
}

func (a *actor) sendHello() error {
	a.nonce = make([]byte, nonceSize)
	if _, err := rand.Read(a.nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	cred, err := a.credential(a.nonce)
	if err != nil {
		return err
	}
	return a.send(a.ctx, wire.KindHello, domain.Hello{Protocol: domain.ProtocolVersion, Name: a.m.opts.Name, Credential: cred})
}

func (a *actor) sendAck(status domain.AckStatus) error {
	cred, err := a.credential(a.remoteNonce)
	if err != nil {
		return err
	}
	return a.send(a.ctx, wire.KindHelloAck, domain.HelloAck{Status: status, Name: a.m.opts.Name, Credential: cred})
}

func (a *actor) sendBye(reason string) {
	ctx, cancel := context.WithTimeout(a.ctx, byeTimeout)
	defer cancel()
	if err := a.send(ctx, wire.KindBye, domain.Bye{Reason: reason}); err != nil {
		a.logger.Debug("send bye", zap.String("reason", reason), zap.Error(err))
	}
}

func (a *actor) send(ctx context.Context, kind wire.Kind, body any) error {
	env, err := wire.New(kind, a.id, body)
	if err != nil {
		return err
	}
	return a.sendEnvelope(ctx, env)
}

// sendEnvelope is also the replica's sender, so it may run on the replica's
// drain goroutine.
func (a *actor) sendEnvelope(ctx context.Context, env wire.Envelope) error {
	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if err := a.transport.Send(ctx, a.peerID, frame); err != nil {
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}
