package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	acloutadapter "chorus/internal/modules/acl/adapter/out"
	acldomain "chorus/internal/modules/acl/domain"
	aclout "chorus/internal/modules/acl/port/out"
	aclservice "chorus/internal/modules/acl/service"
	collservice "chorus/internal/modules/collection/service"
	nodeoutadapter "chorus/internal/modules/node/adapter/out"
	nodeout "chorus/internal/modules/node/port/out"
	reploutadapter "chorus/internal/modules/replication/adapter/out"
	replout "chorus/internal/modules/replication/port/out"
	replservice "chorus/internal/modules/replication/service"
	sessionoutadapter "chorus/internal/modules/session/adapter/out"
	sessiondomain "chorus/internal/modules/session/domain"
	sessionout "chorus/internal/modules/session/port/out"
	sessionservice "chorus/internal/modules/session/service"
	"chorus/internal/platform/config"
	"chorus/internal/platform/id"
	"chorus/internal/platform/metrics"
	"chorus/internal/platform/sqlitedb"
)

// TransportBuilder returns the transports a runtime runs. Hints persist LAN
// addresses between runs.
type TransportBuilder func(identity crypto.PrivKey, hints sessionout.HintStore) ([]sessionout.Transport, error)

// RuntimeFactory assembles every engine of a node from its configuration.
type RuntimeFactory struct {
	cfg        config.Config
	logger     *zap.Logger
	transports TransportBuilder
}

var _ nodeout.RuntimeFactory = (*RuntimeFactory)(nil)

func NewRuntimeFactory(cfg config.Config, logger *zap.Logger) *RuntimeFactory {
	f := &RuntimeFactory{cfg: cfg, logger: logger}
	f.transports = f.configuredTransports
	return f
}

// WithTransports replaces the configured transports.
func (f *RuntimeFactory) WithTransports(build TransportBuilder) *RuntimeFactory {
	f.transports = build
	return f
}

func (f *RuntimeFactory) Build(ctx context.Context) (rt *nodeout.Runtime, err error) {
	cfg := f.cfg
	policy, err := acldomain.ParsePolicy(cfg.ACL.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	identity, err := nodeoutadapter.NewFileIdentityStore(cfg.DataDir).LoadOrCreate()
	if err != nil {
		return nil, err
	}
	authn, err := sessionoutadapter.NewKeyAuthenticator(identity)
	if err != nil {
		return nil, err
	}

	db, err := sqlitedb.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	entries, logStore, hints, err := openStores(db)
	if err != nil {
		return nil, err
	}
	transports, err := f.transports(identity, hints)
	if err != nil {
		return nil, fmt.Errorf("build transports: %w", err)
	}
	if len(transports) == 0 {
		return nil, errors.New("no transport is enabled")
	}

	m := metrics.New()
	ids := id.RandomHex{}
	authority := aclservice.NewEngine(entries, aclservice.Options{
		Policy:  policy,
		Timeout: cfg.ACL.AuthorizationTimeout,
		Logger:  f.logger,
		Metrics: m,
	})
	// The log origin follows the node key, so renaming a node keeps its
	// history and two nodes sharing a name never share an origin.
	origin := sessiondomain.Fingerprint(authn.PublicKey())
	registry := collservice.NewRegistry(f.logger)
	log := replservice.NewEngine(logStore, registry, replservice.Options{
		Origin:     origin,
		AckTimeout: cfg.Replication.AckTimeout,
		Logger:     f.logger,
		Metrics:    m,
	})
	if err := log.Load(ctx); err != nil {
		return nil, fmt.Errorf("load command log: %w", err)
	}
	sessions := sessionservice.NewManager(transports, authority, authn, log, sessionservice.Options{
		Name:              cfg.Node.Name,
		InitialBackoff:    cfg.Reconnect.InitialInterval,
		MaxBackoff:        cfg.Reconnect.MaxInterval,
		BackoffMultiplier: cfg.Reconnect.Multiplier,
		IDs:               ids,
		Logger:            f.logger,
		Metrics:           m,
	})

	return &nodeout.Runtime{
		Node:        cfg.Node.Name,
		Origin:      origin,
		Fingerprint: origin,
		Transports:  transports,
		Sessions:    sessions,
		Authority:   authority,
		Log:         log,
		Registry:    registry,
		Curator:     collservice.NewCurator(log, registry, ids),
		Metrics:     m.Handler(),
		Close:       db.Close,
	}, nil
}

func openStores(db *sql.DB) (aclout.EntryStore, replout.LogStore, *sessionoutadapter.SQLiteHintStore, error) {
	entries, err := acloutadapter.NewSQLiteEntryStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open acl store: %w", err)
	}
	logStore, err := reploutadapter.NewSQLiteLogStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open log store: %w", err)
	}
	hints, err := sessionoutadapter.NewSQLiteHintStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open hint store: %w", err)
	}
	return entries, logStore, hints, nil
}

func (f *RuntimeFactory) configuredTransports(identity crypto.PrivKey, hints sessionout.HintStore) ([]sessionout.Transport, error) {
	cfg := f.cfg.Transports
	var out []sessionout.Transport
	if cfg.LAN.Enabled {
		out = append(out, sessionoutadapter.NewLANTransport(identity, sessionoutadapter.LANOptions{
			ListenAddrs: cfg.LAN.ListenAddrs,
			ServiceTag:  cfg.LAN.ServiceTag,
			DisableMDNS: !cfg.LAN.MDNS,
			Hints:       hints,
			Logger:      f.logger,
		}))
	}
	if cfg.XMPP.Enabled {
		out = append(out, sessionoutadapter.NewXMPPTransport(sessionoutadapter.XMPPOptions{
			Server:   cfg.XMPP.Server,
			JID:      cfg.XMPP.JID,
			Password: cfg.XMPP.Password,
			Resource: cfg.XMPP.Resource,
			NoTLS:    cfg.XMPP.NoTLS,
			StartTLS: cfg.XMPP.StartTLS,
			Logger:   f.logger,
		}))
	}
	if cfg.Backchannel.Enabled {
		bc, err := sessionoutadapter.NewBackchannelTransport(sessionoutadapter.BackchannelOptions{
			Endpoint:     cfg.Backchannel.Endpoint,
			Handle:       cfg.Backchannel.Handle,
			Token:        cfg.Backchannel.Token,
			PollInterval: cfg.Backchannel.PollInterval,
			Logger:       f.logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, nil
}
