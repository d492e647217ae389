// Package bridgebuilder assembles the bridge from configuration.
package bridgebuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/bridge"
	"github.com/park285/mc-matrix-bridge/internal/config"
	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/matrix"
	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/mojang"
	"github.com/park285/mc-matrix-bridge/internal/msgcat"
	"github.com/park285/mc-matrix-bridge/internal/profile"
	"github.com/park285/mc-matrix-bridge/internal/retry"
)

type Deps struct {
	Store        binding.Store
	Profiles     *profile.Cache
	Matrix       *matrix.Client
	AppService   *matrix.AppService
	Orchestrator *bridge.Orchestrator
}

// New wires every component. The caller owns the returned Deps and must
// Close them.
func New(ctx context.Context, cfg config.Config, reg *config.Registration, logger *zap.Logger) (*Deps, error) {
	if reg == nil {
		return nil, errors.New("nil registration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	profiles := profile.NewCache(
		mojang.NewClient(cfg.Mojang.SessionURL, cfg.Mojang.APIURL, cfg.Mojang.Timeout),
		profile.WithTTL(cfg.Bridge.ProfileTTL),
		profile.WithLogger(logger),
	)
	chat, err := matrix.NewClient(cfg.Homeserver.URL, reg.ASToken, cfg.Homeserver.Domain, reg.SenderLocalpart, 15*time.Second, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dialer := &gamechat.Dialer{
		Port:             cfg.Relay.Port,
		Path:             cfg.Relay.Path,
		Token:            cfg.Relay.Token,
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
		DryRun:           cfg.Bridge.DryRun,
		Logger:           logger,
	}
	catalog, err := msgcat.New("")
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("message catalog: %w", err)
	}

	orch, err := bridge.New(bridge.Deps{
		Chat:     chat,
		Store:    store,
		Profiles: profiles,
		Prober:   mcping.NewProber(cfg.Bridge.ProbeTimeout),
		Dial:     bridge.GameChatDialer(dialer),
		Resolver: mcserver.NewAliasResolver(cfg.Bridge.AliasPrefix),
		Retry:    retry.NewQueue(),
		Catalog:  catalog,
		Logger:   logger,
	}, bridge.Options{
		Domain:          cfg.Homeserver.Domain,
		UserPrefix:      cfg.Bridge.UserPrefix,
		RetryInterval:   cfg.Bridge.RetryInterval,
		PlayerAvatarURL: cfg.Bridge.PlayerAvatarURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	as := matrix.NewAppService(reg.HSToken, chat.BotUserID(), orch, matrix.WithLogger(logger))
	if err := as.Validate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Deps{
		Store:        store,
		Profiles:     profiles,
		Matrix:       chat,
		AppService:   as,
		Orchestrator: orch,
	}, nil
}

// OpenStore opens the configured binding store backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (binding.Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch cfg.Backend {
	case "memory":
		return binding.NewMemoryStore(), nil
	case "redis":
		s, err := binding.OpenRedisStore(pingCtx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := binding.OpenSQLStore(pingCtx, binding.DialectPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := binding.OpenSQLStore(pingCtx, binding.DialectSQLite, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Close stops every live connection and closes the store.
func (d *Deps) Close(ctx context.Context) error {
	return errors.Join(d.Orchestrator.Close(ctx), d.Store.Close())
}
