// Package app is the composition root: config, ledger backend, upstream
// client, admission gate, relay, and HTTP server.
package app

import (
	"context"
	"fmt"

	"modelgate/internal/gateway/admission"
	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/config"
	"modelgate/internal/gateway/handler"
	"modelgate/internal/gateway/relay"
	"modelgate/internal/gateway/repository/ledger"
	"modelgate/internal/gateway/server"
	"modelgate/internal/upstream"
)

type App struct {
	cfg    *config.Config
	store  ledger.Store
	client upstream.Client
	server *server.Server
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := initLedger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	client, err := initUpstream(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	resolver := auth.Resolver{
		Secret:              cfg.TokenSecret,
		AllowIdentifierOnly: cfg.AllowIdentifierOnly,
	}
	gate := admission.NewGate(resolver, store)
	rel := relay.New(client, gate, relay.Config{
		FirstByteTimeout: cfg.FirstByteTimeout,
		ChunkTimeout:     cfg.ChunkTimeout,
	})

	svc := handler.NewService(cfg, gate, rel, store)
	return &App{
		cfg:    cfg,
		store:  store,
		client: client,
		server: server.New(cfg.Port, server.NewMux(svc)),
	}, nil
}

func (a *App) Start() error { return a.server.Start() }

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	_ = a.client.Close()
	_ = a.store.Close()
	return err
}
