package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/auth"
	"github.com/meetline/callbridge/internal/billing"
	"github.com/meetline/callbridge/internal/callengine"
	lkengine "github.com/meetline/callbridge/internal/callengine/livekit"
	"github.com/meetline/callbridge/internal/config"
	"github.com/meetline/callbridge/internal/notify"
	"github.com/meetline/callbridge/internal/presence"
	"github.com/meetline/callbridge/internal/service/calls"
	"github.com/meetline/callbridge/internal/service/wallet"
	"github.com/meetline/callbridge/internal/store"
	"github.com/meetline/callbridge/internal/store/sqlite"
	transporthttp "github.com/meetline/callbridge/internal/transport/http"
)

// App wires the call, billing and transport layers together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	registry        *presence.Registry
	calls           *calls.Service
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWT.Secret),
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	}
	authService := auth.NewService(st, jwtConfig, cfg.Call.DefaultVoiceRate, cfg.Call.DefaultVideoRate)

	registry := presence.New(cfg.Call.HeartbeatTimeout, *logger)
	dispatcher := notify.New(registry, notify.NopPusher{}, *logger)
	billingEngine := billing.New(st, *logger)

	var mediaEngine callengine.Engine
	if cfg.LiveKit.Enabled {
		mediaEngine = lkengine.New(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.WSURL)
		logger.Info().Str("ws_url", cfg.LiveKit.WSURL).Msg("livekit media engine enabled")
	}

	callsService := calls.New(st, billingEngine, registry, dispatcher, mediaEngine, cfg.Call.RingTimeout, *logger)
	walletService := wallet.New(st, *logger)

	server := transporthttp.NewServer(transporthttp.Deps{
		Auth:     authService,
		Calls:    callsService,
		Wallet:   walletService,
		Registry: registry,
	}, *cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		registry:        registry,
		calls:           callsService,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.registry.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup stops pending ring timers and closes the store.
func (a *App) cleanup() {
	a.calls.Shutdown()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
