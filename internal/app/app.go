package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/core"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/memory"
	"github.com/vovakirdan/wirechat-rooms/internal/store/natskv"
	"github.com/vovakirdan/wirechat-rooms/internal/store/redis"
	"github.com/vovakirdan/wirechat-rooms/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-rooms/internal/transport/http"
)

// storeConnectTimeout bounds the initial connection to a networked substrate.
const storeConnectTimeout = 10 * time.Second

// App wires together store, core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	hub := core.NewHub(st, cfg.Room, nil, logger)
	server := transporthttp.NewServer(hub, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// OpenStore opens the substrate selected by cfg.Driver.
func OpenStore(cfg config.Store, logger *zerolog.Logger) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverMemory:
		logger.Info().Str("driver", cfg.Driver).Msg("store initialized")
		return memory.New(), nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.Driver).Str("db_path", cfg.SQLitePath).Msg("store initialized")
		return st, nil
	case config.DriverNATS:
		st, err := natskv.New(natskv.Config{URL: cfg.NATSURL, BucketPrefix: cfg.KeyPrefix}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.Driver).Str("url", cfg.NATSURL).Msg("store initialized")
		return st, nil
	case config.DriverRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()
		prefix := cfg.KeyPrefix
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		st, err := redis.New(ctx, redis.Config{Addr: cfg.RedisAddr, Prefix: prefix}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.Driver).Str("addr", cfg.RedisAddr).Msg("store initialized")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Run starts the hub and HTTP server and blocks until context cancellation or
// fatal error. On shutdown the server drains first, then the hub terminates
// open sessions, then the store is closed.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	stopHub()
	<-hubDone
	return err
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
