package main

import (
	"context"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/chat"
	"github.com/Tyrowin/presencechat/internal/config"
	"github.com/Tyrowin/presencechat/internal/presence"
	"github.com/Tyrowin/presencechat/internal/server"
	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/Tyrowin/presencechat/web"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration rejected")
	}

	ctx := context.Background()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	messageStore, err := store.Open(openCtx, store.Options{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		SQLitePath:  cfg.Store.SQLitePath,
		RedisURL:    cfg.Store.RedisURL,
		Retain:      cfg.Store.Retain,
	})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("message store unavailable")
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("message store ready")

	appender := store.NewAsyncAppender(messageStore, logger, cfg.Store.QueueSize, cfg.Store.Timeout)
	appender.Start()

	registry := presence.NewRegistry()
	hub := server.NewHub(logger)
	coordinator := chat.NewCoordinator(registry, hub, messageStore, appender, logger, chat.Options{
		HistoryLimit: cfg.HistoryLimit,
		StoreTimeout: cfg.Store.Timeout,
	})

	handlers := server.NewHandlers(server.Deps{
		Config:     cfg,
		Hub:        hub,
		Dispatcher: coordinator,
		Registry:   registry,
		Store:      messageStore,
		Logger:     logger,
	})
	router := server.NewRouter(handlers, web.Static(), logger)
	httpServer := server.CreateServer(cfg.Port, router)

	go hub.Run()

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Steps run in order inside one operation: stop accepting requests,
	// close WebSockets, drain pending writes, then close the store.
	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				if err := server.ShutdownServer(ctx, httpServer, logger); err != nil {
					logger.Error().Err(err).Msg("http shutdown incomplete")
				}
				if err := hub.Shutdown(remaining(ctx)); err != nil {
					logger.Error().Err(err).Msg("hub shutdown incomplete")
				}
				if err := appender.Close(ctx); err != nil {
					logger.Error().Err(err).Msg("persist queue not fully drained")
				}
				return messageStore.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("server stopped")
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

// remaining converts a context deadline into a timeout for APIs that take
// a duration.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 10 * time.Second
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}
