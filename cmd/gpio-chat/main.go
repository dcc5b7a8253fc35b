package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/pi-gpio-chat/db"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/api"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/commandclient"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/config"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/coordinator"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/datadog"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/logging"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/notifications"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/openai"
	"github.com/thatsimonsguy/pi-gpio-chat/system/shutdown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load(config.Flags("gpio-chat"), os.Args[1:])
	logging.Init(cfg.LogLevel, cfg.Log.File)
	datadog.InitMetrics(cfg.Datadog)

	log.Info().
		Int("port", cfg.Server.Port).
		Bool("gpio_enabled", cfg.GPIO.Enabled).
		Str("gpio_driver", cfg.GPIO.Driver).
		Str("db", cfg.DB.Path).
		Msg("Starting gpio-chat")

	if cfg.Chat.APIKey == "" {
		log.Warn().Msg("No OpenAI API key configured, chat requests will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var seq shutdown.Sequence
	notifier := notifications.New(cfg.Notifications.BaseURL, cfg.Notifications.NtfyTopic)

	var journal coordinator.Journal
	var closeJournal func(context.Context) error
	if cfg.DB.Path != "" {
		database, err := db.Open(cfg.DB.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DB.Path).Msg("Failed to open journal")
		}
		journal = &db.Journal{DB: database}
		closeJournal = func(context.Context) error { return database.Close() }
	}

	var bridge coordinator.Bridge
	var client *commandclient.Client
	if cfg.GPIO.Enabled {
		client = commandclient.New(
			&commandclient.ExecLauncher{Command: cfg.GPIO.ServerCommand, Args: cfg.ServerArgs()},
			commandclient.Options{
				RequestTimeout: cfg.GPIO.RequestTimeout,
				StartTimeout:   cfg.GPIO.StartTimeout,
				ShutdownGrace:  cfg.GPIO.ShutdownGrace,
				MaxRestarts:    cfg.GPIO.MaxRestarts,
				OnCrash: func(err error) {
					if ctx.Err() != nil {
						log.Info().Err(err).Msg("GPIO server exited during shutdown")
						return
					}
					msg := "GPIO server exited unexpectedly"
					if err != nil {
						msg += ": " + err.Error()
					}
					notifier.Alert("gpio-chat: GPIO server crashed", msg)
				},
			},
		)
		bridge = client

		sctx, cancel := context.WithTimeout(ctx, cfg.GPIO.StartTimeout)
		if err := client.EnsureStarted(sctx); err != nil {
			log.Warn().Err(err).Msg("GPIO unavailable, continuing with chat only")
		}
		cancel()
	} else {
		log.Info().Msg("GPIO disabled by config")
	}

	coord := coordinator.New(openai.New(cfg.Chat), bridge, journal, coordinator.Options{
		ValidPins:                 cfg.GPIO.ValidPins,
		TrustUnpromptedDirectives: cfg.Chat.TrustUnpromptedDirectives,
	})
	srv := api.NewServer(coord).HTTPServer(cfg.Server.Port)

	seq.Add("http server", srv.Shutdown)
	if client != nil {
		seq.Add("gpio server", client.Shutdown)
	}
	if closeJournal != nil {
		seq.Add("journal", closeJournal)
	}
	seq.Add("metrics", func(context.Context) error {
		datadog.Close()
		return nil
	})

	serveErr := make(chan error, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", srv.Addr).Msg("Starting REST API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case err := <-serveErr:
			return seq.ShutdownWithError(sctx, err, "REST API server failed")
		default:
			log.Info().Msg("Shutting down gpio-chat")
			return seq.Run(sctx)
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gpio-chat stopped with errors")
		os.Exit(1)
	}
	log.Info().Msg("gpio-chat stopped")
}
