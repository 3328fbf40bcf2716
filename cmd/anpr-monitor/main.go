package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/capture"
	"anpr-monitor/internal/config"
	"anpr-monitor/internal/db"
	"anpr-monitor/internal/domain/anpr"
	httpapi "anpr-monitor/internal/http"
	"anpr-monitor/internal/logging"
	"anpr-monitor/internal/notify"
	"anpr-monitor/internal/recognition"
	"anpr-monitor/internal/repository"
	"anpr-monitor/internal/service"
	"anpr-monitor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ANPR_CONFIG"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.Log)
	log.Info().Str("config", *configPath).Int("channels", len(cfg.Channels)).Msg("starting anpr monitor")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("anpr monitor failed")
	}
	log.Info().Msg("anpr monitor stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	events := service.NewEventService(repository.NewEventRepository(gdb), log)

	hub := notify.NewHub(cfg.Notify.QueueSize, log.With().Str("component", "notify").Logger())
	board := notify.NewStatusBoard()
	broadcaster := notify.NewBroadcaster(log.With().Str("component", "websocket").Logger())
	preview := notify.NewPreview(cfg.Notify.PreviewInterval, cfg.Notify.PreviewQuality, log)
	hub.Subscribe(board)
	hub.Subscribe(broadcaster)
	hub.Subscribe(preview)

	if cfg.Notify.MQTT.Broker != "" {
		publisher, client, err := notify.NewMQTTPublisher(cfg.Notify.MQTT, log.With().Str("component", "mqtt").Logger())
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		hub.Subscribe(publisher)
	}

	hubDone := make(chan struct{})
	hubCtx, stopHub := context.WithCancel(context.Background())
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	inference := recognition.NewClient(cfg.Inference.Endpoint, cfg.Inference.Timeout, log)
	pool, err := worker.NewPool(worker.Dependencies{
		Capture: capture.NewOpener(log),
		NewTracker: func(ch anpr.ChannelConfig) (worker.Tracker, error) {
			return inference.Tracker(ch.Name), nil
		},
		NewRecognizer: func(ch anpr.ChannelConfig, settings anpr.WorkerSettings) (worker.Recognizer, error) {
			return recognition.NewEngine(settings, inference,
				recognition.WithLogger(log.With().Str("channel", ch.Name).Logger()),
			)
		},
		Store: events,
		Sink:  hub,
	}, worker.PoolConfig{
		StopTimeout: cfg.Workers.StopTimeout,
		Reconnect: worker.Reconnect{
			Attempts: cfg.Workers.ReconnectAttempts,
			Delay:    cfg.Workers.ReconnectDelay,
			MaxDelay: cfg.Workers.ReconnectMaxDelay,
		},
	}, log)
	if err != nil {
		return err
	}

	if cfg.Workers.Autostart && len(cfg.Channels) > 0 {
		if err := pool.Start(ctx, cfg.Channels, cfg.Settings()); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := httpapi.NewHandler(httpapi.Options{
		Events:  events,
		Pool:    pool,
		Board:   board,
		Hub:     hub,
		WS:      broadcaster,
		Preview: preview,
		Config:  cfg,
		RunCtx:  ctx,
	}, log)
	handler.Register(router, httpapi.AuthMiddleware(cfg.HTTP.JWTSecret, log))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	serveFailure := awaitShutdown(ctx, serveErr, log)

	if timedOut := pool.Stop(); len(timedOut) > 0 {
		log.Warn().Strs("channels", timedOut).Msg("channel workers abandoned on shutdown")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	stopHub()
	<-hubDone
	return serveFailure
}

// awaitShutdown blocks until a shutdown signal arrives or the HTTP server
// exits, and returns the server error if it failed.
func awaitShutdown(ctx context.Context, serveErr <-chan error, log zerolog.Logger) error {
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		return nil
	case err, ok := <-serveErr:
		if !ok || err == nil {
			log.Warn().Msg("http server exited")
			return errors.New("http server exited unexpectedly")
		}
		log.Error().Err(err).Msg("http server failed")
		return fmt.Errorf("http server: %w", err)
	}
}
