package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"location-share-client/internal/config"
	"location-share-client/internal/device"
	"location-share-client/internal/handlers"
	"location-share-client/internal/middleware"
	"location-share-client/internal/repository"
	"location-share-client/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	path := os.Getenv("LOCSHARE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	userID, err := services.UserIDFromToken(cfg.Auth.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read user from token")
	}
	log.Info().Str("user_id", userID).Str("conversation_id", cfg.Session.ConversationID).Msg("Starting location sharing client")

	// Initialize collaborators
	sessionRepo := repository.NewSessionRepository(cfg.API.BaseURL, cfg.Auth.Token, cfg.API.Timeout)
	wsHub := services.NewWSHub(cfg.WebSocket.URL, cfg.Auth.Token)
	provider := device.NewProvider(cfg.Device.Latitude, cfg.Device.Longitude, cfg.Device.Granted())
	sampler := services.NewPositionSampler(provider, services.SamplerConfig{
		ForegroundInterval: cfg.Sampling.ForegroundInterval,
		BackgroundInterval: cfg.Sampling.BackgroundInterval,
		MinDistance:        cfg.Sampling.MinDistanceMeters,
		Accuracy:           services.Accuracy(cfg.Sampling.Accuracy),
	})
	uiStream := handlers.NewUIStream()

	controller := services.NewSessionController(services.ControllerDeps{
		ConversationID: cfg.Session.ConversationID,
		UserID:         userID,
		API:            sessionRepo,
		Store:          services.NewSnapshotStore(),
		Sampler:        sampler,
		Events:         wsHub,
		Sink:           wsHub,
		Notifier:       uiStream,
		ThrottleWindow: cfg.Throttle.Window,
	})
	unsubscribeView := controller.SubscribeView(uiStream.PublishView)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The event channel is owned by the process, not by the controller
	if err := wsHub.Connect(ctx, userID); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to event channel")
	}

	if err := controller.Open(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to load initial session state")
	}

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(controller)
	wsHandler := handlers.NewWebSocketHandler(uiStream, controller)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(userID, cfg.Auth.Token))
		r.Route("/api/v1/location-sharing", func(r chi.Router) {
			r.Get("/", sessionHandler.GetState)
			r.Post("/start", sessionHandler.Start)
			r.Post("/stop", sessionHandler.Stop)
			r.Post("/lifecycle", sessionHandler.Lifecycle)
		})
		r.Get("/ws", wsHandler.HandleWebSocket)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start UI bridge in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting UI bridge")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("UI bridge failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("UI bridge forced to shutdown")
	}

	// Cancel the sampler and throttle timers before dropping the event channel
	unsubscribeView()
	controller.Close()
	wsHub.Disconnect()

	log.Info().Msg("Client exited")
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
