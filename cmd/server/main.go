package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/chat"
	"github.com/glasskeep/glasskeep-api/internal/config"
	"github.com/glasskeep/glasskeep-api/internal/folder"
	"github.com/glasskeep/glasskeep-api/internal/httpapi"
	"github.com/glasskeep/glasskeep-api/internal/identity"
	"github.com/glasskeep/glasskeep-api/internal/note"
	"github.com/glasskeep/glasskeep-api/internal/presence"
	"github.com/glasskeep/glasskeep-api/internal/store"
	"github.com/glasskeep/glasskeep-api/internal/syncreplay"
	"github.com/glasskeep/glasskeep-api/internal/task"
	"github.com/glasskeep/glasskeep-api/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogging(cfg)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Services.
	tokens := token.New(st, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	users := identity.New(st, cfg.AdminUsername)
	az := authz.New(st)

	broker := presence.NewBroker(az)
	folders := folder.New(st)
	notes := note.New(st, az, broker)
	tasks := task.New(st, az, broker)
	chats := chat.New(st, az, broker)
	replay := syncreplay.New(st, notes, tasks, folders)

	// New accounts get their starter folders.
	users.OnUserCreated = folders.SeedDefaults

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := users.EnsureBootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatal().Err(err).Msg("bootstrap admin setup failed")
		}
	}

	oauth := map[string]identity.OAuthProvider{}
	if cfg.Google.ClientID != "" {
		oauth["google"] = identity.NewGoogleProvider(cfg.Google)
		log.Info().Msg("google oauth enabled")
	}
	if cfg.GitHub.ClientID != "" {
		oauth["github"] = identity.NewGitHubProvider(cfg.GitHub)
		log.Info().Msg("github oauth enabled")
	}

	srv := &httpapi.Server{
		Users:       users,
		Tokens:      tokens,
		Authz:       az,
		Notes:       notes,
		Tasks:       tasks,
		Folders:     folders,
		Chat:        chats,
		Replay:      replay,
		OAuth:       oauth,
		Gateway:     presence.NewGateway(broker, tokens, cfg.CORSOrigins),
		CORSOrigins: cfg.CORSOrigins,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	broker.Shutdown()

	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	switch cfg.LogLevel {
	case "silent":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	log.Logger = log.With().Str("service", "glasskeep-api").Logger()
	// simple and detailed render for humans; json stays machine-readable.
	if cfg.LogFormat != "json" {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		if cfg.LogFormat == "detailed" {
			console.TimeFormat = time.RFC3339
		}
		log.Logger = log.Output(console)
	}
}
