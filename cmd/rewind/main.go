package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/auth"
	"github.com/gosuda/rewind/internal/config"
	"github.com/gosuda/rewind/internal/domain"
	"github.com/gosuda/rewind/internal/notify"
	"github.com/gosuda/rewind/internal/prefs"
	"github.com/gosuda/rewind/internal/protocol"
	"github.com/gosuda/rewind/internal/server"
	"github.com/gosuda/rewind/internal/session"
	"github.com/gosuda/rewind/internal/store/postgres"
	redisstore "github.com/gosuda/rewind/internal/store/redis"
	"github.com/gosuda/rewind/internal/supplemental"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("REWIND_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("REWIND_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// "rewind token <user-id>" prints a viewer token for local testing.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		return issueToken(cfg, os.Args[2:])
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis.
	pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	// Viewer preferences.
	preferences, err := prefs.LoadFile(cfg.Preferences.Path)
	if err != nil {
		return err
	}

	// Supplemental links come from a TOML table when one is configured.
	var links supplemental.Lookup = store.SupplementalLinks()
	if cfg.Supplemental.Path != "" {
		table, tableErr := supplemental.LoadTable(cfg.Supplemental.Path)
		if tableErr != nil {
			return tableErr
		}
		links = table
		log.Info().Str("path", cfg.Supplemental.Path).Int("recordings", len(table)).Msg("supplemental link table loaded")
	}

	// Every run gets its own backend connection.
	var header http.Header
	if cfg.Replay.APIKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.Replay.APIKey}}
	}
	dial := func(string) session.Transport {
		return protocol.NewClient(cfg.Replay.DispatchURL, header)
	}

	publisher := notify.New(pubsub)
	sinks := func(ctx context.Context, view domain.ViewKey) session.Sinks {
		return publisher.ForView(ctx, view)
	}

	opts := []session.Option{
		session.WithFlushDelay(cfg.Replay.FlushDelay),
		session.WithHandshakeTimeout(cfg.Replay.HandshakeTimeout),
	}
	if cfg.Replay.BypassAccessCheck {
		opts = append(opts, session.WithAccessCheckBypass())
	}

	orchestrator := session.NewOrchestrator(
		store.Users(),
		store.Recordings(),
		links,
		preferences,
		prefs.NewRestartLatch(),
		dial,
		sinks,
		opts...,
	)
	defer orchestrator.Shutdown()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, pubsub, orchestrator, map[string]server.Pinger{
		"postgres": store,
		"redis":    pubsub,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("dispatch", cfg.Replay.DispatchURL).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rewind token <user-id>")
	}
	userID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("token: parse user id: %w", err)
	}
	token, err := auth.IssueViewerToken(cfg.JWT.Secret, userID, cfg.JWT.TokenTTL)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println(token) //nolint:forbidigo // CLI output
	return nil
}
