package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkraev/roomhop/internal/adapters/dialin"
	router "github.com/mkraev/roomhop/internal/adapters/http"
	"github.com/mkraev/roomhop/internal/adapters/local"
	"github.com/mkraev/roomhop/internal/app"
	"github.com/mkraev/roomhop/internal/config"
	"github.com/mkraev/roomhop/internal/core"
	"github.com/mkraev/roomhop/internal/domain"
	"github.com/mkraev/roomhop/internal/stt"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	platform := local.NewPlatform(local.Options{SampleRate: cfg.SampleRate}, log.Logger)
	defer platform.Close()

	rec := buildRecognizer(ctx, cfg)

	rooms := make([]*core.Room, 0, len(cfg.Rooms))
	for i, rc := range cfg.Rooms {
		meta := domain.NewRoom(domain.RoomID(i), domain.RoomName(rc.Name), rc.Audio)
		rooms = append(rooms, core.NewRoom(meta, platform, log.Logger))
	}

	// Rooms provision independently; a faulted room is logged and skipped
	// by routing, the rest of the engine keeps going.
	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room *core.Room) {
			defer wg.Done()
			if err := room.Provision(ctx); err != nil {
				log.Error().Err(err).Msg("room provisioning failed")
			}
		}(room)
	}
	wg.Wait()
	defer func() {
		for _, room := range rooms {
			room.Close()
		}
	}()

	registry, err := core.NewRoomRegistry(rooms, time.Now().UnixNano())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build room registry")
	}

	metrics := app.NewMetrics(prometheus.DefaultRegisterer)
	coordinator := app.NewCoordinator(ctx, registry, platform, rec, stt.StreamConfig{
		SampleRate:   cfg.SampleRate,
		LanguageCode: cfg.Language,
		Phrases:      core.GrammarPhrases,
	}, metrics, log.Logger)
	platform.HandleInbound(coordinator.OnInboundCall)

	dial := dialin.NewController(platform, cfg.SampleRate)
	r := router.SetupRouter(ctx, cfg, registry, coordinator, dial)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("rooms", len(rooms)).Msg("roomhop server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// buildRecognizer wires the configured speech backend. Recognition is not
// load-bearing: without it callers still reach a room, they just cannot
// navigate, so failures degrade to the noop recognizer instead of aborting.
func buildRecognizer(ctx context.Context, cfg *config.Config) stt.Recognizer {
	switch cfg.Recognizer {
	case "google":
		rec, err := stt.NewGoogle(ctx)
		if err != nil {
			log.Error().Err(err).Msg("speech recognizer unavailable, voice navigation disabled")
			return stt.Noop{}
		}
		return rec
	case "none":
		log.Info().Msg("voice navigation disabled by config")
		return stt.Noop{}
	default:
		log.Warn().Str("recognizer", cfg.Recognizer).Msg("unknown recognizer, voice navigation disabled")
		return stt.Noop{}
	}
}
