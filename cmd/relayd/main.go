package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/wavelength-app/relay/internal/config"
	"github.com/wavelength-app/relay/internal/frequency"
	"github.com/wavelength-app/relay/internal/relay"
	"github.com/wavelength-app/relay/internal/storage/sqlite"
)

func main() {
	cfg := config.LoadServerConfig()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate storage")
	}

	alloc := frequency.NewAllocator(store, log)
	registry := relay.NewRegistry(log)
	service := relay.NewService(store, alloc, registry, cfg.StoreTimeout, log)
	dispatcher := relay.NewDispatcher(service, cfg.AttachmentLimitBytes, log)
	server := relay.NewServer(&cfg, service, dispatcher, log)

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server shutdown")
	}
}
