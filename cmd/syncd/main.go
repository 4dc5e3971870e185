package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore/memstore"
	"github.com/studytogether/studysync/internal/syncd"
)

func main() {
	configPath := flag.String("config", "syncd.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, err := zerolog.ParseLevel(cfg.logLevel())
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.logLevel()).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The document tree is in-memory; the optional archiver is the only
	// durable sink and it observes commits instead of sitting on the
	// write path.
	var opts []memstore.Option
	var archiver *syncd.Archiver
	if dsn := cfg.archiveDSN(); dsn != "" {
		archiver, err = syncd.NewArchiver(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect session archive")
		}
		opts = append(opts, memstore.WithObserver(archiver.Observer()))
		go archiver.Run(ctx)
		log.Info().Msg("session archive enabled")
	}
	root := memstore.NewRoot(opts...)

	sync := syncd.New(root, clockwork.NewRealClock(), syncd.DefaultConnConfig())
	server := setupServer(sync, cfg.port())

	go func() {
		log.Info().Str("addr", server.Addr).Msg("sync server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sync.Shutdown()
	if archiver != nil {
		archiver.Close()
	}
	log.Info().Msg("sync server stopped")
}
