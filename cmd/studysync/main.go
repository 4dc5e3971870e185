// Command studysync is the terminal client: it dials the sync server,
// aligns the shared clock, creates or joins a room and drives one session
// from stdin commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore/wsclient"
	"github.com/studytogether/studysync/internal/room"
	"github.com/studytogether/studysync/internal/session"
	"github.com/studytogether/studysync/internal/voice"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	serverURL := flag.String("server", getEnv("STUDYSYNC_SERVER", "ws://localhost:8080/sync"), "sync server URL")
	natsURL := flag.String("nats", getEnv("STUDYSYNC_NATS", ""), "NATS URL for voice signaling (empty disables voice)")
	name := flag.String("name", getEnv("STUDYSYNC_NAME", ""), "nickname")
	create := flag.Bool("create", false, "create a new room")
	join := flag.String("join", "", "room code or invite link to join")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if *create == (*join != "") {
		fmt.Fprintln(os.Stderr, "pass exactly one of -create or -join CODE")
		os.Exit(2)
	}
	identity := getEnv("STUDYSYNC_IDENTITY", getEnv("USER", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := wsclient.Dial(ctx, *serverURL)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverURL).Msg("could not reach sync server")
	}
	defer store.Close()

	clk := clock.New(clockwork.NewRealClock())
	offset, err := store.EstimateOffset(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("could not estimate server clock offset")
	}
	clk.SetOffset(offset)

	var bus voice.Caller
	if *natsURL != "" {
		b, err := voice.Connect(*natsURL)
		if err != nil {
			log.Warn().Err(err).Msg("voice signaling unavailable")
		} else {
			defer b.Close()
			bus = b
		}
	}

	sess, err := session.New(store, clk, bus, session.DefaultConfig(), identity, *name)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start a session")
	}

	var code string
	if *create {
		code, err = sess.CreateRoom(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create a room")
		}
	} else {
		code, err = sess.JoinRoom(ctx, *join)
		if err != nil {
			log.Fatal().Err(err).Msg("could not join the room")
		}
	}
	if err := sess.Enter(ctx, code); err != nil {
		log.Fatal().Err(err).Str("room", code).Msg("could not enter the room")
	}

	if invite, err := room.InviteURL(getEnv("STUDYSYNC_INVITE_BASE", "https://studysync.app"), code); err == nil {
		fmt.Printf("room %s, share this invite: %s\n", code, invite)
	}

	go sess.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runUI(ctx, sess, sigChan)
}
