// meshconf-peer is a headless conference participant: it joins (or creates) a
// room, negotiates a transport with every other participant, and reports
// peers coming and going. Useful for soaking a deployment and as a reference
// client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/peer"
	"github.com/meshconf/meshconf/internal/sigclient"
)

func main() {
	fs := flag.NewFlagSet("meshconf-peer", flag.ContinueOnError)
	serverURL := fs.String("server", "http://127.0.0.1:8080", "signaling server base URL")
	roomID := fs.String("room", "", "room to join; empty creates a new room")
	userName := fs.String("name", "", "display name")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *serverURL, *roomID, *userName); err != nil && ctx.Err() == nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, serverURL, roomID, userName string) error {
	if roomID == "" {
		created, err := sigclient.CreateRoom(ctx, serverURL)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomID = created.RoomID
		logger.Info("created room", "room_id", roomID, "url", created.URL)
	}

	client, err := sigclient.Dial(ctx, serverURL, logger)
	if err != nil {
		return err
	}

	api, err := peer.NewAPI(logger)
	if err != nil {
		return err
	}

	orch, err := peer.NewOrchestrator(peer.OrchestratorConfig{
		Client:             client,
		API:                api,
		ICEServers:         cfg.ICEServers,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
		OnPeerConnected: func(remoteID, remoteName string) {
			logger.Info("peer connected", "remote_id", remoteID, "remote_name", remoteName)
		},
		OnPeerGone: func(remoteID string) {
			logger.Info("peer gone", "remote_id", remoteID)
		},
	})
	if err != nil {
		return err
	}
	defer orch.Leave()

	return orch.Join(ctx, roomID, userName)
}
