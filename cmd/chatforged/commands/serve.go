package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatforge/internal/config"
	"chatforge/internal/dmroom"
	"chatforge/internal/handshake"
	"chatforge/internal/httpapi"
	"chatforge/internal/identityprovider"
	"chatforge/internal/room"
	"chatforge/internal/session"
	"chatforge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dms := dmroom.NewManager(st, cfg.Room.HistoryLimit, cfg.Room.PersistEveryN)

	roomCfg := room.Config{
		HistoryLimit:                  cfg.Room.HistoryLimit,
		PersistEveryN:                 cfg.Room.PersistEveryN,
		MessageRateWindowMs:           cfg.Room.MessageRateWindowMs,
		MessageRateMaxCount:           cfg.Room.MessageRateMaxCount,
		MaxConnectionsPerUser:         cfg.Room.MaxConnectionsPerUser,
		MaxConnectionsPerRoom:         cfg.Room.MaxConnectionsPerRoom,
		MaxConsecutiveInvalidPayloads: cfg.Room.MaxConsecutiveInvalidPayloads,
		MaxInboundMessageBytes:        cfg.Room.MaxInboundMessageBytes,
		OperatorDenyAccountIDs:        config.AccountIDSet(cfg.Room.DenyAccountIDs),
		MaxTrackedRateLimitKeys:       config.MaxTrackedRateLimitKeys,
	}
	r, err := room.New(st, dms, roomCfg)
	if err != nil {
		return fmt.Errorf("construct room: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go r.Run(ctx)

	issuer, err := session.NewIssuer(session.Config{Secret: []byte(cfg.Session.Secret)})
	if err != nil {
		return fmt.Errorf("construct session issuer: %w", err)
	}

	handshakeCfg := handshake.Config{
		ConnectRateWindowMs: cfg.Handshake.ConnectRateWindowMs,
		ConnectRateMaxCount: cfg.Handshake.ConnectRateMaxCount,
		MaxTrackedKeys:      config.MaxTrackedRateLimitKeys,
	}
	pipeline := handshake.NewPipeline(handshakeCfg, issuer, r)
	hsServer := handshake.NewServer(pipeline, r, handshake.DefaultHeartbeatConfig())

	httpCfg := httpapi.DefaultConfig()
	httpCfg.ModeratorAccountIDs = config.AccountIDSet(cfg.HTTPAPI.ModeratorAccountIDs)

	idp := identityprovider.NewHTTPProvider()
	api := httpapi.New(httpCfg, idp, issuer, r, hsServer)

	slog.Info("chatforged starting", "addr", cfg.ListenAddr, "database", cfg.Database.Path)
	if err := api.Run(ctx, cfg.ListenAddr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("chatforged stopped")
	return nil
}
