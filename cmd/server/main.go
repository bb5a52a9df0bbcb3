package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sapa-server/internal/auth"
	"sapa-server/internal/config"
	"sapa-server/internal/directory"
	"sapa-server/internal/hub"
	"sapa-server/internal/kv"
	"sapa-server/internal/presence"
	"sapa-server/internal/relay"
	"sapa-server/internal/server"
	"sapa-server/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	tokenCfg := auth.TokenConfig{
		Secret:        cfg.MasterSecret,
		PrimaryExpiry: cfg.TokenExpiry,
		SocketExpiry:  cfg.SocketTokenExpiry,
		Issuer:        "sapa-server",
	}

	registry := hub.New()
	st := store.New()
	presenceSvc := presence.NewService(kv.NewMemory(), cfg.PresenceTTL, logger)

	dir := directory.NewStatic()
	if cfg.ProfilesFile != "" {
		if err := dir.LoadFile(cfg.ProfilesFile); err != nil {
			logger.Warn("profiles file load failed", "path", cfg.ProfilesFile, "err", err)
		}
	}

	var presenceRelay *relay.NATS
	if cfg.NATSURL != "" {
		presenceRelay, err = relay.Connect(cfg.NATSURL, uuid.NewString(), logger)
		if err != nil {
			log.Fatal(err)
		}
		defer presenceRelay.Close()
	}

	deps := server.Deps{
		Hub:         registry,
		Presence:    presenceSvc,
		Store:       st,
		Directory:   dir,
		TokenConfig: tokenCfg,
		Config:      cfg,
		Log:         logger,
	}
	if presenceRelay != nil {
		deps.Relay = presenceRelay
	}

	router, rt := server.NewRouter(deps)
	presenceSvc.SetBroadcaster(rt)
	if presenceRelay != nil {
		if err := presenceRelay.Subscribe(rt); err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go presenceSvc.RunSweeper(ctx, cfg.SweepInterval)

	logger.Info("listening", "addr", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
