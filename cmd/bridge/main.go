package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/api"
	"github.com/mbenaiss/campus-chat/config"
	"github.com/mbenaiss/campus-chat/db"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/services"
	"github.com/mbenaiss/campus-chat/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx := context.Background()

	var archive db.DB
	if cfg.Archive {
		archive, err = db.NewDB(ctx, cfg.StoreDir)
		if err != nil {
			zl.Fatal("Failed to initialize archive", zap.Error(err))
		}
		defer archive.Close()
	}

	session, err := transport.NewSession(transport.Config{
		URL:               cfg.BrokerURL,
		HeartbeatOutgoing: cfg.HeartbeatInterval,
		HeartbeatIncoming: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            zl,
	})
	if err != nil {
		zl.Fatal("Failed to initialize broker session", zap.Error(err))
	}

	client, err := messagingapi.NewClient(messagingapi.ClientConfig{
		BaseURL: cfg.APIURL,
		Token:   cfg.APIToken,
		Logger:  zl,
	})
	if err != nil {
		zl.Fatal("Failed to initialize messaging API client", zap.Error(err))
	}

	uploadLimit, err := cfg.UploadLimit()
	if err != nil {
		zl.Fatal("Invalid upload limit", zap.Error(err))
	}

	service, err := services.NewService(services.Config{
		UserID:         cfg.UserID,
		Token:          cfg.APIToken,
		Transport:      session,
		API:            client,
		Archive:        archive,
		PageSize:       cfg.PageSize,
		TypingDebounce: cfg.TypingDebounce,
		MaxUploadSize:  uploadLimit,
		MaxRecording:   cfg.MaxRecording,
		Logger:         zl,
	})
	if err != nil {
		zl.Fatal("Failed to initialize chat service", zap.Error(err))
	}

	zl.Info("starting chat engine",
		zap.String("broker", cfg.BrokerURL),
		zap.String("api", cfg.APIURL),
		zap.String("user_id", cfg.UserID),
		zap.String("token", logger.Redact(cfg.APIToken)),
	)
	if err := service.Start(ctx); err != nil {
		zl.Fatal("Failed to start chat service", zap.Error(err))
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	apiServer := api.NewServer(service, api.ServerConfig{
		Port:           cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxUploadBytes: 2 * uploadLimit,
		Logger:         zl,
	})

	go func() {
		<-c
		zl.Info("shutting down...")

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := apiServer.Stop(ctx); err != nil {
			zl.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := service.Shutdown(ctx); err != nil {
			zl.Error("chat service shutdown error", zap.Error(err))
		}
		zl.Info("Server gracefully stopped")
	}()

	if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
		zl.Fatal("HTTP server error", zap.Error(err))
	}
}
