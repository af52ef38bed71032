package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/config"
	"github.com/mbenaiss/campus-chat/db"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/mcp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// zap writes to stderr; stdout carries the MCP protocol
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	archive, err := db.NewDB(context.Background(), cfg.StoreDir)
	if err != nil {
		zl.Fatal("Failed to open archive", zap.Error(err))
	}
	defer archive.Close()

	tools := mcp.NewTools(archive, cfg.BridgeURL, zl)
	mcpServer := mcp.NewMCPServer("Campus Chat MCP API", "1.0.0", tools)
	if err := mcp.StartMCPServer(mcpServer); err != nil {
		zl.Fatal("Failed to start MCP server", zap.Error(err))
	}
}
