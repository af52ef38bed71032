package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/services"
)

// ServerConfig configures the bridge API
type ServerConfig struct {
	Port string
	// RateLimitRPS and RateLimitBurst bound requests per client address
	RateLimitRPS   float64
	RateLimitBurst int
	// MaxUploadBytes caps multipart bodies; the attachment pipeline applies
	// the real size rule
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server represents the API handler
type Server struct {
	service services.Service
	router  *gin.Engine
	server  *http.Server
	limiter *limiterPool
	logger  *zap.Logger

	maxUploadBytes int64
}

// NewServer creates a new API server
func NewServer(service services.Service, cfg ServerConfig) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		service:        service,
		router:         router,
		limiter:        newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:         logger.OrNop(cfg.Logger).Named("api"),
		maxUploadBytes: cfg.MaxUploadBytes,
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 32 << 20
	}
	s.registerRoutes(router)
	return s
}

// Response represents a generic API response
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", s.logRequests, s.rateLimit)
	{
		api.GET("/status", s.handleStatus)

		api.GET("/conversations", s.handleGetConversations)
		api.POST("/conversations", s.handleCreateConversation)
		api.GET("/conversations/:id", s.handleGetConversation)
		api.POST("/conversations/:id/open", s.handleOpen)
		api.POST("/conversations/:id/close", s.handleClose)
		api.POST("/conversations/:id/resync", s.handleResync)
		api.GET("/conversations/:id/messages", s.handleGetMessages)
		api.POST("/conversations/:id/messages", s.handleSendMessage)
		api.POST("/conversations/:id/older", s.handleLoadOlder)
		api.POST("/conversations/:id/read", s.handleMarkRead)
		api.GET("/conversations/:id/typing", s.handleGetTyping)
		api.POST("/conversations/:id/typing", s.handleTyping)
		api.GET("/conversations/:id/attachments", s.handleGetCompose)
		api.POST("/conversations/:id/attachments", s.handleSendAttachment)

		voice := api.Group("/conversations/:id/voice")
		voice.POST("/start", s.handleVoiceStart)
		voice.POST("/chunk", s.handleVoiceChunk)
		voice.POST("/stop", s.handleVoiceStop)
		voice.POST("/cancel", s.handleVoiceCancel)
		voice.POST("/send", s.handleVoiceSend)

		api.POST("/messages/:id/reactions", s.handleToggleReaction)
		api.GET("/messages/:id/display", s.handleDisplay)
		api.DELETE("/messages/:id/display", s.handleReleaseDisplay)
		api.GET("/blobs/:id", s.handleBlob)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("bridge API listening", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
	)
}
