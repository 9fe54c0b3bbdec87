package http

import (
	"context"
	"net"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// NewServer builds the HTTP server: the persistence REST API, the websocket
// event feed, health and metrics. Shutdown cancels the context of every
// request, which ends hijacked feed connections too.
func NewServer(st store.Store, feed EventBus, m *metrics.Metrics, cfg config.ServerConfig, logger *zerolog.Logger) *stdhttp.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(st, feed, m, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(st store.Store, feed EventBus, m *metrics.Metrics, cfg config.ServerConfig, logger *zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger, m))

	router.GET("/health", healthHandler)
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	jwtCfg := JWTConfig(cfg)
	router.GET("/ws", gin.WrapH(NewWSHandler(feed, jwtCfg, cfg.WSRateLimit, cfg.WSRateBurst, logger, m)))

	messages := NewMessageHandlers(st, logger)
	api := router.Group("/api", UserMiddleware(jwtCfg, logger))
	api.GET("/channels/:key/messages", messages.ListMessages)
	api.POST("/channels/:key/messages", messages.PostMessage)
	api.PATCH("/messages/:id", messages.UpdateMessage)

	return router
}

// JWTConfig returns the token settings of cfg, or nil when no secret is set.
func JWTConfig(cfg config.ServerConfig) *auth.Config {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &auth.Config{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.TokenTTL,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
