// Package httpapi exposes the chat service over HTTP: JSON endpoints for
// conversations and an event stream for streaming sends.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"supportchat/internal/chat"
)

type Options struct {
	Service     *chat.Service
	Logger      zerolog.Logger
	AllowOrigin string
	JWTSecret   string
	HealthPath  string
	MetricsPath string
	// Ready is polled by the health endpoint; nil means always ready.
	Ready     func(ctx context.Context) error
	KeepAlive time.Duration
}

type handler struct {
	svc         *chat.Service
	logger      zerolog.Logger
	allowOrigin string
	keepAlive   time.Duration
}

func NewRouter(opts Options) *gin.Engine {
	if opts.HealthPath == "" {
		opts.HealthPath = "/healthz"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logging(opts.Logger), CORS(opts.AllowOrigin))

	r.GET(opts.HealthPath, func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(opts.MetricsPath, gin.WrapH(promhttp.Handler()))

	h := &handler{
		svc:         opts.Service,
		logger:      opts.Logger,
		allowOrigin: opts.AllowOrigin,
		keepAlive:   opts.KeepAlive,
	}

	v1 := r.Group("/v1", Auth(opts.JWTSecret, opts.Logger))
	v1.POST("/chat/stream", h.streamChat)
	v1.POST("/chat", h.sendChat)
	v1.GET("/models", h.listModels)

	conv := v1.Group("/conversations")
	conv.GET("", h.listConversations)
	conv.POST("", h.createConversation)
	conv.GET("/:id", h.getConversation)
	conv.PATCH("/:id", h.renameConversation)
	conv.DELETE("/:id", h.deleteConversation)
	conv.DELETE("/:id/messages", h.clearConversation)

	return r
}
