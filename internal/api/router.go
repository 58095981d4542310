package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/logging"
)

// RouterOptions configures the HTTP engine.
type RouterOptions struct {
	CORSOrigins []string
	// MediaDir is served under /media. Empty disables the route.
	MediaDir string
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *Handler, opts RouterOptions, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(RequestID())
	engine.Use(logging.GinLogger(logger))
	engine.Use(logging.GinRecovery(logger, true))
	engine.Use(Metrics())
	engine.Use(SecurityHeaders(logger))
	if c := CORS(opts.CORSOrigins); c != nil {
		engine.Use(c)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.MediaDir != "" {
		engine.Static("/media", opts.MediaDir)
	}

	api := engine.Group("/api")
	{
		api.GET("/health", h.Health)

		api.GET("/messages", h.ListMessages)
		api.GET("/messages/latest-timestamp", h.LatestTimestamp)
		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations/:jid/email", h.EmailConversation)
		api.GET("/export/csv", h.ExportCSV)
		api.GET("/events", h.ListEvents)
		api.GET("/errors", h.ListErrors)

		api.GET("/whatsapp/status", h.WhatsAppStatus)
		api.POST("/whatsapp/reset", h.ResetSession)

		api.POST("/report/send", h.SendReport)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "not found"})
	})
	return engine
}
