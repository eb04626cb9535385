package handlers

import (
	"os"

	"github.com/sentryline/callmesh/internal/auth"
	"github.com/sentryline/callmesh/internal/config"

	"github.com/gin-gonic/gin"
)

// Router wires the API surface. The unauthenticated routes are exactly the
// guest join page's needs: status probe, join-guest, leave-guest.
func Router(h *Handlers, cfg *config.Config, middleware ...gin.HandlerFunc) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg))
	router.Use(middleware...)

	api := router.Group("/api")
	{
		api.GET("/turn-config", h.GetTURNConfig)
		api.GET("/vapid-public-key", h.GetVAPIDPublicKey)

		api.GET("/calls/:call_id/public", h.GetCallPublic)
		api.GET("/calls/code/:code/public", h.GetCallByCode)
		api.POST("/calls/:call_id/join-guest", h.JoinGuest)
		api.POST("/calls/:call_id/leave-guest", h.LeaveGuest)

		api.GET("/ws", h.HandleRelay)

		authed := api.Group("")
		authed.Use(auth.Middleware(cfg.JWTSecret))
		{
			authed.POST("/calls", h.CreateCall)
			authed.GET("/calls", h.ListCalls)
			authed.POST("/calls/:call_id/join", h.JoinCall)
			authed.POST("/calls/:call_id/end", h.EndCall)
			authed.POST("/push/subscribe", h.SubscribePush)
			authed.POST("/push/unsubscribe", h.UnsubscribePush)
		}
	}

	return router
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
