package http

import (
	"github.com/gin-gonic/gin"

	"github.com/layer-3/pingmark/ports"
	"github.com/layer-3/pingmark/service"
	"github.com/layer-3/pingmark/transport/ws"
)

// SetupRouter sets up the Gin router
func SetupRouter(sessions *service.SessionService, epochs *service.EpochService, tokenizer ports.Tokenizer) *gin.Engine {
	router := gin.Default()

	// Create handlers
	handlers := NewHandlers(sessions, epochs)
	socket := ws.NewHandler(sessions)

	// Session socket: challenges are issued and echoed over this connection
	router.GET("/session/:clientId", socket.Session)

	sessionAPI := router.Group("/sessions")
	{
		sessionAPI.GET("/:id", handlers.SessionStatus)
		sessionAPI.GET("/:id/stats", handlers.SessionStats)
	}

	epochAPI := router.Group("/epochs")
	{
		epochAPI.POST("/finalize", handlers.FinalizeEpoch)
		epochAPI.GET("/:epoch/root", handlers.EpochRoot)
		epochAPI.GET("/:epoch/bundle", handlers.EpochBundle)
	}

	// Receipt-protected API routes
	api := router.Group("/api")
	api.Use(ReceiptMiddleware(tokenizer))
	{
		api.GET("/receipt", handlers.Receipt)
	}

	return router
}
