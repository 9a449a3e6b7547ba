package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
)

// SetupRoutes configures the runtime API routes. The health endpoints stay
// outside the auth boundary; everything else requires a verified identity.
func SetupRoutes(router *gin.Engine, handler *Handler, verifier *auth.Verifier, log *logger.Logger) {
	router.GET("/ok", handler.OK)
	router.GET("/info", handler.Info)

	api := router.Group("", auth.Middleware(verifier, log))

	// Assistant routes
	assistants := api.Group("/assistants")
	{
		assistants.POST("", handler.CreateAssistant)
		assistants.POST("/search", handler.SearchAssistants)
		assistants.GET("/:assistantID", handler.GetAssistant)
		assistants.PATCH("/:assistantID", handler.PatchAssistant)
		assistants.DELETE("/:assistantID", handler.DeleteAssistant)
	}

	// Thread routes, including the thread-scoped run lifecycle
	threads := api.Group("/threads")
	{
		threads.POST("", handler.CreateThread)
		threads.POST("/search", handler.SearchThreads)
		threads.GET("/:threadID", handler.GetThread)
		threads.PATCH("/:threadID", handler.PatchThread)
		threads.DELETE("/:threadID", handler.DeleteThread)
		threads.GET("/:threadID/state", handler.ThreadState)
		threads.GET("/:threadID/history", handler.ThreadHistory)

		threads.POST("/:threadID/runs", handler.CreateRun)
		threads.GET("/:threadID/runs", handler.ListRuns)
		threads.POST("/:threadID/runs/stream", handler.StreamRun)
		threads.POST("/:threadID/runs/wait", handler.WaitRun)
		threads.GET("/:threadID/runs/:runID", handler.GetRun)
		threads.DELETE("/:threadID/runs/:runID", handler.DeleteRun)
		threads.GET("/:threadID/runs/:runID/stream", handler.JoinRunStream)
		threads.POST("/:threadID/runs/:runID/cancel", handler.CancelRun)
	}

	// Stateless run routes and crons
	runs := api.Group("/runs")
	{
		runs.POST("", handler.CreateRunStateless)
		runs.POST("/stream", handler.StreamRunStateless)
		runs.POST("/wait", handler.WaitRunStateless)

		runs.POST("/crons", handler.CreateCron)
		runs.GET("/crons", handler.ListCrons)
		runs.GET("/crons/:cronID", handler.GetCron)
		runs.DELETE("/crons/:cronID", handler.DeleteCron)
	}

	// Store routes
	store := api.Group("/store")
	{
		store.PUT("/items", handler.PutItem)
		store.GET("/items", handler.GetItem)
		store.DELETE("/items", handler.DeleteItem)
		store.POST("/items/search", handler.SearchItems)
	}
}
