package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/estimate", handler.Estimate)
		api.POST("/estimate/point", handler.EstimatePoint)
		api.POST("/estimate/batch", handler.EstimateBatch)
		api.GET("/batches/:id", handler.GetBatch)
		api.GET("/comparables", handler.GetComparables)
		api.GET("/zones/:commune/:type", handler.GetZoneStats)
		api.GET("/history/:commune/:type", handler.GetPriceHistory)
		api.GET("/health", handler.Health)
	}
}
