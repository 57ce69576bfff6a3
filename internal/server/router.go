package server

import (
	"auction-engine/internal/metrics"
	handler "auction-engine/services/bidding/handler"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures all Gin routes for the application
func SetupRouter(biddingService handler.BiddingServiceInterface, m *metrics.Metrics) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging
	router.Use(MetricsMiddleware(m))

	biddingHandler := handler.NewBiddingHandler(biddingService)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	products := router.Group("/products")
	{
		products.POST("", biddingHandler.CreateAuctionHandler)
		products.GET("/:product_id", biddingHandler.GetProductHandler)
		products.POST("/:product_id/bids", biddingHandler.PlaceBidHandler)
		products.GET("/:product_id/bids", biddingHandler.GetBidsByProductHandler)
		products.GET("/:product_id/winning", biddingHandler.GetWinningBidHandler)
		products.POST("/:product_id/autobids", biddingHandler.CreateAutoBidHandler)
		products.GET("/:product_id/autobids/me", biddingHandler.GetMyAutoBidHandler)
		products.POST("/:product_id/kick", biddingHandler.KickBidderHandler)
	}

	autoBids := router.Group("/autobids")
	{
		autoBids.PUT("/:autobid_id", biddingHandler.UpdateAutoBidHandler)
		autoBids.DELETE("/:autobid_id", biddingHandler.DeleteAutoBidHandler)
	}

	users := router.Group("/users")
	{
		users.GET("/:user_id/products", biddingHandler.GetProductsByUserHandler)
	}

	return router
}
