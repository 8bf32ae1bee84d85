package server

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/internal/swap"
	"github.com/ksred/klear-swap/internal/venue"
)

type routeHandlers struct {
	auth    *auth.GinHandlers
	swap    *swap.GinHandlers
	jwt     gin.HandlerFunc
	stream  gin.HandlerFunc
	metrics gin.HandlerFunc
	health  gin.HandlerFunc
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
//   - Auth routes: public, exchange API credentials for a JWT
//   - Order routes: protected by JWT authentication
//   - Stream: WebSocket upgrade, authenticated per message with the order token
func setupRoutes(router *gin.Engine, h routeHandlers) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", h.auth.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(h.jwt)
		{
			orders.POST("", h.swap.CreateOrderHandler())
			orders.GET("/:order_id", h.swap.GetOrderStatusHandler())
		}
	}

	router.GET("/ws", h.stream)
	router.GET("/metrics", h.metrics)
	router.GET("/healthz", h.health)
}

// newVenues builds the mock venues named in ids, in priority order.
func newVenues(ids []string) ([]venue.Venue, error) {
	venues := make([]venue.Venue, 0, len(ids))
	for _, id := range ids {
		v, err := venue.NewMockVenue(id)
		if err != nil {
			return nil, fmt.Errorf("configure venue: %w", err)
		}
		venues = append(venues, v)
	}
	return venues, nil
}

// newSigner builds the service wallet signer from a hex seed.
func newSigner(seed string) (venue.Signer, error) {
	s, err := venue.NewKeypairSigner(seed)
	if err != nil {
		return nil, fmt.Errorf("configure signer: %w", err)
	}
	return s, nil
}
