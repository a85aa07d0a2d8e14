package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Intellihackz/westland-marketplace/internal/handlers"
	"github.com/Intellihackz/westland-marketplace/internal/middleware"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

type Deps struct {
	Listings       *handlers.ListingHandler
	Payments       *handlers.PaymentHandler
	Withdrawals    *handlers.WithdrawalHandler
	Webhooks       *handlers.WebhookHandler
	Idempotency    middleware.IdempotencyStore
	IdempotencyTTL time.Duration
	Admins         map[string]struct{}
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "escrow-api"})
	})

	// Gateway callbacks authenticate by signature, not session.
	r.POST("/webhooks/gateway", d.Webhooks.HandleGatewayEvent)

	r.Use(middleware.SessionMiddleware(d.Admins))
	idempotent := middleware.IdempotencyMiddleware(d.Idempotency, d.IdempotencyTTL)

	listings := r.Group("/listings")
	{
		listings.GET("", d.Listings.ListListings)
		listings.GET("/:id", d.Listings.GetListing)
		listings.POST("", middleware.RequireActor(), d.Listings.CreateListing)
	}

	// The gateway redirects the buyer back here, so verify needs no session.
	r.GET("/payments/verify", d.Payments.VerifyPayment)
	r.POST("/payments/verify", d.Payments.VerifyPayment)

	payments := r.Group("/payments", middleware.RequireActor())
	{
		payments.POST("", idempotent, d.Payments.InitiatePayment)
		payments.GET("", d.Payments.ListPayments)
		payments.GET("/:id", d.Payments.GetPayment)
		payments.POST("/:id/release", d.Payments.ReleasePayment)
		payments.POST("/:id/refund", d.Payments.RefundPayment)
	}

	users := r.Group("/users/:id", middleware.RequireActor())
	{
		users.GET("/sales", d.Withdrawals.GetSales)
		users.GET("/withdrawals", d.Withdrawals.ListWithdrawals)
		users.POST("/withdrawals", idempotent, d.Withdrawals.RequestWithdrawal)
	}

	return r
}
