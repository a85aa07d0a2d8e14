package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/middleware"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

type PaymentService interface {
	Initiate(ctx context.Context, listingID string, buyer models.Actor) (*models.InitiateResult, error)
	Verify(ctx context.Context, reference string) (*models.Payment, error)
	Release(ctx context.Context, paymentID string, actor models.Actor) (*models.Payment, error)
	Refund(ctx context.Context, paymentID string, actor models.Actor) (*models.Payment, error)
	Get(ctx context.Context, paymentID string, actor models.Actor) (*models.Payment, error)
	ListForActor(ctx context.Context, actor models.Actor) ([]models.Payment, error)
}

type PaymentHandler struct {
	payments PaymentService
}

func NewPaymentHandler(payments PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.payments.Initiate(c.Request.Context(), req.ListingID, middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// VerifyPayment accepts the reference either as JSON body or as the
// ?reference= query the gateway's callback redirect carries.
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	reference := strings.TrimSpace(c.Query("reference"))
	if reference == "" && c.Request.Method == http.MethodPost {
		var req models.VerifyPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			telemetry.Logger.Warn("Invalid verify request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reference = strings.TrimSpace(req.Reference)
	}
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference is required"})
		return
	}

	payment, err := h.payments.Verify(c.Request.Context(), reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.payments.Get(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	payments, err := h.payments.ListForActor(c.Request.Context(), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *PaymentHandler) ReleasePayment(c *gin.Context) {
	payment, err := h.payments.Release(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	payment, err := h.payments.Refund(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
