package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/middleware"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, sellerID string, actor models.Actor, req models.WithdrawalRequest) (*models.Withdrawal, error)
	Summary(ctx context.Context, sellerID string, actor models.Actor) (*models.SalesSummary, error)
	List(ctx context.Context, sellerID string, actor models.Actor) ([]models.Withdrawal, error)
}

type WithdrawalHandler struct {
	withdrawals WithdrawalService
}

func NewWithdrawalHandler(withdrawals WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals}
}

func (h *WithdrawalHandler) GetSales(c *gin.Context) {
	summary, err := h.withdrawals.Summary(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *WithdrawalHandler) ListWithdrawals(c *gin.Context) {
	list, err := h.withdrawals.List(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []models.Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
}

func (h *WithdrawalHandler) RequestWithdrawal(c *gin.Context) {
	var req models.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid withdrawal request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.withdrawals.RequestWithdrawal(c.Request.Context(), c.Param("id"), middleware.ActorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}
