package handlers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/interfaces"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

const SignatureHeader = "X-Paystack-Signature"

const maxWebhookBody = 1 << 20

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Reason          string `json:"reason"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

// WebhookHandler authenticates gateway notifications and hands them to the
// worker. It never mutates escrow state itself.
type WebhookHandler struct {
	secret []byte
	sink   interfaces.GatewayEventSink
	now    func() time.Time
}

func NewWebhookHandler(secret string, sink interfaces.GatewayEventSink) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret), sink: sink, now: time.Now}
}

func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) HandleGatewayEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	got, err := hex.DecodeString(c.GetHeader(SignatureHeader))
	want, _ := hex.DecodeString(Sign(h.secret, body))
	if err != nil || len(h.secret) == 0 || !hmac.Equal(got, want) {
		telemetry.Logger.Warn("Rejected webhook with bad signature", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Event == "" || payload.Data.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	reason := payload.Data.Reason
	if reason == "" {
		reason = payload.Data.GatewayResponse
	}
	evt := models.GatewayEvent{
		Event:      payload.Event,
		Reference:  payload.Data.Reference,
		Reason:     reason,
		ReceivedAt: h.now().UTC(),
	}
	if err := h.sink.Forward(c.Request.Context(), evt); err != nil {
		// Non-2xx makes the gateway redeliver.
		telemetry.Logger.Error("Failed to forward gateway event",
			zap.String("event", evt.Event),
			zap.String("reference", evt.Reference),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event not accepted"})
		return
	}

	telemetry.Logger.Info("Gateway event accepted",
		zap.String("event", evt.Event),
		zap.String("reference", evt.Reference),
	)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
