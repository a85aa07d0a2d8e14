package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

// PaystackClient talks to the Paystack REST API. Amounts are in kobo.
type PaystackClient struct {
	baseURL     string
	secretKey   string
	callbackURL string
	httpClient  *http.Client
}

func NewPaystackClient(baseURL, secretKey, callbackURL string, timeout time.Duration) *PaystackClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PaystackClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		secretKey:   secretKey,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *PaystackClient) Initialize(ctx context.Context, req models.InitializeRequest) (*models.InitializeResponse, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"reference": req.Reference,
		"metadata":  req.Metadata,
	}
	if c.callbackURL != "" {
		body["callback_url"] = c.callbackURL
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &models.InitializeResponse{AuthorizationURL: data.AuthorizationURL, Reference: data.Reference}, nil
}

func (c *PaystackClient) Verify(ctx context.Context, reference string) (*models.ChargeOutcome, error) {
	var data struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		GatewayResponse string `json:"gateway_response"`
	}
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := c.do(ctx, "verify", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	out := &models.ChargeOutcome{
		Reference:       reference,
		State:           chargeState(data.Status),
		AmountMinor:     data.Amount,
		GatewayResponse: data.GatewayResponse,
	}
	if out.State == models.ChargeFailed && out.GatewayResponse == "" {
		out.GatewayResponse = data.Status
	}
	return out, nil
}

func (c *PaystackClient) Refund(ctx context.Context, reference string, amountMinor int64) error {
	body := map[string]any{"transaction": reference}
	if amountMinor > 0 {
		body["amount"] = amountMinor
	}
	return c.do(ctx, "refund", http.MethodPost, "/refund", body, nil)
}

func (c *PaystackClient) CreatePayoutRecipient(ctx context.Context, bank models.BankDetails) (string, error) {
	body := map[string]any{
		"type":           "nuban",
		"name":           bank.AccountName,
		"account_number": bank.AccountNumber,
		"bank_code":      bank.BankCode,
		"currency":       "NGN",
		"description":    bank.BankName,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.do(ctx, "create_recipient", http.MethodPost, "/transferrecipient", body, &data); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", apperror.Gateway("gateway.create_recipient", false, errors.New("empty recipient code"))
	}
	return data.RecipientCode, nil
}

func (c *PaystackClient) Transfer(ctx context.Context, amountMinor int64, recipientCode, reference string) error {
	body := map[string]any{
		"source":    "balance",
		"amount":    amountMinor,
		"recipient": recipientCode,
		"reference": reference,
		"reason":    "Marketplace withdrawal",
	}
	return c.do(ctx, "transfer", http.MethodPost, "/transfer", body, nil)
}

// do performs one API call. Transport errors, timeouts and 5xx responses
// are indeterminate; 4xx responses and status=false bodies are definite.
func (c *PaystackClient) do(ctx context.Context, op, method, path string, body any, out any) error {
	fullOp := "gateway." + op

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperror.Internal(fullOp, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperror.Internal(fullOp, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		record(op, "indeterminate")
		telemetry.Logger.Warn("Gateway request failed", zap.String("operation", op), zap.Error(err))
		return apperror.Gateway(fullOp, true, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		record(op, "indeterminate")
		return apperror.Gateway(fullOp, true, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500:
		record(op, "indeterminate")
		return apperror.Gateway(fullOp, true, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		record(op, "declined")
		return apperror.Gateway(fullOp, false, fmt.Errorf("status %d: %s", resp.StatusCode, env.Message))
	case decodeErr != nil:
		record(op, "indeterminate")
		return apperror.Gateway(fullOp, true, fmt.Errorf("decode response: %w", decodeErr))
	case !env.Status:
		record(op, "declined")
		return apperror.Gateway(fullOp, false, errors.New(env.Message))
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			record(op, "indeterminate")
			return apperror.Gateway(fullOp, true, fmt.Errorf("decode data: %w", err))
		}
	}
	record(op, "ok")
	return nil
}

func chargeState(status string) models.ChargeState {
	switch status {
	case "success":
		return models.ChargeSucceeded
	case "failed", "reversed", "abandoned":
		return models.ChargeFailed
	default:
		// ongoing, pending, processing, queued and anything new: the charge
		// may still settle.
		return models.ChargeOpen
	}
}

func record(op, outcome string) {
	telemetry.GatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
}
