package models

// ChargeState is the gateway's view of a charge.
type ChargeState string

const (
	ChargeSucceeded ChargeState = "succeeded"
	ChargeFailed    ChargeState = "failed"
	// ChargeOpen means the buyer has not finished paying yet.
	ChargeOpen ChargeState = "open"
)

type InitializeRequest struct {
	Email       string
	AmountMinor int64
	Reference   string
	Metadata    map[string]string
}

type InitializeResponse struct {
	AuthorizationURL string
	Reference        string
}

type ChargeOutcome struct {
	Reference       string
	State           ChargeState
	AmountMinor     int64
	GatewayResponse string
}

func (o ChargeOutcome) Succeeded() bool { return o.State == ChargeSucceeded }
