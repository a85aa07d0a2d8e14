package models

import "time"

// PaymentTransitionEvent is published after a payment leaves a state.
type PaymentTransitionEvent struct {
	PaymentID     string        `json:"payment_id"`
	ListingID     string        `json:"listing_id"`
	BuyerID       string        `json:"buyer_id"`
	SellerID      string        `json:"seller_id"`
	Reference     string        `json:"reference"`
	Amount        string        `json:"amount"`
	State         PaymentStatus `json:"state"`
	PreviousState PaymentStatus `json:"previous_state"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ListingStatusEvent tells the listing collaborator a listing changed status.
type ListingStatusEvent struct {
	ListingID      string        `json:"listing_id"`
	Status         ListingStatus `json:"status"`
	PreviousStatus ListingStatus `json:"previous_status"`
	BuyerID        string        `json:"buyer_id,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

const (
	GatewayEventChargeSuccess    = "charge.success"
	GatewayEventChargeFailed     = "charge.failed"
	GatewayEventTransferSuccess  = "transfer.success"
	GatewayEventTransferFailed   = "transfer.failed"
	GatewayEventTransferReversed = "transfer.reversed"
)

// GatewayEvent is a signed webhook notification from the payment gateway.
type GatewayEvent struct {
	Event      string    `json:"event"`
	Reference  string    `json:"reference"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
