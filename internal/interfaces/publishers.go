package interfaces

import (
	"context"

	"github.com/Intellihackz/westland-marketplace/internal/models"
)

type PaymentEventPublisher interface {
	PublishTransition(ctx context.Context, evt models.PaymentTransitionEvent) error
}

type ListingNotifier interface {
	ListingStatusChanged(ctx context.Context, evt models.ListingStatusEvent) error
}

// GatewayEventSink accepts verified webhook events for asynchronous handling.
type GatewayEventSink interface {
	Forward(ctx context.Context, evt models.GatewayEvent) error
}
