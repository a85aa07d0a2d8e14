package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/Intellihackz/westland-marketplace/internal/models"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

var _ natsPublisher = (*nats.Conn)(nil)

// NATSNotifier tells the listing collaborator that escrow moved a listing.
// Messages go to <subject>.<status>, e.g. listings.status.changed.sold.
type NATSNotifier struct {
	conn    natsPublisher
	subject string
}

func NewNATSNotifier(conn natsPublisher, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) ListingStatusChanged(ctx context.Context, evt models.ListingStatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal listing event: %w", err)
	}
	return n.conn.Publish(n.subject+"."+string(evt.Status), payload)
}
