package evidence

import (
	"context"
	"time"
)

// Order is the shipment view returned by the order provider.
type Order struct {
	OrderID            string
	Carrier            string
	TrackingRef        string
	ProofOfDeliveryRef string
	DeliveredAt        *time.Time
	ProductDescription string
	Documents          []string
}

// OrderSource is the read-only order/shipment provider.
type OrderSource interface {
	Order(ctx context.Context, tenantID, orderID string) (Order, error)
}

// Message is one record of the communication history.
type Message struct {
	At      time.Time
	Channel string
	Author  string
	Body    string
}

// CommunicationSource is the read-only communication-history provider.
type CommunicationSource interface {
	Messages(ctx context.Context, tenantID, disputeID, orderID string) ([]Message, error)
}

// Facts is the only input handed to the text-generation service.
type Facts struct {
	DisputeReason      string
	AmountMinor        int64
	Currency           string
	OrderID            string
	Carrier            string
	TrackingRef        string
	DeliveredAt        *time.Time
	HasProofOfDelivery bool
	ProductDescription string
	MessageCount       int
	Excerpts           []string
}

// NarrativeGenerator drafts the response narrative from facts.
type NarrativeGenerator interface {
	Draft(ctx context.Context, f Facts) (string, error)
}

// Archive stores a READY pack and returns a document reference to it.
type Archive interface {
	Put(ctx context.Context, p Pack) (string, error)
}
