package textgen

import (
	"context"
	"fmt"
	"strings"

	"chargeflow/evidence"
)

// Template drafts a deterministic narrative without a model. It is used when
// no model is configured.
type Template struct{}

func (Template) Draft(_ context.Context, f evidence.Facts) (string, error) {
	var b strings.Builder
	if f.OrderID != "" {
		fmt.Fprintf(&b, "Order %s", f.OrderID)
	} else {
		b.WriteString("The order")
	}
	if f.ProductDescription != "" {
		fmt.Fprintf(&b, " (%s)", f.ProductDescription)
	}
	b.WriteString(" was fulfilled by the merchant.")
	if f.TrackingRef != "" {
		carrier := f.Carrier
		if carrier == "" {
			carrier = "the carrier"
		}
		fmt.Fprintf(&b, " It shipped with %s under tracking reference %s.", carrier, f.TrackingRef)
	}
	if f.DeliveredAt != nil {
		fmt.Fprintf(&b, " Delivery was recorded on %s.", f.DeliveredAt.UTC().Format("2006-01-02"))
	}
	if f.HasProofOfDelivery {
		b.WriteString(" Proof of delivery is attached.")
	}
	if f.MessageCount > 0 {
		fmt.Fprintf(&b, " The customer communication log contains %d message(s).", f.MessageCount)
	}
	return b.String(), nil
}
