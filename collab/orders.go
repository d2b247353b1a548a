package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"chargeflow/evidence"
)

// OrderClient reads order and shipment facts.
type OrderClient struct {
	c *jsonClient
}

func NewOrderClient(cfg Config) (*OrderClient, error) {
	c, err := newJSONClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OrderClient{c: c}, nil
}

type orderResponse struct {
	OrderID string `json:"orderId"`
	Product struct {
		Description string `json:"description"`
	} `json:"product"`
	Shipment struct {
		Carrier         string     `json:"carrier"`
		TrackingNumber  string     `json:"trackingNumber"`
		ProofOfDelivery string     `json:"proofOfDelivery"`
		DeliveredAt     *time.Time `json:"deliveredAt"`
	} `json:"shipment"`
	Documents []string `json:"documents"`
}

func (o *OrderClient) Order(ctx context.Context, tenantID, orderID string) (evidence.Order, error) {
	var resp orderResponse
	path := fmt.Sprintf("/v1/tenants/%s/orders/%s", url.PathEscape(tenantID), url.PathEscape(orderID))
	if err := o.c.do(ctx, "GET", path, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return evidence.Order{}, fmt.Errorf("order %s: %w", orderID, evidence.ErrUnavailable)
		}
		return evidence.Order{}, err
	}
	return evidence.Order{
		OrderID:            resp.OrderID,
		Carrier:            resp.Shipment.Carrier,
		TrackingRef:        resp.Shipment.TrackingNumber,
		ProofOfDeliveryRef: resp.Shipment.ProofOfDelivery,
		DeliveredAt:        resp.Shipment.DeliveredAt,
		ProductDescription: resp.Product.Description,
		Documents:          resp.Documents,
	}, nil
}
