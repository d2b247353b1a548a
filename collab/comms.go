package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"chargeflow/evidence"
)

// CommsClient reads the customer communication history.
type CommsClient struct {
	c *jsonClient
}

func NewCommsClient(cfg Config) (*CommsClient, error) {
	c, err := newJSONClient(cfg)
	if err != nil {
		return nil, err
	}
	return &CommsClient{c: c}, nil
}

type messagesResponse struct {
	Messages []struct {
		SentAt  time.Time `json:"sentAt"`
		Channel string    `json:"channel"`
		Author  string    `json:"author"`
		Body    string    `json:"body"`
	} `json:"messages"`
}

func (c *CommsClient) Messages(ctx context.Context, tenantID, disputeID, orderID string) ([]evidence.Message, error) {
	q := url.Values{}
	q.Set("disputeId", disputeID)
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	path := fmt.Sprintf("/v1/tenants/%s/messages?%s", url.PathEscape(tenantID), q.Encode())

	var resp messagesResponse
	if err := c.c.do(ctx, "GET", path, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("messages: %w", evidence.ErrUnavailable)
		}
		return nil, err
	}
	out := make([]evidence.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, evidence.Message{At: m.SentAt, Channel: m.Channel, Author: m.Author, Body: m.Body})
	}
	return out, nil
}
