package custapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

type CheckoutItem struct {
	PriceID  string
	Quantity int
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession opens a hosted payment page for the given line
// items. Fulfilment happens later through the webhook, not here.
func (c *Client) CreateCheckoutSession(ctx context.Context, identity string, items []CheckoutItem, successURL, cancelURL string) (CheckoutSession, error) {
	if len(items) == 0 {
		return CheckoutSession{}, fmt.Errorf("checkout requires at least one line item")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("customer_email", identity)
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	for i, item := range items {
		prefix := "line_items[" + strconv.Itoa(i) + "]"
		form.Set(prefix+"[price]", item.PriceID)
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}

	var session CheckoutSession
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	if session.URL == "" {
		return CheckoutSession{}, fmt.Errorf("checkout session response missing url")
	}
	return session, nil
}
