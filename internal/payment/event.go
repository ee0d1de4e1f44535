package payment

import (
	"encoding/json"
	"fmt"

	"github.com/mapleshot/mapleshot/internal/models"
)

// EventTypeCheckoutCompleted is the only event type that grants
// credits. Everything else is acknowledged and ignored.
const EventTypeCheckoutCompleted = "checkout.session.completed"

type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID              string `json:"id"`
			Customer        string `json:"customer"`
			CustomerEmail   string `json:"customer_email"`
			CustomerDetails struct {
				Email string `json:"email"`
			} `json:"customer_details"`
			LineItems struct {
				Data []struct {
					Price struct {
						ID string `json:"id"`
					} `json:"price"`
					Quantity int `json:"quantity"`
				} `json:"data"`
			} `json:"line_items"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a verified webhook body into a TopUpEvent. Call
// VerifySignature first; this function trusts its input.
func ParseEvent(payload []byte) (models.TopUpEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.TopUpEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if raw.ID == "" {
		return models.TopUpEvent{}, fmt.Errorf("event missing id")
	}

	identity := raw.Data.Object.CustomerEmail
	if identity == "" {
		identity = raw.Data.Object.CustomerDetails.Email
	}

	event := models.TopUpEvent{
		ID:       raw.ID,
		Type:     raw.Type,
		Customer: raw.Data.Object.Customer,
		Identity: identity,
		Raw:      payload,
	}
	for _, item := range raw.Data.Object.LineItems.Data {
		event.LineItems = append(event.LineItems, models.LineItem{
			PriceID:  item.Price.ID,
			Quantity: item.Quantity,
		})
	}
	return event, nil
}
