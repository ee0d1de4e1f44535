// Package payment turns provider webhook deliveries into ledger
// grants. Deliveries are at-least-once; idempotency rests on the
// ledger's processed-event check, so Apply can run on every redelivery
// without double-granting.
package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/models"
)

// Granter is the slice of the ledger the processor needs.
type Granter interface {
	Grant(ctx context.Context, identity string, t models.CreditType, amount int, eventID string) (bool, error)
}

type Processor struct {
	catalog *catalog.Catalog
	ledger  Granter
	log     *slog.Logger
}

func NewProcessor(cat *catalog.Catalog, ledger Granter, log *slog.Logger) *Processor {
	return &Processor{catalog: cat, ledger: ledger, log: log}
}

// Apply grants the credits a completed checkout purchased. It returns
// the number of credits actually applied: 0 for ignored event types,
// unknown prices, or a redelivered event. Line items are summed per
// credit type and granted once per type under the event's ID.
func (p *Processor) Apply(ctx context.Context, event models.TopUpEvent) (int, error) {
	if event.Type != EventTypeCheckoutCompleted {
		p.log.Info("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return 0, nil
	}
	if event.Identity == "" {
		return 0, fmt.Errorf("event %s has no purchaser identity", event.ID)
	}

	totals := map[models.CreditType]int{}
	for _, item := range event.LineItems {
		price, ok := p.catalog.PriceByProviderID(item.PriceID)
		if !ok {
			p.log.Warn("unknown price in checkout", "event_id", event.ID, "price_id", item.PriceID)
			continue
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		totals[models.CreditType(price.CreditType)] += price.Credits * quantity
	}

	applied := 0
	for _, t := range []models.CreditType{models.CreditTypeImage, models.CreditTypeVideo} {
		amount := totals[t]
		if amount == 0 {
			continue
		}
		ok, err := p.ledger.Grant(ctx, event.Identity, t, amount, event.ID)
		if err != nil {
			return applied, fmt.Errorf("grant %s credits: %w", t, err)
		}
		if ok {
			applied += amount
			p.log.Info("credits granted", "event_id", event.ID, "identity", event.Identity, "type", t, "credits", amount)
		} else {
			p.log.Info("grant already applied", "event_id", event.ID, "identity", event.Identity, "type", t)
		}
	}
	return applied, nil
}
