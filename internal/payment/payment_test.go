package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestVerifySignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_test", testNow)

	if err := VerifySignature(payload, header, "whsec_test", 5*time.Minute, testNow); err != nil {
		t.Fatalf("Valid signature rejected: %v", err)
	}
}

func TestVerifySignatureRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_test", testNow)

	cases := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		at      time.Time
	}{
		{"wrong secret", payload, header, "whsec_other", testNow},
		{"tampered body", []byte(`{"id":"evt_2"}`), header, "whsec_test", testNow},
		{"stale timestamp", payload, header, "whsec_test", testNow.Add(10 * time.Minute)},
		{"future timestamp", payload, header, "whsec_test", testNow.Add(-10 * time.Minute)},
		{"malformed header", payload, "v1=deadbeef", "whsec_test", testNow},
		{"empty header", payload, "", "whsec_test", testNow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(tc.payload, tc.header, tc.secret, 5*time.Minute, tc.at)
			if !errors.Is(err, ErrBadSignature) {
				t.Fatalf("Expected ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_42",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_9",
			"customer_details": {"email": "buyer@example.com"},
			"line_items": {"data": [
				{"price": {"id": "price_image_md"}, "quantity": 2},
				{"price": {"id": "price_video_sm"}, "quantity": 1}
			]}
		}}
	}`)

	event, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if event.ID != "evt_42" || event.Identity != "buyer@example.com" {
		t.Fatalf("Unexpected event: %+v", event)
	}
	if len(event.LineItems) != 2 || event.LineItems[0].PriceID != "price_image_md" || event.LineItems[0].Quantity != 2 {
		t.Fatalf("Unexpected line items: %+v", event.LineItems)
	}
}

func TestParseEventRejectsMissingID(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":"checkout.session.completed"}`)); err == nil {
		t.Fatal("ParseEvent accepted event without id")
	}
}

type grantCall struct {
	identity string
	typ      models.CreditType
	amount   int
	eventID  string
}

type fakeGranter struct {
	calls   []grantCall
	applied bool
	err     error
}

func (f *fakeGranter) Grant(_ context.Context, identity string, t models.CreditType, amount int, eventID string) (bool, error) {
	f.calls = append(f.calls, grantCall{identity, t, amount, eventID})
	return f.applied, f.err
}

func newTestProcessor(t *testing.T, granter Granter) *Processor {
	t.Helper()
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewProcessor(cat, granter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestApplySumsPerCreditType(t *testing.T) {
	granter := &fakeGranter{applied: true}
	p := newTestProcessor(t, granter)

	applied, err := p.Apply(context.Background(), models.TopUpEvent{
		ID:       "evt_1",
		Type:     EventTypeCheckoutCompleted,
		Identity: "buyer@example.com",
		LineItems: []models.LineItem{
			{PriceID: "price_image_sm", Quantity: 2}, // 5 credits x2
			{PriceID: "price_image_md", Quantity: 1}, // 10 credits
			{PriceID: "price_video_sm", Quantity: 1}, // 4 credits
			{PriceID: "price_unknown", Quantity: 7},  // ignored
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied != 24 {
		t.Fatalf("Expected 24 credits applied, got %d", applied)
	}

	if len(granter.calls) != 2 {
		t.Fatalf("Expected one grant per credit type, got %d calls", len(granter.calls))
	}
	if granter.calls[0].typ != models.CreditTypeImage || granter.calls[0].amount != 20 {
		t.Fatalf("Unexpected image grant: %+v", granter.calls[0])
	}
	if granter.calls[1].typ != models.CreditTypeVideo || granter.calls[1].amount != 4 {
		t.Fatalf("Unexpected video grant: %+v", granter.calls[1])
	}
	for _, call := range granter.calls {
		if call.eventID != "evt_1" || call.identity != "buyer@example.com" {
			t.Fatalf("Grant call lost event context: %+v", call)
		}
	}
}

func TestApplyRedeliveryReturnsZero(t *testing.T) {
	granter := &fakeGranter{applied: false}
	p := newTestProcessor(t, granter)

	applied, err := p.Apply(context.Background(), models.TopUpEvent{
		ID:        "evt_1",
		Type:      EventTypeCheckoutCompleted,
		Identity:  "buyer@example.com",
		LineItems: []models.LineItem{{PriceID: "price_image_sm", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied != 0 {
		t.Fatalf("Redelivery applied %d credits", applied)
	}
}

func TestApplyIgnoresOtherEventTypes(t *testing.T) {
	granter := &fakeGranter{applied: true}
	p := newTestProcessor(t, granter)

	applied, err := p.Apply(context.Background(), models.TopUpEvent{
		ID:        "evt_1",
		Type:      "payment_intent.created",
		Identity:  "buyer@example.com",
		LineItems: []models.LineItem{{PriceID: "price_image_sm", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied != 0 || len(granter.calls) != 0 {
		t.Fatalf("Non-checkout event reached the ledger: applied=%d calls=%d", applied, len(granter.calls))
	}
}

func TestApplyPropagatesGrantError(t *testing.T) {
	granter := &fakeGranter{err: errors.New("store down")}
	p := newTestProcessor(t, granter)

	_, err := p.Apply(context.Background(), models.TopUpEvent{
		ID:        "evt_1",
		Type:      EventTypeCheckoutCompleted,
		Identity:  "buyer@example.com",
		LineItems: []models.LineItem{{PriceID: "price_image_sm", Quantity: 1}},
	})
	if err == nil {
		t.Fatal("Apply swallowed grant error")
	}
}
