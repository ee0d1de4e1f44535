package models

import "time"

// CreditType identifies which balance bucket a generation draws from.
type CreditType string

const (
	CreditTypeImage CreditType = "image"
	CreditTypeVideo CreditType = "video"
)

func (t CreditType) Valid() bool {
	return t == CreditTypeImage || t == CreditTypeVideo
}

// CostType records which bucket funded a charge.
type CostType string

const (
	CostTypeFree CostType = "free"
	CostTypePaid CostType = "paid"
)

// CreditAccount is the typed view over an identity's external record.
// Balances are non-negative; the generation totals only ever grow.
type CreditAccount struct {
	FreeImageCredits int
	PaidImageCredits int
	FreeVideoCredits int
	PaidVideoCredits int

	TotalImageGenerations int
	TotalVideoGenerations int

	LastImageChargeAt *time.Time
	LastImagePreset   string
	LastVideoChargeAt *time.Time
	LastVideoPreset   string

	LastTopUpEventID      string
	LastImageTopUpEventID string
	LastVideoTopUpEventID string
	LastRequestHash       string
	LastRequestBytes      int64
}

// Balance returns the combined free+paid balance for one credit type.
func (a CreditAccount) Balance(t CreditType) int {
	switch t {
	case CreditTypeVideo:
		return a.FreeVideoCredits + a.PaidVideoCredits
	default:
		return a.FreeImageCredits + a.PaidImageCredits
	}
}

// TopUpEvent is a verified payment-completion notification. Identity
// is the purchaser's ledger key (their email).
type TopUpEvent struct {
	ID        string
	Type      string
	Customer  string
	Identity  string
	LineItems []LineItem
	Raw       []byte
}

// LineItem is one purchased price within a top-up event.
type LineItem struct {
	PriceID  string
	Quantity int
}

// TopUpRecord is the durable archive row for an applied grant.
type TopUpRecord struct {
	EventID    string
	CreditType CreditType
	Identity   string
	Credits    int
	CreatedAt  time.Time
}

// GenerationLog is one completed generation, archived for analytics.
type GenerationLog struct {
	Identity    string
	PresetID    string
	ContentType CreditType
	CostType    CostType
	RequestHash string
	CreatedAt   time.Time
}
