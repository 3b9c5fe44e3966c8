package provider

import (
	"encoding/json"
	"math"
)

// Payment is the part of the provider's payment resource the store trusts.
type Payment struct {
	ID                json.Number `json:"id" validate:"required"`
	Status            string      `json:"status" validate:"required"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	PreferenceID      string      `json:"preference_id"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	PaymentTypeID     string      `json:"payment_type_id"`

	// Raw is the response body as received, kept for archival only.
	Raw json.RawMessage `json:"-"`
}

// Ref is the idempotency key the store recorded when the preference was
// created: the preference id when the provider reports one, otherwise the
// payment id.
func (p *Payment) Ref() string {
	if p.PreferenceID != "" {
		return p.PreferenceID
	}
	return p.ID.String()
}

// AmountMinor converts the decimal transaction amount to minor units.
func (p *Payment) AmountMinor() int64 {
	return int64(math.Round(p.TransactionAmount * 100))
}

type PreferenceItem struct {
	ID          string  `json:"id" validate:"required"`
	Title       string  `json:"title" validate:"required"`
	Quantity    int     `json:"quantity" validate:"gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gt=0"`
	CurrencyID  string  `json:"currency_id,omitempty"`
	Description string  `json:"description,omitempty"`
}

type Payer struct {
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

type BackURLs struct {
	Success string `json:"success" validate:"required,url"`
	Failure string `json:"failure" validate:"required,url"`
	Pending string `json:"pending" validate:"required,url"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items" validate:"required,min=1,dive"`
	Payer             *Payer           `json:"payer,omitempty"`
	BackURLs          BackURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	NotificationURL   string           `json:"notification_url" validate:"required,url"`
	ExternalReference string           `json:"external_reference" validate:"required"`
}

type Preference struct {
	ID               string `json:"id" validate:"required"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}
