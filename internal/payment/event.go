package payment

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Provider identifies the payment provider that delivered a webhook.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

// EventKind is the provider-neutral meaning of a webhook event.
type EventKind string

const (
	KindSucceeded EventKind = "succeeded"
	KindFailed    EventKind = "failed"
	KindRefunded  EventKind = "refunded"
	KindReversed  EventKind = "reversed"
	// KindIgnored marks provider events that carry no reconciliation meaning,
	// such as customer.created. They are acknowledged and dropped.
	KindIgnored EventKind = "ignored"
)

// PaymentEvent is a verified, provider-agnostic view of one webhook delivery.
// It is built once per request by a verifier and must not be modified after.
type PaymentEvent struct {
	Provider              Provider          `json:"provider" validate:"required,oneof=stripe paypal"`
	EventID               string            `json:"event_id"`
	EventType             string            `json:"event_type" validate:"required"`
	Kind                  EventKind         `json:"kind" validate:"required,oneof=succeeded failed refunded reversed ignored"`
	ProviderTransactionID string            `json:"provider_transaction_id" validate:"required_unless=Kind ignored,max=255"`
	ProviderParentID      string            `json:"provider_parent_id,omitempty" validate:"max=255"`
	AmountMinorUnits      int64             `json:"amount_minor_units" validate:"gte=0"`
	Currency              string            `json:"currency,omitempty" validate:"omitempty,len=3"`
	ReasonCode            string            `json:"reason_code,omitempty"`
	Metadata              map[string]string `json:"metadata"`
	ReceivedAt            time.Time         `json:"received_at"`
}

// validate caches struct metadata across calls and is safe for concurrent use.
var validate = validator.New()

// Validate checks the structural constraints every verifier must satisfy.
func (e *PaymentEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid payment event: %w", err)
	}
	return nil
}

// WithMetadata returns a copy of the event carrying md instead of its own
// metadata. Used when refund or reversal events inherit the metadata of the
// transaction they refer to.
func (e PaymentEvent) WithMetadata(md map[string]string) PaymentEvent {
	copied := make(map[string]string, len(md))
	for k, v := range md {
		copied[k] = v
	}
	e.Metadata = copied
	return e
}

// ReturnsFunds reports whether the event moves money back to the buyer.
func (e *PaymentEvent) ReturnsFunds() bool {
	return e.Kind == KindRefunded || e.Kind == KindReversed
}
