package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/giggatek/reconciler/internal/payment"
)

// StripeSignatureHeader carries the t=...,v1=... signature.
const StripeSignatureHeader = "Stripe-Signature"

// DefaultTolerance is the replay window applied when none is configured.
const DefaultTolerance = 5 * time.Minute

// StripeVerifier checks Stripe-Signature against the endpoint secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeVerifier creates a verifier for one Stripe endpoint secret.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *StripeVerifier) Provider() payment.Provider { return payment.ProviderStripe }

// Verify authenticates body and maps the Stripe event onto a PaymentEvent.
func (v *StripeVerifier) Verify(ctx context.Context, body []byte, header http.Header) (*payment.PaymentEvent, error) {
	sig := header.Get(StripeSignatureHeader)
	if sig == "" {
		return nil, verificationError(payment.ProviderStripe, ReasonMissingHeader, StripeSignatureHeader, nil)
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, stripeVerificationError(err)
	}

	pe, err := v.toPaymentEvent(event)
	if err != nil {
		return nil, verificationError(payment.ProviderStripe, ReasonMalformedPayload, string(event.Type), err)
	}
	if err := pe.Validate(); err != nil {
		return nil, verificationError(payment.ProviderStripe, ReasonMalformedPayload, string(event.Type), err)
	}
	return pe, nil
}

func stripeVerificationError(err error) *VerificationError {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return verificationError(payment.ProviderStripe, ReasonMissingHeader, "no v1 signature", err)
	case errors.Is(err, webhook.ErrInvalidHeader):
		return verificationError(payment.ProviderStripe, ReasonMalformedHeader, StripeSignatureHeader, err)
	case errors.Is(err, webhook.ErrTooOld):
		return verificationError(payment.ProviderStripe, ReasonStaleTimestamp, "", err)
	case errors.Is(err, webhook.ErrNoValidSignature):
		return verificationError(payment.ProviderStripe, ReasonSignatureMismatch, "", err)
	default:
		return verificationError(payment.ProviderStripe, ReasonMalformedPayload, "", err)
	}
}

func (v *StripeVerifier) toPaymentEvent(event stripe.Event) (*payment.PaymentEvent, error) {
	pe := &payment.PaymentEvent{
		Provider:   payment.ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		Kind:       payment.KindIgnored,
		Metadata:   map[string]string{},
		ReceivedAt: v.now().UTC(),
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, err
		}
		pe.ProviderTransactionID = pi.ID
		pe.Currency = strings.ToUpper(string(pi.Currency))
		pe.Metadata = copyMetadata(pi.Metadata)
		if event.Type == "payment_intent.succeeded" {
			pe.Kind = payment.KindSucceeded
			pe.AmountMinorUnits = pi.AmountReceived
			if pe.AmountMinorUnits == 0 {
				pe.AmountMinorUnits = pi.Amount
			}
		} else {
			pe.Kind = payment.KindFailed
			pe.AmountMinorUnits = pi.Amount
			if pi.LastPaymentError != nil {
				pe.ReasonCode = string(pi.LastPaymentError.Code)
			}
		}

	case "refund.created":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, err
		}
		pe.Kind = payment.KindRefunded
		pe.ProviderTransactionID = r.ID
		switch {
		case r.PaymentIntent != nil:
			pe.ProviderParentID = r.PaymentIntent.ID
		case r.Charge != nil:
			pe.ProviderParentID = r.Charge.ID
		}
		pe.AmountMinorUnits = r.Amount
		pe.Currency = strings.ToUpper(string(r.Currency))
		pe.ReasonCode = string(r.Reason)
		pe.Metadata = copyMetadata(r.Metadata)

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, err
		}
		pe.Kind = payment.KindRefunded
		if ch.PaymentIntent != nil {
			pe.ProviderParentID = ch.PaymentIntent.ID
		}
		pe.Currency = strings.ToUpper(string(ch.Currency))
		pe.Metadata = copyMetadata(ch.Metadata)

		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
			// Stripe lists the newest refund first. Keyed by refund id, the
			// same refund arriving as refund.created is a ledger duplicate.
			r := ch.Refunds.Data[0]
			pe.ProviderTransactionID = r.ID
			pe.AmountMinorUnits = r.Amount
			pe.ReasonCode = string(r.Reason)
			break
		}
		// Without the refund list each partial refund is told apart by the
		// cumulative amount refunded so far.
		pe.ProviderTransactionID = fmt.Sprintf("%s:refund:%d", ch.ID, ch.AmountRefunded)
		pe.AmountMinorUnits = ch.AmountRefunded - previousAmountRefunded(event)

	case "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return nil, err
		}
		pe.Kind = payment.KindReversed
		pe.ProviderTransactionID = d.ID
		if d.PaymentIntent != nil {
			pe.ProviderParentID = d.PaymentIntent.ID
		}
		pe.AmountMinorUnits = d.Amount
		pe.Currency = strings.ToUpper(string(d.Currency))
		pe.ReasonCode = string(d.Reason)
		pe.Metadata = copyMetadata(d.Metadata)
	}

	return pe, nil
}

// previousAmountRefunded reads amount_refunded from the event's
// previous_attributes, or 0 when the charge had no refund before.
func previousAmountRefunded(event stripe.Event) int64 {
	if event.Data == nil {
		return 0
	}
	if v, ok := event.Data.PreviousAttributes["amount_refunded"].(float64); ok && v > 0 {
		return int64(v)
	}
	return 0
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, val := range md {
		out[k] = val
	}
	return out
}
