// Package webhook authenticates payment-provider webhook deliveries and turns
// them into provider-neutral payment events.
//
// Verifiers fail closed: any missing header, stale timestamp or signature
// problem yields a *VerificationError and no event. They never touch the
// database.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/giggatek/reconciler/internal/payment"
)

// Verifier authenticates and parses one provider's webhook deliveries.
type Verifier interface {
	Provider() payment.Provider
	Verify(ctx context.Context, body []byte, header http.Header) (*payment.PaymentEvent, error)
}

// Reason classifies why a delivery was rejected.
type Reason string

const (
	ReasonMissingHeader      Reason = "missing_header"
	ReasonMalformedHeader    Reason = "malformed_header"
	ReasonSignatureMismatch  Reason = "signature_mismatch"
	ReasonStaleTimestamp     Reason = "stale_timestamp"
	ReasonRemoteVerifyFailed Reason = "remote_verify_failed"
	ReasonMalformedPayload   Reason = "malformed_payload"
)

// VerificationError is returned for every rejected delivery.
type VerificationError struct {
	Provider payment.Provider
	Reason   Reason
	Detail   string
	Err      error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("%s webhook verification failed (%s)", e.Provider, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether the delivery itself was malformed, as
// opposed to failing authentication.
func (e *VerificationError) IsClientError() bool {
	switch e.Reason {
	case ReasonMissingHeader, ReasonMalformedHeader, ReasonMalformedPayload:
		return true
	default:
		return false
	}
}

func verificationError(p payment.Provider, reason Reason, detail string, err error) *VerificationError {
	return &VerificationError{Provider: p, Reason: reason, Detail: detail, Err: err}
}

// Registry routes deliveries to the verifier for their provider.
type Registry struct {
	verifiers map[payment.Provider]Verifier
}

// NewRegistry creates a registry. Nil verifiers are skipped so optional
// providers can be left unconfigured.
func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[payment.Provider]Verifier, len(verifiers))}
	for _, v := range verifiers {
		if v == nil {
			continue
		}
		r.verifiers[v.Provider()] = v
	}
	return r
}

// Lookup finds the verifier for a provider name taken from the request path.
func (r *Registry) Lookup(name string) (Verifier, bool) {
	v, ok := r.verifiers[payment.Provider(strings.ToLower(name))]
	return v, ok
}
