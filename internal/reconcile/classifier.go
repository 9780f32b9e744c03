package reconcile

import (
	"strconv"
	"strings"
)

// Metadata keys set by checkout on the provider payment.
const (
	KeyOrderID   = "order_id"
	KeyRentalID  = "rental_id"
	KeyPaymentID = "payment_id"
	KeyBuyout    = "buyout"
)

// Classify maps event metadata to an Outcome. The first matching rule wins:
// order_id, then rental_id with payment_id, then rental_id with buyout.
// Metadata matching no rule is Unrecognized and not an error. An identifier
// that is present but not a positive integer is a *ClassificationError.
func Classify(md map[string]string) (Outcome, error) {
	if raw, ok := md[KeyOrderID]; ok {
		id, err := parseID(KeyOrderID, raw)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeOrderPayment, OrderID: id}, nil
	}

	rawRental, ok := md[KeyRentalID]
	if !ok {
		return Outcome{Kind: OutcomeUnrecognized}, nil
	}

	if rawPayment, ok := md[KeyPaymentID]; ok {
		rentalID, err := parseID(KeyRentalID, rawRental)
		if err != nil {
			return Outcome{}, err
		}
		paymentID, err := parseID(KeyPaymentID, rawPayment)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeRentalInstallment, RentalID: rentalID, PaymentID: paymentID}, nil
	}

	// buyout is a flag: any value, including "false", marks a buyout.
	if _, ok := md[KeyBuyout]; ok {
		rentalID, err := parseID(KeyRentalID, rawRental)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeRentalBuyout, RentalID: rentalID}, nil
	}

	return Outcome{Kind: OutcomeUnrecognized}, nil
}

// HasClassificationKeys reports whether md carries any key Classify looks at.
func HasClassificationKeys(md map[string]string) bool {
	for _, k := range []string{KeyOrderID, KeyRentalID, KeyPaymentID, KeyBuyout} {
		if _, ok := md[k]; ok {
			return true
		}
	}
	return false
}

func parseID(field, raw string) (int64, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, &ClassificationError{Field: field, Value: raw, Err: ErrEmptyIdentifier}
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ClassificationError{Field: field, Value: raw, Err: ErrMalformedIdentifier}
	}
	if id <= 0 {
		return 0, &ClassificationError{Field: field, Value: raw, Err: ErrMalformedIdentifier}
	}
	return id, nil
}
