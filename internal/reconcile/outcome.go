// Package reconcile turns verified payment events into order and rental
// state changes. Classification maps event metadata onto a typed Outcome;
// the Applier commits the matching transition in one store transaction.
package reconcile

import "fmt"

// OutcomeKind is the business entity a payment event settles.
type OutcomeKind string

const (
	OutcomeOrderPayment      OutcomeKind = "order_payment"
	OutcomeRentalInstallment OutcomeKind = "rental_installment"
	OutcomeRentalBuyout      OutcomeKind = "rental_buyout"
	OutcomeUnrecognized      OutcomeKind = "unrecognized"
)

// Outcome is the classified target of a payment event. Only the ids relevant
// to Kind are set.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	OrderID   int64       `json:"order_id,omitempty"`
	RentalID  int64       `json:"rental_id,omitempty"`
	PaymentID int64       `json:"payment_id,omitempty"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOrderPayment:
		return fmt.Sprintf("order_payment(order=%d)", o.OrderID)
	case OutcomeRentalInstallment:
		return fmt.Sprintf("rental_installment(rental=%d,payment=%d)", o.RentalID, o.PaymentID)
	case OutcomeRentalBuyout:
		return fmt.Sprintf("rental_buyout(rental=%d)", o.RentalID)
	default:
		return string(OutcomeUnrecognized)
	}
}
