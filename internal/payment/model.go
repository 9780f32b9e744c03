// Package payment provides the order, rental and ledger models touched by
// payment reconciliation, plus the transactional stores that persist them.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses.
const (
	OrderStatusPending         = "pending"
	OrderStatusPaid            = "paid"
	OrderStatusPaymentFailed   = "payment_failed"
	OrderStatusRefunded        = "refunded"
	OrderStatusPaymentReversed = "payment_reversed"
	OrderStatusCancelled       = "cancelled"
	OrderStatusCompleted       = "completed"
)

// Rental statuses. Completed and failed are terminal.
const (
	RentalStatusPending   = "pending"
	RentalStatusActive    = "active"
	RentalStatusCompleted = "completed"
	RentalStatusFailed    = "failed"
)

// Rental payment (installment) statuses.
const (
	InstallmentStatusPending  = "pending"
	InstallmentStatusPaid     = "paid"
	InstallmentStatusFailed   = "failed"
	InstallmentStatusRefunded = "refunded"
	InstallmentStatusReversed = "reversed"
)

// Order is a purchase placed through checkout, or synthesized when a rental
// is bought out.
type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Status      string          `json:"status"`
	PaymentID   *string         `json:"payment_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrderItem is a single line of an order.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Rental is a rent-to-own agreement paid in monthly installments.
type Rental struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	ProductID         int64           `json:"product_id"`
	Status            string          `json:"status"`
	PaymentsMade      int             `json:"payments_made"`
	RemainingPayments int             `json:"remaining_payments"`
	NextPaymentDate   *time.Time      `json:"next_payment_date,omitempty"`
	BuyoutPrice       decimal.Decimal `json:"buyout_price"`
	BuyoutDate        *time.Time      `json:"buyout_date,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the rental can no longer change state.
func (r *Rental) IsTerminal() bool {
	return r.Status == RentalStatusCompleted || r.Status == RentalStatusFailed
}

// RentalPayment is one scheduled installment of a rental.
type RentalPayment struct {
	ID            int64           `json:"id"`
	RentalID      int64           `json:"rental_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
}

// StatusChange is a row of order_status_history or rental_status_history.
type StatusChange struct {
	EntityID  int64     `json:"entity_id"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Refund is the audit row written for a refunded transaction.
type Refund struct {
	ParentTransactionID string    `json:"parent_transaction_id"`
	TransactionID       string    `json:"transaction_id"`
	AmountMinorUnits    int64     `json:"amount_minor_units"`
	Currency            string    `json:"currency"`
	Reason              string    `json:"reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Reversal is the audit row written for a reversed or disputed transaction.
type Reversal struct {
	ParentTransactionID string    `json:"parent_transaction_id"`
	TransactionID       string    `json:"transaction_id"`
	AmountMinorUnits    int64     `json:"amount_minor_units"`
	Currency            string    `json:"currency"`
	ReasonCode          string    `json:"reason_code,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
