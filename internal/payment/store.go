package payment

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a referenced order, rental, installment or
	// ledger row does not exist.
	ErrNotFound = errors.New("payment: entity not found")

	// ErrTimeout is returned when a transaction exceeds its lock or statement
	// timeout. The transaction has been rolled back.
	ErrTimeout = errors.New("payment: transaction timed out")
)

// Store runs reconciliation transactions.
type Store interface {
	// WithinTx runs fn inside a single database transaction. The transaction
	// commits when fn returns nil and rolls back on any error, including a
	// panic or context cancellation.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// LedgerEntry looks up a committed ledger row outside any transaction.
	// Returns ErrNotFound if no row exists.
	LedgerEntry(ctx context.Context, providerTransactionID string) (*LedgerEntry, error)
}

// Tx is the set of row operations available inside a reconciliation
// transaction. Lock* methods take a row lock held until the transaction ends.
type Tx interface {
	// UpsertLedger records entry keyed by its provider transaction id.
	// An empty metadata snapshot never overwrites an existing one.
	UpsertLedger(ctx context.Context, entry LedgerEntry) (UpsertResult, error)

	LockOrder(ctx context.Context, orderID int64) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string, paymentID *string) error
	CreateOrder(ctx context.Context, order *Order, items []OrderItem) (int64, error)
	AddOrderHistory(ctx context.Context, change StatusChange) error

	LockRental(ctx context.Context, rentalID int64) (*Rental, error)
	UpdateRental(ctx context.Context, rental *Rental) error
	AddRentalHistory(ctx context.Context, change StatusChange) error

	// LockRentalPayment returns the installment only if it belongs to rentalID.
	LockRentalPayment(ctx context.Context, rentalID, paymentID int64) (*RentalPayment, error)
	// LockRentalPayments returns all installments of a rental ordered by id.
	LockRentalPayments(ctx context.Context, rentalID int64) ([]RentalPayment, error)
	UpdateRentalPayment(ctx context.Context, p *RentalPayment) error

	InsertRefund(ctx context.Context, refund Refund) error
	InsertReversal(ctx context.Context, reversal Reversal) error
}
