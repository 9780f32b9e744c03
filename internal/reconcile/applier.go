package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giggatek/reconciler/internal/notify"
	"github.com/giggatek/reconciler/internal/payment"
)

// ApplierConfig tunes rental transitions.
type ApplierConfig struct {
	// BillingPeriodMonths is how far a paid installment moves the next
	// payment date. Defaults to 1.
	BillingPeriodMonths int
	// Now is the clock used for payment and buyout dates.
	Now func() time.Time
}

// Result describes a committed reconciliation.
type Result struct {
	Outcome Outcome
	Ledger  payment.UpsertResult
	// Duplicate is set when the ledger already held this transaction with
	// the same status. Nothing else was written.
	Duplicate bool
	// Skipped is set when the event was recorded but caused no entity
	// change, for example an installment that was already paid.
	Skipped bool
	// Notifications are ready to send. They must only be sent because the
	// transaction committed.
	Notifications []notify.Notification
}

// Applier commits the state transition for a classified event.
type Applier struct {
	store  payment.Store
	cfg    ApplierConfig
	logger *slog.Logger
}

// NewApplier creates an Applier over store.
func NewApplier(store payment.Store, cfg ApplierConfig, logger *slog.Logger) *Applier {
	if cfg.BillingPeriodMonths <= 0 {
		cfg.BillingPeriodMonths = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: store, cfg: cfg, logger: logger}
}

// Apply records event in the ledger and performs the transition for outcome,
// all in one transaction. Unrecognized outcomes touch nothing. Any error rolls
// the whole transaction back and is returned as a *ReconciliationError.
func (a *Applier) Apply(ctx context.Context, outcome Outcome, event *payment.PaymentEvent) (*Result, error) {
	if outcome.Kind == OutcomeUnrecognized || event.Kind == payment.KindIgnored {
		return &Result{Outcome: outcome, Skipped: true}, nil
	}

	var res *Result
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		res = &Result{Outcome: outcome}

		ledger, err := tx.UpsertLedger(ctx, payment.NewLedgerEntry(event, string(outcome.Kind)))
		if err != nil {
			return fmt.Errorf("upsert ledger: %w", err)
		}
		res.Ledger = ledger
		if ledger == payment.LedgerDuplicate {
			res.Duplicate = true
			return nil
		}

		t := &transition{Applier: a, tx: tx, event: event, res: res, now: a.cfg.Now()}
		switch outcome.Kind {
		case OutcomeOrderPayment:
			return t.order(ctx, outcome.OrderID)
		case OutcomeRentalInstallment:
			return t.installment(ctx, outcome.RentalID, outcome.PaymentID)
		case OutcomeRentalBuyout:
			return t.buyout(ctx, outcome.RentalID)
		default:
			return fmt.Errorf("unsupported outcome %q", outcome.Kind)
		}
	})
	if err != nil {
		return nil, newReconciliationError(event.ProviderTransactionID, outcome, err)
	}
	return res, nil
}

// transition holds the state of one Apply call inside its transaction.
type transition struct {
	*Applier
	tx    payment.Tx
	event *payment.PaymentEvent
	res   *Result
	now   time.Time
}

func (t *transition) actor() string {
	return "webhook:" + string(t.event.Provider)
}

func (t *transition) txnID() string {
	return t.event.ProviderTransactionID
}

func (t *transition) notify(kind notify.Kind, userID, orderID, rentalID int64) {
	n := notify.New(kind, t.txnID())
	n.UserID = userID
	n.OrderID = orderID
	n.RentalID = rentalID
	t.res.Notifications = append(t.res.Notifications, n)
}

func (t *transition) order(ctx context.Context, orderID int64) error {
	order, err := t.tx.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch t.event.Kind {
	case payment.KindSucceeded:
		txn := t.txnID()
		if err := t.tx.UpdateOrderStatus(ctx, order.ID, payment.OrderStatusPaid, &txn); err != nil {
			return err
		}
		if err := t.orderHistory(ctx, order.ID, payment.OrderStatusPaid,
			fmt.Sprintf("Payment %s completed via %s", txn, t.event.Provider)); err != nil {
			return err
		}
		t.notify(notify.KindOrderConfirmation, order.UserID, order.ID, 0)

	case payment.KindFailed:
		if order.Status == payment.OrderStatusPaid {
			t.res.Skipped = true
			return t.orderHistory(ctx, order.ID, order.Status,
				fmt.Sprintf("Ignored failed payment %s: order already paid", t.txnID()))
		}
		if err := t.tx.UpdateOrderStatus(ctx, order.ID, payment.OrderStatusPaymentFailed, nil); err != nil {
			return err
		}
		return t.orderHistory(ctx, order.ID, payment.OrderStatusPaymentFailed, t.failureNote())

	case payment.KindRefunded, payment.KindReversed:
		status := payment.OrderStatusRefunded
		verb := "refunded"
		if t.event.Kind == payment.KindReversed {
			status = payment.OrderStatusPaymentReversed
			verb = "reversed"
		}
		if err := t.tx.UpdateOrderStatus(ctx, order.ID, status, nil); err != nil {
			return err
		}
		if err := t.orderHistory(ctx, order.ID, status,
			fmt.Sprintf("Payment %s via %s (%s)", verb, t.event.Provider, t.txnID())); err != nil {
			return err
		}
		return t.audit(ctx, derefOr(order.PaymentID))
	}
	return nil
}

func (t *transition) installment(ctx context.Context, rentalID, paymentID int64) error {
	// Rental before installment, the same order every writer uses.
	rental, err := t.tx.LockRental(ctx, rentalID)
	if err != nil {
		return err
	}
	inst, err := t.tx.LockRentalPayment(ctx, rentalID, paymentID)
	if err != nil {
		return err
	}

	if rental.IsTerminal() {
		t.res.Skipped = true
		t.logger.InfoContext(ctx, "rental is terminal, installment event recorded only",
			"rental_id", rental.ID,
			"rental_status", rental.Status,
			"transaction_id", t.txnID(),
		)
		if t.event.ReturnsFunds() {
			return t.audit(ctx, derefOr(inst.TransactionID))
		}
		return nil
	}

	switch t.event.Kind {
	case payment.KindSucceeded:
		if inst.Status == payment.InstallmentStatusPaid {
			t.res.Skipped = true
			return nil
		}
		return t.payInstallment(ctx, rental, inst)

	case payment.KindFailed:
		if inst.Status == payment.InstallmentStatusPaid {
			t.res.Skipped = true
			return nil
		}
		inst.Status = payment.InstallmentStatusFailed
		return t.tx.UpdateRentalPayment(ctx, inst)

	case payment.KindRefunded, payment.KindReversed:
		parent := derefOr(inst.TransactionID)
		inst.Status = payment.InstallmentStatusRefunded
		if t.event.Kind == payment.KindReversed {
			inst.Status = payment.InstallmentStatusReversed
		}
		if err := t.tx.UpdateRentalPayment(ctx, inst); err != nil {
			return err
		}
		if err := t.rentalHistory(ctx, rental.ID, rental.Status,
			fmt.Sprintf("Installment %d %s via %s (%s)", inst.ID, inst.Status, t.event.Provider, t.txnID())); err != nil {
			return err
		}
		return t.audit(ctx, parent)
	}
	return nil
}

func (t *transition) payInstallment(ctx context.Context, rental *payment.Rental, inst *payment.RentalPayment) error {
	txn := t.txnID()
	paidAt := t.now
	inst.Status = payment.InstallmentStatusPaid
	inst.TransactionID = &txn
	inst.PaymentDate = &paidAt
	if err := t.tx.UpdateRentalPayment(ctx, inst); err != nil {
		return err
	}

	rental.PaymentsMade++
	if rental.RemainingPayments > 0 {
		rental.RemainingPayments--
	}
	base := t.now
	if rental.NextPaymentDate != nil {
		base = *rental.NextPaymentDate
	}
	next := base.AddDate(0, t.cfg.BillingPeriodMonths, 0)
	rental.NextPaymentDate = &next
	if rental.Status == payment.RentalStatusPending {
		rental.Status = payment.RentalStatusActive
	}

	all, err := t.tx.LockRentalPayments(ctx, rental.ID)
	if err != nil {
		return err
	}
	rental.BuyoutPrice = unpaidTotal(all)

	note := fmt.Sprintf("Installment %d paid via %s (%s)", inst.ID, t.event.Provider, txn)
	if rental.RemainingPayments == 0 {
		rental.Status = payment.RentalStatusCompleted
		rental.BuyoutPrice = decimal.Zero
		rental.NextPaymentDate = nil
		note = fmt.Sprintf("All payments completed, final installment %d (%s)", inst.ID, txn)
		t.notify(notify.KindRentalCompleted, rental.UserID, 0, rental.ID)
	}

	if err := t.tx.UpdateRental(ctx, rental); err != nil {
		return err
	}
	return t.rentalHistory(ctx, rental.ID, rental.Status, note)
}

func (t *transition) buyout(ctx context.Context, rentalID int64) error {
	rental, err := t.tx.LockRental(ctx, rentalID)
	if err != nil {
		return err
	}

	if rental.IsTerminal() || t.event.ReturnsFunds() {
		t.res.Skipped = true
		if t.event.ReturnsFunds() {
			return t.audit(ctx, "")
		}
		return nil
	}

	switch t.event.Kind {
	case payment.KindSucceeded:
		return t.completeBuyout(ctx, rental)
	case payment.KindFailed:
		t.res.Skipped = true
		return t.rentalHistory(ctx, rental.ID, "buyout_failed", t.failureNote())
	}
	return nil
}

func (t *transition) completeBuyout(ctx context.Context, rental *payment.Rental) error {
	txn := t.txnID()
	price := rental.BuyoutPrice
	if price.IsZero() {
		price = decimal.New(t.event.AmountMinorUnits, -2)
	}

	installments, err := t.tx.LockRentalPayments(ctx, rental.ID)
	if err != nil {
		return err
	}
	settled := 0
	for i := range installments {
		inst := &installments[i]
		if inst.Status == payment.InstallmentStatusPaid {
			continue
		}
		paidAt := t.now
		inst.Status = payment.InstallmentStatusPaid
		inst.TransactionID = &txn
		inst.PaymentDate = &paidAt
		if err := t.tx.UpdateRentalPayment(ctx, inst); err != nil {
			return err
		}
		settled++
	}

	boughtAt := t.now
	rental.Status = payment.RentalStatusCompleted
	rental.BuyoutPrice = decimal.Zero
	rental.BuyoutDate = &boughtAt
	rental.PaymentsMade += settled
	rental.RemainingPayments = 0
	rental.NextPaymentDate = nil
	if err := t.tx.UpdateRental(ctx, rental); err != nil {
		return err
	}

	order := &payment.Order{
		UserID:      rental.UserID,
		Status:      payment.OrderStatusCompleted,
		PaymentID:   &txn,
		TotalAmount: price,
		Notes:       fmt.Sprintf("Created from rental %d buyout", rental.ID),
	}
	items := []payment.OrderItem{{
		ProductID: rental.ProductID,
		Quantity:  1,
		Price:     price,
		Subtotal:  price,
	}}
	orderID, err := t.tx.CreateOrder(ctx, order, items)
	if err != nil {
		return err
	}

	if err := t.rentalHistory(ctx, rental.ID, payment.RentalStatusCompleted,
		fmt.Sprintf("Rental bought out via %s (%s), order %d", t.event.Provider, txn, orderID)); err != nil {
		return err
	}
	if err := t.orderHistory(ctx, orderID, payment.OrderStatusCompleted,
		fmt.Sprintf("Order created from rental %d buyout", rental.ID)); err != nil {
		return err
	}
	t.notify(notify.KindRentalBuyout, rental.UserID, orderID, rental.ID)
	return nil
}

// audit writes the refund or reversal row. parent is used when the event does
// not name the transaction it refers to.
func (t *transition) audit(ctx context.Context, parent string) error {
	if t.event.ProviderParentID != "" {
		parent = t.event.ProviderParentID
	}
	switch t.event.Kind {
	case payment.KindRefunded:
		return t.tx.InsertRefund(ctx, payment.Refund{
			ParentTransactionID: parent,
			TransactionID:       t.txnID(),
			AmountMinorUnits:    t.event.AmountMinorUnits,
			Currency:            t.event.Currency,
			Reason:              t.event.ReasonCode,
		})
	case payment.KindReversed:
		return t.tx.InsertReversal(ctx, payment.Reversal{
			ParentTransactionID: parent,
			TransactionID:       t.txnID(),
			AmountMinorUnits:    t.event.AmountMinorUnits,
			Currency:            t.event.Currency,
			ReasonCode:          t.event.ReasonCode,
		})
	}
	return nil
}

func (t *transition) orderHistory(ctx context.Context, orderID int64, status, notes string) error {
	return t.tx.AddOrderHistory(ctx, payment.StatusChange{
		EntityID:  orderID,
		Status:    status,
		Notes:     notes,
		CreatedBy: t.actor(),
	})
}

func (t *transition) rentalHistory(ctx context.Context, rentalID int64, status, notes string) error {
	return t.tx.AddRentalHistory(ctx, payment.StatusChange{
		EntityID:  rentalID,
		Status:    status,
		Notes:     notes,
		CreatedBy: t.actor(),
	})
}

func (t *transition) failureNote() string {
	if t.event.ReasonCode != "" {
		return fmt.Sprintf("Payment %s failed via %s: %s", t.txnID(), t.event.Provider, t.event.ReasonCode)
	}
	return fmt.Sprintf("Payment %s failed via %s", t.txnID(), t.event.Provider)
}

func unpaidTotal(installments []payment.RentalPayment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range installments {
		if p.Status != payment.InstallmentStatusPaid {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
