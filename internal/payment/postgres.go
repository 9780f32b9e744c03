package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/giggatek/reconciler/internal/tracing"
)

// Postgres error codes that mean the transaction gave up waiting.
const (
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
)

// PostgresConfig bounds how long a reconciliation transaction may hold locks.
type PostgresConfig struct {
	TxTimeout   time.Duration
	LockTimeout time.Duration
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	cfg    PostgresConfig
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore. Zero timeouts fall back to 10s
// for the transaction and 5s for lock waits.
func NewPostgresStore(db *sql.DB, cfg PostgresConfig, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 10 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &PostgresStore{db: db, cfg: cfg, logger: logger}
}

// WithinTx runs fn in a READ COMMITTED transaction with lock and statement
// timeouts applied through SET LOCAL.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationTransaction)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())); err != nil {
		return translateError(fmt.Errorf("failed to set lock timeout: %w", err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.cfg.TxTimeout.Milliseconds())); err != nil {
		return translateError(fmt.Errorf("failed to set statement timeout: %w", err))
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return translateError(err)
	}
	if err := tx.Commit(); err != nil {
		return translateError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// LedgerEntry reads a committed ledger row.
func (s *PostgresStore) LedgerEntry(ctx context.Context, providerTransactionID string) (entry *LedgerEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT provider_transaction_id, provider, event_type, amount_minor_units, currency,
		       status, outcome, metadata, recorded_at, updated_at
		FROM payment_ledger
		WHERE provider_transaction_id = $1`, providerTransactionID)

	var (
		e        LedgerEntry
		provider string
		status   string
		rawMeta  []byte
	)
	if err := row.Scan(&e.ProviderTransactionID, &provider, &e.EventType, &e.AmountMinorUnits,
		&e.Currency, &status, &e.Outcome, &rawMeta, &e.RecordedAt, &e.UpdatedAt); err != nil {
		return nil, translateError(err)
	}
	e.Provider = Provider(provider)
	e.Status = EventKind(status)
	if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode ledger metadata: %w", err)
	}
	return &e, nil
}

// translateError maps driver errors onto ErrNotFound and ErrTimeout.
func translateError(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) UpsertLedger(ctx context.Context, entry LedgerEntry) (result UpsertResult, err error) {
	if err := ValidateTransactionID(entry.ProviderTransactionID); err != nil {
		return 0, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_ledger", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	md := entry.Metadata
	if md == nil {
		md = map[string]string{}
	}
	rawMeta, err := json.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ledger metadata: %w", err)
	}

	// A row comes back only when something was written: a new transaction or
	// a status that moves forward. xmax is zero for freshly inserted tuples.
	var inserted bool
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO payment_ledger (
			provider_transaction_id, provider, event_type, amount_minor_units,
			currency, status, outcome, metadata, recorded_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (provider_transaction_id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			amount_minor_units = EXCLUDED.amount_minor_units,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			metadata = CASE WHEN EXCLUDED.metadata = '{}'::jsonb
				THEN payment_ledger.metadata ELSE EXCLUDED.metadata END,
			updated_at = NOW()
		WHERE payment_ledger_status_rank(payment_ledger.status) < payment_ledger_status_rank(EXCLUDED.status)
		RETURNING (xmax = 0)`,
		entry.ProviderTransactionID, string(entry.Provider), entry.EventType, entry.AmountMinorUnits,
		entry.Currency, string(entry.Status), entry.Outcome, rawMeta,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerDuplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	if inserted {
		return LedgerInserted, nil
	}
	return LedgerUpdated, nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (*Order, error) {
	var (
		o         Order
		paymentID sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, status, payment_id, total_amount, COALESCE(notes, ''), created_at, updated_at
		FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&o.ID, &o.UserID, &o.Status, &paymentID, &o.TotalAmount, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, translateError(err))
	}
	if paymentID.Valid {
		o.PaymentID = &paymentID.String
	}
	return &o, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string, paymentID *string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_id = COALESCE($3, payment_id), updated_at = NOW()
		WHERE id = $1`, orderID, status, nullString(paymentID))
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", orderID, err)
	}
	return expectRow(res, "order", orderID)
}

func (t *pgTx) CreateOrder(ctx context.Context, order *Order, items []OrderItem) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, status, payment_id, total_amount, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id`,
		order.UserID, order.Status, nullString(order.PaymentID), order.TotalAmount, order.Notes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}
	for _, it := range items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price, subtotal)
			VALUES ($1, $2, $3, $4, $5)`,
			id, it.ProductID, it.Quantity, it.Price, it.Subtotal); err != nil {
			return 0, fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return id, nil
}

func (t *pgTx) AddOrderHistory(ctx context.Context, change StatusChange) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		change.EntityID, change.Status, change.Notes, change.CreatedBy); err != nil {
		return fmt.Errorf("failed to insert order history: %w", err)
	}
	return nil
}

func (t *pgTx) LockRental(ctx context.Context, rentalID int64) (*Rental, error) {
	var (
		r          Rental
		nextDate   sql.NullTime
		buyoutDate sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, product_id, status, payments_made, remaining_payments,
		       next_payment_date, buyout_price, buyout_date, updated_at
		FROM rentals WHERE id = $1 FOR UPDATE`, rentalID,
	).Scan(&r.ID, &r.UserID, &r.ProductID, &r.Status, &r.PaymentsMade, &r.RemainingPayments,
		&nextDate, &r.BuyoutPrice, &buyoutDate, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("rental %d: %w", rentalID, translateError(err))
	}
	r.NextPaymentDate = timePtr(nextDate)
	r.BuyoutDate = timePtr(buyoutDate)
	return &r, nil
}

func (t *pgTx) UpdateRental(ctx context.Context, rental *Rental) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE rentals
		SET status = $2, payments_made = $3, remaining_payments = $4, next_payment_date = $5,
		    buyout_price = $6, buyout_date = $7, updated_at = NOW()
		WHERE id = $1`,
		rental.ID, rental.Status, rental.PaymentsMade, rental.RemainingPayments,
		nullTime(rental.NextPaymentDate), rental.BuyoutPrice, nullTime(rental.BuyoutDate))
	if err != nil {
		return fmt.Errorf("failed to update rental %d: %w", rental.ID, err)
	}
	return expectRow(res, "rental", rental.ID)
}

func (t *pgTx) AddRentalHistory(ctx context.Context, change StatusChange) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO rental_status_history (rental_id, status, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		change.EntityID, change.Status, change.Notes, change.CreatedBy); err != nil {
		return fmt.Errorf("failed to insert rental history: %w", err)
	}
	return nil
}

const installmentColumns = `id, rental_id, amount, status, transaction_id, payment_date`

func scanInstallment(scan func(dest ...any) error) (RentalPayment, error) {
	var (
		p      RentalPayment
		txnID  sql.NullString
		paidAt sql.NullTime
	)
	if err := scan(&p.ID, &p.RentalID, &p.Amount, &p.Status, &txnID, &paidAt); err != nil {
		return p, err
	}
	if txnID.Valid {
		p.TransactionID = &txnID.String
	}
	p.PaymentDate = timePtr(paidAt)
	return p, nil
}

func (t *pgTx) LockRentalPayment(ctx context.Context, rentalID, paymentID int64) (*RentalPayment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+installmentColumns+`
		FROM rental_payments WHERE id = $1 AND rental_id = $2 FOR UPDATE`, paymentID, rentalID)
	p, err := scanInstallment(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("rental %d payment %d: %w", rentalID, paymentID, translateError(err))
	}
	return &p, nil
}

func (t *pgTx) LockRentalPayments(ctx context.Context, rentalID int64) ([]RentalPayment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+installmentColumns+`
		FROM rental_payments WHERE rental_id = $1 ORDER BY id FOR UPDATE`, rentalID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock rental payments: %w", err)
	}
	defer rows.Close()

	var out []RentalPayment
	for rows.Next() {
		p, err := scanInstallment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rental payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateRentalPayment(ctx context.Context, p *RentalPayment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE rental_payments SET status = $2, transaction_id = $3, payment_date = $4
		WHERE id = $1`, p.ID, p.Status, nullString(p.TransactionID), nullTime(p.PaymentDate))
	if err != nil {
		return fmt.Errorf("failed to update rental payment %d: %w", p.ID, err)
	}
	return expectRow(res, "rental payment", p.ID)
}

func (t *pgTx) InsertRefund(ctx context.Context, r Refund) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO refunds (parent_transaction_id, transaction_id, amount_minor_units, currency, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (transaction_id) DO NOTHING`,
		r.ParentTransactionID, r.TransactionID, r.AmountMinorUnits, r.Currency, r.Reason); err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (t *pgTx) InsertReversal(ctx context.Context, r Reversal) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_reversals (parent_transaction_id, transaction_id, amount_minor_units, currency, reason_code, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (transaction_id) DO NOTHING`,
		r.ParentTransactionID, r.TransactionID, r.AmountMinorUnits, r.Currency, r.ReasonCode); err != nil {
		return fmt.Errorf("failed to insert payment reversal: %w", err)
	}
	return nil
}

func expectRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
