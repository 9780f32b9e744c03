//go:build integration

// Integration tests for PostgresStore. They start a disposable PostgreSQL
// container, so Docker must be available.
//
//	go test -tags=integration -v ./internal/payment/...
package payment

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/giggatek/reconciler/internal/db"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("reconciler"),
		postgres.WithUsername("reconciler"),
		postgres.WithPassword("reconciler"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	mg, err := db.NewMigrator(dsn)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := mg.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if err := mg.Close(); err != nil {
		t.Logf("close migrator: %v", err)
	}

	conn, err := db.Open(ctx, dsn, db.PoolConfig{MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPostgresStore_LedgerUpsert(t *testing.T) {
	conn := startPostgres(t)
	store := NewPostgresStore(conn, PostgresConfig{}, nil)
	ctx := context.Background()

	run := func(e LedgerEntry) UpsertResult {
		t.Helper()
		var res UpsertResult
		if err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			res, err = tx.UpsertLedger(ctx, e)
			return err
		}); err != nil {
			t.Fatalf("WithinTx: %v", err)
		}
		return res
	}

	md := map[string]string{"order_id": "42"}
	if got := run(ledgerEntry("pi_pg", KindSucceeded, md)); got != LedgerInserted {
		t.Fatalf("first = %v", got)
	}
	if got := run(ledgerEntry("pi_pg", KindSucceeded, md)); got != LedgerDuplicate {
		t.Fatalf("second = %v", got)
	}
	if got := run(ledgerEntry("pi_pg", KindRefunded, nil)); got != LedgerUpdated {
		t.Fatalf("third = %v", got)
	}
	if got := run(ledgerEntry("pi_pg", KindSucceeded, md)); got != LedgerDuplicate {
		t.Fatalf("late success after refund = %v, want duplicate", got)
	}
	if got := run(ledgerEntry("pi_pg", KindFailed, nil)); got != LedgerDuplicate {
		t.Fatalf("late failure after refund = %v, want duplicate", got)
	}

	entry, err := store.LedgerEntry(ctx, "pi_pg")
	if err != nil {
		t.Fatalf("LedgerEntry: %v", err)
	}
	if entry.Status != KindRefunded || entry.Metadata["order_id"] != "42" {
		t.Errorf("entry = %+v", entry)
	}
	if _, err := store.LedgerEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ConcurrentRedeliverySerializes(t *testing.T) {
	conn := startPostgres(t)
	store := NewPostgresStore(conn, PostgresConfig{}, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []UpsertResult
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				res, err := tx.UpsertLedger(ctx, ledgerEntry("pi_race", KindSucceeded, nil))
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	inserted := 0
	for _, r := range results {
		if r == LedgerInserted {
			inserted++
		}
	}
	if inserted != 1 || len(results) != 5 {
		t.Errorf("results = %v, want exactly one insert out of 5", results)
	}
}

func TestPostgresStore_RentalRoundTripAndRollback(t *testing.T) {
	conn := startPostgres(t)
	store := NewPostgresStore(conn, PostgresConfig{TxTimeout: 5 * time.Second, LockTimeout: time.Second}, nil)
	ctx := context.Background()

	var rentalID, paymentID int64
	if err := conn.QueryRowContext(ctx, `
		INSERT INTO rentals (user_id, product_id, status, payments_made, remaining_payments, buyout_price)
		VALUES (1, 2, 'active', 2, 1, 150.00) RETURNING id`).Scan(&rentalID); err != nil {
		t.Fatalf("seed rental: %v", err)
	}
	if err := conn.QueryRowContext(ctx, `
		INSERT INTO rental_payments (rental_id, amount, status) VALUES ($1, 150.00, 'pending') RETURNING id`,
		rentalID).Scan(&paymentID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockRentalPayment(ctx, rentalID, paymentID)
		if err != nil {
			return err
		}
		txn := "pi_rollback"
		now := time.Now()
		p.Status, p.TransactionID, p.PaymentDate = InstallmentStatusPaid, &txn, &now
		if err := tx.UpdateRentalPayment(ctx, p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.LockRental(ctx, rentalID)
		if err != nil {
			return err
		}
		if !r.BuyoutPrice.Equal(decimal.RequireFromString("150")) {
			t.Errorf("buyout price = %s", r.BuyoutPrice)
		}
		payments, err := tx.LockRentalPayments(ctx, rentalID)
		if err != nil {
			return err
		}
		if len(payments) != 1 || payments[0].Status != InstallmentStatusPending {
			t.Errorf("payments after rollback = %+v", payments)
		}
		_, err = tx.LockOrder(ctx, 999999)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing order, got %v", err)
	}
}
