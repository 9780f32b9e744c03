package payment

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransactionID is returned when a ledger key is empty.
	ErrInvalidTransactionID = errors.New("invalid provider transaction id")

	// ErrTransactionIDTooLong is returned when a ledger key exceeds MaxTransactionIDLength.
	ErrTransactionIDTooLong = errors.New("provider transaction id exceeds maximum length of 255 characters")
)

// MaxTransactionIDLength matches the width of payment_ledger.provider_transaction_id.
const MaxTransactionIDLength = 255

// LedgerEntry is the audit and idempotency record for one provider money movement.
type LedgerEntry struct {
	ProviderTransactionID string            `json:"provider_transaction_id"`
	Provider              Provider          `json:"provider"`
	EventType             string            `json:"event_type"`
	AmountMinorUnits      int64             `json:"amount_minor_units"`
	Currency              string            `json:"currency"`
	Status                EventKind         `json:"status"`
	Outcome               string            `json:"outcome"`
	Metadata              map[string]string `json:"metadata"`
	RecordedAt            time.Time         `json:"recorded_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// UpsertResult describes what a ledger upsert did.
type UpsertResult int

const (
	// LedgerInserted means no row existed for the transaction id.
	LedgerInserted UpsertResult = iota
	// LedgerUpdated means a row existed with an earlier status and was moved
	// forward.
	LedgerUpdated
	// LedgerDuplicate means a row existed with the same or a later status.
	// Nothing changed.
	LedgerDuplicate
)

// ledgerRank orders ledger statuses. A recorded status only ever moves to a
// higher rank: failed, then succeeded, then refunded or reversed. Keep in
// sync with payment_ledger_status_rank in the migrations.
func ledgerRank(k EventKind) int {
	switch k {
	case KindFailed:
		return 1
	case KindSucceeded:
		return 2
	case KindRefunded, KindReversed:
		return 3
	default:
		return 0
	}
}

// Advances reports whether a ledger row recorded as from may move to to.
// Redeliveries and late arrivals of older events do not advance.
func Advances(from, to EventKind) bool {
	return ledgerRank(to) > ledgerRank(from)
}

func (r UpsertResult) String() string {
	switch r {
	case LedgerInserted:
		return "inserted"
	case LedgerUpdated:
		return "updated"
	case LedgerDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ValidateTransactionID checks a ledger key before it reaches the store.
func ValidateTransactionID(id string) error {
	if id == "" {
		return ErrInvalidTransactionID
	}
	if len(id) > MaxTransactionIDLength {
		return ErrTransactionIDTooLong
	}
	return nil
}

// NewLedgerEntry derives the ledger row for an event classified as outcome.
func NewLedgerEntry(event *PaymentEvent, outcome string) LedgerEntry {
	md := make(map[string]string, len(event.Metadata))
	for k, v := range event.Metadata {
		md[k] = v
	}
	return LedgerEntry{
		ProviderTransactionID: event.ProviderTransactionID,
		Provider:              event.Provider,
		EventType:             event.EventType,
		AmountMinorUnits:      event.AmountMinorUnits,
		Currency:              event.Currency,
		Status:                event.Kind,
		Outcome:               outcome,
		Metadata:              md,
	}
}
