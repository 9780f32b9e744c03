package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithFailpoint installs a hook called after every successful mutation inside
// a transaction with the name of the Tx method. A non-nil return aborts the
// transaction. Tests use it to prove multi-step outcomes roll back as a unit.
func WithFailpoint(fn func(op string) error) MemoryOption {
	return func(s *InMemoryStore) {
		s.failpoint = fn
	}
}

// WithClock overrides the time source used for row timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// InMemoryStore implements Store in process memory. Transactions run one at a
// time against a private copy of the state which replaces the committed state
// only when the transaction function succeeds.
type InMemoryStore struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	state     memState
	failpoint func(op string) error
	now       func() time.Time
}

type memState struct {
	orders          map[int64]Order
	orderItems      []OrderItem
	orderHistory    []StatusChange
	rentals         map[int64]Rental
	installments    map[int64]RentalPayment
	rentalHistory   []StatusChange
	ledger          map[string]LedgerEntry
	refunds         []Refund
	reversals       []Reversal
	nextOrderID     int64
	nextOrderItemID int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		state: memState{
			orders:          make(map[int64]Order),
			rentals:         make(map[int64]Rental),
			installments:    make(map[int64]RentalPayment),
			ledger:          make(map[string]LedgerEntry),
			nextOrderID:     1,
			nextOrderItemID: 1,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (st memState) clone() memState {
	c := memState{
		orders:          make(map[int64]Order, len(st.orders)),
		orderItems:      append([]OrderItem(nil), st.orderItems...),
		orderHistory:    append([]StatusChange(nil), st.orderHistory...),
		rentals:         make(map[int64]Rental, len(st.rentals)),
		installments:    make(map[int64]RentalPayment, len(st.installments)),
		rentalHistory:   append([]StatusChange(nil), st.rentalHistory...),
		ledger:          make(map[string]LedgerEntry, len(st.ledger)),
		refunds:         append([]Refund(nil), st.refunds...),
		reversals:       append([]Reversal(nil), st.reversals...),
		nextOrderID:     st.nextOrderID,
		nextOrderItemID: st.nextOrderItemID,
	}
	for id, o := range st.orders {
		c.orders[id] = copyOrder(o)
	}
	for id, r := range st.rentals {
		c.rentals[id] = copyRental(r)
	}
	for id, p := range st.installments {
		c.installments[id] = copyInstallment(p)
	}
	for id, e := range st.ledger {
		c.ledger[id] = copyLedgerEntry(e)
	}
	return c
}

func copyOrder(o Order) Order {
	o.PaymentID = cloneString(o.PaymentID)
	return o
}

func copyRental(r Rental) Rental {
	r.NextPaymentDate = cloneTime(r.NextPaymentDate)
	r.BuyoutDate = cloneTime(r.BuyoutDate)
	return r
}

func copyInstallment(p RentalPayment) RentalPayment {
	p.TransactionID = cloneString(p.TransactionID)
	p.PaymentDate = cloneTime(p.PaymentDate)
	return p
}

func copyLedgerEntry(e LedgerEntry) LedgerEntry {
	md := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		md[k] = v
	}
	e.Metadata = md
	return e
}

// WithinTx runs fn against a private copy of the store and commits the copy
// when fn succeeds.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctxError(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	tx := &memTx{state: &work, failpoint: s.failpoint, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctxError(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func ctxError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// LedgerEntry returns the committed ledger row for a transaction id.
func (s *InMemoryStore) LedgerEntry(ctx context.Context, providerTransactionID string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.state.ledger[providerTransactionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyLedgerEntry(e)
	return &c, nil
}

// PutOrder seeds or replaces an order.
func (s *InMemoryStore) PutOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.orders[o.ID] = copyOrder(o)
	if o.ID >= s.state.nextOrderID {
		s.state.nextOrderID = o.ID + 1
	}
}

// PutRental seeds or replaces a rental.
func (s *InMemoryStore) PutRental(r Rental) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rentals[r.ID] = copyRental(r)
}

// PutRentalPayment seeds or replaces an installment.
func (s *InMemoryStore) PutRentalPayment(p RentalPayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.installments[p.ID] = copyInstallment(p)
}

// PutLedgerEntry seeds a committed ledger row.
func (s *InMemoryStore) PutLedgerEntry(e LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ledger[e.ProviderTransactionID] = copyLedgerEntry(e)
}

// Order returns a committed order.
func (s *InMemoryStore) Order(id int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyOrder(o)
	return &c, nil
}

// Orders returns every committed order ordered by id.
func (s *InMemoryStore) Orders() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrderItems returns the items of an order.
func (s *InMemoryStore) OrderItems(orderID int64) []OrderItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OrderItem
	for _, it := range s.state.orderItems {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out
}

// OrderHistory returns the status history of an order in insertion order.
func (s *InMemoryStore) OrderHistory(orderID int64) []StatusChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterHistory(s.state.orderHistory, orderID)
}

// Rental returns a committed rental.
func (s *InMemoryStore) Rental(id int64) (*Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.rentals[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyRental(r)
	return &c, nil
}

// RentalPayment returns a committed installment.
func (s *InMemoryStore) RentalPayment(id int64) (*RentalPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.installments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyInstallment(p)
	return &c, nil
}

// RentalHistory returns the status history of a rental in insertion order.
func (s *InMemoryStore) RentalHistory(rentalID int64) []StatusChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterHistory(s.state.rentalHistory, rentalID)
}

// LedgerEntries returns every committed ledger row ordered by transaction id.
func (s *InMemoryStore) LedgerEntries() []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LedgerEntry, 0, len(s.state.ledger))
	for _, e := range s.state.ledger {
		out = append(out, copyLedgerEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderTransactionID < out[j].ProviderTransactionID })
	return out
}

// Refunds returns every committed refund row.
func (s *InMemoryStore) Refunds() []Refund {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Refund(nil), s.state.refunds...)
}

// Reversals returns every committed reversal row.
func (s *InMemoryStore) Reversals() []Reversal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Reversal(nil), s.state.reversals...)
}

func filterHistory(rows []StatusChange, id int64) []StatusChange {
	var out []StatusChange
	for _, h := range rows {
		if h.EntityID == id {
			out = append(out, h)
		}
	}
	return out
}

// memTx mutates a private memState owned by one WithinTx call.
type memTx struct {
	state     *memState
	failpoint func(op string) error
	now       func() time.Time
}

func (t *memTx) after(op string) error {
	if t.failpoint == nil {
		return nil
	}
	return t.failpoint(op)
}

func (t *memTx) UpsertLedger(ctx context.Context, entry LedgerEntry) (UpsertResult, error) {
	if err := ValidateTransactionID(entry.ProviderTransactionID); err != nil {
		return 0, err
	}
	now := t.now()
	entry = copyLedgerEntry(entry)

	existing, ok := t.state.ledger[entry.ProviderTransactionID]
	if !ok {
		entry.RecordedAt = now
		entry.UpdatedAt = now
		t.state.ledger[entry.ProviderTransactionID] = entry
		return LedgerInserted, t.after("UpsertLedger")
	}
	if !Advances(existing.Status, entry.Status) {
		return LedgerDuplicate, nil
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = existing.Metadata
	}
	entry.RecordedAt = existing.RecordedAt
	entry.UpdatedAt = now
	t.state.ledger[entry.ProviderTransactionID] = entry
	return LedgerUpdated, t.after("UpsertLedger")
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*Order, error) {
	o, ok := t.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	c := copyOrder(o)
	return &c, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string, paymentID *string) error {
	o, ok := t.state.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	o.Status = status
	if paymentID != nil {
		o.PaymentID = cloneString(paymentID)
	}
	o.UpdatedAt = t.now()
	t.state.orders[orderID] = o
	return t.after("UpdateOrderStatus")
}

func (t *memTx) CreateOrder(ctx context.Context, order *Order, items []OrderItem) (int64, error) {
	id := t.state.nextOrderID
	t.state.nextOrderID++

	now := t.now()
	o := copyOrder(*order)
	o.ID = id
	o.CreatedAt = now
	o.UpdatedAt = now
	t.state.orders[id] = o

	for _, it := range items {
		it.ID = t.state.nextOrderItemID
		t.state.nextOrderItemID++
		it.OrderID = id
		t.state.orderItems = append(t.state.orderItems, it)
	}
	return id, t.after("CreateOrder")
}

func (t *memTx) AddOrderHistory(ctx context.Context, change StatusChange) error {
	if _, ok := t.state.orders[change.EntityID]; !ok {
		return fmt.Errorf("order %d: %w", change.EntityID, ErrNotFound)
	}
	change.CreatedAt = t.now()
	t.state.orderHistory = append(t.state.orderHistory, change)
	return t.after("AddOrderHistory")
}

func (t *memTx) LockRental(ctx context.Context, rentalID int64) (*Rental, error) {
	r, ok := t.state.rentals[rentalID]
	if !ok {
		return nil, fmt.Errorf("rental %d: %w", rentalID, ErrNotFound)
	}
	c := copyRental(r)
	return &c, nil
}

func (t *memTx) UpdateRental(ctx context.Context, rental *Rental) error {
	if _, ok := t.state.rentals[rental.ID]; !ok {
		return fmt.Errorf("rental %d: %w", rental.ID, ErrNotFound)
	}
	r := copyRental(*rental)
	r.UpdatedAt = t.now()
	t.state.rentals[rental.ID] = r
	return t.after("UpdateRental")
}

func (t *memTx) AddRentalHistory(ctx context.Context, change StatusChange) error {
	if _, ok := t.state.rentals[change.EntityID]; !ok {
		return fmt.Errorf("rental %d: %w", change.EntityID, ErrNotFound)
	}
	change.CreatedAt = t.now()
	t.state.rentalHistory = append(t.state.rentalHistory, change)
	return t.after("AddRentalHistory")
}

func (t *memTx) LockRentalPayment(ctx context.Context, rentalID, paymentID int64) (*RentalPayment, error) {
	p, ok := t.state.installments[paymentID]
	if !ok || p.RentalID != rentalID {
		return nil, fmt.Errorf("rental %d payment %d: %w", rentalID, paymentID, ErrNotFound)
	}
	c := copyInstallment(p)
	return &c, nil
}

func (t *memTx) LockRentalPayments(ctx context.Context, rentalID int64) ([]RentalPayment, error) {
	var out []RentalPayment
	for _, p := range t.state.installments {
		if p.RentalID == rentalID {
			out = append(out, copyInstallment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateRentalPayment(ctx context.Context, p *RentalPayment) error {
	if _, ok := t.state.installments[p.ID]; !ok {
		return fmt.Errorf("rental payment %d: %w", p.ID, ErrNotFound)
	}
	t.state.installments[p.ID] = copyInstallment(*p)
	return t.after("UpdateRentalPayment")
}

func (t *memTx) InsertRefund(ctx context.Context, refund Refund) error {
	refund.CreatedAt = t.now()
	t.state.refunds = append(t.state.refunds, refund)
	return t.after("InsertRefund")
}

func (t *memTx) InsertReversal(ctx context.Context, reversal Reversal) error {
	reversal.CreatedAt = t.now()
	t.state.reversals = append(t.state.reversals, reversal)
	return t.after("InsertReversal")
}
