// Package memory implements the order store in process memory. Atomic units
// are serialized by a single mutex and run against a copy of the data that
// replaces the original only on commit. Intended for development and tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/outbox"
)

var (
	_ order.Store       = (*Store)(nil)
	_ order.AddressBook = (*Store)(nil)
	_ order.PromoCodes  = (*Store)(nil)
	_ outbox.Repository = (*Store)(nil)
)

type user struct {
	discountUsed bool
}

type outboxEntry struct {
	msg  outbox.Message
	sent bool
	dead bool
}

func (e outboxEntry) pending() bool {
	return !e.sent && !e.dead
}

type state struct {
	users     map[string]user
	addresses map[string]string
	units     map[catalog.Ref]catalog.Unit
	orders    map[string]*order.Order
	numbers   map[string]struct{}
	promos    map[string]struct{}
	outbox    []outboxEntry
}

func (s *state) clone() *state {
	return &state{
		users:     maps.Clone(s.users),
		addresses: maps.Clone(s.addresses),
		units:     maps.Clone(s.units),
		orders:    maps.Clone(s.orders),
		numbers:   maps.Clone(s.numbers),
		promos:    maps.Clone(s.promos),
		outbox:    slices.Clone(s.outbox),
	}
}

// Store is an in-memory order store.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: &state{
		users:     map[string]user{},
		addresses: map[string]string{},
		units:     map[catalog.Ref]catalog.Unit{},
		orders:    map[string]*order.Order{},
		numbers:   map[string]struct{}{},
		promos:    map[string]struct{}{},
	}}
}

// AddUser registers a user without orders.
func (s *Store) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[id] = user{}
}

// AddAddress registers a delivery address owned by userID.
func (s *Store) AddAddress(userID, addressID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.addresses[addressID] = userID
}

// PutUnit creates or replaces a sellable unit.
func (s *Store) PutUnit(u catalog.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.units[u.Ref] = u
}

// AddPromoCode registers a known coupon code.
func (s *Store) AddPromoCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.promos[code] = struct{}{}
}

// Stock returns the current stock of a unit.
func (s *Store) Stock(ref catalog.Ref) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.units[ref]
	return u.Stock, ok
}

// DiscountUsed reports whether the user consumed the first-order discount.
func (s *Store) DiscountUsed(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.users[userID].discountUsed
}

// Orders returns the orders of a user.
func (s *Store) Orders(userID string) []*order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Order
	for _, o := range s.data.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	return out
}

// Pending returns outbox messages neither sent nor parked.
func (s *Store) Pending() []outbox.Message {
	return s.outboxWhere(outboxEntry.pending)
}

// Dead returns outbox messages parked after exhausting their attempts.
func (s *Store) Dead() []outbox.Message {
	return s.outboxWhere(func(e outboxEntry) bool { return e.dead })
}

func (s *Store) outboxWhere(keep func(outboxEntry) bool) []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for _, e := range s.data.outbox {
		if keep(e) {
			out = append(out, e.msg)
		}
	}
	return out
}

// InTx implements order.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(ctx, &tx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Get implements order.Store.
func (s *Store) Get(_ context.Context, userID, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// cloneOrder detaches an order from the stored copy so callers cannot
// rewrite lines after the fact.
func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Lines = slices.Clone(o.Lines)
	return &c
}

// Owns implements order.AddressBook.
func (s *Store) Owns(_ context.Context, userID, addressID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.addresses[addressID]
	return ok && owner == userID, nil
}

// Exists implements order.PromoCodes.
func (s *Store) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.promos[code]
	return ok, nil
}

// Claim implements outbox.Repository.
func (s *Store) Claim(ctx context.Context, limit int, fn func(ctx context.Context, msgs []outbox.Message, ack outbox.Acker) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []outbox.Message
	for _, e := range s.data.outbox {
		if len(msgs) == limit {
			break
		}
		if e.pending() {
			msgs = append(msgs, e.msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fn(ctx, msgs, acker{data: s.data})
}

type acker struct {
	data *state
}

func (a acker) update(id string, fn func(e *outboxEntry)) {
	for i := range a.data.outbox {
		if a.data.outbox[i].msg.ID == id {
			fn(&a.data.outbox[i])
		}
	}
}

func (a acker) MarkSent(_ context.Context, id string) error {
	a.update(id, func(e *outboxEntry) { e.sent = true })
	return nil
}

func (a acker) MarkFailed(_ context.Context, id string) error {
	a.update(id, func(e *outboxEntry) { e.msg.Attempts++ })
	return nil
}

func (a acker) MarkDead(_ context.Context, id string) error {
	a.update(id, func(e *outboxEntry) {
		e.msg.Attempts++
		e.dead = true
	})
	return nil
}

type tx struct {
	data *state
}

func (t *tx) LockDiscountState(_ context.Context, userID string) (order.DiscountState, error) {
	u, ok := t.data.users[userID]
	if !ok {
		return order.DiscountState{}, &order.UserNotFoundError{UserID: userID}
	}
	st := order.DiscountState{FirstOrderDiscountUsed: u.discountUsed}
	for _, o := range t.data.orders {
		if o.UserID == userID {
			st.PriorOrders++
		}
	}
	return st, nil
}

func (t *tx) Unit(_ context.Context, ref catalog.Ref) (catalog.Unit, error) {
	u, ok := t.data.units[ref]
	if !ok {
		return catalog.Unit{}, &catalog.UnitNotFoundError{Ref: ref}
	}
	return u, nil
}

func (t *tx) DecrementStock(_ context.Context, ref catalog.Ref, qty int) error {
	u, ok := t.data.units[ref]
	if !ok {
		return &catalog.UnitNotFoundError{Ref: ref}
	}
	if u.Stock < qty {
		return &catalog.InsufficientStockError{Ref: ref, Requested: qty, Available: u.Stock}
	}
	u.Stock -= qty
	t.data.units[ref] = u
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *order.Order) error {
	if _, taken := t.data.numbers[o.Number]; taken {
		return order.ErrOrderNumberTaken
	}
	t.data.numbers[o.Number] = struct{}{}
	t.data.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *tx) MarkFirstOrderDiscountUsed(_ context.Context, userID string) error {
	u, ok := t.data.users[userID]
	if !ok {
		return &order.UserNotFoundError{UserID: userID}
	}
	u.discountUsed = true
	t.data.users[userID] = u
	return nil
}

func (t *tx) Enqueue(_ context.Context, msg outbox.Message) error {
	t.data.outbox = append(t.data.outbox, outboxEntry{msg: msg})
	return nil
}
