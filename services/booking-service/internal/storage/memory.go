package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/outbox"
)

// Memory is an in-process Store for local runs and tests. Transactions are
// serialized by a single lock and staged until commit.
type Memory struct {
	mu        sync.RWMutex
	bookings  map[string]model.Booking
	slots     map[string]model.Slot
	services  map[string]model.Service
	providers map[string]model.Provider
	idem      map[string]IdempotencyRecord
	events    []outbox.Event
	maxEvents int

	// BeforeUpdate, when set, runs before every staged booking update and can
	// fail it. Tests use it to simulate write failures.
	BeforeUpdate func(model.Booking) error
}

// DefaultMaxEvents bounds the outbox events a Memory store retains. Nothing
// publishes them, so only the most recent are kept for inspection.
const DefaultMaxEvents = 1000

func NewMemory() *Memory {
	return &Memory{
		bookings:  map[string]model.Booking{},
		slots:     map[string]model.Slot{},
		services:  map[string]model.Service{},
		providers: map[string]model.Provider{},
		idem:      map[string]IdempotencyRecord{},
		maxEvents: DefaultMaxEvents,
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:         m,
		bookings:  map[string]model.Booking{},
		slots:     map[string]model.Slot{},
		services:  map[string]model.Service{},
		providers: map[string]model.Provider{},
		idem:      map[string]IdempotencyRecord{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, b := range tx.bookings {
		m.bookings[id] = b
	}
	for id, s := range tx.slots {
		m.slots[id] = s
	}
	for id, s := range tx.services {
		m.services[id] = s
	}
	for id, p := range tx.providers {
		m.providers[id] = p
	}
	for k, rec := range tx.idem {
		m.idem[k] = rec
	}
	m.events = append(m.events, tx.events...)
	if over := len(m.events) - m.maxEvents; m.maxEvents > 0 && over > 0 {
		m.events = append([]outbox.Event(nil), m.events[over:]...)
	}
	return nil
}

func (m *Memory) Booking(_ context.Context, id string) (model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return model.Booking{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) ListBookings(_ context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Booking
	for _, b := range m.bookings {
		if filter.ProviderID != "" && b.ProviderID != filter.ProviderID {
			continue
		}
		if filter.CustomerWallet != "" && b.CustomerWallet != filter.CustomerWallet {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit := clampLimit(filter.Limit, 50, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Service(_ context.Context, id string) (model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return model.Service{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Provider(_ context.Context, id string) (model.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return model.Provider{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListOpenSlots(_ context.Context, providerID string, limit int) ([]model.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Slot
	for _, s := range m.slots {
		if s.ProviderID == providerID && s.Status == model.SlotOpen {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit = clampLimit(limit, 50, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PatchSettlement(_ context.Context, bookingID string, patch model.SettlementPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(&b)
	m.bookings[bookingID] = b
	return nil
}

// Events returns a copy of the most recent committed outbox events.
func (m *Memory) Events() []outbox.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]outbox.Event(nil), m.events...)
}

type memoryTx struct {
	m         *Memory
	bookings  map[string]model.Booking
	slots     map[string]model.Slot
	services  map[string]model.Service
	providers map[string]model.Provider
	idem      map[string]IdempotencyRecord
	events    []outbox.Event
}

func (tx *memoryTx) Booking(_ context.Context, id string) (model.Booking, error) {
	if b, ok := tx.bookings[id]; ok {
		return b, nil
	}
	if b, ok := tx.m.bookings[id]; ok {
		return b, nil
	}
	return model.Booking{}, ErrNotFound
}

func (tx *memoryTx) Slot(_ context.Context, id string) (model.Slot, error) {
	if s, ok := tx.slots[id]; ok {
		return s, nil
	}
	if s, ok := tx.m.slots[id]; ok {
		return s, nil
	}
	return model.Slot{}, ErrNotFound
}

func (tx *memoryTx) ExpiredBookings(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	var out []model.Booking
	for id, b := range tx.m.bookings {
		if staged, ok := tx.bookings[id]; ok {
			b = staged
		}
		if b.Status == model.BookingConfirmed && !b.DecisionDeadline.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DecisionDeadline.Equal(out[j].DecisionDeadline) {
			return out[i].ID < out[j].ID
		}
		return out[i].DecisionDeadline.Before(out[j].DecisionDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) ProviderSlots(_ context.Context, providerID string, from, to time.Time) ([]model.Slot, error) {
	var out []model.Slot
	seen := map[string]bool{}
	collect := func(s model.Slot) {
		if seen[s.ID] || s.ProviderID != providerID {
			return
		}
		seen[s.ID] = true
		if s.StartTime.Before(to) && from.Before(s.EndTime) {
			out = append(out, s)
		}
	}
	for _, s := range tx.slots {
		collect(s)
	}
	for _, s := range tx.m.slots {
		collect(s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (tx *memoryTx) InsertBooking(ctx context.Context, b model.Booking) error {
	if _, err := tx.Booking(ctx, b.ID); err == nil {
		return fmt.Errorf("%w: booking %s exists", ErrConflict, b.ID)
	}
	tx.bookings[b.ID] = b
	return nil
}

func (tx *memoryTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	if _, err := tx.Booking(ctx, b.ID); err != nil {
		return err
	}
	if tx.m.BeforeUpdate != nil {
		if err := tx.m.BeforeUpdate(b); err != nil {
			return err
		}
	}
	tx.bookings[b.ID] = b
	return nil
}

func (tx *memoryTx) InsertSlot(ctx context.Context, s model.Slot) error {
	if _, err := tx.Slot(ctx, s.ID); err == nil {
		return fmt.Errorf("%w: slot %s exists", ErrConflict, s.ID)
	}
	tx.slots[s.ID] = s
	return nil
}

func (tx *memoryTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	if _, err := tx.Slot(ctx, s.ID); err != nil {
		return err
	}
	tx.slots[s.ID] = s
	return nil
}

func (tx *memoryTx) InsertService(_ context.Context, s model.Service) error {
	if _, ok := tx.m.services[s.ID]; ok {
		return fmt.Errorf("%w: service %s exists", ErrConflict, s.ID)
	}
	tx.services[s.ID] = s
	return nil
}

func (tx *memoryTx) UpsertProvider(_ context.Context, p model.Provider) error {
	if existing, ok := tx.m.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	tx.providers[p.ID] = p
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	tx.events = append(tx.events, evt)
	return nil
}

func idempotencyKey(customerWallet, key string) string {
	return customerWallet + "\x00" + key
}

func (tx *memoryTx) LockIdempotencyKey(_ context.Context, customerWallet, key string) (IdempotencyRecord, bool, error) {
	k := idempotencyKey(customerWallet, key)
	if rec, ok := tx.m.idem[k]; ok {
		return rec, true, nil
	}
	if rec, ok := tx.idem[k]; ok {
		return rec, false, nil
	}
	rec := IdempotencyRecord{CustomerWallet: customerWallet, Key: key}
	tx.idem[k] = rec
	return rec, false, nil
}

func (tx *memoryTx) FinalizeIdempotency(_ context.Context, rec IdempotencyRecord) error {
	k := idempotencyKey(rec.CustomerWallet, rec.Key)
	if _, ok := tx.idem[k]; !ok {
		return fmt.Errorf("%w: idempotency key %q not locked", ErrNotFound, rec.Key)
	}
	tx.idem[k] = rec
	return nil
}
