package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IdempotencyRecord is the stored outcome of a booking create made under an
// Idempotency-Key. BookingID stays empty until the create is finalized.
type IdempotencyRecord struct {
	CustomerWallet string
	Key            string
	BookingID      string
	AuditHash      string
}

// Tx is a read-check-write unit of work. Reads lock the rows they return until
// the transaction ends, so a check made on a read still holds at commit.
type Tx interface {
	Booking(ctx context.Context, id string) (model.Booking, error)
	Slot(ctx context.Context, id string) (model.Slot, error)
	// ExpiredBookings returns confirmed bookings whose decision deadline is at
	// or before now, oldest deadline first. Rows already locked by another
	// transaction are skipped.
	ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	// ProviderSlots returns the provider's slots of any status that overlap
	// [from, to). Concurrent callers for the same provider are serialized
	// until the transaction ends.
	ProviderSlots(ctx context.Context, providerID string, from, to time.Time) ([]model.Slot, error)

	InsertBooking(ctx context.Context, b model.Booking) error
	UpdateBooking(ctx context.Context, b model.Booking) error
	InsertSlot(ctx context.Context, s model.Slot) error
	UpdateSlot(ctx context.Context, s model.Slot) error
	InsertService(ctx context.Context, s model.Service) error
	UpsertProvider(ctx context.Context, p model.Provider) error
	AppendEvent(ctx context.Context, evt outbox.Event) error

	// LockIdempotencyKey claims the key for the rest of the transaction.
	// exists reports whether the key was already recorded by a committed
	// transaction, in which case rec carries its outcome.
	LockIdempotencyKey(ctx context.Context, customerWallet, key string) (rec IdempotencyRecord, exists bool, err error)
	FinalizeIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

type Store interface {
	// InTx runs fn in a transaction. Returning an error from fn discards every
	// write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Booking(ctx context.Context, id string) (model.Booking, error)
	ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error)
	Service(ctx context.Context, id string) (model.Service, error)
	Provider(ctx context.Context, id string) (model.Provider, error)
	ListOpenSlots(ctx context.Context, providerID string, limit int) ([]model.Slot, error)

	// PatchSettlement writes only the settlement fields of a booking.
	PatchSettlement(ctx context.Context, bookingID string, patch model.SettlementPatch) error
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
