package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/audit"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/storage"
)

const (
	DefaultSweepLimit = 100
	MaxSweepLimit     = 500

	defaultSettleTimeout = 5 * time.Minute
)

// Settler moves a booking's deposit through the settlement network.
type Settler interface {
	Settle(ctx context.Context, bookingID, depositAmount string) (settlement.Result, error)
}

type Manager struct {
	store         storage.Store
	settler       Settler
	logger        *slog.Logger
	now           func() time.Time
	settleTimeout time.Duration

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithClock overrides the wall clock used for deadlines and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSettleTimeout bounds one background settlement end to end.
func WithSettleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.settleTimeout = d
		}
	}
}

// NewManager builds a Manager. A nil settler disables post-create settlement.
func NewManager(store storage.Store, settler Settler, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		settler:       settler,
		logger:        logger,
		now:           time.Now,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateInput struct {
	ProviderID     string
	ServiceID      string
	CustomerWallet string
	DepositAmount  string
	// SlotID, when set, supplies the booking window. Otherwise StartTime and
	// EndTime (RFC 3339) are required.
	SlotID    string
	StartTime string
	EndTime   string
	// IdempotencyKey, when set, makes a retried create return the first
	// booking instead of booking and settling again. Keys are scoped to the
	// customer wallet.
	IdempotencyKey string
}

// maxIdempotencyKeyLen bounds client supplied Idempotency-Key values.
const maxIdempotencyKeyLen = 200

type Result struct {
	BookingID string
	AuditHash string
	// Replayed is set when the result comes from an earlier create made under
	// the same idempotency key.
	Replayed bool
}

func (m *Manager) CreateBooking(ctx context.Context, in CreateInput) (Result, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.ServiceID = strings.TrimSpace(in.ServiceID)
	in.CustomerWallet = strings.TrimSpace(in.CustomerWallet)
	in.DepositAmount = strings.TrimSpace(in.DepositAmount)
	in.SlotID = strings.TrimSpace(in.SlotID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.ProviderID == "" || in.ServiceID == "" || in.CustomerWallet == "" || in.DepositAmount == "" {
		return Result{}, ErrMissingFields
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return Result{}, ErrInvalidIdempotencyKey
	}

	var booking model.Booking
	var replay *Result
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if in.IdempotencyKey != "" {
			rec, exists, err := tx.LockIdempotencyKey(ctx, in.CustomerWallet, in.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("lock idempotency key: %w", err)
			}
			if exists && rec.BookingID != "" {
				replay = &Result{BookingID: rec.BookingID, AuditHash: rec.AuditHash, Replayed: true}
				return nil
			}
		}

		var start, end time.Time
		var slot *model.Slot
		if in.SlotID != "" {
			s, err := tx.Slot(ctx, in.SlotID)
			if storage.IsNotFound(err) {
				return ErrSlotNotFound
			}
			if err != nil {
				return err
			}
			if s.Status != model.SlotOpen {
				return ErrSlotUnavailable
			}
			if s.ProviderID != in.ProviderID || s.ServiceID != in.ServiceID {
				return ErrSlotMismatch
			}
			start, end = s.StartTime, s.EndTime
			slot = &s
		} else {
			if strings.TrimSpace(in.StartTime) == "" || strings.TrimSpace(in.EndTime) == "" {
				return ErrMissingFields
			}
			var err error
			if start, err = time.Parse(time.RFC3339, strings.TrimSpace(in.StartTime)); err != nil {
				return ErrInvalidTimeRange
			}
			if end, err = time.Parse(time.RFC3339, strings.TrimSpace(in.EndTime)); err != nil {
				return ErrInvalidTimeRange
			}
		}
		if !end.After(start) {
			return ErrInvalidTimeRange
		}

		now := m.now().UTC()
		cancelDeadline, decisionDeadline := model.Deadlines(start, end)
		booking = model.Booking{
			ID:               uuid.NewString(),
			ProviderID:       in.ProviderID,
			ServiceID:        in.ServiceID,
			SlotID:           in.SlotID,
			CustomerWallet:   in.CustomerWallet,
			StartTime:        start.UTC(),
			EndTime:          end.UTC(),
			DepositAmount:    in.DepositAmount,
			Status:           model.BookingConfirmed,
			CancelDeadline:   cancelDeadline.UTC(),
			DecisionDeadline: decisionDeadline.UTC(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		hash, err := audit.Hash(audit.ActionCreateBooking, map[string]any{"booking": booking})
		if err != nil {
			return err
		}
		booking.AuditHash = hash

		if err := tx.InsertBooking(ctx, booking); err != nil {
			return err
		}
		if slot != nil {
			slot.Status = model.SlotBooked
			slot.UpdatedAt = now
			if err := tx.UpdateSlot(ctx, *slot); err != nil {
				return err
			}
		}
		if in.IdempotencyKey != "" {
			if err := tx.FinalizeIdempotency(ctx, storage.IdempotencyRecord{
				CustomerWallet: in.CustomerWallet,
				Key:            in.IdempotencyKey,
				BookingID:      booking.ID,
				AuditHash:      booking.AuditHash,
			}); err != nil {
				return fmt.Errorf("finalize idempotency key: %w", err)
			}
		}
		evt, err := outbox.BookingEvent(outbox.TypeBookingConfirmed, booking)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return Result{}, err
	}
	if replay != nil {
		m.logger.Info("booking create replayed", "booking_id", replay.BookingID)
		return *replay, nil
	}

	m.logger.Info("booking created", "booking_id", booking.ID, "slot_id", booking.SlotID, "audit_hash", booking.AuditHash)
	m.startSettlement(ctx, booking)
	return Result{BookingID: booking.ID, AuditHash: booking.AuditHash}, nil
}

type transition struct {
	Status    model.BookingStatus `json:"status"`
	Outcome   model.Outcome       `json:"outcome"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func (m *Manager) CancelBooking(ctx context.Context, bookingID, customerWallet string) (Result, error) {
	bookingID = strings.TrimSpace(bookingID)
	customerWallet = strings.TrimSpace(customerWallet)
	if bookingID == "" || customerWallet == "" {
		return Result{}, ErrMissingFields
	}

	var hash string
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := m.lockBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.CustomerWallet != customerWallet {
			return ErrForbidden
		}
		if b.Status != model.BookingConfirmed {
			return ErrNotCancelable
		}
		now := m.now().UTC()
		if now.After(b.CancelDeadline) {
			return ErrDeadlinePassed
		}
		hash, err = m.applyTransition(ctx, tx, b, audit.ActionCancelBooking, transition{
			Status:    model.BookingCanceled,
			Outcome:   model.OutcomeCanceled,
			UpdatedAt: now,
		}, outbox.TypeBookingCanceled)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("booking canceled", "booking_id", bookingID)
	return Result{BookingID: bookingID, AuditHash: hash}, nil
}

func (m *Manager) CompleteBooking(ctx context.Context, bookingID, providerID string, outcome model.Outcome) (Result, error) {
	bookingID = strings.TrimSpace(bookingID)
	providerID = strings.TrimSpace(providerID)
	if bookingID == "" || providerID == "" {
		return Result{}, ErrMissingFields
	}
	if outcome != model.OutcomeShow && outcome != model.OutcomeNoShow {
		return Result{}, ErrInvalidOutcome
	}

	var hash string
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := m.lockBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.ProviderID != providerID {
			return ErrForbidden
		}
		if b.Status != model.BookingConfirmed {
			return ErrNotCompletable
		}
		hash, err = m.applyTransition(ctx, tx, b, audit.ActionCompleteBooking, transition{
			Status:    model.BookingCompleted,
			Outcome:   outcome,
			UpdatedAt: m.now().UTC(),
		}, outbox.TypeBookingCompleted)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("booking completed", "booking_id", bookingID, "outcome", outcome)
	return Result{BookingID: bookingID, AuditHash: hash}, nil
}

func (m *Manager) lockBooking(ctx context.Context, tx storage.Tx, id string) (model.Booking, error) {
	b, err := tx.Booking(ctx, id)
	if storage.IsNotFound(err) {
		return model.Booking{}, ErrNotFound
	}
	return b, err
}

func (m *Manager) applyTransition(ctx context.Context, tx storage.Tx, b model.Booking, action string, t transition, eventType string) (string, error) {
	hash, err := audit.Hash(action, map[string]any{"bookingId": b.ID, "updated": t})
	if err != nil {
		return "", err
	}
	b.Status = t.Status
	b.Outcome = t.Outcome
	b.UpdatedAt = t.UpdatedAt
	b.AuditHash = hash
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return "", err
	}
	evt, err := outbox.BookingEvent(eventType, b)
	if err != nil {
		return "", err
	}
	return hash, tx.AppendEvent(ctx, evt)
}

type SweepResult struct {
	Scanned int       `json:"scanned"`
	Updated int       `json:"updated"`
	Now     time.Time `json:"now"`
}

// ResolveExpiredBookings marks confirmed bookings past their decision
// deadline as completed with outcome auto_no_show. The batch commits or fails
// as a whole.
func (m *Manager) ResolveExpiredBookings(ctx context.Context, limit int) (SweepResult, error) {
	switch {
	case limit <= 0:
		limit = DefaultSweepLimit
	case limit > MaxSweepLimit:
		limit = MaxSweepLimit
	}
	now := m.now().UTC()
	res := SweepResult{Now: now}

	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		expired, err := tx.ExpiredBookings(ctx, now, limit)
		if err != nil {
			return err
		}
		res.Scanned = len(expired)
		res.Updated = 0
		for _, b := range expired {
			patch := transition{
				Status:    model.BookingCompleted,
				Outcome:   model.OutcomeAutoNoShow,
				UpdatedAt: now,
			}
			hash, err := audit.Hash(audit.ActionAutoNoShow, map[string]any{
				"bookingId": b.ID,
				"patch":     patch,
				"booking":   b,
			})
			if err != nil {
				return err
			}
			b.Status = patch.Status
			b.Outcome = patch.Outcome
			b.UpdatedAt = now
			b.AuditHash = hash
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return fmt.Errorf("auto-resolve booking %s: %w", b.ID, err)
			}
			evt, err := outbox.BookingEvent(outbox.TypeBookingCompleted, b)
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, evt); err != nil {
				return err
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	if res.Updated > 0 {
		m.logger.Info("expired bookings resolved", "scanned", res.Scanned, "updated", res.Updated)
	}
	return res, nil
}

// Wait blocks until background settlements started so far have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) startSettlement(ctx context.Context, b model.Booking) {
	if m.settler == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.settleTimeout)
		defer cancel()
		m.settle(settleCtx, b)
	}()
}

func (m *Manager) settle(ctx context.Context, b model.Booking) {
	logger := m.logger.With("booking_id", b.ID)
	if err := m.store.PatchSettlement(ctx, b.ID, model.SettlementPatch{Status: model.SettlementPending}); err != nil {
		logger.Error("settlement patch failed", "status", model.SettlementPending, "err", err)
	}

	res, err := m.settler.Settle(ctx, b.ID, b.DepositAmount)
	patch := model.SettlementPatch{
		Status:    model.SettlementSettled,
		SessionID: res.SessionID,
		TxHash:    res.TxHash,
	}
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			msg = "settlement timed out: " + msg
		}
		patch = model.SettlementPatch{
			Status:    model.SettlementFailed,
			SessionID: res.SessionID,
			Error:     msg,
		}
		logger.Warn("settlement failed", "err", err)
	} else {
		logger.Info("settlement completed", "session_id", res.SessionID, "tx_hash", res.TxHash)
	}

	// The settle context may be spent; the final patch gets its own budget.
	patchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.store.PatchSettlement(patchCtx, b.ID, patch); err != nil {
		logger.Error("settlement patch failed", "status", patch.Status, "err", err)
	}
}
