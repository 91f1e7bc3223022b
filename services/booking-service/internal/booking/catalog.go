package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/deposit"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/storage"
)

type ServiceInput struct {
	ProviderID      string
	ProviderName    string
	WalletAddress   string
	ServiceName     string
	DurationMinutes int
	PriceUSDC       string
	DepositRule     *model.DepositRule
}

// CreateService upserts the provider and adds one of its services.
func (m *Manager) CreateService(ctx context.Context, in ServiceInput) (model.Service, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.ProviderName = strings.TrimSpace(in.ProviderName)
	in.ServiceName = strings.TrimSpace(in.ServiceName)
	if in.ProviderID == "" || in.ProviderName == "" || in.ServiceName == "" || in.DepositRule == nil {
		return model.Service{}, ErrMissingFields
	}
	if in.DurationMinutes <= 0 {
		return model.Service{}, fmt.Errorf("%w: durationMinutes must be positive", ErrInvalidService)
	}
	if err := deposit.Validate(in.DepositRule); err != nil {
		return model.Service{}, fmt.Errorf("%w: %v", ErrInvalidService, err)
	}

	now := m.now().UTC()
	svc := model.Service{
		ID:              uuid.NewString(),
		ProviderID:      in.ProviderID,
		Name:            in.ServiceName,
		DurationMinutes: in.DurationMinutes,
		PriceUSDC:       strings.TrimSpace(in.PriceUSDC),
		DepositRule:     in.DepositRule,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertProvider(ctx, model.Provider{
			ID:            in.ProviderID,
			Name:          in.ProviderName,
			WalletAddress: strings.TrimSpace(in.WalletAddress),
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		return tx.InsertService(ctx, svc)
	})
	if err != nil {
		return model.Service{}, err
	}
	return svc, nil
}

type SlotInput struct {
	ProviderID string
	ServiceID  string
	StartTime  string
	EndTime    string
}

func (m *Manager) CreateSlot(ctx context.Context, in SlotInput) (model.Slot, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.ServiceID = strings.TrimSpace(in.ServiceID)
	in.StartTime = strings.TrimSpace(in.StartTime)
	in.EndTime = strings.TrimSpace(in.EndTime)
	if in.ProviderID == "" || in.ServiceID == "" || in.StartTime == "" || in.EndTime == "" {
		return model.Slot{}, ErrMissingFields
	}
	start, err := time.Parse(time.RFC3339, in.StartTime)
	if err != nil {
		return model.Slot{}, ErrInvalidTimeRange
	}
	end, err := time.Parse(time.RFC3339, in.EndTime)
	if err != nil || !end.After(start) {
		return model.Slot{}, ErrInvalidTimeRange
	}

	now := m.now().UTC()
	slot := model.Slot{
		ID:         uuid.NewString(),
		ProviderID: in.ProviderID,
		ServiceID:  in.ServiceID,
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		Status:     model.SlotOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertSlot(ctx, slot)
	})
	if err != nil {
		return model.Slot{}, err
	}
	return slot, nil
}

const maxGenerateWindow = 31 * 24 * time.Hour

type GenerateSlotsInput struct {
	ProviderID  string
	ServiceID   string
	WindowStart string
	WindowEnd   string
	// StepMinutes defaults to the service duration.
	StepMinutes int
}

// GenerateSlots opens slots of the service's duration across a window,
// leaving out any that would overlap the provider's existing slots.
func (m *Manager) GenerateSlots(ctx context.Context, in GenerateSlotsInput) ([]model.Slot, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.ServiceID = strings.TrimSpace(in.ServiceID)
	if in.ProviderID == "" || in.ServiceID == "" || in.WindowStart == "" || in.WindowEnd == "" {
		return nil, ErrMissingFields
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(in.WindowStart))
	if err != nil {
		return nil, ErrInvalidTimeRange
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(in.WindowEnd))
	if err != nil || !end.After(start) || end.Sub(start) > maxGenerateWindow {
		return nil, ErrInvalidTimeRange
	}
	if in.StepMinutes < 0 {
		return nil, ErrInvalidTimeRange
	}

	svc, err := m.store.Service(ctx, in.ServiceID)
	if storage.IsNotFound(err) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if svc.ProviderID != in.ProviderID {
		return nil, ErrForbidden
	}
	duration := time.Duration(svc.DurationMinutes) * time.Minute
	step := duration
	if in.StepMinutes > 0 {
		step = time.Duration(in.StepMinutes) * time.Minute
	}

	now := m.now().UTC()
	window := availability.Interval{Start: start.UTC(), End: end.UTC()}
	var created []model.Slot
	err = m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.ProviderSlots(ctx, in.ProviderID, window.Start, window.End)
		if err != nil {
			return err
		}
		busy := make([]availability.Interval, 0, len(existing))
		for _, s := range existing {
			busy = append(busy, availability.Interval{Start: s.StartTime, End: s.EndTime})
		}

		for _, iv := range availability.Plan(window, duration, step, busy, now) {
			// A step shorter than the duration yields overlapping candidates.
			if len(created) > 0 && created[len(created)-1].EndTime.After(iv.Start) {
				continue
			}
			slot := model.Slot{
				ID:         uuid.NewString(),
				ProviderID: in.ProviderID,
				ServiceID:  in.ServiceID,
				StartTime:  iv.Start,
				EndTime:    iv.End,
				Status:     model.SlotOpen,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertSlot(ctx, slot); err != nil {
				return err
			}
			created = append(created, slot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("slots generated", "provider_id", in.ProviderID, "service_id", in.ServiceID, "count", len(created))
	return created, nil
}

// QuoteDeposit prices the deposit for a stored service.
func (m *Manager) QuoteDeposit(ctx context.Context, serviceID string) (string, error) {
	svc, err := m.store.Service(ctx, strings.TrimSpace(serviceID))
	if storage.IsNotFound(err) {
		return "", ErrServiceNotFound
	}
	if err != nil {
		return "", err
	}
	return deposit.Amount(svc.DepositRule, svc.PriceUSDC, svc.DurationMinutes)
}

func (m *Manager) Booking(ctx context.Context, id string) (model.Booking, error) {
	b, err := m.store.Booking(ctx, strings.TrimSpace(id))
	if storage.IsNotFound(err) {
		return model.Booking{}, ErrNotFound
	}
	return b, err
}

func (m *Manager) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	filter.ProviderID = strings.TrimSpace(filter.ProviderID)
	filter.CustomerWallet = strings.TrimSpace(filter.CustomerWallet)
	if filter.ProviderID == "" && filter.CustomerWallet == "" {
		return nil, ErrMissingFields
	}
	return m.store.ListBookings(ctx, filter)
}

func (m *Manager) ListOpenSlots(ctx context.Context, providerID string, limit int) ([]model.Slot, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, ErrMissingFields
	}
	return m.store.ListOpenSlots(ctx, providerID, limit)
}
