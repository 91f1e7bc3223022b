package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
)

// Event is the domain event envelope written to the outbox in the same
// transaction as the booking change. The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	TypeBookingConfirmed = "booking.booking.confirmed.v1"
	TypeBookingCanceled  = "booking.booking.canceled.v1"
	TypeBookingCompleted = "booking.booking.completed.v1"
	TypeSlotBooked       = "booking.slot.booked.v1"
)

type bookingPayload struct {
	BookingID        string `json:"booking_id"`
	ProviderID       string `json:"provider_id"`
	ServiceID        string `json:"service_id"`
	SlotID           string `json:"slot_id,omitempty"`
	CustomerWallet   string `json:"customer_wallet"`
	DepositAmount    string `json:"deposit_amount_usdc"`
	Status           string `json:"status"`
	Outcome          string `json:"outcome,omitempty"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	DecisionDeadline string `json:"decision_deadline"`
	AuditHash        string `json:"audit_hash"`
	OccurredAt       string `json:"occurred_at"`
}

// BookingEvent builds the lifecycle event for a booking's current state.
func BookingEvent(eventType string, b model.Booking) (Event, error) {
	payload, err := json.Marshal(bookingPayload{
		BookingID:        b.ID,
		ProviderID:       b.ProviderID,
		ServiceID:        b.ServiceID,
		SlotID:           b.SlotID,
		CustomerWallet:   b.CustomerWallet,
		DepositAmount:    b.DepositAmount,
		Status:           string(b.Status),
		Outcome:          string(b.Outcome),
		StartTime:        b.StartTime.UTC().Format(time.RFC3339),
		EndTime:          b.EndTime.UTC().Format(time.RFC3339),
		DecisionDeadline: b.DecisionDeadline.UTC().Format(time.RFC3339),
		AuditHash:        b.AuditHash,
		OccurredAt:       b.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
