package model

import "time"

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCanceled  BookingStatus = "canceled"
	BookingCompleted BookingStatus = "completed"
)

type Outcome string

const (
	OutcomeShow       Outcome = "show"
	OutcomeNoShow     Outcome = "no_show"
	OutcomeAutoNoShow Outcome = "auto_no_show"
	OutcomeCanceled   Outcome = "canceled"
)

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

const (
	CancelWindow   = 24 * time.Hour
	DecisionWindow = 1 * time.Hour
)

type Booking struct {
	ID                  string           `json:"id"`
	ProviderID          string           `json:"providerId"`
	ServiceID           string           `json:"serviceId"`
	SlotID              string           `json:"slotId,omitempty"`
	CustomerWallet      string           `json:"customerWallet"`
	StartTime           time.Time        `json:"startTime"`
	EndTime             time.Time        `json:"endTime"`
	DepositAmount       string           `json:"depositAmountUsdc"`
	Status              BookingStatus    `json:"status"`
	Outcome             Outcome          `json:"outcome,omitempty"`
	CancelDeadline      time.Time        `json:"cancelDeadline"`
	DecisionDeadline    time.Time        `json:"decisionDeadline"`
	SettlementStatus    SettlementStatus `json:"settlementStatus,omitempty"`
	SettlementSessionID string           `json:"appSessionId,omitempty"`
	SettlementTxHash    string           `json:"settlementTxHash,omitempty"`
	SettlementError     string           `json:"settlementError,omitempty"`
	AuditHash           string           `json:"auditHash,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// Terminal reports whether the booking has left the confirmed state. Terminal
// bookings never transition again.
func (b Booking) Terminal() bool {
	return b.Status == BookingCanceled || b.Status == BookingCompleted
}

// Deadlines derives the cancel and decision deadlines from a booking window.
func Deadlines(start, end time.Time) (cancelDeadline, decisionDeadline time.Time) {
	return start.Add(-CancelWindow), end.Add(DecisionWindow)
}

// SettlementPatch is the only mutation the settlement flow may apply to a
// booking. Empty fields are left untouched.
type SettlementPatch struct {
	Status    SettlementStatus
	SessionID string
	TxHash    string
	Error     string
}

func (p SettlementPatch) Apply(b *Booking) {
	if p.Status != "" {
		b.SettlementStatus = p.Status
	}
	if p.SessionID != "" {
		b.SettlementSessionID = p.SessionID
	}
	if p.TxHash != "" {
		b.SettlementTxHash = p.TxHash
	}
	if p.Error != "" {
		b.SettlementError = p.Error
	}
}

// BookingFilter selects bookings for listing. Exactly one of ProviderID or
// CustomerWallet is expected; results are ordered by start time.
type BookingFilter struct {
	ProviderID     string
	CustomerWallet string
	Limit          int
}
