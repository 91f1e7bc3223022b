package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
)

type createServiceRequest struct {
	ProviderID      string             `json:"providerId"`
	ProviderName    string             `json:"providerName"`
	WalletAddress   string             `json:"walletAddress"`
	Name            string             `json:"name"`
	DurationMinutes int                `json:"durationMinutes"`
	PriceUSDC       string             `json:"priceUsdc"`
	DepositRule     *model.DepositRule `json:"depositRule"`
}

type createSlotRequest struct {
	ProviderID string `json:"providerId"`
	ServiceID  string `json:"serviceId"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

func (h *BookingHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createServiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	svc, err := h.manager.CreateService(r.Context(), booking.ServiceInput{
		ProviderID:      req.ProviderID,
		ProviderName:    req.ProviderName,
		WalletAddress:   req.WalletAddress,
		ServiceName:     req.Name,
		DurationMinutes: req.DurationMinutes,
		PriceUSDC:       req.PriceUSDC,
		DepositRule:     req.DepositRule,
	})
	if err != nil {
		h.fail(w, r, "create service", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"service": svc})
}

func (h *BookingHandler) QuoteDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	serviceID := r.URL.Query().Get("service_id")
	amount, err := h.manager.QuoteDeposit(r.Context(), serviceID)
	if err != nil {
		h.fail(w, r, "quote deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serviceId":         serviceID,
		"depositAmountUsdc": amount,
	})
}

func (h *BookingHandler) slots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.CreateSlot(w, r)
	case http.MethodGet:
		h.ListSlots(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *BookingHandler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slot, err := h.manager.CreateSlot(r.Context(), booking.SlotInput{
		ProviderID: req.ProviderID,
		ServiceID:  req.ServiceID,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
	})
	if err != nil {
		h.fail(w, r, "create slot", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"slot": slot})
}

type generateSlotsRequest struct {
	ProviderID  string `json:"providerId"`
	ServiceID   string `json:"serviceId"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
	StepMinutes int    `json:"stepMinutes"`
}

func (h *BookingHandler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req generateSlotsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slots, err := h.manager.GenerateSlots(r.Context(), booking.GenerateSlotsInput{
		ProviderID:  req.ProviderID,
		ServiceID:   req.ServiceID,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		StepMinutes: req.StepMinutes,
	})
	if err != nil {
		h.fail(w, r, "generate slots", err)
		return
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"slots": slots})
}

func (h *BookingHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slots, err := h.manager.ListOpenSlots(r.Context(), q.Get("provider_id"), queryInt(q.Get("limit")))
	if err != nil {
		h.fail(w, r, "list slots", err)
		return
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}
