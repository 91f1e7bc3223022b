package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
)

type BookingHandler struct {
	manager *booking.Manager
	logger  *slog.Logger
}

func NewBookingHandler(manager *booking.Manager, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{manager: manager, logger: logger}
}

// Register mounts every booking, service and slot route on mux.
func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/bookings", h.bookings)
	mux.HandleFunc("/api/v1/bookings/get", h.Get)
	mux.HandleFunc("/api/v1/bookings/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/bookings/complete", h.Complete)
	mux.HandleFunc("/api/v1/bookings/resolve-expired", h.ResolveExpired)
	mux.HandleFunc("/api/v1/services", h.CreateService)
	mux.HandleFunc("/api/v1/services/deposit", h.QuoteDeposit)
	mux.HandleFunc("/api/v1/slots", h.slots)
	mux.HandleFunc("/api/v1/slots/generate", h.GenerateSlots)
}

type createBookingRequest struct {
	ProviderID     string `json:"providerId"`
	ServiceID      string `json:"serviceId"`
	CustomerWallet string `json:"customerWallet"`
	DepositAmount  string `json:"depositAmountUsdc"`
	SlotID         string `json:"slotId"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
}

type cancelBookingRequest struct {
	BookingID      string `json:"bookingId"`
	CustomerWallet string `json:"customerWallet"`
}

type completeBookingRequest struct {
	BookingID  string `json:"bookingId"`
	ProviderID string `json:"providerId"`
	Outcome    string `json:"outcome"`
}

type resolveExpiredRequest struct {
	// Limit is optional. An explicit value is raised to at least 1; when
	// absent the manager's default batch applies.
	Limit *int `json:"limit"`
}

func (h *BookingHandler) bookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Create(w, r)
	case http.MethodGet:
		h.List(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.manager.CreateBooking(r.Context(), booking.CreateInput{
		ProviderID:     req.ProviderID,
		ServiceID:      req.ServiceID,
		CustomerWallet: req.CustomerWallet,
		DepositAmount:  req.DepositAmount,
		SlotID:         req.SlotID,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, "create booking", err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bookingId": res.BookingID,
		"auditHash": res.AuditHash,
	})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cancelBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.manager.CancelBooking(r.Context(), req.BookingID, req.CustomerWallet)
	if err != nil {
		h.fail(w, r, "cancel booking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bookingId": res.BookingID,
		"auditHash": res.AuditHash,
	})
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req completeBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.manager.CompleteBooking(r.Context(), req.BookingID, req.ProviderID, model.Outcome(strings.TrimSpace(req.Outcome)))
	if err != nil {
		h.fail(w, r, "complete booking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bookingId": res.BookingID,
		"auditHash": res.AuditHash,
	})
}

func (h *BookingHandler) ResolveExpired(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resolveExpiredRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	limit := 0
	if req.Limit != nil {
		limit = max(1, *req.Limit)
	}
	res, err := h.manager.ResolveExpiredBookings(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "resolve expired bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned": res.Scanned,
		"updated": res.Updated,
		"now":     res.Now,
	})
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	b, err := h.manager.Booking(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.fail(w, r, "get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": b})
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bookings, err := h.manager.ListBookings(r.Context(), model.BookingFilter{
		ProviderID:     q.Get("provider_id"),
		CustomerWallet: q.Get("customer_wallet"),
		Limit:          queryInt(q.Get("limit")),
	})
	if err != nil {
		h.fail(w, r, "list bookings", err)
		return
	}
	if bookings == nil {
		bookings = []model.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (h *BookingHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "err", err, "path", r.URL.Path)
		writeError(w, e.status, e.name, op+" failed")
		return
	}
	writeError(w, e.status, e.name, err.Error())
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
