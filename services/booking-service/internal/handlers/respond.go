package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/deposit"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/storage"
)

type apiError struct {
	status int
	name   string
}

var errorTable = []struct {
	err error
	apiError
}{
	{booking.ErrMissingFields, apiError{http.StatusBadRequest, "missing_fields"}},
	{booking.ErrInvalidTimeRange, apiError{http.StatusBadRequest, "invalid_time_range"}},
	{booking.ErrInvalidOutcome, apiError{http.StatusBadRequest, "invalid_outcome"}},
	{booking.ErrInvalidService, apiError{http.StatusBadRequest, "invalid_service"}},
	{booking.ErrInvalidIdempotencyKey, apiError{http.StatusBadRequest, "invalid_idempotency_key"}},
	{deposit.ErrInvalidRule, apiError{http.StatusBadRequest, "invalid_deposit_rule"}},
	{booking.ErrForbidden, apiError{http.StatusForbidden, "forbidden"}},
	{booking.ErrNotFound, apiError{http.StatusNotFound, "not_found"}},
	{booking.ErrSlotNotFound, apiError{http.StatusNotFound, "slot_not_found"}},
	{booking.ErrServiceNotFound, apiError{http.StatusNotFound, "service_not_found"}},
	{booking.ErrSlotUnavailable, apiError{http.StatusConflict, "slot_unavailable"}},
	{booking.ErrSlotMismatch, apiError{http.StatusConflict, "slot_mismatch"}},
	{booking.ErrNotCancelable, apiError{http.StatusConflict, "not_cancelable"}},
	{booking.ErrDeadlinePassed, apiError{http.StatusConflict, "deadline_passed"}},
	{booking.ErrNotCompletable, apiError{http.StatusConflict, "not_completable"}},
	{storage.ErrConflict, apiError{http.StatusConflict, "conflict"}},
}

func classify(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "internal"}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["ok"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      false,
		"error":   name,
		"message": message,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, false)
}

// decodeOptionalBody accepts an empty body and leaves dst untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return false
	}
	return true
}
