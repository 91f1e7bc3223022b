package handlers

import (
	"net/http"
	"testing"
	"time"
)

func TestServiceQuoteAndSlotBooking(t *testing.T) {
	mux := newMux(t)

	code, out := do(t, mux, http.MethodPost, "/api/v1/services", map[string]any{
		"providerId":      "prov-1",
		"providerName":    "Studio",
		"name":            "Haircut",
		"durationMinutes": 45,
		"priceUsdc":       "40",
		"depositRule":     map[string]any{"type": "percent", "percent": 20, "minUsdc": "5"},
	})
	if code != http.StatusCreated {
		t.Fatalf("create service: %d %v", code, out)
	}
	svcID := out["service"].(map[string]any)["id"].(string)

	code, out = do(t, mux, http.MethodGet, "/api/v1/services/deposit?service_id="+svcID, nil)
	if code != http.StatusOK || out["depositAmountUsdc"] != "8.00" {
		t.Fatalf("quote: %d %v", code, out)
	}

	start := now.Add(48 * time.Hour)
	code, out = do(t, mux, http.MethodPost, "/api/v1/slots", map[string]any{
		"providerId": "prov-1",
		"serviceId":  svcID,
		"startTime":  start.Format(time.RFC3339),
		"endTime":    start.Add(45 * time.Minute).Format(time.RFC3339),
	})
	if code != http.StatusCreated {
		t.Fatalf("create slot: %d %v", code, out)
	}
	slotID := out["slot"].(map[string]any)["id"].(string)

	code, out = do(t, mux, http.MethodGet, "/api/v1/slots?provider_id=prov-1", nil)
	if code != http.StatusOK || len(out["slots"].([]any)) != 1 {
		t.Fatalf("list open slots: %d %v", code, out)
	}

	book := map[string]any{
		"providerId":        "prov-1",
		"serviceId":         svcID,
		"customerWallet":    "0xcustomer",
		"depositAmountUsdc": "8.00",
		"slotId":            slotID,
	}
	if code, out = do(t, mux, http.MethodPost, "/api/v1/bookings", book); code != http.StatusCreated {
		t.Fatalf("book slot: %d %v", code, out)
	}
	if code, out = do(t, mux, http.MethodPost, "/api/v1/bookings", book); code != http.StatusConflict || out["error"] != "slot_unavailable" {
		t.Fatalf("expected slot_unavailable, got %d %v", code, out)
	}

	code, out = do(t, mux, http.MethodGet, "/api/v1/slots?provider_id=prov-1", nil)
	if code != http.StatusOK || len(out["slots"].([]any)) != 0 {
		t.Fatalf("booked slot still listed: %d %v", code, out)
	}
}

func TestCreateServiceRejectsBadRule(t *testing.T) {
	mux := newMux(t)
	code, out := do(t, mux, http.MethodPost, "/api/v1/services", map[string]any{
		"providerId":      "prov-1",
		"providerName":    "Studio",
		"name":            "Haircut",
		"durationMinutes": 30,
		"depositRule":     map[string]any{"type": "fixed"},
	})
	if code != http.StatusBadRequest || out["error"] != "invalid_service" {
		t.Fatalf("expected invalid_service, got %d %v", code, out)
	}
}

func TestGenerateSlots(t *testing.T) {
	mux := newMux(t)
	code, out := do(t, mux, http.MethodPost, "/api/v1/services", map[string]any{
		"providerId":      "prov-1",
		"providerName":    "Studio",
		"name":            "Consult",
		"durationMinutes": 60,
		"depositRule":     map[string]any{"type": "fixed", "amountUsdc": "10"},
	})
	if code != http.StatusCreated {
		t.Fatalf("create service: %d %v", code, out)
	}
	svcID := out["service"].(map[string]any)["id"].(string)

	day := now.Add(72 * time.Hour).Truncate(24 * time.Hour)
	code, out = do(t, mux, http.MethodPost, "/api/v1/slots/generate", map[string]any{
		"providerId":  "prov-1",
		"serviceId":   svcID,
		"windowStart": day.Add(9 * time.Hour).Format(time.RFC3339),
		"windowEnd":   day.Add(12 * time.Hour).Format(time.RFC3339),
	})
	if code != http.StatusCreated || len(out["slots"].([]any)) != 3 {
		t.Fatalf("generate: %d %v", code, out)
	}

	code, out = do(t, mux, http.MethodPost, "/api/v1/slots/generate", map[string]any{
		"providerId":  "prov-2",
		"serviceId":   svcID,
		"windowStart": day.Add(9 * time.Hour).Format(time.RFC3339),
		"windowEnd":   day.Add(12 * time.Hour).Format(time.RFC3339),
	})
	if code != http.StatusForbidden || out["error"] != "forbidden" {
		t.Fatalf("expected forbidden, got %d %v", code, out)
	}
}
