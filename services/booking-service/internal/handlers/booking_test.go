package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/storage"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newMux(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := booking.NewManager(storage.NewMemory(), nil, logger, booking.WithClock(func() time.Time { return now }))
	mux := http.NewServeMux()
	NewBookingHandler(m, logger).Register(mux)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: invalid json response %q", method, path, rec.Body.String())
	}
	return rec.Code, out
}

func createBooking(t *testing.T, mux http.Handler, start time.Time) string {
	t.Helper()
	code, out := do(t, mux, http.MethodPost, "/api/v1/bookings", map[string]any{
		"providerId":        "prov-1",
		"serviceId":         "svc-1",
		"customerWallet":    "0xcustomer",
		"depositAmountUsdc": "5.00",
		"startTime":         start.Format(time.RFC3339),
		"endTime":           start.Add(time.Hour).Format(time.RFC3339),
	})
	if code != http.StatusCreated || out["ok"] != true {
		t.Fatalf("create booking: %d %v", code, out)
	}
	id, _ := out["bookingId"].(string)
	if id == "" || out["auditHash"] == "" {
		t.Fatalf("missing booking id or audit hash: %v", out)
	}
	return id
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	mux := newMux(t)
	id := createBooking(t, mux, now.Add(48*time.Hour))

	code, out := do(t, mux, http.MethodGet, "/api/v1/bookings/get?id="+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %v", code, out)
	}
	b := out["booking"].(map[string]any)
	if b["status"] != "confirmed" || b["depositAmountUsdc"] != "5.00" {
		t.Fatalf("unexpected booking: %v", b)
	}

	code, out = do(t, mux, http.MethodPost, "/api/v1/bookings/cancel", map[string]any{
		"bookingId":      id,
		"customerWallet": "0xsomeone-else",
	})
	if code != http.StatusForbidden || out["ok"] != false || out["error"] != "forbidden" {
		t.Fatalf("expected forbidden, got %d %v", code, out)
	}

	code, out = do(t, mux, http.MethodPost, "/api/v1/bookings/cancel", map[string]any{
		"bookingId":      id,
		"customerWallet": "0xcustomer",
	})
	if code != http.StatusOK {
		t.Fatalf("cancel: %d %v", code, out)
	}

	code, out = do(t, mux, http.MethodPost, "/api/v1/bookings/cancel", map[string]any{
		"bookingId":      id,
		"customerWallet": "0xcustomer",
	})
	if code != http.StatusConflict || out["error"] != "not_cancelable" {
		t.Fatalf("expected not_cancelable, got %d %v", code, out)
	}
}

func TestErrorMapping(t *testing.T) {
	mux := newMux(t)
	id := createBooking(t, mux, now.Add(48*time.Hour))

	cases := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"missing fields", http.MethodPost, "/api/v1/bookings", map[string]any{"providerId": "p"}, http.StatusBadRequest, "missing_fields"},
		{"bad range", http.MethodPost, "/api/v1/bookings", map[string]any{
			"providerId": "p", "serviceId": "s", "customerWallet": "w", "depositAmountUsdc": "1",
			"startTime": now.Format(time.RFC3339), "endTime": now.Format(time.RFC3339),
		}, http.StatusBadRequest, "invalid_time_range"},
		{"unknown slot", http.MethodPost, "/api/v1/bookings", map[string]any{
			"providerId": "p", "serviceId": "s", "customerWallet": "w", "depositAmountUsdc": "1", "slotId": "nope",
		}, http.StatusNotFound, "slot_not_found"},
		{"unknown booking", http.MethodPost, "/api/v1/bookings/complete", map[string]any{
			"bookingId": "nope", "providerId": "prov-1", "outcome": "show",
		}, http.StatusNotFound, "not_found"},
		{"bad outcome", http.MethodPost, "/api/v1/bookings/complete", map[string]any{
			"bookingId": id, "providerId": "prov-1", "outcome": "auto_no_show",
		}, http.StatusBadRequest, "invalid_outcome"},
		{"wrong provider", http.MethodPost, "/api/v1/bookings/complete", map[string]any{
			"bookingId": id, "providerId": "prov-2", "outcome": "show",
		}, http.StatusForbidden, "forbidden"},
		{"list needs filter", http.MethodGet, "/api/v1/bookings", nil, http.StatusBadRequest, "missing_fields"},
		{"unknown service quote", http.MethodGet, "/api/v1/services/deposit?service_id=nope", nil, http.StatusNotFound, "service_not_found"},
		{"method", http.MethodGet, "/api/v1/bookings/cancel", nil, http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := do(t, mux, tc.method, tc.path, tc.body)
			if code != tc.wantStatus || out["error"] != tc.wantError || out["ok"] != false {
				t.Fatalf("got %d %v, want %d %s", code, out, tc.wantStatus, tc.wantError)
			}
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	mux := newMux(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompleteAndList(t *testing.T) {
	mux := newMux(t)
	later := createBooking(t, mux, now.Add(72*time.Hour))
	sooner := createBooking(t, mux, now.Add(48*time.Hour))

	code, out := do(t, mux, http.MethodPost, "/api/v1/bookings/complete", map[string]any{
		"bookingId": sooner, "providerId": "prov-1", "outcome": "no_show",
	})
	if code != http.StatusOK {
		t.Fatalf("complete: %d %v", code, out)
	}

	code, out = do(t, mux, http.MethodGet, "/api/v1/bookings?provider_id=prov-1", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %v", code, out)
	}
	list := out["bookings"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 bookings, got %d", len(list))
	}
	first := list[0].(map[string]any)
	second := list[1].(map[string]any)
	if first["id"] != sooner || second["id"] != later {
		t.Fatalf("bookings not ordered by start time: %v", list)
	}
	if first["status"] != "completed" || first["outcome"] != "no_show" {
		t.Fatalf("unexpected completed booking: %v", first)
	}

	code, out = do(t, mux, http.MethodGet, "/api/v1/bookings?customer_wallet=0xnobody", nil)
	if code != http.StatusOK || len(out["bookings"].([]any)) != 0 {
		t.Fatalf("expected empty list, got %d %v", code, out)
	}
}

func TestResolveExpiredAcceptsEmptyBody(t *testing.T) {
	mux := newMux(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/resolve-expired", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["ok"] != true || out["scanned"] != float64(0) || out["updated"] != float64(0) {
		t.Fatalf("unexpected sweep response: %v", out)
	}
}

func TestCreateBookingReplaysIdempotencyKey(t *testing.T) {
	mux := newMux(t)
	body := `{"providerId":"prov-1","serviceId":"svc-1","customerWallet":"0xcustomer","depositAmountUsdc":"5.00",` +
		`"startTime":"` + now.Add(72*time.Hour).Format(time.RFC3339) + `","endTime":"` + now.Add(73*time.Hour).Format(time.RFC3339) + `"}`

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString(body))
		req.Header.Set("Idempotency-Key", "checkout-42")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}
	bookingID := func(rec *httptest.ResponseRecorder) string {
		var out map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		id, _ := out["bookingId"].(string)
		return id
	}

	first := post()
	if first.Code != http.StatusCreated || first.Header().Get("Idempotent-Replayed") != "" {
		t.Fatalf("first create: %d %s", first.Code, first.Body.String())
	}
	second := post()
	if second.Code != http.StatusCreated || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("retry: %d replayed=%q", second.Code, second.Header().Get("Idempotent-Replayed"))
	}
	if id := bookingID(first); id == "" || id != bookingID(second) {
		t.Fatalf("retry returned a different booking: %s vs %s", first.Body.String(), second.Body.String())
	}

	_, out := do(t, mux, http.MethodGet, "/api/v1/bookings?customer_wallet=0xcustomer", nil)
	if n := len(out["bookings"].([]any)); n != 1 {
		t.Fatalf("expected 1 booking, got %d", n)
	}
}

func TestResolveExpiredExplicitLimit(t *testing.T) {
	mux := newMux(t)
	createBooking(t, mux, now.Add(-48*time.Hour))
	createBooking(t, mux, now.Add(-72*time.Hour))

	code, out := do(t, mux, http.MethodPost, "/api/v1/bookings/resolve-expired", map[string]any{"limit": 0})
	if code != http.StatusOK || out["updated"] != float64(1) {
		t.Fatalf("explicit zero limit: %d %v", code, out)
	}
	code, out = do(t, mux, http.MethodPost, "/api/v1/bookings/resolve-expired", nil)
	if code != http.StatusOK || out["updated"] != float64(1) {
		t.Fatalf("default limit: %d %v", code, out)
	}
}
