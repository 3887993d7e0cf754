package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"floryn/internal/domain"
	"floryn/internal/ledger"
	"floryn/internal/report"
	"floryn/internal/service"
	"floryn/internal/store"
	"floryn/internal/store/memory"
	"floryn/internal/sweep"
)

var testNow = time.Date(2026, 6, 10, 10, 30, 0, 0, time.UTC)

const (
	testSecret        = "0123456789abcdef0123456789abcdef"
	testAdminPassword = "bouquet-admin-1"
	testStaffPassword = "bouquet-staff-1"
)

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
}

// newTestEnv wires the whole stack on a swept seeded memory store so that
// handler tests exercise the complete request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := memory.NewSeeded(testNow)
	clock := func() time.Time { return testNow }
	sweeper := sweep.New(repo, sweep.Config{Now: clock})
	if _, err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("initial sweep failed: %v", err)
	}
	svc := service.New(repo, ledger.New(nil), sweeper, service.Config{Now: clock})
	reports := report.New(repo, report.Config{Now: clock})

	auth := NewAuthManager(testSecret, time.Hour, repo, nil)
	if err := auth.EnsureUser(context.Background(), "admin", testAdminPassword, domain.RoleAdmin); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if _, err := auth.CreateStaff(context.Background(), StaffCreateRequest{Username: "clerk", Password: testStaffPassword}); err != nil {
		t.Fatalf("create staff: %v", err)
	}

	api := New(svc, reports, sweeper, auth, Config{AllowedOrigin: "*"})
	return &testEnv{api: api, handler: api.Handler(), repo: repo}
}

func (e *testEnv) token(t *testing.T, username, password string) string {
	t.Helper()
	resp, err := e.api.auth.Login(context.Background(), domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return resp.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "Admin", Password: testAdminPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/flowers", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/flowers", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/flowers", env.token(t, "clerk", testStaffPassword), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for staff, got %d", rec.Code)
	}
	var body struct {
		Flowers []domain.Flower `json:"flowers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Flowers) != 5 {
		t.Fatalf("expected 5 seeded flowers, got %d", len(body.Flowers))
	}
}

func TestStaffCannotUseAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	intake := domain.FlowerIntakeRequest{Name: "Orchid", Category: "Orchids", Quantity: 5, ExpiryDate: "2026-06-20"}
	if rec := env.do(t, http.MethodPost, "/api/v1/flowers", staff, intake); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff intake, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/freshness/sweep", staff, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff sweep, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/users/staff", staff, StaffCreateRequest{Username: "other", Password: "long-enough"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff account creation, got %d", rec.Code)
	}
}

func TestCheckoutShortfallReturnsEveryLine(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/pos/checkout", staff, domain.CheckoutRequest{
		Items: []domain.LineItem{
			{FlowerID: "flw-seed-red-rose", Quantity: 100},
			{FlowerID: "flw-seed-white-lily", Quantity: 100},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	decodeBody(t, rec, &body)
	if len(body.Details) != 2 {
		t.Fatalf("expected two shortfall details, got %v", body.Details)
	}
	if !strings.Contains(body.Details[0], "Red Rose") || !strings.Contains(body.Details[1], "White Lily") {
		t.Fatalf("unexpected details %v", body.Details)
	}

	lily, err := env.repo.GetFlower(context.Background(), "flw-seed-white-lily")
	if err != nil {
		t.Fatalf("get lily: %v", err)
	}
	if lily.StockQuantity != 15 {
		t.Fatalf("expected untouched stock after failed checkout, got %d", lily.StockQuantity)
	}
}

func TestCheckoutThenStockSummary(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/pos/checkout", staff, domain.CheckoutRequest{
		Items: []domain.LineItem{{FlowerID: "flw-seed-white-lily", Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var sale domain.Reservation
	decodeBody(t, rec, &sale)
	if sale.Status != domain.ReservationCompleted || sale.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("unexpected sale state %s/%s", sale.Status, sale.PaymentStatus)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/flowers/flw-seed-white-lily/stock", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var summary domain.StockSummary
	decodeBody(t, rec, &summary)
	if summary.TotalRemaining != 13 {
		t.Fatalf("expected 13 remaining, got %d", summary.TotalRemaining)
	}
}

func TestReservationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/reservations", staff, domain.ReservationCreateRequest{
		CustomerName: "Ana Reyes",
		PickupDate:   testNow.AddDate(0, 0, 1).Format(time.DateOnly),
		Items:        []domain.LineItem{{FlowerID: "flw-seed-white-lily", Quantity: 5}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var reservation domain.Reservation
	decodeBody(t, rec, &reservation)
	path := "/api/v1/reservations/" + reservation.ID

	if rec := env.do(t, http.MethodGet, path, staff, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, path+"/cancel", staff, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, path+"/cancel", staff, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on second cancel, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, staff, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, staff, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	lily, err := env.repo.GetFlower(context.Background(), "flw-seed-white-lily")
	if err != nil {
		t.Fatalf("get lily: %v", err)
	}
	if lily.StockQuantity != 15 {
		t.Fatalf("expected stock restored exactly once, got %d", lily.StockQuantity)
	}
}

func TestAdminIntakeAndSweep(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "admin", testAdminPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/flowers", admin, map[string]any{
		"name":        "Orchid",
		"category":    "Orchids",
		"price":       "210.00",
		"supplier_id": "sup-seed-bloom",
		"quantity":    6,
		"expiry_date": testNow.AddDate(0, 0, 10).Format(time.DateOnly),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var detail domain.FlowerDetail
	decodeBody(t, rec, &detail)
	if detail.Flower.StockQuantity != 6 || len(detail.Batches) != 1 {
		t.Fatalf("unexpected intake result %+v", detail)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/freshness/sweep", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on sweep, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var stats domain.FreshnessStats
	decodeBody(t, rec, &stats)
	if stats.Total != 6 {
		t.Fatalf("expected six flowers swept, got %+v", stats)
	}
}

func TestFreshnessViews(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	for _, view := range []string{"stats", "distribution", "expiring-soon", "savings", "by-category", "by-flower", "recently-expired"} {
		if rec := env.do(t, http.MethodGet, "/api/v1/freshness/"+view, staff, nil); rec.Code != http.StatusOK {
			t.Fatalf("view %s: expected 200, got %d", view, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/freshness/moonphase", staff, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown view, got %d", rec.Code)
	}
}

func TestReportsAndExpiringBatches(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	rec := env.do(t, http.MethodGet, "/api/v1/reports/low-stock?threshold=4", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var low struct {
		Threshold int             `json:"threshold"`
		Flowers   []domain.Flower `json:"flowers"`
	}
	decodeBody(t, rec, &low)
	if low.Threshold != 4 || len(low.Flowers) != 1 || low.Flowers[0].ID != "flw-seed-tulip" {
		t.Fatalf("unexpected low stock report %+v", low)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/reports/dashboard", staff, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on dashboard, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/batches/expiring?days=soon", staff, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad days, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/batches/expiring?days=3", staff, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for expiring batches, got %d", rec.Code)
	}
}

func TestUnknownFlowerReturns404(t *testing.T) {
	env := newTestEnv(t)
	staff := env.token(t, "clerk", testStaffPassword)

	if rec := env.do(t, http.MethodGet, "/api/v1/flowers/flw-missing", staff, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/flowers/flw-missing/batches", staff, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for batches, got %d", rec.Code)
	}
}

func TestServiceErrorStatuses(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("lock flower: %w", store.ErrLockTimeout), http.StatusServiceUnavailable},
		{fmt.Errorf("flower x: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad", store.ErrInvalidTransaction), http.StatusBadRequest},
		{domain.ErrInvalidBatch, http.StatusBadRequest},
		{ledger.ErrInvalidQuantity, http.StatusBadRequest},
		{service.ErrForbidden, http.StatusForbidden},
		{&service.ShortfallError{FlowerID: "f", FlowerName: "Rose", Requested: 3, Available: 1}, http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		env.api.writeServiceError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	env.api.writeServiceError(rec, errors.New("dial tcp 10.0.0.5:5432: password authentication failed"))
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("expected generic 500 body, got %s", rec.Body.String())
	}
}
