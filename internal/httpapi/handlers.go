package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"floryn/internal/domain"
	"floryn/internal/report"
)

func (a *API) handleListFlowers(w http.ResponseWriter, r *http.Request) {
	flowers, err := a.service.ListFlowers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flowers": flowers})
}

func (a *API) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req domain.FlowerIntakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	detail, err := a.service.IntakeFlower(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (a *API) handleGetFlower(w http.ResponseWriter, r *http.Request) {
	detail, err := a.service.GetFlower(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	detail, err := a.service.Restock(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleFlowerBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := a.service.ActiveBatches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) handleFlowerStock(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.StockSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req domain.ReservationCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reservation, err := a.service.CreateReservation(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

func (a *API) handleListReservations(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	reservations, err := a.service.ListReservations(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": reservations})
}

func (a *API) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := a.service.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (a *API) handleUpdateReservation(w http.ResponseWriter, r *http.Request) {
	var req domain.ReservationUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reservation, err := a.service.UpdateReservation(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (a *API) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := a.service.CancelReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (a *API) handleDeleteReservation(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteReservation(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := a.sweeper.Run(r.Context())
	if err != nil {
		// chunks that failed are retried by the next sweep
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleFreshnessView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		payload any
		err     error
	)
	switch chi.URLParam(r, "view") {
	case "stats":
		payload, err = a.reports.Stats(ctx)
	case "distribution":
		payload, err = a.reports.Distribution(ctx)
	case "expiring-soon":
		payload, err = a.reports.ExpiringSoon(ctx)
	case "savings":
		payload, err = a.reports.Savings(ctx)
	case "by-category":
		payload, err = a.reports.ByCategory(ctx)
	case "by-flower":
		payload, err = a.reports.ByFlowerName(ctx)
	case "recently-expired":
		payload, err = a.reports.RecentlyExpired(ctx)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown freshness view"))
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	threshold := parsePositiveLimit(r.URL.Query().Get("threshold"), a.lowStockThreshold, 0)
	snapshot, err := a.reports.Dashboard(r.Context(), threshold)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	threshold := parsePositiveLimit(r.URL.Query().Get("threshold"), a.lowStockThreshold, 0)
	flowers, err := a.reports.LowStock(r.Context(), threshold)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold": threshold, "flowers": flowers})
}

func (a *API) handleExpiringBatches(w http.ResponseWriter, r *http.Request) {
	days := report.DefaultExpiringBatchDays
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("days must be a non-negative integer"))
			return
		}
		days = parsed
	}
	batches, err := a.reports.ExpiringBatches(r.Context(), days)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "batches": batches})
}

func (a *API) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := a.service.ListSuppliers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
}

func (a *API) handleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req domain.SupplierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	supplier, err := a.service.CreateSupplier(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, supplier)
}
