package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
	"pickup-orders/internal/services/payment"
	"pickup-orders/internal/services/slots"
	"pickup-orders/internal/store"
)

// Handler handles HTTP requests for the order lifecycle service
type Handler struct {
	manager *Manager
	logger  *logger.Logger
	healthy func(ctx context.Context) bool
}

// NewHandler creates a new lifecycle handler
func NewHandler(manager *Manager, log *logger.Logger, healthy func(ctx context.Context) bool) *Handler {
	if healthy == nil {
		healthy = func(context.Context) bool { return true }
	}
	return &Handler{
		manager: manager,
		logger:  log,
		healthy: healthy,
	}
}

// actionRequest carries the caller's optimistic-lock handle. Identity and
// authorization were already established by the surrounding API layer.
type actionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// Checkout handles POST /orders requests
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	requestID := logger.GenerateRequestID()

	if r.Header.Get("Content-Type") != "application/json" {
		h.writeErrorResponse(w, http.StatusBadRequest, "Content-Type must be application/json", requestID)
		return
	}

	var req models.CheckoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		h.logger.Error("validation_failed", "Failed to parse request body", requestID, err, nil)
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON format", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	order, err := h.manager.Checkout(ctx, &req)
	if err != nil {
		h.writeActionError(w, requestID, nil, err)
		return
	}

	h.logger.Debug("order_created", "Order created", requestID, map[string]interface{}{
		"order_number": order.Number,
		"total_amount": order.TotalAmount.StringFixed(2),
	})

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"order": order})
}

// GetOrder handles GET /orders/{id} requests
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	requestID := logger.GenerateRequestID()
	orderID := r.PathValue("id")

	order, auth, history, err := h.manager.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Order not found", requestID)
		} else {
			h.logger.Error("db_query_failed", "Failed to get order", requestID, err,
				map[string]interface{}{"order_id": orderID})
			h.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", requestID)
		}
		return
	}

	response := map[string]interface{}{
		"order":             order,
		"history":           history,
		"no_show_available": order.NoShowAvailable(h.manager.Windows(), h.manager.Now()),
	}
	if auth != nil {
		response["payment_status"] = auth.Status
	}
	h.writeJSON(w, http.StatusOK, response)
}

// action runs a version-guarded transition endpoint.
func (h *Handler) action(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error)) {
	requestID := logger.GenerateRequestID()
	orderID := r.PathValue("id")

	var req actionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON format", requestID)
		return
	}
	if req.ExpectedVersion < 1 {
		h.writeErrorResponse(w, http.StatusBadRequest, "expected_version is required", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	order, err := fn(ctx, orderID, req.ExpectedVersion)
	if err != nil {
		h.writeActionError(w, requestID, order, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

// Cancel handles POST /orders/{id}/cancel requests
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID := logger.GenerateRequestID()
	orderID := r.PathValue("id")

	var req actionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON format", requestID)
		return
	}
	if req.ExpectedVersion < 1 {
		h.writeErrorResponse(w, http.StatusBadRequest, "expected_version is required", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	order, outcome, err := h.manager.Cancel(ctx, orderID, req.ExpectedVersion)
	if err != nil {
		h.writeActionError(w, requestID, order, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":   order,
		"outcome": outcome,
	})
}

// HealthCheck handles GET /health requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := h.healthy(ctx)

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "order-lifecycle",
		"healthy":   healthy,
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
	}
	h.writeJSON(w, status, response)
}

// writeActionError maps the error taxonomy onto HTTP statuses. Every rejected
// mutation carries the current authoritative order when it is known.
func (h *Handler) writeActionError(w http.ResponseWriter, requestID string, order *models.Order, err error) {
	body := map[string]interface{}{
		"error":      err.Error(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID,
	}

	var (
		validationErr models.ValidationError
		invalidErr    models.InvalidTransitionError
		conflictErr   *ConflictError
		acceptedErr   *AlreadyAcceptedError
		precondErr    *PreconditionError
		capacityErr   *slots.CapacityExceededError
		paymentErr    *payment.PaymentError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &acceptedErr):
		status = http.StatusConflict
		order = acceptedErr.Current
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
		order = conflictErr.Current
	case errors.As(err, &capacityErr):
		status = http.StatusConflict
		body["next_slot"] = capacityErr.NextSlot.Format(time.RFC3339)
	case errors.As(err, &invalidErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &precondErr):
		status = http.StatusUnprocessableEntity
		order = precondErr.Current
	case errors.As(err, &paymentErr):
		if paymentErr.Declined {
			status = http.StatusPaymentRequired
		} else {
			status = http.StatusBadGateway
		}
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request_failed", "Unhandled error", requestID, err, nil)
		body["error"] = "Internal server error"
	}

	if order != nil {
		body["order"] = order
	}
	h.writeJSON(w, status, body)
}

// writeErrorResponse writes an error response in JSON format
func (h *Handler) writeErrorResponse(w http.ResponseWriter, statusCode int, message, requestID string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error":      message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response_encoding_failed", "Failed to encode response", "", err, nil)
	}
}

// SetupRoutes sets up the HTTP routes
func (h *Handler) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orders", h.withLogging(h.Checkout))
	mux.HandleFunc("GET /orders/{id}", h.withLogging(h.GetOrder))
	mux.HandleFunc("POST /orders/{id}/cancel", h.withLogging(h.Cancel))
	mux.HandleFunc("POST /orders/{id}/accept", h.withLogging(h.actionFunc(h.manager.Accept)))
	mux.HandleFunc("POST /orders/{id}/reject", h.withLogging(h.actionFunc(h.manager.Reject)))
	mux.HandleFunc("POST /orders/{id}/preparing", h.withLogging(h.actionFunc(h.manager.StartPreparing)))
	mux.HandleFunc("POST /orders/{id}/ready", h.withLogging(h.actionFunc(h.manager.MarkReady)))
	mux.HandleFunc("POST /orders/{id}/complete", h.withLogging(h.actionFunc(h.manager.Complete)))
	mux.HandleFunc("POST /orders/{id}/no-show", h.withLogging(h.actionFunc(h.manager.MarkNoShow)))
	mux.HandleFunc("POST /orders/{id}/cancellation/approve", h.withLogging(h.actionFunc(h.manager.ApproveCancellation)))
	mux.HandleFunc("POST /orders/{id}/cancellation/deny", h.withLogging(h.actionFunc(h.manager.DenyCancellation)))
	mux.HandleFunc("GET /health", h.withLogging(h.HealthCheck))

	return mux
}

func (h *Handler) actionFunc(fn func(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.action(w, r, fn)
	}
}

// withLogging adds request logging middleware
func (h *Handler) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := logger.GenerateRequestID()

		h.logger.Debug("request_started",
			fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			requestID,
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			})

		rw := &responseWriter{ResponseWriter: w, statusCode: 200}
		next(rw, r)

		duration := time.Since(start)
		h.logger.Debug("request_completed",
			fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, rw.statusCode),
			requestID,
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rw.statusCode,
				"duration_ms": duration.Milliseconds(),
			})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
