package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/card-cart/internal/core/domain"
	"github.com/rl1809/card-cart/internal/core/service"
)

const healthTimeout = 2 * time.Second

type CartEngine interface {
	AddItemOnce(ctx context.Context, idempotencyKey, userID string, productID int64, quantity int) (*domain.CartLine, error)
	UpdateQuantity(ctx context.Context, userID string, itemID int64, newQuantity int) (*domain.CartLine, error)
	RemoveItem(ctx context.Context, userID string, itemID int64) error
	ListItems(ctx context.Context, userID string) ([]domain.CartLine, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	cart    CartEngine
	store   Pinger
	logger  *zap.Logger
	timeout time.Duration
}

type AddItemHTTPRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type UpdateQuantityHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Message string `json:"message"`
}

func NewHTTPHandler(cart CartEngine, store Pinger, logger *zap.Logger, timeout time.Duration) *HTTPHandler {
	return &HTTPHandler{cart: cart, store: store, logger: logger, timeout: timeout}
}

// Routes mounts the cart API under /api/carrinho behind bearer auth, plus an
// unauthenticated /health.
func (h *HTTPHandler) Routes(validator TokenValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))

	r.Get("/health", h.HealthCheck)
	r.Route("/api/carrinho", func(r chi.Router) {
		r.Use(AuthMiddleware(validator, h.logger))
		r.Post("/", h.AddItem)
		// one param name for all routes: GET takes a user id, PUT and DELETE an item id
		r.Get("/{id}", h.ListItems)
		r.Put("/{id}", h.UpdateQuantity)
		r.Delete("/{id}", h.RemoveItem)
	})
	return r
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req AddItemHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID <= 0 || req.Quantity == 0 {
		writeError(w, http.StatusBadRequest, "product_id and quantity are required")
		return
	}

	line, err := h.cart.AddItemOnce(r.Context(), r.Header.Get("Idempotency-Key"), userID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if chi.URLParam(r, "id") != userID {
		writeError(w, http.StatusForbidden, "you can only access your own cart")
		return
	}

	lines, err := h.cart.ListItems(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *HTTPHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	itemID, ok := parseItemID(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	line, err := h.cart.UpdateQuantity(r.Context(), userID, itemID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	itemID, ok := parseItemID(w, r)
	if !ok {
		return
	}

	if err := h.cart.RemoveItem(r.Context(), userID, itemID); err != nil {
		h.writeServiceError(w, r, err, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "DOWN", "timestamp": time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "UP", "timestamp": time.Now().UTC()})
}

// writeServiceError maps engine errors to responses. A missing product on add
// is the client's mistake (400); a missing cart item elsewhere is a 404.
func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundStatus int) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, notFoundStatus, err.Error())
	case errors.Is(err, service.ErrInsufficientStock):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, "this item is already being added to the cart, try updating the quantity")
	case errors.Is(err, service.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate request")
	default:
		h.logger.Error("cart request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseItemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || itemID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return itemID, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorHTTPResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
