package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

type HTTPHandler struct {
	carts        *service.CartService
	reservations *service.ReservationService
	checkout     *service.CheckoutService
	sweeper      *service.Sweeper
	logger       *zap.Logger
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Available *int   `json:"available_stock,omitempty"`
}

type ReserveHTTPRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Variant   *domain.Variant `json:"variant"`
}

type ExtendHTTPRequest struct {
	ProductID string          `json:"product_id"`
	Variant   *domain.Variant `json:"variant"`
	Minutes   int             `json:"minutes"`
}

type UpdateItemHTTPRequest struct {
	Quantity int             `json:"quantity"`
	Variant  *domain.Variant `json:"variant"`
}

type AddItemHTTPRequest struct {
	UserID string `json:"user_id"`
	service.AddItemRequest
}

type CouponHTTPRequest struct {
	Code string `json:"code"`
}

type StartSweeperHTTPRequest struct {
	IntervalMinutes int `json:"interval_minutes"`
}

type OrderHTTPResponse struct {
	Success    bool                      `json:"success"`
	Message    string                    `json:"message"`
	Order      *domain.Order             `json:"order,omitempty"`
	Validation *service.ValidationResult `json:"validation,omitempty"`
}

func NewHTTPHandler(carts *service.CartService, reservations *service.ReservationService, checkout *service.CheckoutService,
	sweeper *service.Sweeper, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		carts:        carts,
		reservations: reservations,
		checkout:     checkout,
		sweeper:      sweeper,
		logger:       logger,
	}
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/carts/{cartID}", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Post("/items", h.AddItem)
			r.Put("/items/{productID}", h.UpdateItem)
			r.Delete("/items/{productID}", h.RemoveItem)
			r.Post("/coupon", h.ApplyCoupon)
			r.Delete("/coupon", h.RemoveCoupon)

			r.Post("/reservations", h.Reserve)
			r.Delete("/reservations", h.ReleaseAll)
			r.Delete("/reservations/{productID}", h.Release)
			r.Post("/reservations/extend", h.Extend)
			r.Get("/reservations/validate", h.Validate)
			r.Get("/reservations/status", h.Status)

			r.Post("/checkout/prepare", h.PrepareCheckout)
			r.Post("/checkout", h.PlaceOrder)
		})

		r.Get("/products/{productID}/reserved", h.TotalReserved)

		r.Route("/admin/sweeper", func(r chi.Router) {
			r.Get("/", h.SweeperStatus)
			r.Post("/run", h.TriggerSweep)
			r.Post("/start", h.StartSweeper)
			r.Post("/stop", h.StopSweeper)
		})
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.GetCart(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = req.UserID
	}

	res, err := h.carts.AddItem(r.Context(), chi.URLParam(r, "cartID"), userID, req.AddItemRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.carts.UpdateItem(r.Context(), chi.URLParam(r, "cartID"), chi.URLParam(r, "productID"), req.Variant, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	res, err := h.carts.RemoveItem(r.Context(), chi.URLParam(r, "cartID"), chi.URLParam(r, "productID"), variantFromQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	res, err := h.carts.Clear(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req CouponHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing coupon code"})
		return
	}

	res, err := h.carts.ApplyCoupon(r.Context(), chi.URLParam(r, "cartID"), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	res, err := h.carts.RemoveCoupon(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing product_id"})
		return
	}

	res, err := h.reservations.Reserve(r.Context(), chi.URLParam(r, "cartID"), req.ProductID, req.Quantity, req.Variant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Release(r.Context(), chi.URLParam(r, "cartID"), chi.URLParam(r, "productID"), variantFromQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) ReleaseAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.ReleaseAll(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendHTTPRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	res, err := h.reservations.Extend(r.Context(), chi.URLParam(r, "cartID"), req.ProductID, req.Variant,
		time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Validate(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Validate(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Status(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) TotalReserved(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	total, err := h.reservations.TotalReserved(r.Context(), productID, variantFromQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"product_id": productID, "reserved": total})
}

func (h *HTTPHandler) PrepareCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkout.PrepareCheckout(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	order, validation, err := h.checkout.PlaceOrder(r.Context(), chi.URLParam(r, "cartID"))
	if errors.Is(err, service.ErrCheckoutBlocked) {
		writeJSON(w, http.StatusConflict, OrderHTTPResponse{
			Success:    false,
			Message:    validation.Message,
			Validation: validation,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, OrderHTTPResponse{
		Success: true,
		Message: "order placed successfully",
		Order:   order,
	})
}

func (h *HTTPHandler) SweeperStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.Status())
}

func (h *HTTPHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.TriggerManual(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) StartSweeper(w http.ResponseWriter, r *http.Request) {
	var req StartSweeperHTTPRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	h.sweeper.Start(time.Duration(req.IntervalMinutes) * time.Minute)
	writeJSON(w, http.StatusOK, h.sweeper.Status())
}

func (h *HTTPHandler) StopSweeper(w http.ResponseWriter, r *http.Request) {
	h.sweeper.Stop()
	writeJSON(w, http.StatusOK, h.sweeper.Status())
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	resp := ErrorResponse{Success: false, Message: err.Error()}

	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		resp.Available = &insufficient.Available
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrCartNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrCouponNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrCouponInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrVariantNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, service.ErrSweepInProgress):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func variantFromQuery(r *http.Request) *domain.Variant {
	q := r.URL.Query()
	return domain.NormalizeVariant(&domain.Variant{Type: q.Get("variant_type"), Value: q.Get("variant_value")})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

