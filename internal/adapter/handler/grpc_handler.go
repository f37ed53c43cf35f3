package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

type ReserveRequest struct {
	CartID    string          `json:"cart_id"`
	ProductID string          `json:"product_id"`
	Quantity  int32           `json:"quantity"`
	Variant   *domain.Variant `json:"variant,omitempty"`
}

type ReserveResponse struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message"`
	AvailableStock   int32     `json:"available_stock"`
	ReservedQuantity int32     `json:"reserved_quantity"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type ReleaseRequest struct {
	CartID    string          `json:"cart_id"`
	ProductID string          `json:"product_id"`
	Variant   *domain.Variant `json:"variant,omitempty"`
}

type ExtendRequest struct {
	CartID            string          `json:"cart_id"`
	ProductID         string          `json:"product_id,omitempty"`
	Variant           *domain.Variant `json:"variant,omitempty"`
	AdditionalMinutes int32           `json:"additional_minutes,omitempty"`
}

type CartRequest struct {
	CartID string `json:"cart_id"`
}

type OperationResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Affected int32  `json:"affected"`
}

type ValidateResponse struct {
	Valid   bool                      `json:"valid"`
	Message string                    `json:"message"`
	Issues  []service.ValidationIssue `json:"issues,omitempty"`
}

type StatusResponse struct {
	CartID       string                     `json:"cart_id"`
	Reservations []service.ReservationState `json:"reservations"`
	Total        int32                      `json:"total"`
	Active       int32                      `json:"active"`
}

type GRPCHandler struct {
	reservations *service.ReservationService
	logger       *zap.Logger
}

func NewGRPCHandler(reservations *service.ReservationService, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{reservations: reservations, logger: logger}
}

// Reserve reports a stock shortfall in the response rather than as an
// RPC error, so callers can offer the available quantity.
func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	if req.CartID == "" || req.ProductID == "" {
		return nil, status.Error(codes.InvalidArgument, "cart_id and product_id are required")
	}

	res, err := h.reservations.Reserve(ctx, req.CartID, req.ProductID, int(req.Quantity), req.Variant)
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			return &ReserveResponse{
				Success:        false,
				Message:        "insufficient stock",
				AvailableStock: int32(insufficient.Available),
			}, nil
		}
		return nil, h.toStatus(err)
	}

	return &ReserveResponse{
		Success:          true,
		Message:          res.Message,
		AvailableStock:   int32(res.AvailableStock),
		ReservedQuantity: int32(res.ReservedQuantity),
		ExpiresAt:        res.ExpiresAt,
	}, nil
}

func (h *GRPCHandler) Release(ctx context.Context, req *ReleaseRequest) (*OperationResponse, error) {
	res, err := h.reservations.Release(ctx, req.CartID, req.ProductID, req.Variant)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return operationResponse(res), nil
}

func (h *GRPCHandler) ReleaseAll(ctx context.Context, req *CartRequest) (*OperationResponse, error) {
	res, err := h.reservations.ReleaseAll(ctx, req.CartID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return operationResponse(res), nil
}

func (h *GRPCHandler) Extend(ctx context.Context, req *ExtendRequest) (*OperationResponse, error) {
	res, err := h.reservations.Extend(ctx, req.CartID, req.ProductID, req.Variant, time.Duration(req.AdditionalMinutes)*time.Minute)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return operationResponse(res), nil
}

func (h *GRPCHandler) Validate(ctx context.Context, req *CartRequest) (*ValidateResponse, error) {
	res, err := h.reservations.Validate(ctx, req.CartID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ValidateResponse{Valid: res.Valid, Message: res.Message, Issues: res.Issues}, nil
}

func (h *GRPCHandler) Status(ctx context.Context, req *CartRequest) (*StatusResponse, error) {
	res, err := h.reservations.Status(ctx, req.CartID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &StatusResponse{
		CartID:       res.CartID,
		Reservations: res.Reservations,
		Total:        int32(res.Total),
		Active:       int32(res.Active),
	}, nil
}

func operationResponse(res *service.Result) *OperationResponse {
	return &OperationResponse{Success: res.Success, Message: res.Message, Affected: int32(res.Affected)}
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrCartNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrReservationNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrVariantNotFound):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	default:
		h.logger.Error("rpc failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}
