package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/idempotency"
	"github.com/alanyoungcy/foresight/internal/server/middleware"
)

// GaslessBridge relays operator-paid fills.
type GaslessBridge interface {
	SubmitGasless(ctx context.Context, req domain.GaslessRequest) (domain.SettlementIntent, error)
	Intent(ctx context.Context, id string) (domain.SettlementIntent, error)
}

// GaslessHandler serves the gasless relay endpoints.
type GaslessHandler struct {
	bridge GaslessBridge
	logger *slog.Logger
}

// NewGaslessHandler creates a GaslessHandler.
func NewGaslessHandler(bridge GaslessBridge, logger *slog.Logger) *GaslessHandler {
	return &GaslessHandler{bridge: bridge, logger: logger.With(slog.String("handler", "gasless"))}
}

type gaslessRequest struct {
	Order       orderRequest   `json:"order"`
	FillAmount  Quantity       `json:"fillAmount"`
	Permit      *domain.Permit `json:"permit"`
	UserAddress string         `json:"userAddress"`
}

// Submit records a gasless settlement intent and broadcasts it.
// POST /api/gasless/intents
func (h *GaslessHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req gaslessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, err := req.Order.order()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	fill := o.Amount
	if !req.FillAmount.IsZero() {
		if fill, err = req.FillAmount.Amount(); err != nil {
			writeFailure(w, r, h.logger, err)
			return
		}
	}
	intent, err := h.bridge.SubmitGasless(r.Context(), domain.GaslessRequest{
		Order:          o,
		FillAmount:     fill,
		Permit:         req.Permit,
		UserAddress:    req.UserAddress,
		SourceIP:       middleware.ClientIPFrom(r.Context()),
		IdempotencyKey: idempotency.Scope(r),
	})
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, intent)
}

// Get returns an intent by id.
// GET /api/gasless/intents/{id}
func (h *GaslessHandler) Get(w http.ResponseWriter, r *http.Request) {
	intent, err := h.bridge.Intent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}
