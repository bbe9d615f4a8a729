package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

// OrderEngine is the slice of the matching engine the order endpoints need.
type OrderEngine interface {
	SubmitOrder(ctx context.Context, o domain.Order) (*matching.SubmitResult, error)
	CancelOrder(ctx context.Context, c matching.CancelCommand) (*domain.Order, error)
	Order(market, id string) (domain.Order, bool)
	OpenOrders(market, maker string) []domain.Order
}

// OrderHandler serves order submission, cancellation and lookup.
type OrderHandler struct {
	engine OrderEngine
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(engine OrderEngine, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{engine: engine, logger: logger.With(slog.String("handler", "orders"))}
}

// orderRequest is a signed order on the wire.
type orderRequest struct {
	Market            string             `json:"market"`
	Outcome           int                `json:"outcome"`
	Side              domain.OrderSide   `json:"side"`
	Price             Quantity           `json:"price"`
	Amount            Quantity           `json:"amount"`
	Expiry            int64              `json:"expiry"`
	TimeInForce       domain.TimeInForce `json:"timeInForce"`
	PostOnly          bool               `json:"postOnly"`
	Maker             string             `json:"maker"`
	Salt              string             `json:"salt"`
	Signature         string             `json:"signature"`
	ClientOrderID     string             `json:"clientOrderId"`
	ChainID           int64              `json:"chainId"`
	VerifyingContract string             `json:"verifyingContract"`
}

func (req orderRequest) order() (domain.Order, error) {
	price, err := req.Price.Price()
	if err != nil {
		return domain.Order{}, err
	}
	amount, err := req.Amount.Amount()
	if err != nil {
		return domain.Order{}, err
	}
	tif := domain.TimeInForce(strings.ToUpper(string(req.TimeInForce)))
	if tif == "" {
		tif = domain.TimeInForceGTC
	}
	return domain.Order{
		Market:            req.Market,
		Outcome:           req.Outcome,
		Side:              domain.OrderSide(strings.ToLower(string(req.Side))),
		Price:             price,
		Amount:            amount,
		Expiry:            req.Expiry,
		TimeInForce:       tif,
		PostOnly:          req.PostOnly,
		Maker:             req.Maker,
		Salt:              req.Salt,
		Signature:         req.Signature,
		ClientOrderID:     req.ClientOrderID,
		ChainID:           req.ChainID,
		VerifyingContract: req.VerifyingContract,
	}, nil
}

// Submit places a signed order.
// POST /api/orders
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, err := req.order()
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	res, err := h.engine.SubmitOrder(r.Context(), o)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	if res.Matches == nil {
		res.Matches = []domain.Match{}
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel removes a resting order, authenticated by the maker's signature.
// POST /api/orders/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var cmd matching.CancelCommand
	if !decodeBody(w, r, &cmd) {
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), cmd)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":  o,
		"status": domain.OrderStatusCanceled,
	})
}

// Get returns one live order.
// GET /api/orders/{id}?market=
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		writeError(w, http.StatusBadRequest, "INVALID_MARKET_KEY", "market query parameter required")
		return
	}
	o, ok := h.engine.Order(market, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, string(domain.RejectOrderNotFound), "order not found or no longer resting")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// List returns a maker's resting orders in a market.
// GET /api/orders?market=&maker=
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market, maker := q.Get("market"), q.Get("maker")
	if market == "" || maker == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "market and maker query parameters required")
		return
	}
	orders := h.engine.OpenOrders(market, maker)
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
