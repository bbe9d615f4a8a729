package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// depthLimit caps the levels a depth request may ask for.
const depthLimit = 100

// MarketEngine is the slice of the matching engine the market endpoints need.
type MarketEngine interface {
	CloseMarket(ctx context.Context, key, reason string) (int, error)
	Markets() []domain.Market
	Depth(key domain.BookKey, levels int) (domain.Depth, bool)
	Stats(key domain.BookKey) (domain.BookStats, bool)
	Writable() bool
}

// PublicReader serves replicated book views on followers.
type PublicReader interface {
	Public(ctx context.Context, key domain.BookKey) domain.PublicView
}

// MarketHandler serves market administration and book reads. The leader
// answers from the engine; followers answer from replicated snapshots.
type MarketHandler struct {
	engine MarketEngine
	reader PublicReader
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler. reader may be nil on a
// single-node deployment.
func NewMarketHandler(engine MarketEngine, reader PublicReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{engine: engine, reader: reader, logger: logger.With(slog.String("handler", "markets"))}
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// Close stops trading in a market and cancels its resting orders.
// POST /api/markets/{market}/close
func (h *MarketHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "closed by operator"
	}
	market := r.PathValue("market")
	n, err := h.engine.CloseMarket(r.Context(), market, req.Reason)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "market closed",
		slog.String("market", market),
		slog.String("reason", req.Reason),
		slog.Int("canceled", n),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"market":   market,
		"status":   domain.MarketStatusClosed,
		"canceled": n,
	})
}

// List returns every market the engine knows.
// GET /api/markets
func (h *MarketHandler) List(w http.ResponseWriter, r *http.Request) {
	markets := h.engine.Markets()
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// Depth returns aggregated price levels for one book.
// GET /api/depth?market=&outcome=&levels=
func (h *MarketHandler) Depth(w http.ResponseWriter, r *http.Request) {
	key, ok := bookKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "market and a non-negative outcome are required")
		return
	}
	levels := intParam(r, "levels", 20, depthLimit)
	if h.engine.Writable() || h.reader == nil {
		d, found := h.engine.Depth(key, levels)
		if !found {
			d = domain.Depth{Market: key.Market, Outcome: key.Outcome, Bids: []domain.PriceLevel{}, Asks: []domain.PriceLevel{}}
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	d := h.reader.Public(r.Context(), key).Depth
	d.Bids = d.Bids[:min(len(d.Bids), levels)]
	d.Asks = d.Asks[:min(len(d.Asks), levels)]
	writeJSON(w, http.StatusOK, d)
}

// Stats returns the ticker summary of one book.
// GET /api/stats?market=&outcome=
func (h *MarketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key, ok := bookKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "market and a non-negative outcome are required")
		return
	}
	if h.engine.Writable() || h.reader == nil {
		s, found := h.engine.Stats(key)
		if !found {
			s = domain.BookStats{Market: key.Market, Outcome: key.Outcome}
		}
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusOK, h.reader.Public(r.Context(), key).Stats)
}
