package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TxIngestor applies the settlement events of one mined transaction.
type TxIngestor interface {
	IngestTx(ctx context.Context, hash string) (int, error)
}

// SettlementHandler serves operator settlement endpoints.
type SettlementHandler struct {
	ingestor TxIngestor
	logger   *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(ingestor TxIngestor, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{ingestor: ingestor, logger: logger.With(slog.String("handler", "settlement"))}
}

type ingestRequest struct {
	TxHash string `json:"txHash"`
}

// Ingest applies a transaction's fills and cancels to the books.
// POST /api/settlement/ingest
func (h *SettlementHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hash := strings.TrimSpace(req.TxHash)
	if len(common.FromHex(hash)) != common.HashLength {
		writeError(w, http.StatusBadRequest, "INVALID_TX_HASH", "txHash must be a 32-byte hex string")
		return
	}
	n, err := h.ingestor.IngestTx(r.Context(), hash)
	if err != nil {
		writeFailure(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"txHash": hash, "applied": n})
}
