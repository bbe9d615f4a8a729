package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/server/middleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"message":"internal server error","errorCode":"INTERNAL"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	middleware.WriteError(w, status, middleware.ErrorBody{Message: msg, ErrorCode: code})
}

// writeFailure maps err onto a status and error code. Unexpected errors are
// logged; rejections are the caller's problem and are not.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		status := http.StatusBadRequest
		switch {
		case rej.Code == domain.RejectOrderNotFound:
			status = http.StatusNotFound
		case rej.Kind == domain.RejectKindState:
			status = http.StatusConflict
		}
		writeError(w, status, string(rej.Code), rej.Message)
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotLeader):
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrorBody{Message: err.Error(), ErrorCode: "NOT_LEADER", Retryable: true})
	case domain.IsRetryable(err):
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrorBody{Message: err.Error(), ErrorCode: "UNAVAILABLE", Retryable: true})
	case errors.Is(err, domain.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, string(domain.RejectInvalidSignature), err.Error())
	case errors.Is(err, domain.ErrDenied):
		writeError(w, http.StatusForbidden, "DENIED", err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// decodeBody reads a bounded JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// bookKey reads market and outcome from the query string.
func bookKey(r *http.Request) (domain.BookKey, bool) {
	q := r.URL.Query()
	market := q.Get("market")
	if market == "" {
		return domain.BookKey{}, false
	}
	outcome := 0
	if v := q.Get("outcome"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return domain.BookKey{}, false
		}
		outcome = n
	}
	return domain.BookKey{Market: market, Outcome: outcome}, true
}

// intParam parses a positive integer query parameter, clamped to max.
func intParam(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
