package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// ErrorBody is the JSON error envelope of the API.
type ErrorBody struct {
	Message   string               `json:"message"`
	ErrorCode string               `json:"errorCode"`
	Retryable bool                 `json:"retryable,omitempty"`
	Leader    *domain.LeaderRecord `json:"leader,omitempty"`
}

// WriteError writes body with status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
