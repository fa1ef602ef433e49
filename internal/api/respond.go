package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/you/taskmill/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"errorCode"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrPermission):
		status, code = http.StatusForbidden, "PERMISSION_DENIED"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrInsufficientCredits):
		status, code = http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
