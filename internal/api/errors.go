package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inkwell-cms/collab/pkg/errclass"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrInvalidSession):
		return http.StatusNotFound
	case errors.Is(err, errclass.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, errclass.ErrLockConflict):
		return http.StatusLocked
	case errors.Is(err, errclass.ErrInvalidChange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errclass.ErrPersistenceFailure), errors.Is(err, errclass.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errclass.ErrNameInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errclass.Code(err)
	if code == "" {
		code = "E_INTERNAL"
	}
	writeJSON(w, statusFor(err), errorBody{Code: code, Message: errclass.Message(err)})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
