package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "socketlease/backend/libs/errors"
)

type errorResponse struct {
	Error string              `json:"error"`
	Code  apperrors.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: apperrors.ErrCodeInvalidState})
}

// writeError maps an AppError to its status; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("an unexpected error occurred")
	}
	writeJSON(w, statusFromCode(appErr.Code), errorResponse{Error: appErr.Message, Code: appErr.Code})
}

func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case apperrors.ErrCodeInvalidState:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeActuationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// limitParam reads ?limit=; absent means 0, which selects the default page size.
func limitParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}
