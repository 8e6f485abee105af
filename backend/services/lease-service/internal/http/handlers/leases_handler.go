package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "socketlease/backend/libs/errors"
	"socketlease/backend/services/lease-service/internal/models"
	"socketlease/backend/services/lease-service/internal/service"
)

// LeasesHandler exposes the lease manager over HTTP.
type LeasesHandler struct {
	svc    *service.Manager
	logger *zap.Logger
}

// NewLeasesHandler builds handler set.
func NewLeasesHandler(svc *service.Manager, logger *zap.Logger) *LeasesHandler {
	return &LeasesHandler{svc: svc, logger: logger}
}

type startLeaseRequest struct {
	HolderID     string             `json:"holder_id"`
	Points       int                `json:"points"`
	SocketClass  models.SocketClass `json:"socket_class"`
	SocketNumber int                `json:"socket_number"`
}

type startLeaseResponse struct {
	Session                 *models.Session `json:"session"`
	RemainingBalance        int             `json:"remaining_balance"`
	ExpectedDurationSeconds int64           `json:"expected_duration_seconds"`
}

type stopLeaseRequest struct {
	Status models.SessionStatus `json:"status"`
}

// HandleStart handles POST /leases.
func (h *LeasesHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}

	result, err := h.svc.StartLease(r.Context(), req.HolderID, req.Points, req.SocketClass, req.SocketNumber)
	if err != nil {
		h.logFailure("start lease failed", err, zap.String("holder_id", req.HolderID))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, startLeaseResponse{
		Session:                 result.Session,
		RemainingBalance:        result.RemainingBalance,
		ExpectedDurationSeconds: int64(result.ExpectedDuration.Seconds()),
	})
}

// HandleStop handles POST /leases/{id}/stop. An empty body completes the lease.
func (h *LeasesHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid session id")
		return
	}

	var req stopLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid json")
		return
	}

	session, err := h.svc.StopLease(r.Context(), id, req.Status)
	if err != nil {
		h.logFailure("stop lease failed", err, zap.Int64("session_id", id))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleActive handles GET /holders/{holder}/lease.
func (h *LeasesHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	holder := chi.URLParam(r, "holder")
	session, err := h.svc.GetActiveLease(r.Context(), holder)
	if err != nil {
		h.logFailure("get active lease failed", err, zap.String("holder_id", holder))
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperrors.NotFound("active lease"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleHistory handles GET /holders/{holder}/sessions.
func (h *LeasesHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		writeBadRequest(w, "invalid limit")
		return
	}
	holder := chi.URLParam(r, "holder")
	sessions, err := h.svc.ListHistory(r.Context(), holder, limit)
	if err != nil {
		h.logFailure("list history failed", err, zap.String("holder_id", holder))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// HandleStats handles GET /holders/{holder}/stats.
func (h *LeasesHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	holder := chi.URLParam(r, "holder")
	stats, err := h.svc.ComputeStats(r.Context(), holder)
	if err != nil {
		h.logFailure("compute stats failed", err, zap.String("holder_id", holder))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleAll handles GET /sessions.
func (h *LeasesHandler) HandleAll(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		writeBadRequest(w, "invalid limit")
		return
	}
	sessions, err := h.svc.ListAll(r.Context(), limit)
	if err != nil {
		h.logFailure("list sessions failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// logFailure logs server-side failures; business rejections stay at debug.
func (h *LeasesHandler) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if statusFromCode(apperrors.GetCode(err)) >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
		return
	}
	h.logger.Debug(msg, fields...)
}
