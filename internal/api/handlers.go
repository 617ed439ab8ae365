// Package api is the thin HTTP adapter over the engine's external
// interfaces (spec §6): RunManual, RunInitial, RunScheduled,
// ResolveConnectionStatus, and MarkReauthRequired. Grounded on the
// teacher's internal/api/router.go and handlers/history package shape —
// a gorilla/mux router, a middleware chain, and handlers that decode a
// request, call one collaborator, and write a JSON response or the
// standard error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	apierrors "github.com/reoxt/basesync/internal/api/errors"
	"github.com/reoxt/basesync/internal/api/middleware"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/pipeline"
	"github.com/reoxt/basesync/internal/scheduler"
	"github.com/reoxt/basesync/internal/token"
)

var validate = validator.New()

// Scheduler is the subset of *internal/scheduler.Scheduler the HTTP layer
// calls; narrowed to an interface so handlers can be tested without a full
// Scheduler (which itself needs a live token manager and pipeline deps).
type Scheduler interface {
	RunManual(ctx context.Context, syncConfigID, userID string) (*pipeline.RunReport, error)
	RunInitial(ctx context.Context, syncConfigID, userID string, opts scheduler.RunOptions) (*pipeline.RunReport, error)
	RunScheduled(ctx context.Context) scheduler.JobSummary
}

// TokenManager is the subset of *internal/token.Manager the HTTP layer
// calls.
type TokenManager interface {
	Status(ctx context.Context, userID string, provider domain.Provider) (token.ConnStatus, error)
	MarkReauthRequired(ctx context.Context, userID string, provider domain.Provider, reason string) error
}

// Handlers wires the HTTP layer to the engine's scheduler and token
// manager; one instance is shared across all requests.
type Handlers struct {
	scheduler Scheduler
	tokens    TokenManager
	logger    *slog.Logger
}

func NewHandlers(sched Scheduler, tokens TokenManager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{scheduler: sched, tokens: tokens, logger: logger}
}

// requireOwnUser enforces that the authenticated caller (set by
// middleware.Auth) matches the userId a request acts on; RunManual and
// RunInitial accept userId purely for this audit/authorization boundary,
// which the scheduler itself does not enforce (spec §6).
func (h *Handlers) requireOwnUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if authUser := middleware.GetUserID(r.Context()); authUser != userID {
		apierrors.Write(w, apierrors.Unauthorized("authenticated user does not match the requested userId").WithRequestID(middleware.GetRequestID(r.Context())))
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response body", "error", err)
	}
}

func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrSyncConfigNotFound):
		apierrors.Write(w, apierrors.NotFound("sync config").WithRequestID(requestID))
	case errors.Is(err, token.ErrNeedsReauth):
		apierrors.Write(w, apierrors.New(apierrors.CodeNeedsReauth, err.Error()).WithRequestID(requestID))
	default:
		h.logger.Error("unhandled request error", "error", err)
		apierrors.Write(w, apierrors.Internal("internal error").WithRequestID(requestID))
	}
}

// HandleRunManual handles POST /sync-configs/{syncConfigId}/runs (spec §6
// "RunManual(syncConfigId, userId) -> RunReport").
func (h *Handlers) HandleRunManual(w http.ResponseWriter, r *http.Request) {
	syncConfigID := mux.Vars(r)["syncConfigId"]
	userID := r.URL.Query().Get("userId")
	if userID == "" || !h.requireOwnUser(w, r, userID) {
		return
	}

	report, err := h.scheduler.RunManual(r.Context(), syncConfigID, userID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// runInitialRequest is the optional body for HandleRunInitial.
type runInitialRequest struct {
	DryRun             bool `json:"dryRun"`
	DeleteExtraRecords bool `json:"deleteExtraRecords"`
}

// HandleRunInitial handles POST /sync-configs/{syncConfigId}/initial-run
// (spec §6 "RunInitial(syncConfigId, userId, {dryRun}) -> RunReport").
func (h *Handlers) HandleRunInitial(w http.ResponseWriter, r *http.Request) {
	syncConfigID := mux.Vars(r)["syncConfigId"]
	userID := r.URL.Query().Get("userId")
	if userID == "" || !h.requireOwnUser(w, r, userID) {
		return
	}

	var body runInitialRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierrors.Write(w, apierrors.Validation("malformed request body").WithRequestID(middleware.GetRequestID(r.Context())))
			return
		}
	}

	report, err := h.scheduler.RunInitial(r.Context(), syncConfigID, userID, scheduler.RunOptions{
		DryRun:             body.DryRun,
		DeleteExtraRecords: body.DeleteExtraRecords,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HandleRunScheduled handles POST /scheduler/run (spec §6 "RunScheduled()
// -> JobSummary"), the cron-triggered batch dispatch entry point.
func (h *Handlers) HandleRunScheduled(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.RunScheduled(r.Context()))
}

// connectionStatusResponse is the spec §6 "{sor: ConnStatus, grid:
// ConnStatus}" shape.
type connectionStatusResponse struct {
	Sor  token.ConnStatus `json:"sor"`
	Grid token.ConnStatus `json:"grid"`
}

// HandleResolveConnectionStatus handles GET /users/{userId}/connections
// (spec §6 "ResolveConnectionStatus(userId) -> {sor, grid}").
func (h *Handlers) HandleResolveConnectionStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if !h.requireOwnUser(w, r, userID) {
		return
	}

	sorStatus, sorErr := h.tokens.Status(r.Context(), userID, domain.ProviderSor)
	gridStatus, gridErr := h.tokens.Status(r.Context(), userID, domain.ProviderGrid)
	if sorErr != nil && gridErr != nil {
		apierrors.Write(w, apierrors.NotFound("connections").WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}
	h.writeJSON(w, http.StatusOK, connectionStatusResponse{Sor: sorStatus, Grid: gridStatus})
}

// markReauthRequest is the body for HandleMarkReauthRequired.
type markReauthRequest struct {
	Provider domain.Provider `json:"provider" validate:"required,oneof=sor grid"`
	Reason   string          `json:"reason" validate:"required"`
}

// HandleMarkReauthRequired handles POST /users/{userId}/connections/reauth
// (spec §6 "MarkReauthRequired(userId, provider, reason)").
func (h *Handlers) HandleMarkReauthRequired(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if !h.requireOwnUser(w, r, userID) {
		return
	}

	var body markReauthRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.Write(w, apierrors.Validation("malformed request body").WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}
	if err := validate.Struct(body); err != nil {
		apierrors.Write(w, apierrors.Validation(err.Error()).WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	if err := h.tokens.MarkReauthRequired(r.Context(), userID, body.Provider, body.Reason); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
