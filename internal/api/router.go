package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reoxt/basesync/internal/api/middleware"
)

// NewRouter builds the mux.Router exposing the engine's external
// interfaces (spec §6), grounded on the teacher's NewRouter: RequestID and
// Logging apply globally, Auth applies to every route under /api/v1;
// /health is served without authentication.
func NewRouter(h *Handlers, keys middleware.APIKeys, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))

	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.Auth(keys))

	v1.HandleFunc("/sync-configs/{syncConfigId}/runs", h.HandleRunManual).Methods(http.MethodPost)
	v1.HandleFunc("/sync-configs/{syncConfigId}/initial-run", h.HandleRunInitial).Methods(http.MethodPost)
	v1.HandleFunc("/scheduler/run", h.HandleRunScheduled).Methods(http.MethodPost)
	v1.HandleFunc("/users/{userId}/connections", h.HandleResolveConnectionStatus).Methods(http.MethodGet)
	v1.HandleFunc("/users/{userId}/connections/reauth", h.HandleMarkReauthRequired).Methods(http.MethodPost)

	return router
}
