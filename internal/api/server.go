// Package api exposes the HTTP surface: the webhook-style migration phase
// endpoints, async run management with WebSocket log streaming, and the
// operational endpoints (healthz, metrics).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stor-ops/custodian/internal/models"
	"github.com/stor-ops/custodian/internal/remote"
	"github.com/stor-ops/custodian/internal/store"
	"github.com/stor-ops/custodian/internal/workflow"
)

// Server holds shared state for all API handlers. The workflow factories
// produce a fresh instance per request or run so each can carry its own
// progress sink.
type Server struct {
	Tracker store.Tracker
	Runs    *models.RunStore
	Log     *slog.Logger

	NewMigration   func(progress func(string)) *workflow.Migration
	NewDeprovision func(progress func(string)) *workflow.Deprovision
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the structured failure response. ProviderStatus and the
// correlation id are present when the failure originated at the provider.
type errorBody struct {
	Error          string `json:"error"`
	Class          string `json:"class,omitempty"`
	ProviderStatus int    `json:"provider_status,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Response       string `json:"response,omitempty"`
}

// writeFault renders a workflow error. Provider status codes pass through;
// provider failures without one map to 502.
func writeFault(w http.ResponseWriter, err error) {
	f := remote.FaultOf(err)
	if f == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	status := http.StatusBadGateway
	if f.Status >= 400 && f.Status < 600 {
		status = f.Status
	}
	writeJSON(w, status, errorBody{
		Error:          err.Error(),
		Class:          f.Class.String(),
		ProviderStatus: f.Status,
		CorrelationID:  f.CorrelationID,
		Response:       f.Body,
	})
}

// Healthz reports process liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
