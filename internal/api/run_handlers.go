package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stor-ops/custodian/internal/store"
)

type startMigrationRequest struct {
	UserLogin     string `json:"UserLogin"`
	ManagedUserID string `json:"ManagedUserId"`
}

// StartMigrationRun seeds a job for the given transfer if one does not
// exist, pops the next pending job, and drains it asynchronously. The run
// id comes back immediately; progress streams over the run log.
func (s *Server) StartMigrationRun(w http.ResponseWriter, r *http.Request) {
	var req startMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserLogin == "" || req.ManagedUserID == "" {
		writeError(w, http.StatusBadRequest, "UserLogin and ManagedUserId are required")
		return
	}

	created, err := s.Tracker.SeedJob(r.Context(), store.TransferCandidate{
		UserLogin:     req.UserLogin,
		ManagedUserID: req.ManagedUserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := s.Tracker.DequeueJob(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusConflict, "no pending job to run; the transfer may already be claimed")
		return
	}

	// Detached from the request context: the run outlives the request.
	run, ctx := s.Runs.Create(context.Background(), "migration", job.UserLogin)
	m := s.NewMigration(run.AppendLog)

	go func() {
		if created {
			run.AppendLog(fmt.Sprintf("Seeded job for %s", req.UserLogin))
		}
		run.AppendLog(fmt.Sprintf("Running job %d (%s)", job.ID, job.UserLogin))
		if err := m.Run(ctx, job); err != nil {
			run.AppendLog("ERROR: " + err.Error())
			run.Fail(err.Error())
			return
		}
		run.Complete()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// StartDeprovisionRun pops the next pending deprovision target and runs
// it asynchronously.
func (s *Server) StartDeprovisionRun(w http.ResponseWriter, r *http.Request) {
	tgt, err := s.Tracker.DequeueDeprovisionTarget(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tgt == nil {
		writeError(w, http.StatusNotFound, "no deprovision target pending")
		return
	}

	run, ctx := s.Runs.Create(context.Background(), "deprovision", tgt.Login)
	d := s.NewDeprovision(run.AppendLog)

	go func() {
		run.AppendLog(fmt.Sprintf("Deprovisioning %s (%s)", tgt.Login, tgt.AccountID))
		if err := d.Run(ctx, tgt); err != nil {
			run.AppendLog("ERROR: " + err.Error())
			run.Fail(err.Error())
			return
		}
		if err := s.Tracker.MarkTargetFinished(ctx, tgt.ID); err != nil {
			run.AppendLog("ERROR: " + err.Error())
			run.Fail(err.Error())
			return
		}
		run.Complete()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Runs.List())
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run := s.Runs.Get(chi.URLParam(r, "id"))
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun cancels a running run.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	run := s.Runs.Get(chi.URLParam(r, "id"))
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.CurrentStatus() != "running" {
		writeError(w, http.StatusConflict, "run is not running")
		return
	}
	run.Cancel()
	run.AppendLog("CANCELLED: stopped by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
