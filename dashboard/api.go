package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/platform/auditlog"
	"github.com/icetrack-labs/icetrack-go/internal/platform/auth"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
	"github.com/icetrack-labs/icetrack-go/internal/workflow"
)

type dashboardAPI struct {
	logger  *slog.Logger
	db      *sql.DB
	runs    repo.RunRepository
	machine *workflow.Machine
	pusher  workflow.Pusher

	adminPassword string
	sessionSecret string
	sessionTTL    time.Duration
}

func newDashboardAPI(
	logger *slog.Logger,
	db *sql.DB,
	runs repo.RunRepository,
	machine *workflow.Machine,
	pusher workflow.Pusher,
	adminPassword string,
	sessionSecret string,
	sessionTTL time.Duration,
) *dashboardAPI {
	return &dashboardAPI{
		logger:        logger,
		db:            db,
		runs:          runs,
		machine:       machine,
		pusher:        pusher,
		adminPassword: strings.TrimSpace(adminPassword),
		sessionSecret: strings.TrimSpace(sessionSecret),
		sessionTTL:    sessionTTL,
	}
}

func (api *dashboardAPI) register(mux *http.ServeMux, guard auth.Guard) {
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_number}", api.handleGetRun)
	mux.HandleFunc("POST /api/login", api.handleLogin)

	mux.Handle("POST /api/runs", guard.Wrap(http.HandlerFunc(api.handleCreateRun)))
	mux.Handle("POST /api/runs/{run_number}/state", guard.Wrap(http.HandlerFunc(api.handleUpdateRunState)))
	mux.Handle("POST /api/steps", guard.Wrap(http.HandlerFunc(api.handleUpdateStep)))
}

func (api *dashboardAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := api.runs.ListRuns(r.Context())
	if err != nil {
		api.logError(r, "list runs failed", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runs)
}

type runWithSteps struct {
	Run   domain.Run              `json:"run"`
	Steps []domain.ProcessingStep `json:"steps"`
}

func (api *dashboardAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}
	run, steps, err := api.runs.GetRunWithSteps(r.Context(), runNumber)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeJSON(w, http.StatusNotFound, nil)
			return
		}
		api.logError(r, "get run failed", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runWithSteps{Run: run, Steps: steps})
}

type createRunRequest struct {
	FileNumber   int    `json:"file_number"`
	RunStartDate string `json:"run_start_date"`
	State        string `json:"state"`
	URL          string `json:"url,omitempty"`
}

func (api *dashboardAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	startDate, err := parseDate(req.RunStartDate)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run_start_date")
		return
	}
	state, err := domain.ParseState(req.State)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_state")
		return
	}

	run, steps, err := api.runs.CreateRun(r.Context(), repo.NewRun{
		FileNumber:   req.FileNumber,
		RunStartDate: startDate,
		State:        state,
		URL:          strings.TrimSpace(req.URL),
	})
	if err != nil {
		api.logError(r, "create run failed", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "run.created", run.RunNumber, map[string]any{
		"file_number": run.FileNumber,
		"state":       run.State,
	})
	if api.pusher != nil {
		api.pusher.EnqueueRun(run)
	}
	api.writeJSON(w, http.StatusCreated, runWithSteps{Run: run, Steps: steps})
}

type updateStateRequest struct {
	RunNumber int    `json:"run_number"`
	NewState  string `json:"new_state"`
}

func (api *dashboardAPI) handleUpdateRunState(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}
	var req updateStateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.RunNumber != 0 && req.RunNumber != runNumber {
		api.writeError(w, r, http.StatusBadRequest, "run_number_mismatch")
		return
	}
	state, err := domain.ParseState(req.NewState)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_state")
		return
	}

	run, err := api.machine.ApplyTransition(r.Context(), runNumber, state)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
		case errors.Is(err, domain.ErrInvalidState):
			api.writeError(w, r, http.StatusBadRequest, "unknown_state")
		default:
			api.logError(r, "state transition failed", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.audit(r, "run.state_changed", run.RunNumber, map[string]any{
		"new_state": run.State,
	})
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_number": run.RunNumber,
		"state":      run.State,
	})
}

type updateStepRequest struct {
	RunNumber   int     `json:"run_number"`
	StepNumber  int     `json:"step_number"`
	StartedDate *string `json:"started_date,omitempty"`
	EndDate     *string `json:"end_date,omitempty"`
	Site        *string `json:"site,omitempty"`
	Checksum    *string `json:"checksum,omitempty"`
	Location    *string `json:"location,omitempty"`
}

func (api *dashboardAPI) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req updateStepRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.RunNumber <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "run_number_required")
		return
	}
	if req.StepNumber < 1 || req.StepNumber > domain.StepCount {
		api.writeError(w, r, http.StatusBadRequest, "invalid_step_number")
		return
	}

	fields := domain.StepFields{
		Site:     req.Site,
		Checksum: req.Checksum,
		Location: req.Location,
	}
	if req.StartedDate != nil {
		t, err := parseDate(*req.StartedDate)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_started_date")
			return
		}
		fields.StartedDate = &t
	}
	if req.EndDate != nil {
		t, err := parseDate(*req.EndDate)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_end_date")
			return
		}
		fields.EndDate = &t
	}

	if err := api.runs.UpdateStep(r.Context(), req.RunNumber, req.StepNumber, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "step_not_found")
			return
		}
		api.logError(r, "step update failed", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "step.updated", req.RunNumber, map[string]any{
		"step_number": req.StepNumber,
	})
	if api.pusher != nil {
		if run, err := api.runs.GetRun(r.Context(), req.RunNumber); err == nil {
			api.pusher.EnqueueRun(run)
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_number":  req.RunNumber,
		"step_number": req.StepNumber,
		"status":      "updated",
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (api *dashboardAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if !auth.VerifyAdminPassword(api.adminPassword, req.Password) {
		api.writeError(w, r, http.StatusUnauthorized, "invalid_password")
		return
	}

	now := time.Now().UTC()
	token, err := auth.GenerateSessionToken(api.sessionSecret, auth.SessionClaims{
		Subject:       "admin",
		ExpiresAtUnix: now.Add(api.sessionTTL).Unix(),
	}, now)
	if err != nil {
		api.logError(r, "session token generation failed", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(api.sessionTTL),
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
	})
	api.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (api *dashboardAPI) runNumberFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("run_number")
	runNumber, err := strconv.Atoi(raw)
	if err != nil || runNumber <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run_number")
		return 0, false
	}
	return runNumber, true
}

// audit records the mutation; audit failures are logged, never surfaced.
func (api *dashboardAPI) audit(r *http.Request, action string, runNumber int, payload map[string]any) {
	if api.db == nil {
		return
	}
	actor := "admin"
	if claims, ok := auth.SessionFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	_, err := auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   strconv.Itoa(runNumber),
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	})
	if err != nil {
		api.logError(r, "audit insert failed", err)
	}
}

func (api *dashboardAPI) logError(r *http.Request, msg string, err error) {
	if api.logger == nil {
		return
	}
	api.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	)
}

func (api *dashboardAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *dashboardAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// parseDate accepts RFC 3339 timestamps and the legacy date-only form.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
