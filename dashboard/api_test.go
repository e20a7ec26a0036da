package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/platform/auth"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
	"github.com/icetrack-labs/icetrack-go/internal/workflow"
)

type fakeRunStore struct {
	next  int
	runs  map[int]domain.Run
	steps map[int][]domain.ProcessingStep

	stepUpdates []domain.StepFields
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		next:  1,
		runs:  map[int]domain.Run{},
		steps: map[int][]domain.ProcessingStep{},
	}
}

func (s *fakeRunStore) CreateRun(ctx context.Context, in repo.NewRun) (domain.Run, []domain.ProcessingStep, error) {
	run := domain.Run{
		RunNumber:    s.next,
		FileNumber:   in.FileNumber,
		RunStartDate: in.RunStartDate,
		State:        in.State,
		URL:          in.URL,
	}
	s.next++
	steps := make([]domain.ProcessingStep, 0, domain.StepCount)
	for n := 1; n <= domain.StepCount; n++ {
		steps = append(steps, domain.ProcessingStep{
			ID:         "step-" + strconv.Itoa(n),
			RunNumber:  run.RunNumber,
			StepNumber: n,
		})
	}
	s.runs[run.RunNumber] = run
	s.steps[run.RunNumber] = steps
	return run, steps, nil
}

func (s *fakeRunStore) GetRun(ctx context.Context, runNumber int) (domain.Run, error) {
	run, ok := s.runs[runNumber]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *fakeRunStore) ListRuns(ctx context.Context) ([]domain.Run, error) {
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, nil
}

func (s *fakeRunStore) GetRunWithSteps(ctx context.Context, runNumber int) (domain.Run, []domain.ProcessingStep, error) {
	run, err := s.GetRun(ctx, runNumber)
	if err != nil {
		return domain.Run{}, nil, err
	}
	return run, s.steps[runNumber], nil
}

func (s *fakeRunStore) UpdateRunState(ctx context.Context, runNumber int, state domain.WorkflowState) error {
	run, ok := s.runs[runNumber]
	if !ok {
		return repo.ErrNotFound
	}
	run.State = state
	s.runs[runNumber] = run
	return nil
}

func (s *fakeRunStore) UpdateStep(ctx context.Context, runNumber, stepNumber int, fields domain.StepFields) error {
	if _, ok := s.runs[runNumber]; !ok {
		return repo.ErrNotFound
	}
	s.stepUpdates = append(s.stepUpdates, fields)
	return nil
}

func (s *fakeRunStore) UpsertRun(ctx context.Context, run domain.Run) error {
	s.runs[run.RunNumber] = run
	return nil
}

func (s *fakeRunStore) EnsureSteps(ctx context.Context, runNumber int) error {
	return nil
}

type capturePusher struct {
	pushed []domain.Run
}

func (p *capturePusher) EnqueueRun(run domain.Run) {
	p.pushed = append(p.pushed, run)
}

const testAdminPassword = "hunter2"

func newTestMux(store *fakeRunStore, pusher *capturePusher) *http.ServeMux {
	machine := workflow.New(store, pusher)
	api := newDashboardAPI(nil, nil, store, machine, pusher, testAdminPassword, "test-session-secret", time.Hour)
	mux := http.NewServeMux()
	api.register(mux, auth.Guard{SessionSecret: "test-session-secret"})
	return mux
}

func loginCookie(t *testing.T, mux *http.ServeMux) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"hunter2"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == auth.SessionCookieName {
			return cookie
		}
	}
	t.Fatalf("login response carries no session cookie")
	return nil
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	mux := newTestMux(newFakeRunStore(), &capturePusher{})

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"nope"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("failed login must not set a cookie")
	}
}

func TestLoginIssuesSignedSession(t *testing.T) {
	mux := newTestMux(newFakeRunStore(), &capturePusher{})
	cookie := loginCookie(t, mux)

	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be http-only")
	}
	if cookie.Value == auth.LegacySessionValue {
		t.Fatalf("login must issue a signed token, not the legacy constant")
	}
	if _, err := auth.VerifySessionToken("test-session-secret", cookie.Value, time.Now()); err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
}

func TestMutationsRequireSession(t *testing.T) {
	store := newFakeRunStore()
	pusher := &capturePusher{}
	mux := newTestMux(store, pusher)

	paths := []string{"/api/runs", "/api/runs/1/state", "/api/steps"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("POST %s: expected 401, got %d", path, rec.Code)
		}
	}
	if len(store.runs) != 0 || len(pusher.pushed) != 0 {
		t.Fatalf("unauthorized requests must not reach the store")
	}
}

func TestCreateRunReturnsBothSteps(t *testing.T) {
	store := newFakeRunStore()
	pusher := &capturePusher{}
	mux := newTestMux(store, pusher)
	cookie := loginCookie(t, mux)

	body := `{"file_number": 3, "run_start_date": "2024-03-01", "state": "Not Yet Started"}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp runWithSteps
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Run.RunNumber != 1 || resp.Run.FileNumber != 3 {
		t.Fatalf("unexpected run: %+v", resp.Run)
	}
	if len(resp.Steps) != domain.StepCount {
		t.Fatalf("expected %d steps, got %d", domain.StepCount, len(resp.Steps))
	}
	for i, step := range resp.Steps {
		if step.StepNumber != i+1 {
			t.Fatalf("step %d: unexpected number %d", i, step.StepNumber)
		}
		if step.StartedDate != nil || step.Site != "" {
			t.Fatalf("new steps must carry no optional data: %+v", step)
		}
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("expected one mirror push after create, got %d", len(pusher.pushed))
	}
}

func TestCreateRunRejectsUnknownState(t *testing.T) {
	mux := newTestMux(newFakeRunStore(), &capturePusher{})
	cookie := loginCookie(t, mux)

	body := `{"file_number": 1, "run_start_date": "2024-03-01", "state": "Processing"}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "unknown_state" {
		t.Fatalf("unexpected error code %v", resp["error"])
	}
}

func TestGetRunNotFound(t *testing.T) {
	mux := newTestMux(newFakeRunStore(), &capturePusher{})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/999", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("expected null body, got %q", rec.Body.String())
	}
}

func TestUpdateRunStateTransitionsAndPushes(t *testing.T) {
	store := newFakeRunStore()
	pusher := &capturePusher{}
	mux := newTestMux(store, pusher)
	cookie := loginCookie(t, mux)

	store.runs[1] = domain.Run{RunNumber: 1, State: domain.StateNotYetStarted}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/1/state", strings.NewReader(`{"new_state": "Transfer from Tape"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if store.runs[1].State != domain.StateTransferFromTape {
		t.Fatalf("expected persisted transition, got %q", store.runs[1].State)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("expected one mirror push, got %d", len(pusher.pushed))
	}
	if pusher.pushed[0].State != domain.StateTransferFromTape {
		t.Fatalf("push must carry the new state, got %q", pusher.pushed[0].State)
	}
}

func TestUpdateRunStateBodyMismatch(t *testing.T) {
	store := newFakeRunStore()
	mux := newTestMux(store, &capturePusher{})
	cookie := loginCookie(t, mux)

	store.runs[1] = domain.Run{RunNumber: 1, State: domain.StateNotYetStarted}

	req := httptest.NewRequest(http.MethodPost, "/api/runs/1/state", strings.NewReader(`{"run_number": 2, "new_state": "Complete"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if store.runs[1].State != domain.StateNotYetStarted {
		t.Fatalf("mismatched body must not transition the run")
	}
}

func TestUpdateRunStateMissingRun(t *testing.T) {
	mux := newTestMux(newFakeRunStore(), &capturePusher{})
	cookie := loginCookie(t, mux)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/5/state", strings.NewReader(`{"new_state": "Complete"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateStepPartialFields(t *testing.T) {
	store := newFakeRunStore()
	pusher := &capturePusher{}
	mux := newTestMux(store, pusher)
	cookie := loginCookie(t, mux)

	store.runs[4] = domain.Run{RunNumber: 4, State: domain.StateProcessStep1}

	body := `{"run_number": 4, "step_number": 1, "site": "NERSC", "started_date": "2024-03-02"}`
	req := httptest.NewRequest(http.MethodPost, "/api/steps", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(store.stepUpdates) != 1 {
		t.Fatalf("expected one step update, got %d", len(store.stepUpdates))
	}
	fields := store.stepUpdates[0]
	if fields.Site == nil || *fields.Site != "NERSC" {
		t.Fatalf("expected site set, got %+v", fields)
	}
	if fields.StartedDate == nil || !fields.StartedDate.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected started date parsed, got %+v", fields.StartedDate)
	}
	if fields.EndDate != nil || fields.Checksum != nil || fields.Location != nil {
		t.Fatalf("absent fields must stay nil: %+v", fields)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("expected one mirror push after step update, got %d", len(pusher.pushed))
	}
}

func TestUpdateStepAllFieldsAbsent(t *testing.T) {
	store := newFakeRunStore()
	pusher := &capturePusher{}
	mux := newTestMux(store, pusher)
	cookie := loginCookie(t, mux)

	store.runs[4] = domain.Run{RunNumber: 4, State: domain.StateProcessStep1}

	body := `{"run_number": 4, "step_number": 2}`
	req := httptest.NewRequest(http.MethodPost, "/api/steps", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(store.stepUpdates) != 1 {
		t.Fatalf("expected one step update, got %d", len(store.stepUpdates))
	}
	if !store.stepUpdates[0].Empty() {
		t.Fatalf("all-absent request must reach the store with no fields set: %+v", store.stepUpdates[0])
	}
}

func TestUpdateStepRejectsBadStepNumber(t *testing.T) {
	store := newFakeRunStore()
	mux := newTestMux(store, &capturePusher{})
	cookie := loginCookie(t, mux)

	body := `{"run_number": 4, "step_number": 3, "site": "NERSC"}`
	req := httptest.NewRequest(http.MethodPost, "/api/steps", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(store.stepUpdates) != 0 {
		t.Fatalf("invalid step number must not reach the store")
	}
}

func TestListRuns(t *testing.T) {
	store := newFakeRunStore()
	mux := newTestMux(store, &capturePusher{})
	store.runs[1] = domain.Run{RunNumber: 1, State: domain.StateComplete}
	store.runs[2] = domain.Run{RunNumber: 2, State: domain.StateProcessStep2}

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}
