package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
)

// fakeRunStore records upserts and ensure calls, optionally failing
// specific run numbers.
type fakeRunStore struct {
	upserts    map[int]domain.Run
	ensured    map[int]int
	failUpsert map[int]bool
	failEnsure map[int]bool
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		upserts:    map[int]domain.Run{},
		ensured:    map[int]int{},
		failUpsert: map[int]bool{},
		failEnsure: map[int]bool{},
	}
}

func (s *fakeRunStore) CreateRun(ctx context.Context, in repo.NewRun) (domain.Run, []domain.ProcessingStep, error) {
	panic("not used")
}

func (s *fakeRunStore) GetRun(ctx context.Context, runNumber int) (domain.Run, error) {
	run, ok := s.upserts[runNumber]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *fakeRunStore) ListRuns(ctx context.Context) ([]domain.Run, error) {
	return nil, nil
}

func (s *fakeRunStore) GetRunWithSteps(ctx context.Context, runNumber int) (domain.Run, []domain.ProcessingStep, error) {
	run, err := s.GetRun(ctx, runNumber)
	return run, nil, err
}

func (s *fakeRunStore) UpdateRunState(ctx context.Context, runNumber int, state domain.WorkflowState) error {
	return nil
}

func (s *fakeRunStore) UpdateStep(ctx context.Context, runNumber, stepNumber int, fields domain.StepFields) error {
	return nil
}

func (s *fakeRunStore) UpsertRun(ctx context.Context, run domain.Run) error {
	if s.failUpsert[run.RunNumber] {
		return errors.New("upsert refused")
	}
	s.upserts[run.RunNumber] = run
	return nil
}

func (s *fakeRunStore) EnsureSteps(ctx context.Context, runNumber int) error {
	if s.failEnsure[runNumber] {
		return errors.New("ensure refused")
	}
	s.ensured[runNumber]++
	return nil
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	store := newFakeRunStore()
	loader := NewLoader(nil, store, nil)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "Run 138", Date: "2023-05-01", Status: "Complete"},
		{Title: "139", Date: "May 1st 2023", Status: "Complete"},
		{Title: "140", Date: "2023-05-02", Status: "Complete"},
	})

	if report.Total != 3 || report.Skipped != 2 || report.Imported != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, ok := store.upserts[140]; !ok {
		t.Fatalf("expected run 140 imported")
	}
	if len(store.upserts) != 1 {
		t.Fatalf("malformed rows must not reach the store, got %d upserts", len(store.upserts))
	}
}

func TestLoadDefaultsUnmatchedStatus(t *testing.T) {
	store := newFakeRunStore()
	loader := NewLoader(nil, store, nil)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "200", Date: "2023-06-10", Status: "who knows"},
	})

	if report.Imported != 1 || report.Defaulted != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	run := store.upserts[200]
	if run.State != domain.StateNotYetStarted {
		t.Fatalf("expected NotYetStarted default, got %q", run.State)
	}
}

func TestLoadAppliesAliasTable(t *testing.T) {
	store := newFakeRunStore()
	aliases := map[string]domain.WorkflowState{
		"In Progress (Step 1)": domain.StateProcessStep1,
	}
	loader := NewLoader(nil, store, aliases)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "201", Date: "2023-06-11", Status: "In Progress (Step 1)"},
	})

	if report.Defaulted != 0 || report.Imported != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if store.upserts[201].State != domain.StateProcessStep1 {
		t.Fatalf("expected alias to resolve, got %q", store.upserts[201].State)
	}
}

func TestLoadUpsertsDuplicatesAndEnsuresSteps(t *testing.T) {
	store := newFakeRunStore()
	loader := NewLoader(nil, store, nil)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "300", Date: "2023-07-01", Status: "Process Step 1", URL: "https://old"},
		{Title: "300", Date: "2023-07-01", Status: "Complete", URL: "https://new"},
	})

	if report.Imported != 2 {
		t.Fatalf("duplicates import as upserts, got report %+v", report)
	}
	run := store.upserts[300]
	if run.State != domain.StateComplete || run.URL != "https://new" {
		t.Fatalf("last record must win, got %+v", run)
	}
	if store.ensured[300] != 2 {
		t.Fatalf("expected step rows ensured per record, got %d", store.ensured[300])
	}
}

func TestLoadContinuesPastStoreFailures(t *testing.T) {
	store := newFakeRunStore()
	store.failUpsert[401] = true
	loader := NewLoader(nil, store, nil)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "400", Date: "2023-08-01", Status: "Complete"},
		{Title: "401", Date: "2023-08-02", Status: "Complete"},
		{Title: "402", Date: "2023-08-03", Status: "Complete"},
	})

	if report.Imported != 2 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestLoadCountsIncompleteStepRows(t *testing.T) {
	store := newFakeRunStore()
	store.failEnsure[501] = true
	loader := NewLoader(nil, store, nil)

	report := loader.Load(context.Background(), []LegacyRecord{
		{Title: "500", Date: "2023-09-01", Status: "Complete"},
		{Title: "501", Date: "2023-09-02", Status: "Complete"},
	})

	if report.Imported != 1 || report.Incomplete != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	// The run row itself still lands; only the step rows are missing.
	if _, ok := store.upserts[501]; !ok {
		t.Fatalf("incomplete row must still upsert its run")
	}
}

func TestLoadFileParsesLegacyExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	payload := `[
  {"title": "137", "date": "2023-04-20", "status": "Transfer from Tape", "url": "https://grafana/run/137"}
]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store := newFakeRunStore()
	report, err := NewLoader(nil, store, nil).LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if report.Imported != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	run := store.upserts[137]
	if run.State != domain.StateTransferFromTape {
		t.Fatalf("unexpected state %q", run.State)
	}
	want := time.Date(2023, 4, 20, 0, 0, 0, 0, time.UTC)
	if !run.RunStartDate.Equal(want) {
		t.Fatalf("unexpected start date %v", run.RunStartDate)
	}
}

func TestLoadAliasesRejectsUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	if err := os.WriteFile(path, []byte("\"DONE\": \"Finished\"\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadAliases(path); err == nil {
		t.Fatalf("expected rejection of non-canonical alias target")
	}
}

func TestLoadAliasesEmptyPath(t *testing.T) {
	aliases, err := LoadAliases("")
	if err != nil || aliases != nil {
		t.Fatalf("empty path must be a no-op, got %v %v", aliases, err)
	}
}
