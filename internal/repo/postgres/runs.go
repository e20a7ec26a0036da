package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
)

// RunStore is the Postgres-backed run repository. Run creation is a
// single transaction covering the run row and both step rows.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const (
	nextRunNumberQuery = `SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs`

	insertRunQuery = `INSERT INTO runs (run_number, file_number, run_start_date, state, url)
		 VALUES ($1, $2, $3, $4, $5)`

	upsertRunQuery = `INSERT INTO runs (run_number, file_number, run_start_date, state, url)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_number) DO UPDATE SET state = EXCLUDED.state, url = EXCLUDED.url`

	selectRunQuery = `SELECT run_number, file_number, run_start_date, state, url
		 FROM runs
		 WHERE run_number = $1`

	listRunsQuery = `SELECT run_number, file_number, run_start_date, state, url
		 FROM runs
		 ORDER BY run_start_date DESC`

	updateRunStateQuery = `UPDATE runs SET state = $1 WHERE run_number = $2`
)

// createRunAttempts bounds retries when two creations race for the same
// run number; the unique constraint surfaces the loser.
const createRunAttempts = 3

func (s *RunStore) CreateRun(ctx context.Context, in repo.NewRun) (domain.Run, []domain.ProcessingStep, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, nil, fmt.Errorf("run store not initialized")
	}
	if !in.State.Valid() {
		return domain.Run{}, nil, domain.ErrInvalidState
	}
	if in.RunStartDate.IsZero() {
		return domain.Run{}, nil, fmt.Errorf("run start date is required")
	}

	var lastErr error
	for attempt := 0; attempt < createRunAttempts; attempt++ {
		run, steps, err := s.createRunOnce(ctx, in)
		if err == nil {
			return run, steps, nil
		}
		if !isUniqueViolation(err) {
			return domain.Run{}, nil, err
		}
		lastErr = err
	}
	return domain.Run{}, nil, fmt.Errorf("create run: %w", lastErr)
}

func (s *RunStore) createRunOnce(ctx context.Context, in repo.NewRun) (domain.Run, []domain.ProcessingStep, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runNumber int
	if err := tx.QueryRowContext(ctx, nextRunNumberQuery).Scan(&runNumber); err != nil {
		return domain.Run{}, nil, fmt.Errorf("next run number: %w", err)
	}

	run := domain.Run{
		RunNumber:    runNumber,
		FileNumber:   in.FileNumber,
		RunStartDate: in.RunStartDate.UTC(),
		State:        in.State,
		URL:          in.URL,
	}
	if _, err := tx.ExecContext(
		ctx,
		insertRunQuery,
		run.RunNumber,
		run.FileNumber,
		run.RunStartDate,
		string(run.State),
		nullString(run.URL),
	); err != nil {
		return domain.Run{}, nil, fmt.Errorf("insert run: %w", err)
	}

	steps := make([]domain.ProcessingStep, 0, domain.StepCount)
	for stepNumber := 1; stepNumber <= domain.StepCount; stepNumber++ {
		step := domain.ProcessingStep{
			ID:         uuid.NewString(),
			RunNumber:  runNumber,
			StepNumber: stepNumber,
		}
		if _, err := tx.ExecContext(
			ctx,
			insertStepQuery,
			step.ID,
			step.RunNumber,
			step.StepNumber,
		); err != nil {
			return domain.Run{}, nil, fmt.Errorf("insert step %d: %w", stepNumber, err)
		}
		steps = append(steps, step)
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, nil, fmt.Errorf("commit: %w", err)
	}
	return run, steps, nil
}

func (s *RunStore) GetRun(ctx context.Context, runNumber int) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, runNumber)
	run, err := scanRun(row.Scan)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) GetRunWithSteps(ctx context.Context, runNumber int) (domain.Run, []domain.ProcessingStep, error) {
	run, err := s.GetRun(ctx, runNumber)
	if err != nil {
		return domain.Run{}, nil, err
	}
	steps, err := s.listSteps(ctx, runNumber)
	if err != nil {
		return domain.Run{}, nil, err
	}
	return run, steps, nil
}

func (s *RunStore) UpdateRunState(ctx context.Context, runNumber int, state domain.WorkflowState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if !state.Valid() {
		return domain.ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx, updateRunStateQuery, string(state), runNumber)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) UpsertRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		upsertRunQuery,
		run.RunNumber,
		run.FileNumber,
		run.RunStartDate.UTC(),
		string(run.State),
		nullString(run.URL),
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var state string
	var url sql.NullString
	if err := scan(&run.RunNumber, &run.FileNumber, &run.RunStartDate, &state, &url); err != nil {
		return domain.Run{}, err
	}
	run.State = domain.WorkflowState(state)
	if url.Valid {
		run.URL = url.String
	}
	run.RunStartDate = run.RunStartDate.UTC()
	return run, nil
}
