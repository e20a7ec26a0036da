package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
)

const (
	insertStepQuery = `INSERT INTO processing_steps (id, run_number, step_number)
		 VALUES ($1, $2, $3)`

	ensureStepQuery = `INSERT INTO processing_steps (id, run_number, step_number)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_number, step_number) DO NOTHING`

	listStepsQuery = `SELECT id, run_number, step_number, started_date, end_date, site, checksum, location
		 FROM processing_steps
		 WHERE run_number = $1
		 ORDER BY step_number ASC`

	stepTouchQuery = `UPDATE processing_steps SET step_number = step_number
		 WHERE run_number = $1 AND step_number = $2`
)

// UpdateStep applies a partial update to one step. Absent fields keep
// their stored values; an all-absent update touches nothing but still
// reports ErrNotFound for a missing (run, step) pair.
func (s *RunStore) UpdateStep(ctx context.Context, runNumber, stepNumber int, fields domain.StepFields) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}

	query, args := stepUpdateQuery(fields, runNumber, stepNumber)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// stepUpdateQuery builds an UPDATE naming only the present fields. All
// fields absent degrades to a self-assignment so RowsAffected still
// distinguishes a missing pair from a no-op.
func stepUpdateQuery(fields domain.StepFields, runNumber, stepNumber int) (string, []any) {
	if fields.Empty() {
		return stepTouchQuery, []any{runNumber, stepNumber}
	}

	sets := make([]string, 0, 5)
	args := make([]any, 0, 7)
	if fields.StartedDate != nil {
		args = append(args, fields.StartedDate.UTC())
		sets = append(sets, fmt.Sprintf("started_date = $%d", len(args)))
	}
	if fields.EndDate != nil {
		args = append(args, fields.EndDate.UTC())
		sets = append(sets, fmt.Sprintf("end_date = $%d", len(args)))
	}
	if fields.Site != nil {
		args = append(args, *fields.Site)
		sets = append(sets, fmt.Sprintf("site = $%d", len(args)))
	}
	if fields.Checksum != nil {
		args = append(args, *fields.Checksum)
		sets = append(sets, fmt.Sprintf("checksum = $%d", len(args)))
	}
	if fields.Location != nil {
		args = append(args, *fields.Location)
		sets = append(sets, fmt.Sprintf("location = $%d", len(args)))
	}

	args = append(args, runNumber)
	runArg := len(args)
	args = append(args, stepNumber)
	stepArg := len(args)

	query := fmt.Sprintf(
		"UPDATE processing_steps SET %s WHERE run_number = $%d AND step_number = $%d",
		strings.Join(sets, ", "), runArg, stepArg,
	)
	return query, args
}

// EnsureSteps inserts any missing step rows for a run without touching
// existing step data.
func (s *RunStore) EnsureSteps(ctx context.Context, runNumber int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	for stepNumber := 1; stepNumber <= domain.StepCount; stepNumber++ {
		if _, err := s.db.ExecContext(
			ctx,
			ensureStepQuery,
			uuid.NewString(),
			runNumber,
			stepNumber,
		); err != nil {
			return fmt.Errorf("ensure step %d: %w", stepNumber, err)
		}
	}
	return nil
}

func (s *RunStore) listSteps(ctx context.Context, runNumber int) ([]domain.ProcessingStep, error) {
	rows, err := s.db.QueryContext(ctx, listStepsQuery, runNumber)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.ProcessingStep, 0, domain.StepCount)
	for rows.Next() {
		var step domain.ProcessingStep
		var startedDate, endDate sql.NullTime
		var site, checksum, location sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.RunNumber,
			&step.StepNumber,
			&startedDate,
			&endDate,
			&site,
			&checksum,
			&location,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.StartedDate = timePtr(startedDate)
		step.EndDate = timePtr(endDate)
		if site.Valid {
			step.Site = site.String
		}
		if checksum.Valid {
			step.Checksum = checksum.String
		}
		if location.Valid {
			step.Location = location.String
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}
