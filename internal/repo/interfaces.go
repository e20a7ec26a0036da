package repo

import (
	"context"
	"errors"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
)

// ErrNotFound reports a missing run or (run, step) pair.
var ErrNotFound = errors.New("not found")

// NewRun carries the caller-supplied fields for run creation; the store
// assigns the run number.
type NewRun struct {
	FileNumber   int
	RunStartDate time.Time
	State        domain.WorkflowState
	URL          string
}

// RunRepository is the authoritative store for runs and their two
// processing steps. All invariants (run_number uniqueness, the fixed
// step pair, atomic creation) live behind this interface.
type RunRepository interface {
	CreateRun(ctx context.Context, in NewRun) (domain.Run, []domain.ProcessingStep, error)
	GetRun(ctx context.Context, runNumber int) (domain.Run, error)
	ListRuns(ctx context.Context) ([]domain.Run, error)
	GetRunWithSteps(ctx context.Context, runNumber int) (domain.Run, []domain.ProcessingStep, error)
	UpdateRunState(ctx context.Context, runNumber int, state domain.WorkflowState) error
	UpdateStep(ctx context.Context, runNumber, stepNumber int, fields domain.StepFields) error

	// Import support: idempotent per-row semantics for the bootstrap loader.
	UpsertRun(ctx context.Context, run domain.Run) error
	EnsureSteps(ctx context.Context, runNumber int) error
}
