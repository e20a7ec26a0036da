package workflow

import (
	"context"
	"fmt"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
)

// Pusher schedules mirror propagation of a committed run snapshot.
type Pusher interface {
	EnqueueRun(run domain.Run)
}

// Machine validates and applies workflow state transitions. Any state
// may follow any other: membership in the enumeration is the only check,
// matching the dashboard's historical behavior.
type Machine struct {
	runs   repo.RunRepository
	pusher Pusher
}

func New(runs repo.RunRepository, pusher Pusher) *Machine {
	if runs == nil {
		return nil
	}
	return &Machine{runs: runs, pusher: pusher}
}

// ApplyTransition assigns the requested state to the run and schedules
// exactly one mirror push carrying the updated snapshot. Re-applying the
// current state succeeds and still pushes. Unknown states fail with
// domain.ErrInvalidState; missing runs with repo.ErrNotFound.
func (m *Machine) ApplyTransition(ctx context.Context, runNumber int, requested domain.WorkflowState) (domain.Run, error) {
	if m == nil || m.runs == nil {
		return domain.Run{}, fmt.Errorf("machine not initialized")
	}
	if !requested.Valid() {
		return domain.Run{}, fmt.Errorf("%w: %q", domain.ErrInvalidState, string(requested))
	}

	if err := m.runs.UpdateRunState(ctx, runNumber, requested); err != nil {
		return domain.Run{}, err
	}

	run, err := m.runs.GetRun(ctx, runNumber)
	if err != nil {
		return domain.Run{}, err
	}

	if m.pusher != nil {
		m.pusher.EnqueueRun(run)
	}
	return run, nil
}
