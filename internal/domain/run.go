package domain

import (
	"errors"
	"strings"
	"time"
)

// Run is a single trackable unit of processing work. Runs are never
// deleted; only their state and url change after creation.
type Run struct {
	RunNumber    int           `json:"run_number"`
	FileNumber   int           `json:"file_number"`
	RunStartDate time.Time     `json:"run_start_date"`
	State        WorkflowState `json:"state"`
	URL          string        `json:"url,omitempty"`
}

// StepCount is the fixed number of processing steps per run.
const StepCount = 2

// ProcessingStep is one of the two mandatory processing stages of a run.
// Both rows are created with the run and never deleted or duplicated.
type ProcessingStep struct {
	ID          string     `json:"id"`
	RunNumber   int        `json:"run_number"`
	StepNumber  int        `json:"step_number"`
	StartedDate *time.Time `json:"started_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Site        string     `json:"site,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// StepFields carries a partial update for a processing step. Nil fields
// leave the stored value unchanged.
type StepFields struct {
	StartedDate *time.Time
	EndDate     *time.Time
	Site        *string
	Checksum    *string
	Location    *string
}

func (f StepFields) Empty() bool {
	return f.StartedDate == nil && f.EndDate == nil &&
		f.Site == nil && f.Checksum == nil && f.Location == nil
}

func (r Run) Validate() error {
	if r.RunNumber <= 0 {
		return errors.New("run number must be positive")
	}
	if r.RunStartDate.IsZero() {
		return errors.New("run start date is required")
	}
	if !r.State.Valid() {
		return ErrInvalidState
	}
	return nil
}

func (s ProcessingStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step id is required")
	}
	if s.RunNumber <= 0 {
		return errors.New("run number must be positive")
	}
	if s.StepNumber < 1 || s.StepNumber > StepCount {
		return errors.New("step number must be 1 or 2")
	}
	return nil
}
