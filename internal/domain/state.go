package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WorkflowState is the enumerated stage of a run's fixed processing
// pipeline. The string value is the canonical wire representation.
type WorkflowState string

const (
	StateNotYetStarted    WorkflowState = "Not Yet Started"
	StateTransferFromTape WorkflowState = "Transfer from Tape"
	StateProcessStep1     WorkflowState = "Process Step 1"
	StateFinishStep1      WorkflowState = "Finish Step 1"
	StateTransferWIPAC    WorkflowState = "Transfer WIPAC"
	StateProcessStep2     WorkflowState = "Process Step 2"
	StateFinishStep2      WorkflowState = "Finish Step 2"
	StateComplete         WorkflowState = "Complete"
	StateStep1Error       WorkflowState = "Step 1 Error"
	StateStep2Error       WorkflowState = "Step 2 Error"
)

var ErrInvalidState = errors.New("unknown workflow state")

// AllStates lists every workflow state in pipeline order. Error states
// trail their respective paths; no transition graph is enforced on top
// of this ordering.
var AllStates = []WorkflowState{
	StateNotYetStarted,
	StateTransferFromTape,
	StateProcessStep1,
	StateFinishStep1,
	StateTransferWIPAC,
	StateProcessStep2,
	StateFinishStep2,
	StateComplete,
	StateStep1Error,
	StateStep2Error,
}

var stateSet = func() map[WorkflowState]struct{} {
	set := make(map[WorkflowState]struct{}, len(AllStates))
	for _, s := range AllStates {
		set[s] = struct{}{}
	}
	return set
}()

func (s WorkflowState) Valid() bool {
	_, ok := stateSet[s]
	return ok
}

// Terminal reports whether the state ends its path: Complete for the
// happy path, the two error states otherwise.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateComplete, StateStep1Error, StateStep2Error:
		return true
	}
	return false
}

// ParseState maps a wire token to its WorkflowState. Unknown tokens fail
// with ErrInvalidState; use MapLegacyStatus for lenient legacy input.
func ParseState(token string) (WorkflowState, error) {
	s := WorkflowState(token)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, token)
	}
	return s, nil
}

// MapLegacyStatus maps a free-text legacy status to a WorkflowState.
// Unmatched strings fall back to NotYetStarted; ok reports whether the
// input matched a canonical string so callers can count the fallback.
func MapLegacyStatus(status string) (state WorkflowState, ok bool) {
	s := WorkflowState(status)
	if s.Valid() {
		return s, true
	}
	return StateNotYetStarted, false
}

func (s WorkflowState) String() string { return string(s) }

func (s WorkflowState) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, string(s))
	}
	return json.Marshal(string(s))
}

func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	parsed, err := ParseState(token)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
