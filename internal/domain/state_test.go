package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStateWireStrings(t *testing.T) {
	expected := []string{
		"Not Yet Started",
		"Transfer from Tape",
		"Process Step 1",
		"Finish Step 1",
		"Transfer WIPAC",
		"Process Step 2",
		"Finish Step 2",
		"Complete",
		"Step 1 Error",
		"Step 2 Error",
	}
	if len(AllStates) != len(expected) {
		t.Fatalf("expected %d states, got %d", len(expected), len(AllStates))
	}
	for i, want := range expected {
		if string(AllStates[i]) != want {
			t.Fatalf("state %d: expected %q, got %q", i, want, AllStates[i])
		}
	}
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, state := range AllStates {
		parsed, err := ParseState(string(state))
		if err != nil {
			t.Fatalf("parse %q: %v", state, err)
		}
		if parsed != state {
			t.Fatalf("round trip: expected %q, got %q", state, parsed)
		}
	}
}

func TestParseStateRejectsUnknownToken(t *testing.T) {
	if _, err := ParseState("Processing"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := ParseState(""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for empty token, got %v", err)
	}
}

func TestMapLegacyStatusDefaults(t *testing.T) {
	state, ok := MapLegacyStatus("Transfer WIPAC")
	if !ok || state != StateTransferWIPAC {
		t.Fatalf("expected exact match, got %q ok=%v", state, ok)
	}

	state, ok = MapLegacyStatus("completely unknown")
	if ok {
		t.Fatalf("expected unmatched status to report ok=false")
	}
	if state != StateNotYetStarted {
		t.Fatalf("expected NotYetStarted default, got %q", state)
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StateProcessStep1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"Process Step 1"` {
		t.Fatalf("unexpected wire form: %s", data)
	}

	var state WorkflowState
	if err := json.Unmarshal([]byte(`"Step 2 Error"`), &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state != StateStep2Error {
		t.Fatalf("expected Step2Error, got %q", state)
	}

	if err := json.Unmarshal([]byte(`"Nope"`), &state); err == nil {
		t.Fatalf("expected unmarshal failure for unknown state")
	}

	if _, err := json.Marshal(WorkflowState("Nope")); err == nil {
		t.Fatalf("expected marshal failure for invalid state")
	}
}

func TestTerminalStates(t *testing.T) {
	terminals := map[WorkflowState]bool{
		StateComplete:   true,
		StateStep1Error: true,
		StateStep2Error: true,
	}
	for _, state := range AllStates {
		if state.Terminal() != terminals[state] {
			t.Fatalf("state %q: terminal mismatch", state)
		}
	}
}
