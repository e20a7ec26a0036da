package postgres

import (
	"strings"
	"testing"
)

func TestRunQueriesContract(t *testing.T) {
	if !strings.Contains(upsertRunQuery, "ON CONFLICT (run_number) DO UPDATE SET state = EXCLUDED.state, url = EXCLUDED.url") {
		t.Fatalf("expected upsert to update only state and url")
	}
	if !strings.Contains(listRunsQuery, "ORDER BY run_start_date DESC") {
		t.Fatalf("expected runs listed newest first")
	}
	if strings.Contains(upsertRunQuery, "file_number = EXCLUDED") ||
		strings.Contains(upsertRunQuery, "run_start_date = EXCLUDED") {
		t.Fatalf("upsert must not overwrite file_number or run_start_date")
	}
}

func TestStepQueriesContract(t *testing.T) {
	if !strings.Contains(ensureStepQuery, "ON CONFLICT (run_number, step_number) DO NOTHING") {
		t.Fatalf("expected ensure-step insert to be idempotent")
	}
	if !strings.Contains(listStepsQuery, "ORDER BY step_number ASC") {
		t.Fatalf("expected steps ordered by step_number")
	}
	if strings.Contains(insertStepQuery, "started_date") {
		t.Fatalf("step creation must leave optional fields empty")
	}
}
