package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
	"github.com/icetrack-labs/icetrack-go/internal/repo"
)

// legacyDateFormat is the one calendar format the legacy export used.
const legacyDateFormat = "2006-01-02"

// LegacyRecord is one row of the legacy flat export (events.json).
type LegacyRecord struct {
	Title       string `json:"title"`
	Date        string `json:"date"`
	Status      string `json:"status"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Report summarizes one bootstrap import. Defaulted counts rows whose
// status string matched nothing and fell back to NotYetStarted; those
// rows still import. Incomplete counts rows whose run row landed but
// whose step rows could not be ensured; a rerun heals them.
type Report struct {
	Total      int
	Imported   int
	Skipped    int
	Defaulted  int
	Incomplete int
}

// Loader seeds the canonical store from legacy records. Rows are
// independent: no row's failure aborts the batch.
type Loader struct {
	logger  *slog.Logger
	runs    repo.RunRepository
	aliases map[string]domain.WorkflowState
}

func NewLoader(logger *slog.Logger, runs repo.RunRepository, aliases map[string]domain.WorkflowState) *Loader {
	if runs == nil {
		return nil
	}
	return &Loader{logger: logger, runs: runs, aliases: aliases}
}

// LoadFile reads a legacy JSON export and imports it.
func (l *Loader) LoadFile(ctx context.Context, path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", path, err)
	}
	var records []LegacyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return Report{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return l.Load(ctx, records), nil
}

// Load imports the records one at a time, upserting runs and ensuring
// both step rows exist without overwriting existing step data.
func (l *Loader) Load(ctx context.Context, records []LegacyRecord) Report {
	report := Report{Total: len(records)}

	for idx, record := range records {
		runNumber, err := strconv.Atoi(strings.TrimSpace(record.Title))
		if err != nil {
			l.log("skipping row: title is not a run number", "row", idx, "title", record.Title)
			report.Skipped++
			continue
		}

		startDate, err := time.Parse(legacyDateFormat, strings.TrimSpace(record.Date))
		if err != nil {
			l.log("skipping row: unparseable date", "row", idx, "date", record.Date)
			report.Skipped++
			continue
		}

		state, matched := l.mapStatus(record.Status)
		if !matched {
			l.log("unmatched status, defaulting", "row", idx, "status", record.Status, "state", state)
			report.Defaulted++
		}

		run := domain.Run{
			RunNumber:    runNumber,
			FileNumber:   0,
			RunStartDate: startDate.UTC(),
			State:        state,
			URL:          record.URL,
		}
		if err := l.runs.UpsertRun(ctx, run); err != nil {
			l.log("skipping row: upsert failed", "row", idx, "run_number", runNumber, "error", err)
			report.Skipped++
			continue
		}
		if err := l.runs.EnsureSteps(ctx, runNumber); err != nil {
			l.log("step rows incomplete", "run_number", runNumber, "error", err)
			report.Incomplete++
			continue
		}
		report.Imported++
	}

	return report
}

// mapStatus consults the operator alias table before the canonical
// display strings; anything else defaults to NotYetStarted.
func (l *Loader) mapStatus(status string) (domain.WorkflowState, bool) {
	if l.aliases != nil {
		if state, ok := l.aliases[strings.TrimSpace(status)]; ok {
			return state, true
		}
	}
	return domain.MapLegacyStatus(status)
}

func (l *Loader) log(msg string, attrs ...any) {
	if l.logger == nil {
		return
	}
	fields := []any{"component", "importer"}
	fields = append(fields, attrs...)
	l.logger.Info(msg, fields...)
}
