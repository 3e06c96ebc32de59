package runs

import (
	"context"
	"fmt"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/models"
)

// Severity grades a comparison anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is one flagged difference between two runs.
type Anomaly struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Delta is an absolute + percentage difference.
type Delta struct {
	Absolute   float64 `json:"absolute"`
	Percentage float64 `json:"percentage"`
}

// Comparison is the structural diff of two runs. Purely derived;
// comparing never mutates either run.
type Comparison struct {
	First         *models.Run `json:"run_1"`
	Second        *models.Run `json:"run_2"`
	RecordsLoaded *Delta      `json:"records_loaded,omitempty"`
	Duration      *Delta      `json:"duration,omitempty"`
	Anomalies     []Anomaly   `json:"anomalies"`
}

// CompareRuns diffs two runs by ID and flags anomalies: record-count
// swings (>90% high, >50% medium), runs over twice as slow (medium),
// and status transitions (high when the later run failed).
func (t *Tracker) CompareRuns(ctx context.Context, runID1, runID2 string) (*Comparison, error) {
	run1, err := t.store.GetRun(ctx, runID1)
	if err != nil {
		return nil, err
	}
	run2, err := t.store.GetRun(ctx, runID2)
	if err != nil {
		return nil, err
	}
	if run1 == nil || run2 == nil {
		return nil, kasperoerrors.New(kasperoerrors.ErrorTypeValidation, "one or both runs not found")
	}

	cmp := &Comparison{First: run1, Second: run2}

	if run1.Counters.Loaded > 0 && run2.Counters.Loaded > 0 {
		diff := float64(run2.Counters.Loaded - run1.Counters.Loaded)
		pct := diff / float64(run1.Counters.Loaded) * 100
		cmp.RecordsLoaded = &Delta{Absolute: diff, Percentage: pct}

		if abs(pct) > 50 {
			severity := SeverityMedium
			if abs(pct) > 90 {
				severity = SeverityHigh
			}
			cmp.Anomalies = append(cmp.Anomalies, Anomaly{
				Type:        "record_count_anomaly",
				Description: fmt.Sprintf("record count changed by %.1f%%", pct),
				Severity:    severity,
			})
		}
	}

	if run1.Duration > 0 && run2.Duration > 0 {
		diff := (run2.Duration - run1.Duration).Seconds()
		pct := diff / run1.Duration.Seconds() * 100
		cmp.Duration = &Delta{Absolute: diff, Percentage: pct}

		if pct > 100 {
			cmp.Anomalies = append(cmp.Anomalies, Anomaly{
				Type:        "duration_anomaly",
				Description: fmt.Sprintf("run took %.1f%% longer", pct),
				Severity:    SeverityMedium,
			})
		}
	}

	if run1.Status != run2.Status {
		severity := SeverityLow
		if run2.Status == models.RunStatusFailed {
			severity = SeverityHigh
		}
		cmp.Anomalies = append(cmp.Anomalies, Anomaly{
			Type:        "status_change",
			Description: fmt.Sprintf("status changed from %s to %s", run1.Status, run2.Status),
			Severity:    severity,
		})
	}

	return cmp, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
