// Package ledger records the outcome of every aggregation run so operators
// can see which windows were processed, how many rows were skipped and why a
// run failed.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

// ErrNotFound is returned when no run exists for an ID.
var ErrNotFound = errors.New("run not found")

// Status represents the state of an aggregation run
type Status string

// Run status constants define the lifecycle states
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one invocation of the pipeline over a single window.
type Run struct {
	ID           string           `json:"id"`
	Window       telemetry.Window `json:"window"`
	Status       Status           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	FailedStage  string           `json:"failed_stage,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Result       *Result          `json:"result,omitempty"`
}

// Result contains the counters of a finished run
type Result struct {
	RowsFetched      int   `json:"rows_fetched"`
	RowsFolded       int   `json:"rows_folded"`
	RowsSkipped      int   `json:"rows_skipped"`
	DevicesWritten   int   `json:"devices_written"`
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// NewRun returns a running Run with a fresh ID.
func NewRun(window telemetry.Window) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Window:    window,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Complete marks the run successful.
func (r *Run) Complete(result Result) {
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.Status = StatusCompleted
	r.Result = &result
}

// Fail marks the run failed at stage. Partial counters are kept when known.
func (r *Run) Fail(stage string, err error, partial *Result) {
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.Status = StatusFailed
	r.FailedStage = stage
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	r.Result = partial
}

// clone returns a deep copy to prevent external mutation
func (r *Run) clone() *Run {
	c := *r
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		c.CompletedAt = &completed
	}
	if r.Result != nil {
		result := *r.Result
		c.Result = &result
	}
	return &c
}

// Store persists run records.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Run, error)
	Stats(ctx context.Context) (map[string]int, error)
	Close() error
}

// paginate sorts newest first, filters by status and applies limit/offset.
func paginate(runs []*Run, status Status, limit, offset int) []*Run {
	filtered := make([]*Run, 0, len(runs))
	for _, run := range runs {
		if status == "" || run.Status == status {
			filtered = append(filtered, run)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []*Run{}
	}

	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return filtered[offset:end]
}

func stats(runs []*Run) map[string]int {
	s := map[string]int{
		"total":     len(runs),
		"running":   0,
		"completed": 0,
		"failed":    0,
	}

	for _, run := range runs {
		switch run.Status {
		case StatusRunning:
			s["running"]++
		case StatusCompleted:
			s["completed"]++
		case StatusFailed:
			s["failed"]++
		}
	}

	return s
}
