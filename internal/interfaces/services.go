// Package interfaces defines service contracts for ciqueue
package interfaces

import (
	"context"

	"github.com/bobmcallan/ciqueue/internal/models"
)

// Executor runs a reserved executable and reports per-unit outcomes.
// Implemented by test-framework adapters outside the core; the worker loop
// acknowledges, requeues, and records errors based on the returned results.
type Executor interface {
	// Execute runs the executable. For a chunk, member units run sequentially
	// and one UnitResult is returned per member. A non-nil error means the
	// executable could not be run at all (as opposed to tests failing).
	Execute(ctx context.Context, exe models.Executable) ([]models.UnitResult, error)
}

// TimingRecorder ingests observed durations after successful completions.
type TimingRecorder interface {
	// RecordBatch updates the oracle with duration_ms samples keyed by unit ID.
	RecordBatch(ctx context.Context, durations map[string]float64) error
}

// TimingSource supplies duration estimates (ms) for ordering strategies.
type TimingSource interface {
	// DurationFor returns the estimated duration for a unit ID and whether
	// the source knows the unit at all.
	DurationFor(id string) (float64, bool)
}

// Strategy orders a unit list into the queue contents the master publishes.
type Strategy interface {
	Name() string
	// Plan returns the ordered executable IDs (first element runs first),
	// the chunk records to publish, and per-chunk dynamic timeouts (seconds).
	Plan(ctx context.Context, units []models.Unit) (*Plan, error)
}

// Plan is the output of an ordering strategy.
type Plan struct {
	IDs           []string
	Chunks        []models.Chunk
	GroupTimeouts map[string]float64 // chunk ID → timeout seconds
}
