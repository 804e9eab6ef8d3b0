package strategy

import (
	"context"
	"sort"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// SuiteBinPacking groups units by suite and first-fits them into chunks
// bounded by a per-chunk duration budget derived from the build's
// parallelism. Chunks are reserved and acknowledged as single IDs.
type SuiteBinPacking struct {
	source interfaces.TimingSource
	config *common.Config
	logger *common.Logger
}

// Name implements interfaces.Strategy.
func (s *SuiteBinPacking) Name() string { return "suite" }

// Plan implements interfaces.Strategy.
func (s *SuiteBinPacking) Plan(_ context.Context, units []models.Unit) (*interfaces.Plan, error) {
	// Group by suite, preserving per-suite original order.
	suiteOrder := make([]string, 0)
	bySuite := make(map[string][]models.Unit)
	for _, u := range units {
		suite := u.Suite()
		if _, ok := bySuite[suite]; !ok {
			suiteOrder = append(suiteOrder, suite)
		}
		bySuite[suite] = append(bySuite[suite], u)
	}

	var totalEstimated float64
	durations := make(map[string]float64, len(units))
	for _, u := range units {
		d, _ := s.source.DurationFor(u.ID)
		durations[u.ID] = d
		totalEstimated += d
	}

	effectiveMax := s.effectiveMaxDuration(totalEstimated)

	var chunks []models.Chunk
	for _, suite := range suiteOrder {
		chunks = append(chunks, s.packSuite(suite, bySuite[suite], durations, effectiveMax)...)
	}

	// Longest chunks first.
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].EstimatedDuration != chunks[j].EstimatedDuration {
			return chunks[i].EstimatedDuration > chunks[j].EstimatedDuration
		}
		return chunks[i].ID < chunks[j].ID
	})

	plan := &interfaces.Plan{
		IDs:           make([]string, len(chunks)),
		Chunks:        chunks,
		GroupTimeouts: make(map[string]float64, len(chunks)),
	}
	buffer := s.config.Strategy.GetBufferPercent()
	for i, chunk := range chunks {
		plan.IDs[i] = chunk.ID
		plan.GroupTimeouts[chunk.ID] = chunk.EstimatedDuration / 1000 * (1 + buffer/100)
	}

	s.logger.Info().
		Int("units", len(units)).
		Int("suites", len(suiteOrder)).
		Int("chunks", len(chunks)).
		Int64("effective_max_ms", int64(effectiveMax)).
		Msg("Packed suites into chunks")
	return plan, nil
}

// effectiveMaxDuration computes the per-chunk budget. With a known
// parallelism P the budget is total/P clamped to the configured bounds;
// without one, the lower bound. A buffer percentage is then shaved off so
// chunks land under the budget, not on it.
func (s *SuiteBinPacking) effectiveMaxDuration(totalEstimated float64) float64 {
	cfg := s.config.Strategy
	maxDuration := cfg.GetMinChunkDuration()
	if p := cfg.GetParallelJobCount(); p > 0 {
		base := totalEstimated / float64(p)
		maxDuration = clamp(base, cfg.GetMinChunkDuration(), cfg.GetMaxChunkDuration())
	}
	return maxDuration * (1 - cfg.GetBufferPercent()/100)
}

// packSuite walks a suite's units in original order, first-fit: a new chunk
// starts when the next unit would exceed the budget, unless the current
// chunk is still empty.
func (s *SuiteBinPacking) packSuite(suite string, units []models.Unit, durations map[string]float64, effectiveMax float64) []models.Chunk {
	var chunks []models.Chunk
	var current models.Chunk

	flush := func() {
		if current.TestCount == 0 {
			return
		}
		current.ID = models.ChunkID(suite, len(chunks))
		current.SuiteName = suite
		chunks = append(chunks, current)
		current = models.Chunk{}
	}

	for _, u := range units {
		d := durations[u.ID]
		if current.TestCount > 0 && current.EstimatedDuration+d > effectiveMax {
			flush()
		}
		current.TestIDs = append(current.TestIDs, u.ID)
		current.TestCount++
		current.EstimatedDuration += d
	}
	flush()

	return chunks
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
