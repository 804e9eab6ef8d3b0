package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// mapSource is a canned timing source for tests.
type mapSource struct {
	durations map[string]float64
	fallback  float64
}

func (s *mapSource) DurationFor(id string) (float64, bool) {
	if d, ok := s.durations[id]; ok {
		return d, true
	}
	return s.fallback, false
}

func units(ids ...string) []models.Unit {
	out := make([]models.Unit, len(ids))
	for i, id := range ids {
		out[i] = models.Unit{ID: id}
	}
	return out
}

func TestNewSelectsStrategy(t *testing.T) {
	logger := common.NewSilentLogger()
	source := &mapSource{fallback: 100}

	for name, want := range map[string]string{
		"":       "random",
		"random": "random",
		"timing": "timing",
		"suite":  "suite",
	} {
		config := common.NewDefaultConfig()
		config.Strategy.Name = name
		s, err := New(config, source, logger)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	config := common.NewDefaultConfig()
	config.Strategy.Name = "alphabetical"
	_, err := New(config, source, logger)
	assert.Error(t, err)
}

func TestRandomIsDeterministicPerSeed(t *testing.T) {
	batch := units("B#t1", "A#t2", "A#t1", "C#t1", "B#t2")

	s := &Random{seed: 42}
	plan1, err := s.Plan(t.Context(), batch)
	require.NoError(t, err)
	plan2, err := s.Plan(t.Context(), batch)
	require.NoError(t, err)
	assert.Equal(t, plan1.IDs, plan2.IDs, "same seed, same order")
	assert.ElementsMatch(t, []string{"A#t1", "A#t2", "B#t1", "B#t2", "C#t1"}, plan1.IDs)

	other := &Random{seed: 43}
	plan3, err := other.Plan(t.Context(), batch)
	require.NoError(t, err)
	assert.ElementsMatch(t, plan1.IDs, plan3.IDs)

	// Input order must not matter: the shuffle works on the sorted list.
	reversed := units("B#t2", "C#t1", "A#t1", "A#t2", "B#t1")
	plan4, err := s.Plan(t.Context(), reversed)
	require.NoError(t, err)
	assert.Equal(t, plan1.IDs, plan4.IDs)
}

func TestTimingBasedOrdersLongestFirst(t *testing.T) {
	source := &mapSource{
		durations: map[string]float64{
			"A#t1": 50,
			"A#t2": 5000,
			"B#t1": 300,
		},
		fallback: 100,
	}
	s := &TimingBased{source: source}

	plan, err := s.Plan(t.Context(), units("A#t1", "A#t2", "B#t1", "C#unknown"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A#t2", "B#t1", "C#unknown", "A#t1"}, plan.IDs)
}

func TestSuiteBinPackingBudget(t *testing.T) {
	// 5 tests of 40 000 ms in one suite; parallelism 1.
	// base = 200 000, capped to max 100 000, effective = 90 000 → 2 per chunk.
	durations := make(map[string]float64)
	ids := []string{"SuiteY#t1", "SuiteY#t2", "SuiteY#t3", "SuiteY#t4", "SuiteY#t5"}
	for _, id := range ids {
		durations[id] = 40_000
	}
	source := &mapSource{durations: durations, fallback: 100}

	config := common.NewDefaultConfig()
	config.Strategy.Name = "suite"
	config.Strategy.MinChunkDurationMS = 50_000
	config.Strategy.MaxChunkDurationMS = 100_000
	config.Strategy.BufferPercent = 10
	config.Strategy.ParallelJobCount = 1

	s := &SuiteBinPacking{source: source, config: config, logger: common.NewSilentLogger()}
	plan, err := s.Plan(t.Context(), units(ids...))
	require.NoError(t, err)

	require.Len(t, plan.Chunks, 3)
	var sizes []int
	for _, chunk := range plan.Chunks {
		sizes = append(sizes, chunk.TestCount)
		assert.Equal(t, "SuiteY", chunk.SuiteName)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes, "longest chunks first")
}

func TestSuiteBinPackingWithoutParallelismUsesMinimum(t *testing.T) {
	source := &mapSource{durations: map[string]float64{}, fallback: 100}

	config := common.NewDefaultConfig()
	config.Strategy.MinChunkDurationMS = 400
	config.Strategy.MaxChunkDurationMS = 10_000
	config.Strategy.BufferPercent = 10

	s := &SuiteBinPacking{source: source, config: config, logger: common.NewSilentLogger()}
	// Budget = 400 × 0.9 = 360 ms, fallback 100 ms per unit → 3 per chunk.
	plan, err := s.Plan(t.Context(), units("S#t1", "S#t2", "S#t3", "S#t4"))
	require.NoError(t, err)

	require.Len(t, plan.Chunks, 2)
	assert.Equal(t, 3, plan.Chunks[0].TestCount)
	assert.Equal(t, 1, plan.Chunks[1].TestCount)
	assert.Equal(t, []string{"S#t1", "S#t2", "S#t3"}, plan.Chunks[0].TestIDs, "original order preserved")
}

func TestSuiteBinPackingGroupsBySuite(t *testing.T) {
	source := &mapSource{fallback: 100}

	config := common.NewDefaultConfig()
	config.Strategy.MinChunkDurationMS = 10_000

	s := &SuiteBinPacking{source: source, config: config, logger: common.NewSilentLogger()}
	plan, err := s.Plan(t.Context(), units("A#t1", "B#t1", "A#t2", "B#t2"))
	require.NoError(t, err)

	require.Len(t, plan.Chunks, 2)
	bySuite := make(map[string][]string)
	for _, chunk := range plan.Chunks {
		bySuite[chunk.SuiteName] = chunk.TestIDs
	}
	assert.Equal(t, []string{"A#t1", "A#t2"}, bySuite["A"])
	assert.Equal(t, []string{"B#t1", "B#t2"}, bySuite["B"])
}

func TestSuiteBinPackingChunkMetadata(t *testing.T) {
	source := &mapSource{durations: map[string]float64{"S#t1": 2000, "S#t2": 3000}, fallback: 100}

	config := common.NewDefaultConfig()
	config.Strategy.MinChunkDurationMS = 60_000
	config.Strategy.BufferPercent = 10

	s := &SuiteBinPacking{source: source, config: config, logger: common.NewSilentLogger()}
	plan, err := s.Plan(t.Context(), units("S#t1", "S#t2"))
	require.NoError(t, err)

	require.Len(t, plan.Chunks, 1)
	chunk := plan.Chunks[0]
	assert.Equal(t, "S:chunk_0", chunk.ID)
	assert.InDelta(t, 5000, chunk.EstimatedDuration, 0.001)
	assert.Equal(t, 2, chunk.TestCount)
	assert.Equal(t, []string{chunk.ID}, plan.IDs)

	// Dynamic timeout: estimated_ms / 1000 × (1 + buffer/100) seconds.
	assert.InDelta(t, 5.5, plan.GroupTimeouts[chunk.ID], 0.001)
}
