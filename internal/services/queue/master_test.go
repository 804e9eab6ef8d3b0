package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// fixedStrategy returns a canned plan, standing in for real ordering.
type fixedStrategy struct {
	plan *interfaces.Plan
}

func (s *fixedStrategy) Name() string { return "fixed" }
func (s *fixedStrategy) Plan(_ context.Context, units []models.Unit) (*interfaces.Plan, error) {
	if s.plan != nil {
		return s.plan, nil
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return &interfaces.Plan{IDs: ids}, nil
}

func TestElectionIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	q1 := env.newQueue(t, testConfig("build-1", "w1"), unitList("A#t1"))
	q2 := env.newQueue(t, testConfig("build-1", "w2"), unitList("A#t1"))

	m1 := NewMaster(q1, &fixedStrategy{}, common.NewSilentLogger())
	m2 := NewMaster(q2, &fixedStrategy{}, common.NewSilentLogger())

	won, err := m1.elect(ctx)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m2.elect(ctx)
	require.NoError(t, err)
	assert.False(t, won)

	owner, err := env.rdb.Get(ctx, q1.keys.MasterWorkerID()).Result()
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)

	// created-at is stamped at election time.
	createdAt, err := env.rdb.Get(ctx, q1.keys.CreatedAt()).Result()
	require.NoError(t, err)
	assert.NotEmpty(t, createdAt)
}

func TestMasterPublishesQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	units := unitList("A#t1", "A#t2", "B#t1")
	q := env.newQueue(t, testConfig("build-1", "w1"), units)
	m := NewMaster(q, &fixedStrategy{}, common.NewSilentLogger())

	require.NoError(t, m.EnsureReady(ctx, units))
	assert.True(t, m.IsMaster())

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, MasterStatusReady, status)

	total, err := env.rdb.Get(ctx, q.keys.Total()).Int()
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	// First planned id sits at the queue tail, where reserve pops.
	id, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A#t1", id)
}

func TestFollowerWaitsForReadyMaster(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	units := unitList("A#t1")
	q1 := env.newQueue(t, testConfig("build-1", "w1"), units)
	m1 := NewMaster(q1, &fixedStrategy{}, common.NewSilentLogger())
	require.NoError(t, m1.EnsureReady(ctx, units))

	q2 := env.newQueue(t, testConfig("build-1", "w2"), units)
	m2 := NewMaster(q2, &fixedStrategy{}, common.NewSilentLogger())
	require.NoError(t, m2.EnsureReady(ctx, units))
	assert.False(t, m2.IsMaster())
}

func TestTakeoverRequiresStaleHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	q1 := env.newQueue(t, testConfig("build-1", "w1"), unitList("A#t1"))
	q2 := env.newQueue(t, testConfig("build-1", "w2"), unitList("A#t1"))

	m1 := NewMaster(q1, &fixedStrategy{}, common.NewSilentLogger())
	m2 := NewMaster(q2, &fixedStrategy{}, common.NewSilentLogger())

	won, err := m1.elect(ctx)
	require.NoError(t, err)
	require.True(t, won)

	// Heartbeat is fresh: takeover refused.
	won, err = m2.tryTakeover(ctx)
	require.NoError(t, err)
	assert.False(t, won)

	// Master halts mid-setup; past the stale threshold a follower takes over.
	env.clock.Advance(31)
	won, err = m2.tryTakeover(ctx)
	require.NoError(t, err)
	assert.True(t, won)

	owner, err := env.rdb.Get(ctx, q2.keys.MasterWorkerID()).Result()
	require.NoError(t, err)
	assert.Equal(t, "w2", owner)
}

func TestTakeoverRefusedAfterReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	units := unitList("A#t1")
	q1 := env.newQueue(t, testConfig("build-1", "w1"), units)
	m1 := NewMaster(q1, &fixedStrategy{}, common.NewSilentLogger())
	require.NoError(t, m1.EnsureReady(ctx, units))

	q2 := env.newQueue(t, testConfig("build-1", "w2"), units)
	m2 := NewMaster(q2, &fixedStrategy{}, common.NewSilentLogger())

	env.clock.Advance(120)
	won, err := m2.tryTakeover(ctx)
	require.NoError(t, err)
	assert.False(t, won, "ready state is not setup: no takeover")
}

func TestDeposedMasterCommitAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	units := unitList("A#t1", "A#t2")
	q1 := env.newQueue(t, testConfig("build-1", "w1"), units)
	q2 := env.newQueue(t, testConfig("build-1", "w2"), units)

	m1 := NewMaster(q1, &fixedStrategy{}, common.NewSilentLogger())
	m2 := NewMaster(q2, &fixedStrategy{}, common.NewSilentLogger())

	won, err := m1.elect(ctx)
	require.NoError(t, err)
	require.True(t, won)

	// w1 halts during ordering; w2 takes over and commits.
	env.clock.Advance(31)
	won, err = m2.tryTakeover(ctx)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, m2.setup(ctx, units))

	// w1 revives and attempts its own commit: master-worker-id no longer
	// matches, so it must abort without touching the queue.
	plan, err := (&fixedStrategy{}).Plan(ctx, units)
	require.NoError(t, err)
	err = m1.commit(ctx, plan)
	assert.ErrorIs(t, err, ErrMasterLost)

	length, err := env.rdb.LLen(ctx, q1.keys.Queue()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length, "no double-push")
}

func TestMasterPublishesChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	units := unitList("S#t1", "S#t2")
	chunk := models.Chunk{
		ID:                models.ChunkID("S", 0),
		SuiteName:         "S",
		EstimatedDuration: 5000,
		TestIDs:           []string{"S#t1", "S#t2"},
		TestCount:         2,
	}
	plan := &interfaces.Plan{
		IDs:           []string{chunk.ID},
		Chunks:        []models.Chunk{chunk},
		GroupTimeouts: map[string]float64{chunk.ID: 5.5},
	}

	q := env.newQueue(t, testConfig("build-1", "w1"), units)
	m := NewMaster(q, &fixedStrategy{plan: plan}, common.NewSilentLogger())
	require.NoError(t, m.EnsureReady(ctx, units))

	exe, err := q.Resolve(ctx, chunk.ID)
	require.NoError(t, err)
	resolved, ok := exe.(models.Chunk)
	require.True(t, ok)
	assert.Equal(t, 2, resolved.TestCount)

	timeout, err := env.rdb.HGet(ctx, q.keys.TestGroupTimeout(), chunk.ID).Float64()
	require.NoError(t, err)
	assert.InDelta(t, 5.5, timeout, 0.001)

	members, err := env.rdb.SMembers(ctx, q.keys.Chunks()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{chunk.ID}, members)
}
