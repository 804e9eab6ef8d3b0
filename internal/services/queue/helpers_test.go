package queue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// --- test fixtures ---

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	clock *common.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return &testEnv{
		mr:    mr,
		rdb:   rdb,
		clock: common.NewFakeClock(1_000_000),
	}
}

func testConfig(buildID, workerID string) *common.Config {
	config := common.NewDefaultConfig()
	config.Build.BuildID = buildID
	config.Build.WorkerID = workerID
	return config
}

func (env *testEnv) newQueue(t *testing.T, config *common.Config, units []models.Unit) *Queue {
	t.Helper()
	q, err := NewQueue(env.rdb, config, env.clock, common.NewSilentLogger(), units)
	require.NoError(t, err)
	return q
}

func unitList(ids ...string) []models.Unit {
	units := make([]models.Unit, len(ids))
	for i, id := range ids {
		units[i] = models.Unit{ID: id}
	}
	return units
}

// publish loads the queue directly, bypassing election, for tests that
// exercise reservation semantics in isolation.
func (env *testEnv) publish(t *testing.T, q *Queue, ids ...string) {
	t.Helper()
	ctx := t.Context()
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	require.NoError(t, env.rdb.LPush(ctx, q.keys.Queue(), args...).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), len(ids), 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())
}
