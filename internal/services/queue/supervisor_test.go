package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
)

func newTestSupervisor(t *testing.T, env *testEnv, config *common.Config) (*Supervisor, *Queue, *BuildRecord) {
	t.Helper()
	logger := common.NewSilentLogger()
	q := env.newQueue(t, config, nil)
	master := NewMaster(q, &fixedStrategy{}, logger)
	record := NewBuildRecord(env.rdb, config, env.clock, logger)
	return NewSupervisor(q, master, record, logger), q, record
}

func TestSupervisorObservesExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	config := testConfig("build-1", "sup")
	sup, q, _ := newTestSupervisor(t, env, config)

	// An already-drained build: total committed, nothing queued or running.
	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), 3, 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())

	result, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.True(t, result.Success())
	assert.Empty(t, result.Remaining)

	// The supervisor closes the build.
	status, err := env.rdb.Get(ctx, q.keys.MasterStatus()).Result()
	require.NoError(t, err)
	assert.Equal(t, MasterStatusFinished, status)
}

func TestSupervisorTimesOutWithoutMaster(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	config := testConfig("build-1", "sup")
	config.Build.QueueInitTimeout = "1s"
	sup, _, _ := newTestSupervisor(t, env, config)

	_, err := sup.Wait(ctx)
	assert.ErrorIs(t, err, ErrMasterTimeout)
}

func TestSupervisorDeadlineExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	config := testConfig("build-1", "sup")
	config.Build.ReportTimeout = "2s"
	sup, q, _ := newTestSupervisor(t, env, config)

	// A build that never progresses: one unit queued forever.
	require.NoError(t, env.rdb.LPush(ctx, q.keys.Queue(), "A#t1").Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), 1, 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())

	result, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.DeadlineHit)
	assert.False(t, result.Success())
	assert.Equal(t, []string{"A#t1"}, result.Remaining)
}

func TestSupervisorInactiveWorkersExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	config := testConfig("build-1", "sup")
	config.Build.ReportTimeout = "60s"
	config.Build.InactiveWorkersTimeout = "1s"
	sup, q, _ := newTestSupervisor(t, env, config)

	require.NoError(t, env.rdb.LPush(ctx, q.keys.Queue(), "A#t1").Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), 1, 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())

	result, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.WorkersIdle)
	assert.False(t, result.Success())
}

func TestSupervisorWritesFailureFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "failures.json")

	config := testConfig("build-1", "sup")
	config.Build.FailureFile = path
	sup, q, record := newTestSupervisor(t, env, config)

	require.NoError(t, record.RecordError(ctx, models.ErrorReport{
		TestID:   "A#t1",
		WorkerID: "w1",
		Output:   "boom",
	}))

	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), 1, 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())

	result, err := sup.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var reports []models.ErrorReport
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "A#t1", reports[0].TestID)
	assert.Equal(t, "boom", reports[0].Output)
}

func TestSupervisorDrainsWarnings(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	config := testConfig("build-1", "sup")
	sup, q, record := newTestSupervisor(t, env, config)

	require.NoError(t, record.RecordWarning(ctx, models.Warning{
		Type:  models.WarningReservedLostTest,
		Attrs: map[string]string{"test": "A#t1"},
	}))

	require.NoError(t, env.rdb.Set(ctx, q.keys.Total(), 1, 0).Err())
	require.NoError(t, env.rdb.Set(ctx, q.keys.MasterStatus(), MasterStatusReady, 0).Err())

	result, err := sup.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, models.WarningReservedLostTest, result.Warnings[0].Type)
}
