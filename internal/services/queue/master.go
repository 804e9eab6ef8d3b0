package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// Master-state values. The state machine is ∅ → setup → ready → finished;
// the setup→ready transition happens exactly once per build.
const (
	MasterStatusSetup    = "setup"
	MasterStatusReady    = "ready"
	MasterStatusFinished = "finished"
)

// Master runs the election/takeover protocol and, when this worker wins,
// orders the batch and publishes the queue.
type Master struct {
	queue    *Queue
	strategy interfaces.Strategy
	logger   *common.Logger
	config   *common.Config
	clock    common.Clock

	isMaster bool
}

// NewMaster wires the coordinator for one worker.
func NewMaster(q *Queue, strategy interfaces.Strategy, logger *common.Logger) *Master {
	return &Master{
		queue:    q,
		strategy: strategy,
		logger:   logger,
		config:   q.config,
		clock:    q.clock,
	}
}

// IsMaster reports whether this worker won election or takeover.
func (m *Master) IsMaster() bool { return m.isMaster }

// Status reads the current master state, "" when unset.
func (m *Master) Status(ctx context.Context) (string, error) {
	val, err := m.queue.rdb.Get(ctx, m.queue.keys.MasterStatus()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read master status: %w", err)
	}
	return val, nil
}

// EnsureReady elects or waits until the queue is published. Exactly one
// worker per build runs the setup path; the rest block here until the
// master state reaches ready (or finished), bounded by queue_init_timeout.
func (m *Master) EnsureReady(ctx context.Context, units []models.Unit) error {
	won, err := m.elect(ctx)
	if err != nil {
		return err
	}
	if won {
		m.logger.Info().Str("worker_id", m.queue.workerID).Msg("Elected master")
		return m.setup(ctx, units)
	}
	return m.waitForMaster(ctx, units)
}

// elect attempts create-if-absent election. The initial setup heartbeat is
// written atomically with the election itself: takeover safety depends on
// it.
func (m *Master) elect(ctx context.Context) (bool, error) {
	res, err := electScript.Run(ctx, m.queue.rdb,
		[]string{m.queue.keys.MasterStatus(), m.queue.keys.MasterWorkerID(), m.queue.keys.MasterSetupHeartbeat(), m.queue.keys.CreatedAt()},
		m.queue.workerID, fmtFloat(m.clock.Now()), m.queue.ttlSeconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("election failed: %w", err)
	}
	m.isMaster = res == 1
	return m.isMaster, nil
}

// tryTakeover attempts to replace a setup-phase master whose heartbeat
// staled.
func (m *Master) tryTakeover(ctx context.Context) (bool, error) {
	res, err := takeoverScript.Run(ctx, m.queue.rdb,
		[]string{m.queue.keys.MasterStatus(), m.queue.keys.MasterWorkerID(), m.queue.keys.MasterSetupHeartbeat()},
		m.queue.workerID, fmtFloat(m.clock.Now()),
		fmtFloat(m.config.Build.GetMasterSetupHeartbeatTimeout().Seconds()),
		m.queue.ttlSeconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("takeover attempt failed: %w", err)
	}
	if res == 1 {
		m.isMaster = true
	}
	return res == 1, nil
}

// waitForMaster polls until the master publishes, attempting takeover when
// the setup heartbeat stales.
func (m *Master) waitForMaster(ctx context.Context, units []models.Unit) error {
	deadline := time.Now().Add(m.config.Build.GetQueueInitTimeout())
	takeoverInterval := m.config.Build.GetMasterSetupHeartbeatInterval()
	lastTakeoverCheck := time.Now()

	for {
		status, err := m.Status(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Master status poll failed")
		}
		switch {
		case status == MasterStatusReady || status == MasterStatusFinished:
			return nil
		case len(status) >= len(MasterStatusSetup) && status[:len(MasterStatusSetup)] == MasterStatusSetup:
			if time.Since(lastTakeoverCheck) >= takeoverInterval {
				lastTakeoverCheck = time.Now()
				won, err := m.tryTakeover(ctx)
				if err != nil {
					m.logger.Warn().Err(err).Msg("Takeover attempt errored")
				} else if won {
					m.logger.Warn().Str("worker_id", m.queue.workerID).Msg("Took over stale master")
					return m.setup(ctx, units)
				}
			}
		case status == "":
			// Election record expired or never happened; try to become master.
			won, err := m.elect(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Re-election attempt errored")
			} else if won {
				m.logger.Info().Str("worker_id", m.queue.workerID).Msg("Elected master")
				return m.setup(ctx, units)
			}
		}

		if time.Now().After(deadline) {
			return ErrMasterTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// setup orders the batch and commits the queue under optimistic concurrency.
// Ordering can take tens of seconds, so a background renewer keeps the setup
// heartbeat fresh; a follower that still observes a stale heartbeat rewrites
// master-worker-id, which aborts our watched commit.
func (m *Master) setup(ctx context.Context, units []models.Unit) error {
	stopRenewer := m.startSetupHeartbeat(ctx)
	defer stopRenewer()

	plan, err := m.strategy.Plan(ctx, units)
	if err != nil {
		return fmt.Errorf("ordering failed: %w", err)
	}

	if err := m.publishChunks(ctx, plan); err != nil {
		return err
	}

	if err := m.commit(ctx, plan); err != nil {
		if errors.Is(err, ErrMasterLost) {
			// Another worker won takeover. Mark self non-master and fall back
			// into the wait path; the commit must not be retried.
			m.isMaster = false
			m.logger.Warn().Str("worker_id", m.queue.workerID).Msg("Commit aborted by takeover")
			stopRenewer()
			return m.waitForMaster(ctx, units)
		}
		return err
	}

	m.logger.Info().
		Int("executables", len(plan.IDs)).
		Int("chunks", len(plan.Chunks)).
		Str("strategy", m.strategy.Name()).
		Msg("Queue published")
	return nil
}

// startSetupHeartbeat renews the setup heartbeat in the background until the
// returned stop function is called. Transient write failures are logged and
// skipped: the master does not abdicate on a single failure.
func (m *Master) startSetupHeartbeat(ctx context.Context) func() {
	interval := m.config.Build.GetMasterSetupHeartbeatInterval()
	done := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pipe := m.queue.rdb.Pipeline()
				pipe.Set(ctx, m.queue.keys.MasterSetupHeartbeat(), fmtFloat(m.clock.Now()), m.config.Build.GetRedisTTL())
				if _, err := pipe.Exec(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Setup heartbeat write failed")
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// publishChunks stores chunk records and their dynamic timeouts before the
// commit makes any of them reservable.
func (m *Master) publishChunks(ctx context.Context, plan *interfaces.Plan) error {
	if len(plan.Chunks) == 0 {
		return nil
	}

	ttl := m.config.Build.GetRedisTTL()
	pipe := m.queue.rdb.TxPipeline()
	for _, chunk := range plan.Chunks {
		data, err := chunkJSON(chunk)
		if err != nil {
			return err
		}
		pipe.Set(ctx, m.queue.keys.Chunk(chunk.ID), data, ttl)
		pipe.SAdd(ctx, m.queue.keys.Chunks(), chunk.ID)
	}
	for id, timeout := range plan.GroupTimeouts {
		pipe.HSet(ctx, m.queue.keys.TestGroupTimeout(), id, fmtFloat(timeout))
	}
	pipe.Expire(ctx, m.queue.keys.Chunks(), ttl)
	pipe.Expire(ctx, m.queue.keys.TestGroupTimeout(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish chunks: %w", err)
	}
	return nil
}

// commit pushes the queue contents and flips the state to ready in one
// transaction, watched on master-worker-id.
func (m *Master) commit(ctx context.Context, plan *interfaces.Plan) error {
	ttl := m.config.Build.GetRedisTTL()

	err := m.queue.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, m.queue.keys.MasterWorkerID()).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if owner != m.queue.workerID {
			return ErrMasterLost
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(plan.IDs) > 0 {
				args := make([]interface{}, len(plan.IDs))
				for i, id := range plan.IDs {
					args[i] = id
				}
				pipe.LPush(ctx, m.queue.keys.Queue(), args...)
			}
			pipe.Set(ctx, m.queue.keys.Total(), len(plan.IDs), ttl)
			pipe.Set(ctx, m.queue.keys.MasterStatus(), MasterStatusReady, ttl)
			pipe.Expire(ctx, m.queue.keys.Queue(), ttl)
			pipe.Expire(ctx, m.queue.keys.MasterWorkerID(), ttl)
			return nil
		})
		return err
	}, m.queue.keys.MasterWorkerID())

	if err == redis.TxFailedErr {
		return ErrMasterLost
	}
	if errors.Is(err, ErrMasterLost) {
		return ErrMasterLost
	}
	if err != nil {
		// The store was reachable for ordering but not for commit while this
		// worker held the master role: surface as fatal.
		return fmt.Errorf("master commit failed: %w", err)
	}
	return nil
}

// MarkFinished flips the master state once the build concludes.
func (m *Master) MarkFinished(ctx context.Context) error {
	return m.queue.rdb.Set(ctx, m.queue.keys.MasterStatus(), MasterStatusFinished, m.config.Build.GetRedisTTL()).Err()
}

func chunkJSON(c models.Chunk) ([]byte, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize chunk %s: %w", c.ID, err)
	}
	return data, nil
}
