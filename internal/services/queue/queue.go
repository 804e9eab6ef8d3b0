// Package queue implements the distribution protocol: leasing, heartbeats,
// steal-on-silence, bounded requeueing, master election and the supervisor.
// All shared state lives in Redis; every lease transition is one of the
// scripts in scripts.go, and the master's queue commit is a WATCH/MULTI
// transaction on master-worker-id.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
	"github.com/bobmcallan/ciqueue/internal/storage/rediskv"
)

// expiryLeeway is added to the configured TTL before the queue is considered
// expired, absorbing skew between the creator's clock and ours.
const expiryLeeway = 600.0

// Queue coordinates one worker's view of a build's shared queue.
type Queue struct {
	rdb    *redis.Client
	keys   rediskv.KeySpace
	clock  common.Clock
	logger *common.Logger
	config *common.Config

	workerID    string
	workerQueue string
	units       []models.Unit
	index       models.UnitIndex
	knownFlaky  map[string]struct{}

	mu       sync.Mutex
	reserved string
}

// NewQueue builds the queue handle for one worker. The unit list is the
// caller's full batch; its index is read-only after construction.
func NewQueue(rdb *redis.Client, config *common.Config, clock common.Clock, logger *common.Logger, units []models.Unit) (*Queue, error) {
	if config.Build.BuildID == "" {
		return nil, fmt.Errorf("build_id is required")
	}

	workerID := config.Build.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	index, err := models.NewUnitIndex(units)
	if err != nil {
		return nil, err
	}

	knownFlaky := make(map[string]struct{}, len(config.Build.KnownFlakyTests))
	for _, id := range config.Build.KnownFlakyTests {
		knownFlaky[id] = struct{}{}
	}

	keys := rediskv.NewKeySpace(config.Build.Namespace, config.Build.BuildID)
	return &Queue{
		rdb:         rdb,
		keys:        keys,
		clock:       clock,
		logger:      logger,
		config:      config,
		workerID:    workerID,
		workerQueue: keys.WorkerQueue(workerID),
		units:       units,
		index:       index,
		knownFlaky:  knownFlaky,
	}, nil
}

// WorkerID returns this worker's identity within the build.
func (q *Queue) WorkerID() string { return q.workerID }

// Keys exposes the keyspace for sibling services (master, supervisor, record).
func (q *Queue) Keys() rediskv.KeySpace { return q.keys }

// Index returns the read-only unit index.
func (q *Queue) Index() models.UnitIndex { return q.index }

// Units returns the caller's unit list in its original order.
func (q *Queue) Units() []models.Unit { return q.units }

// fmtFloat renders a unix-seconds value for script arguments.
func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (q *Queue) ttlSeconds() int64 {
	return int64(q.config.Build.GetRedisTTL() / time.Second)
}

func (q *Queue) leaseSeconds() float64 {
	return q.config.Build.GetTimeout().Seconds()
}

// Join registers this worker in the build's worker set.
func (q *Queue) Join(ctx context.Context) error {
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, q.keys.Workers(), q.workerID)
	pipe.Expire(ctx, q.keys.Workers(), q.config.Build.GetRedisTTL())
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// CurrentlyReserved returns the id this worker holds, or "".
func (q *Queue) CurrentlyReserved() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserved
}

func (q *Queue) setReserved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved != "" {
		return fmt.Errorf("%w: still holding %q", ErrReservationMismatch, q.reserved)
	}
	q.reserved = id
	return nil
}

func (q *Queue) clearReserved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved != id {
		return fmt.Errorf("%w: attempted %q while holding %q", ErrReservationMismatch, id, q.reserved)
	}
	q.reserved = ""
	return nil
}

// Reserve tail-pops and leases the next queued executable. Returns "" when
// the queue is empty.
func (q *Queue) Reserve(ctx context.Context) (string, error) {
	if held := q.CurrentlyReserved(); held != "" {
		return "", fmt.Errorf("%w: still holding %q", ErrReservationMismatch, held)
	}

	res, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.keys.Queue(), q.keys.Running(), q.keys.Processed(), q.workerQueue, q.keys.Owners(), q.keys.TestGroupTimeout()},
		fmtFloat(q.clock.Now()), fmtFloat(q.leaseSeconds()), q.ttlSeconds(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reserve failed: %w", err)
	}

	id, _ := res.(string)
	if id == "" {
		return "", nil
	}
	if err := q.setReserved(id); err != nil {
		return "", err
	}
	return id, nil
}

// ReserveLost steals an expired lease whose owner has gone silent for longer
// than the heartbeat grace period. Returns "" when nothing is stealable.
func (q *Queue) ReserveLost(ctx context.Context) (string, error) {
	if held := q.CurrentlyReserved(); held != "" {
		return "", fmt.Errorf("%w: still holding %q", ErrReservationMismatch, held)
	}

	res, err := reserveLostScript.Run(ctx, q.rdb,
		[]string{q.keys.Running(), q.keys.Processed(), q.workerQueue, q.keys.Owners(), q.keys.Heartbeats(), q.keys.TestGroupTimeout()},
		fmtFloat(q.clock.Now()), fmtFloat(q.leaseSeconds()),
		fmtFloat(q.config.Build.GetHeartbeatGracePeriod().Seconds()), q.ttlSeconds(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reserve-lost failed: %w", err)
	}

	id, _ := res.(string)
	if id == "" {
		return "", nil
	}
	if err := q.setReserved(id); err != nil {
		return "", err
	}

	q.logger.Warn().Str("id", id).Str("worker_id", q.workerID).Msg("Reserved lost executable")
	if err := q.recordWarning(ctx, models.Warning{
		Type:  models.WarningReservedLostTest,
		Attrs: map[string]string{"test": id, "worker": q.workerID},
	}); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record steal warning")
	}
	return id, nil
}

// Acknowledge records completion for a reserved executable. The boolean
// reports whether this worker was first: false means the unit was stolen and
// completed elsewhere, which is not an error. Retries transient transport
// failures with exponential backoff: completion is the costliest write to
// lose.
func (q *Queue) Acknowledge(ctx context.Context, id string) (bool, error) {
	if err := q.clearReserved(id); err != nil {
		return false, err
	}

	var first bool
	operation := func() error {
		res, err := acknowledgeScript.Run(ctx, q.rdb,
			[]string{q.keys.Running(), q.keys.Processed(), q.keys.Owners()},
			id, q.ttlSeconds(),
		).Int()
		if err != nil {
			return err
		}
		first = res == 1
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return false, fmt.Errorf("acknowledge %s failed: %w", id, err)
	}
	return first, nil
}

// Requeue re-enqueues a reserved executable after a failure, bounded by the
// per-unit and build-wide caps. Returns false when the caps are exhausted or
// the unit is flagged never-requeue; the caller should acknowledge instead.
func (q *Queue) Requeue(ctx context.Context, id string) (bool, error) {
	requeued, err := q.requeue(ctx, id)
	if err != nil {
		return false, err
	}
	if requeued {
		if err := q.clearReserved(id); err != nil {
			return true, err
		}
	}
	return requeued, nil
}

// RequeueUnit re-enqueues a chunk member for isolated retry. Chunk members
// are never individually reserved, so the reservation-match check does not
// apply.
func (q *Queue) RequeueUnit(ctx context.Context, id string) (bool, error) {
	return q.requeue(ctx, id)
}

func (q *Queue) requeue(ctx context.Context, id string) (bool, error) {
	if _, flaky := q.knownFlaky[id]; flaky {
		return false, nil
	}
	if q.config.Build.MaxRequeues <= 0 {
		return false, nil
	}

	res, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.keys.Processed(), q.keys.RequeuesCount(), q.keys.Queue(), q.keys.Running(), q.workerQueue, q.keys.Owners()},
		q.config.Build.MaxRequeues,
		q.config.Build.GlobalMaxRequeues(len(q.index)),
		id,
		q.config.Build.GetRequeueOffset(),
		q.ttlSeconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("requeue %s failed: %w", id, err)
	}
	if res == 1 {
		q.logger.Info().Str("id", id).Msg("Requeued executable")
	}
	return res == 1, nil
}

// Heartbeat attests that this worker still owns and is executing a lease.
// A nil error with no extension is the common case; losing ownership is
// reported through the worker loop's acknowledge result, not here.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	res, err := heartbeatScript.Run(ctx, q.rdb,
		[]string{q.keys.Running(), q.keys.Processed(), q.keys.Owners(), q.workerQueue, q.keys.Heartbeats(), q.keys.TestGroupTimeout()},
		fmtFloat(q.clock.Now()), id, fmtFloat(q.leaseSeconds()),
	).Result()
	if err == redis.Nil {
		// Processed, stolen, or never owned: nothing to extend.
		return nil
	}
	if err != nil {
		return fmt.Errorf("heartbeat %s failed: %w", id, err)
	}

	if ext, ok := res.([]interface{}); ok && len(ext) == 2 {
		q.logger.Debug().
			Str("id", id).
			Str("old_deadline", fmt.Sprintf("%v", ext[0])).
			Str("new_deadline", fmt.Sprintf("%v", ext[1])).
			Msg("Extended lease deadline")
	}
	return nil
}

// Release expires every lease this worker still holds so other workers can
// reclaim the units through reserve-lost. Called on shutdown.
func (q *Queue) Release(ctx context.Context) (int, error) {
	res, err := releaseScript.Run(ctx, q.rdb,
		[]string{q.keys.Running(), q.workerQueue, q.keys.Owners(), q.keys.Heartbeats()},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("release failed: %w", err)
	}

	q.mu.Lock()
	q.reserved = ""
	q.mu.Unlock()

	if res > 0 {
		q.logger.Info().Int("count", res).Msg("Released held leases")
	}
	return res, nil
}

// Resolve hydrates an executable ID into a Unit or Chunk.
func (q *Queue) Resolve(ctx context.Context, id string) (models.Executable, error) {
	if !models.IsChunkID(id) {
		unit, ok := q.index[id]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q", id)
		}
		return unit, nil
	}

	data, err := q.rdb.Get(ctx, q.keys.Chunk(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("chunk %q not found in store", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk %q: %w", id, err)
	}

	var chunk models.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("corrupt chunk record %q: %w", id, err)
	}
	chunk.ID = id
	return chunk, nil
}

// Exhausted reports whether the published queue has fully drained: the master
// committed a total and both the queue and the running set are empty.
func (q *Queue) Exhausted(ctx context.Context) (bool, error) {
	pipe := q.rdb.Pipeline()
	totalCmd := pipe.Exists(ctx, q.keys.Total())
	queueCmd := pipe.LLen(ctx, q.keys.Queue())
	runningCmd := pipe.ZCard(ctx, q.keys.Running())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("exhausted check failed: %w", err)
	}
	return totalCmd.Val() == 1 && queueCmd.Val() == 0 && runningCmd.Val() == 0, nil
}

// Progress returns the build's total, processed and failed counters.
func (q *Queue) Progress(ctx context.Context) (total, processed, failed int64, err error) {
	pipe := q.rdb.Pipeline()
	totalCmd := pipe.Get(ctx, q.keys.Total())
	processedCmd := pipe.SCard(ctx, q.keys.Processed())
	failedCmd := pipe.Get(ctx, q.keys.TestFailedCount())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("progress check failed: %w", err)
	}
	total, _ = strconv.ParseInt(totalCmd.Val(), 10, 64)
	failed, _ = strconv.ParseInt(failedCmd.Val(), 10, 64)
	return total, processedCmd.Val(), failed, nil
}

// WorkersActive reports whether any lease deadline is recent enough to imply
// a live worker.
func (q *Queue) WorkersActive(ctx context.Context) (bool, error) {
	min := fmtFloat(q.clock.Now() - q.leaseSeconds())
	n, err := q.rdb.ZCount(ctx, q.keys.Running(), min, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("active-workers check failed: %w", err)
	}
	return n > 0, nil
}

// Expired reports whether the build's keys have outlived the configured TTL
// window and the queue must reject further operations.
func (q *Queue) Expired(ctx context.Context) (bool, error) {
	val, err := q.rdb.Get(ctx, q.keys.CreatedAt()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expiry check failed: %w", err)
	}
	createdAt, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt created-at value %q: %w", val, err)
	}
	ttl := q.config.Build.GetRedisTTL().Seconds()
	return createdAt+ttl+expiryLeeway < q.clock.Now(), nil
}

// RemainingIDs lists executables still queued or running, for deadline-expiry
// reports.
func (q *Queue) RemainingIDs(ctx context.Context) ([]string, error) {
	pipe := q.rdb.Pipeline()
	queuedCmd := pipe.LRange(ctx, q.keys.Queue(), 0, -1)
	runningCmd := pipe.ZRange(ctx, q.keys.Running(), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("remaining listing failed: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, id := range append(queuedCmd.Val(), runningCmd.Val()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// RetryQueueIDs returns this worker's reserved history intersected with the
// failed set: the local rerun list for a worker reconstructed with retry.
func (q *Queue) RetryQueueIDs(ctx context.Context) ([]string, error) {
	pipe := q.rdb.Pipeline()
	mineCmd := pipe.LRange(ctx, q.workerQueue, 0, -1)
	failedCmd := pipe.HKeys(ctx, q.keys.ErrorReports())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("retry queue listing failed: %w", err)
	}

	failed := make(map[string]struct{}, len(failedCmd.Val()))
	for _, id := range failedCmd.Val() {
		failed[id] = struct{}{}
	}

	var ids []string
	for _, id := range mineCmd.Val() {
		if _, ok := failed[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// recordWarning appends a protocol warning for the supervisor to drain.
func (q *Queue) recordWarning(ctx context.Context, w models.Warning) error {
	data, err := w.Marshal()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.keys.Warnings(), data)
	pipe.Expire(ctx, q.keys.Warnings(), q.config.Build.GetRedisTTL())
	_, err = pipe.Exec(ctx)
	return err
}

// RefreshExitTTLs re-arms the TTL on this worker's keys before exit so a
// retry run can still find them.
func (q *Queue) RefreshExitTTLs(ctx context.Context) error {
	pipe := q.rdb.Pipeline()
	pipe.Expire(ctx, q.workerQueue, q.config.Build.GetRedisTTL())
	pipe.Expire(ctx, q.keys.Processed(), q.config.Build.GetRedisTTL())
	_, err := pipe.Exec(ctx)
	return err
}
