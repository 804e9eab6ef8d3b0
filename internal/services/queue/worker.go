package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// heartbeatJoinWait bounds how long the heartbeat stop function waits for the
// heartbeat goroutine before moving on without it.
const heartbeatJoinWait = time.Second

// Worker runs the reserve → execute → acknowledge loop until the queue
// drains or a stop condition fires.
type Worker struct {
	queue    *Queue
	master   *Master
	record   *BuildRecord
	executor interfaces.Executor
	recorder interfaces.TimingRecorder // nil disables EMA feedback
	logger   *common.Logger
	config   *common.Config
	clock    common.Clock

	// stealLimiter throttles reserve-lost scans; the running-set sweep is the
	// most expensive read in the protocol and idle workers would otherwise
	// spin on it.
	stealLimiter *rate.Limiter

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// NewWorker wires a worker for one build.
func NewWorker(q *Queue, master *Master, record *BuildRecord, executor interfaces.Executor, recorder interfaces.TimingRecorder, logger *common.Logger) *Worker {
	return &Worker{
		queue:        q,
		master:       master,
		record:       record,
		executor:     executor,
		recorder:     recorder,
		logger:       logger,
		config:       q.config,
		clock:        q.clock,
		stealLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Shutdown requests a cooperative stop: the current executable finishes,
// then the loop exits.
func (w *Worker) Shutdown() {
	w.shutdown.Store(true)
}

// safeGo launches a goroutine with panic recovery and logging.
func (w *Worker) safeGo(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Run joins the build, participates in election, then consumes the queue.
// Returns once the queue is exhausted, a stop condition fires, or a fatal
// error surfaces.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.Join(ctx); err != nil {
		return err
	}

	if w.config.Build.Retry {
		return w.runRetry(ctx)
	}

	if err := w.master.EnsureReady(ctx, w.queue.Units()); err != nil {
		return err
	}

	defer w.teardown(ctx)

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 500 * time.Millisecond
	idle.MaxInterval = 2 * time.Second
	idle.MaxElapsedTime = 0

	for !w.shutdown.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, err := w.shouldStop(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Stop-condition check failed")
		}
		if stop {
			return nil
		}

		id, err := w.reserveNext(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Reservation failed")
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if id == "" {
			expired, expErr := w.queue.Expired(ctx)
			if expErr == nil && expired {
				return ErrQueueExpired
			}
			if err := sleepCtx(ctx, idle.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		idle.Reset()

		w.process(ctx, id)
	}
	return nil
}

// shouldStop evaluates exhaustion and the failure cap.
func (w *Worker) shouldStop(ctx context.Context) (bool, error) {
	exhausted, err := w.queue.Exhausted(ctx)
	if err != nil {
		return false, err
	}
	if exhausted {
		w.logger.Info().Msg("Queue exhausted")
		return true, nil
	}

	capped, err := w.record.MaxTestFailedReached(ctx)
	if err != nil {
		return false, err
	}
	if capped {
		w.logger.Error().
			Int("max_test_failed", w.config.Build.MaxTestFailed).
			Msg("Too many failed tests: aborting this worker")
		return true, nil
	}
	return false, nil
}

// reserveNext prefers stolen work, then the shared queue tail.
func (w *Worker) reserveNext(ctx context.Context) (string, error) {
	if w.stealLimiter.Allow() {
		id, err := w.queue.ReserveLost(ctx)
		if err != nil || id != "" {
			return id, err
		}
	}
	return w.queue.Reserve(ctx)
}

// process resolves and executes one reserved executable, then settles its
// acknowledgement, requeues and records.
func (w *Worker) process(ctx context.Context, id string) {
	exe, err := w.queue.Resolve(ctx, id)
	if err != nil {
		// A reserved id we cannot hydrate would poison the queue if requeued.
		w.logger.Error().Str("id", id).Err(err).Msg("Failed to resolve executable")
		if _, ackErr := w.queue.Acknowledge(ctx, id); ackErr != nil {
			w.logger.Error().Str("id", id).Err(ackErr).Msg("Failed to acknowledge unresolvable executable")
		}
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, id)
	start := time.Now()
	results, execErr := w.executor.Execute(ctx, exe)
	elapsed := time.Since(start)
	stopHeartbeat()

	if execErr != nil {
		w.settleBroken(ctx, exe, execErr)
		return
	}

	w.settle(ctx, exe, results, elapsed)
}

// settleBroken handles an executable that could not run at all: requeue the
// whole id when the budget allows, otherwise record the error and complete.
func (w *Worker) settleBroken(ctx context.Context, exe models.Executable, execErr error) {
	id := exe.ExecutableID()
	w.logger.Warn().Str("id", id).Err(execErr).Msg("Executable failed to run")

	requeued, err := w.queue.Requeue(ctx, id)
	if err != nil {
		w.logger.Error().Str("id", id).Err(err).Msg("Requeue failed")
	}
	if requeued {
		return
	}

	first, err := w.queue.Acknowledge(ctx, id)
	if err != nil {
		w.logger.Error().Str("id", id).Err(err).Msg("Acknowledge failed")
		return
	}
	if !first {
		return
	}

	for _, unitID := range memberIDs(exe) {
		report := models.ErrorReport{
			TestID:     unitID,
			WorkerID:   w.queue.WorkerID(),
			Output:     execErr.Error(),
			RecordedAt: w.clock.Now(),
		}
		if err := w.record.RecordError(ctx, report); err != nil {
			w.logger.Warn().Str("id", unitID).Err(err).Msg("Failed to record error")
		}
	}
}

// settle applies per-unit outcomes. The executable-level acknowledgement
// decides whether this worker's results count: a false return means the unit
// was stolen and completed elsewhere, and we record nothing.
func (w *Worker) settle(ctx context.Context, exe models.Executable, results []models.UnitResult, elapsed time.Duration) {
	id := exe.ExecutableID()
	chunk, isChunk := exe.(models.Chunk)

	anyFailed := false
	for _, res := range results {
		if res.Failed {
			anyFailed = true
			break
		}
	}

	// A failed standalone unit goes back through the queue interior when the
	// budget allows; requeue replaces acknowledgement for it.
	if !isChunk && anyFailed {
		requeued, err := w.queue.Requeue(ctx, id)
		if err != nil {
			w.logger.Error().Str("id", id).Err(err).Msg("Requeue failed")
		}
		if requeued {
			w.recordFailures(ctx, results)
			return
		}
	}

	first, err := w.queue.Acknowledge(ctx, id)
	if err != nil {
		w.logger.Error().Str("id", id).Err(err).Msg("Acknowledge failed")
		return
	}
	if !first {
		w.logger.Info().Str("id", id).Msg("Executable completed elsewhere: discarding results")
		return
	}

	w.recordFailures(ctx, results)

	// Failed chunk members break out of the chunk for isolated retry.
	if isChunk {
		for _, res := range results {
			if !res.Failed {
				continue
			}
			requeued, err := w.queue.RequeueUnit(ctx, res.ID)
			if err != nil {
				w.logger.Error().Str("id", res.ID).Err(err).Msg("Member requeue failed")
			} else if requeued {
				w.logger.Info().Str("chunk", chunk.ID).Str("id", res.ID).Msg("Requeued failed chunk member")
			}
		}
	}

	timings := make(map[string]float64)
	for _, res := range results {
		if res.Failed {
			continue
		}
		if err := w.record.RecordSuccess(ctx, res.ID); err != nil {
			w.logger.Warn().Str("id", res.ID).Err(err).Msg("Failed to record success")
		}
		if res.DurationMS > 0 {
			timings[res.ID] = res.DurationMS
		}
	}

	if w.recorder != nil && len(timings) > 0 {
		if err := w.recorder.RecordBatch(ctx, timings); err != nil {
			w.logger.Warn().Err(err).Msg("Timing update failed")
		}
	}

	w.logger.Debug().
		Str("id", id).
		Int("units", len(results)).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("Executable settled")
}

// recordFailures writes error reports for the failed units in a result set.
func (w *Worker) recordFailures(ctx context.Context, results []models.UnitResult) {
	for _, res := range results {
		if !res.Failed {
			continue
		}
		report := models.ErrorReport{
			TestID:     res.ID,
			WorkerID:   w.queue.WorkerID(),
			Output:     res.Output,
			RecordedAt: w.clock.Now(),
		}
		if err := w.record.RecordError(ctx, report); err != nil {
			w.logger.Warn().Str("id", res.ID).Err(err).Msg("Failed to record error")
		}
	}
}

// startHeartbeat attests ownership of a lease in the background until the
// returned stop function is called. Heartbeat failures are logged, never
// fatal; the stop function waits at most heartbeatJoinWait for the goroutine,
// and teardown later joins it with the worker's other goroutines.
func (w *Worker) startHeartbeat(ctx context.Context, id string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once

	w.safeGo("heartbeat:"+id, func() {
		defer close(finished)
		ticker := time.NewTicker(w.config.Build.GetHeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, id); err != nil {
					w.logger.Warn().Str("id", id).Err(err).Msg("Heartbeat failed")
				}
			}
		}
	})

	return func() {
		once.Do(func() { close(done) })
		select {
		case <-finished:
		case <-time.After(heartbeatJoinWait):
			w.logger.Warn().Str("id", id).Msg("Heartbeat goroutine did not stop in time")
		}
	}
}

// runRetry re-executes this worker's previously failed subset locally,
// without touching the shared queue.
func (w *Worker) runRetry(ctx context.Context) error {
	ids, err := w.queue.RetryQueueIDs(ctx)
	if err != nil {
		return err
	}
	w.logger.Info().Int("count", len(ids)).Msg("Retrying failed subset")

	for _, id := range ids {
		if w.shutdown.Load() {
			return nil
		}
		exe, err := w.queue.Resolve(ctx, id)
		if err != nil {
			w.logger.Warn().Str("id", id).Err(err).Msg("Skipping unresolvable retry entry")
			continue
		}
		results, execErr := w.executor.Execute(ctx, exe)
		if execErr != nil {
			w.logger.Warn().Str("id", id).Err(execErr).Msg("Retry execution failed")
			continue
		}
		for _, res := range results {
			if res.Failed {
				report := models.ErrorReport{
					TestID:     res.ID,
					WorkerID:   w.queue.WorkerID(),
					Output:     res.Output,
					RecordedAt: w.clock.Now(),
				}
				if err := w.record.RecordError(ctx, report); err != nil {
					w.logger.Warn().Str("id", res.ID).Err(err).Msg("Failed to record retry error")
				}
			} else if err := w.record.RecordSuccess(ctx, res.ID); err != nil {
				w.logger.Warn().Str("id", res.ID).Err(err).Msg("Failed to record retry success")
			}
		}
	}
	return nil
}

// teardown releases held leases, re-arms exit TTLs and joins background
// goroutines.
func (w *Worker) teardown(ctx context.Context) {
	// The run context may already be cancelled; give cleanup its own window.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := w.queue.Release(cleanupCtx); err != nil {
		w.logger.Warn().Err(err).Msg("Release on exit failed")
	}
	if err := w.queue.RefreshExitTTLs(cleanupCtx); err != nil {
		w.logger.Warn().Err(err).Msg("Exit TTL refresh failed")
	}
	w.wg.Wait()
}

// memberIDs lists the unit IDs an executable stands for.
func memberIDs(exe models.Executable) []string {
	if chunk, ok := exe.(models.Chunk); ok {
		return chunk.TestIDs
	}
	return []string{exe.ExecutableID()}
}

// sleepCtx sleeps or returns early when the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
