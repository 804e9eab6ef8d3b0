package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
	"github.com/bobmcallan/ciqueue/internal/storage/rediskv"
)

// BuildRecord tracks a build's failure reports, flaky set and counters.
// All state is store-side hashes with the build TTL.
type BuildRecord struct {
	rdb    *redis.Client
	keys   rediskv.KeySpace
	clock  common.Clock
	config *common.Config
	logger *common.Logger

	flagged map[string]struct{} // configured treat-as-flaky set
}

// NewBuildRecord creates the record handle for a build.
func NewBuildRecord(rdb *redis.Client, config *common.Config, clock common.Clock, logger *common.Logger) *BuildRecord {
	flagged := make(map[string]struct{}, len(config.Build.FlakyTests))
	for _, id := range config.Build.FlakyTests {
		flagged[id] = struct{}{}
	}
	return &BuildRecord{
		rdb:     rdb,
		keys:    rediskv.NewKeySpace(config.Build.Namespace, config.Build.BuildID),
		clock:   clock,
		config:  config,
		logger:  logger,
		flagged: flagged,
	}
}

// IsFlagged reports whether the unit is configured to be treated as flaky.
func (r *BuildRecord) IsFlagged(id string) bool {
	_, ok := r.flagged[id]
	return ok
}

// RecordError writes a failure payload for a unit and bumps the failed
// counter.
func (r *BuildRecord) RecordError(ctx context.Context, report models.ErrorReport) error {
	data, err := report.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize error report: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keys.ErrorReports(), report.TestID, data)
	pipe.Incr(ctx, r.keys.TestFailedCount())
	pipe.Expire(ctx, r.keys.ErrorReports(), r.config.Build.GetRedisTTL())
	pipe.Expire(ctx, r.keys.TestFailedCount(), r.config.Build.GetRedisTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record error for %s: %w", report.TestID, err)
	}
	return nil
}

// RecordSuccess clears any prior failure for a unit. A unit that failed
// earlier (or was requeued at all) and now passed is flaky.
func (r *BuildRecord) RecordSuccess(ctx context.Context, id string) error {
	requeues, err := r.rdb.HGet(ctx, r.keys.RequeuesCount(), id).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read requeue count for %s: %w", id, err)
	}

	removed, err := r.rdb.HDel(ctx, r.keys.ErrorReports(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to clear error report for %s: %w", id, err)
	}

	if removed > 0 || requeues > 0 || r.IsFlagged(id) {
		pipe := r.rdb.TxPipeline()
		pipe.SAdd(ctx, r.keys.FlakyReports(), id)
		pipe.Expire(ctx, r.keys.FlakyReports(), r.config.Build.GetRedisTTL())
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to record flaky %s: %w", id, err)
		}
		r.logger.Info().Str("id", id).Msg("Marked test flaky")
	}
	return nil
}

// FailedTests lists units that currently have an error report.
func (r *BuildRecord) FailedTests(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.HKeys(ctx, r.keys.ErrorReports()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tests: %w", err)
	}
	return ids, nil
}

// ErrorReports returns all current failure payloads keyed by unit ID.
func (r *BuildRecord) ErrorReports(ctx context.Context) (map[string]models.ErrorReport, error) {
	raw, err := r.rdb.HGetAll(ctx, r.keys.ErrorReports()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load error reports: %w", err)
	}
	reports := make(map[string]models.ErrorReport, len(raw))
	for id, payload := range raw {
		reports[id] = models.ParseErrorReport([]byte(payload))
	}
	return reports, nil
}

// FlakyReports lists units RecordSuccess marked flaky: passes after a failure
// or a requeue, and passes of units configured as flaky.
func (r *BuildRecord) FlakyReports(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.keys.FlakyReports()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flaky reports: %w", err)
	}
	return ids, nil
}

// RecordWarning appends a protocol warning for the supervisor to drain.
func (r *BuildRecord) RecordWarning(ctx context.Context, w models.Warning) error {
	data, err := w.Marshal()
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.keys.Warnings(), data)
	pipe.Expire(ctx, r.keys.Warnings(), r.config.Build.GetRedisTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record warning: %w", err)
	}
	return nil
}

// PopWarnings atomically drains and returns the warnings list.
func (r *BuildRecord) PopWarnings(ctx context.Context) ([]models.Warning, error) {
	raw, err := popWarningsScript.Run(ctx, r.rdb, []string{r.keys.Warnings()}).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop warnings: %w", err)
	}

	warnings := make([]models.Warning, 0, len(raw))
	for _, item := range raw {
		var w models.Warning
		if err := w.Unmarshal([]byte(item)); err != nil {
			r.logger.Warn().Err(err).Msg("Skipping corrupt warning payload")
			continue
		}
		warnings = append(warnings, w)
	}
	return warnings, nil
}

// TestFailedCount returns the cumulative failure counter.
func (r *BuildRecord) TestFailedCount(ctx context.Context) (int64, error) {
	val, err := r.rdb.Get(ctx, r.keys.TestFailedCount()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read failed count: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt failed count %q: %w", val, err)
	}
	return n, nil
}

// MaxTestFailedReached reports whether the early-abort threshold is hit.
func (r *BuildRecord) MaxTestFailedReached(ctx context.Context) (bool, error) {
	if r.config.Build.MaxTestFailed <= 0 {
		return false, nil
	}
	count, err := r.TestFailedCount(ctx)
	if err != nil {
		return false, err
	}
	return count >= int64(r.config.Build.MaxTestFailed), nil
}
