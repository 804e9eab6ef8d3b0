package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/models"
)

// Supervisor observes global build progress and enforces the overall
// deadline. It never executes units.
type Supervisor struct {
	queue  *Queue
	master *Master
	record *BuildRecord
	logger *common.Logger
	config *common.Config
	clock  common.Clock
}

// SupervisorResult summarizes why the supervisor stopped waiting.
type SupervisorResult struct {
	Exhausted     bool
	DeadlineHit   bool
	WorkersIdle   bool
	FailureCapHit bool
	Remaining     []string
	Warnings      []models.Warning
}

// Success reports whether the build drained cleanly under its deadline.
func (r SupervisorResult) Success() bool {
	return r.Exhausted && !r.FailureCapHit
}

// NewSupervisor wires the supervisor role for a build.
func NewSupervisor(q *Queue, master *Master, record *BuildRecord, logger *common.Logger) *Supervisor {
	return &Supervisor{
		queue:  q,
		master: master,
		record: record,
		logger: logger,
		config: q.config,
		clock:  q.clock,
	}
}

// Wait blocks until the build finishes, the overall deadline expires, the
// failure cap is reached, or no worker has held a live lease for the
// inactivity window. Polls at 1 Hz.
func (s *Supervisor) Wait(ctx context.Context) (SupervisorResult, error) {
	var result SupervisorResult

	if err := s.waitForReady(ctx); err != nil {
		return result, err
	}

	timeLeft := int64(s.config.Build.GetReportTimeout() / time.Second)
	timeLeftNoWorkers := int64(s.config.Build.GetInactiveWorkersTimeout() / time.Second)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		exhausted, err := s.queue.Exhausted(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Exhaustion poll failed")
		} else if exhausted {
			result.Exhausted = true
			break
		}

		capped, err := s.record.MaxTestFailedReached(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failure-cap poll failed")
		} else if capped {
			result.FailureCapHit = true
			break
		}

		active, err := s.queue.WorkersActive(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Active-workers poll failed")
		} else if active {
			timeLeftNoWorkers = int64(s.config.Build.GetInactiveWorkersTimeout() / time.Second)
		} else {
			timeLeftNoWorkers--
			if timeLeftNoWorkers <= 0 {
				result.WorkersIdle = true
				break
			}
		}

		timeLeft--
		if timeLeft <= 0 {
			result.DeadlineHit = true
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}

	s.conclude(ctx, &result)
	return result, nil
}

// waitForReady blocks until the master publishes, bounded by
// queue_init_timeout.
func (s *Supervisor) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(s.config.Build.GetQueueInitTimeout())
	for {
		status, err := s.master.Status(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Master status poll failed")
		}
		if status == MasterStatusReady || status == MasterStatusFinished {
			return nil
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

// conclude gathers the exit report, drains warnings, writes the failure
// artifact and flips the master state to finished.
func (s *Supervisor) conclude(ctx context.Context, result *SupervisorResult) {
	if !result.Exhausted {
		remaining, err := s.queue.RemainingIDs(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to list remaining executables")
		} else {
			result.Remaining = remaining
		}
	}

	warnings, err := s.record.PopWarnings(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drain warnings")
	} else {
		result.Warnings = warnings
		for _, w := range warnings {
			s.logger.Warn().Str("type", w.Type).Msg("Build warning")
		}
	}

	if path := s.config.Build.FailureFile; path != "" {
		if err := s.writeFailureFile(ctx, path); err != nil {
			s.logger.Error().Str("path", path).Err(err).Msg("Failed to write failure report")
		}
	}

	if err := s.master.MarkFinished(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to mark build finished")
	}

	total, processed, failed, err := s.queue.Progress(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read final progress")
	}
	s.logger.Info().
		Int64("total", total).
		Int64("processed", processed).
		Int64("failed", failed).
		Bool("exhausted", result.Exhausted).
		Bool("deadline_hit", result.DeadlineHit).
		Bool("workers_idle", result.WorkersIdle).
		Bool("failure_cap_hit", result.FailureCapHit).
		Msg("Supervisor finished")
}

// writeFailureFile serializes the current error reports as a JSON array at
// the configured path, creating directories as needed.
func (s *Supervisor) writeFailureFile(ctx context.Context, path string) error {
	reports, err := s.record.ErrorReports(ctx)
	if err != nil {
		return err
	}

	payloads := make([]models.ErrorReport, 0, len(reports))
	for _, r := range reports {
		payloads = append(payloads, r)
	}

	data, err := json.MarshalIndent(payloads, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize failure report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write failure report: %w", err)
	}
	return nil
}
