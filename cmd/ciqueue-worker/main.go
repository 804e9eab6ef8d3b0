package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/interfaces"
	"github.com/bobmcallan/ciqueue/internal/models"
	"github.com/bobmcallan/ciqueue/internal/services/queue"
	"github.com/bobmcallan/ciqueue/internal/services/strategy"
	"github.com/bobmcallan/ciqueue/internal/services/timing"
	"github.com/bobmcallan/ciqueue/internal/storage/rediskv"
)

func main() {
	configPath := os.Getenv("CIQUEUE_CONFIG")

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	common.LoadVersionFromFile()
	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner("worker", config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	units, err := loadManifest(config.Build.ManifestPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load unit manifest")
	}

	rdb, err := rediskv.NewClient(ctx, config.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to coordination store")
	}
	defer rdb.Close()

	// The timing oracle may live in its own store.
	timingClient := rdb
	if config.Timing.RedisURL != "" && config.Timing.RedisURL != config.Redis.URL {
		tc, err := rediskv.NewClientFromURL(ctx, config.Timing.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("Timing store unreachable: ordering falls back to file/constant")
			timingClient = nil
		} else {
			timingClient = tc
			defer tc.Close()
		}
	}

	var timingStore *timing.Store
	if timingClient != nil {
		timingStore = timing.NewStore(timingClient, config.Timing.GetKey(), logger)
	}
	oracle := timing.NewOracle(ctx, timingStore, config.Timing.File, config.Timing.GetFallback(), logger)

	clock := common.NewClock()
	q, err := queue.NewQueue(rdb, config, clock, logger, units)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build queue")
	}

	orderer, err := strategy.New(config, oracle, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to select strategy")
	}

	master := queue.NewMaster(q, orderer, logger)
	record := queue.NewBuildRecord(rdb, config, clock, logger)

	var recorder interfaces.TimingRecorder
	if timingStore != nil {
		recorder = timingStore
	}
	worker := queue.NewWorker(q, master, record, newExecutor(logger), recorder, logger)

	// SIGTERM/SIGINT request a cooperative stop: the current unit finishes.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received")
		worker.Shutdown()
	}()

	if err := worker.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker exited with error")
		common.PrintShutdownBanner(logger)
		os.Exit(1)
	}

	failed, err := record.FailedTests(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read failure list")
	}

	common.PrintShutdownBanner(logger)
	if len(failed) > 0 {
		os.Exit(1)
	}
}

// loadManifest reads the unit batch: a JSON array of either bare ID strings
// or {id, source_location} objects.
func loadManifest(path string) ([]models.Unit, error) {
	if path == "" {
		return nil, fmt.Errorf("build.manifest_path is required for the worker binary")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var units []models.Unit
	if err := json.Unmarshal(data, &units); err == nil {
		return units, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("manifest %s is neither a unit array nor an id array: %w", path, err)
	}
	units = make([]models.Unit, len(ids))
	for i, id := range ids {
		units[i] = models.Unit{ID: id}
	}
	return units, nil
}

// commandExecutor shells out once per unit, passing the unit ID through the
// environment. Real test-framework adapters embed the library instead.
type commandExecutor struct {
	command []string
	logger  *common.Logger
}

func newExecutor(logger *common.Logger) interfaces.Executor {
	raw := os.Getenv("CIQUEUE_TEST_COMMAND")
	if raw == "" {
		logger.Warn().Msg("CIQUEUE_TEST_COMMAND not set: units will be marked passed without executing")
		return &commandExecutor{logger: logger}
	}
	return &commandExecutor{command: strings.Fields(raw), logger: logger}
}

func (e *commandExecutor) Execute(ctx context.Context, exe models.Executable) ([]models.UnitResult, error) {
	var ids []string
	if chunk, ok := exe.(models.Chunk); ok {
		ids = chunk.TestIDs
	} else {
		ids = []string{exe.ExecutableID()}
	}

	results := make([]models.UnitResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, e.runOne(ctx, id))
	}
	return results, nil
}

func (e *commandExecutor) runOne(ctx context.Context, id string) models.UnitResult {
	if len(e.command) == 0 {
		return models.UnitResult{ID: id}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Env = append(os.Environ(), "CIQUEUE_TEST_ID="+id)
	output, err := cmd.CombinedOutput()
	result := models.UnitResult{
		ID:         id,
		DurationMS: float64(time.Since(start).Milliseconds()),
		Output:     string(output),
	}
	if err != nil {
		result.Failed = true
		if result.Output == "" {
			result.Output = err.Error()
		}
	}
	return result
}
