package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobmcallan/ciqueue/internal/common"
	"github.com/bobmcallan/ciqueue/internal/services/queue"
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
	common.PrintBanner("supervisor", config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	rdb, err := rediskv.NewClient(ctx, config.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to coordination store")
	}
	defer rdb.Close()

	clock := common.NewClock()
	q, err := queue.NewQueue(rdb, config, clock, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build queue handle")
	}

	master := queue.NewMaster(q, nil, logger)
	record := queue.NewBuildRecord(rdb, config, clock, logger)
	supervisor := queue.NewSupervisor(q, master, record, logger)

	result, err := supervisor.Wait(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Supervisor exited with error")
		common.PrintShutdownBanner(logger)
		os.Exit(1)
	}

	failed, err := record.FailedTests(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read failure list")
	}

	common.PrintShutdownBanner(logger)
	if !result.Success() || len(failed) > 0 {
		os.Exit(1)
	}
}
