// The worker service consumes execution tasks from the broker, drives
// them through the executor and keeps the housekeeping clocks: the
// daily retention beat and the stuck-execution sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftworks/conductor/cmd/worker/worker"
	"github.com/driftworks/conductor/common/bootstrap"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/eventbus"
	"github.com/driftworks/conductor/engine/executor"
	"github.com/driftworks/conductor/engine/invoker"
	"github.com/driftworks/conductor/engine/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	// Workers publish through redis so every api hub sees the frames
	publisher := eventbus.NewRedisPublisher(components.Redis, components.Telemetry)

	taskBroker, err := broker.NewRedis(broker.RedisOpts{
		Client:       components.Redis,
		Logger:       log.WithComponent("broker"),
		Telemetry:    components.Telemetry,
		ClaimMinIdle: cfg.Broker.HardTimeout,
	})
	if err != nil {
		log.Error("failed to build broker", "error", err)
		os.Exit(1)
	}
	defer taskBroker.Close()

	exec, err := executor.New(executor.Opts{
		Store:       components.Store,
		Publisher:   publisher,
		Invoker:     selectInvoker(components),
		Logger:      log.WithComponent("executor"),
		Telemetry:   components.Telemetry,
		LevelFanout: cfg.Executor.LevelFanout,
		SoftTimeout: cfg.Broker.SoftTimeout,
	})
	if err != nil {
		log.Error("failed to build executor", "error", err)
		os.Exit(1)
	}

	taskWorker, err := worker.New(worker.Opts{
		Engine:    exec,
		Store:     components.Store,
		Broker:    taskBroker,
		Publisher: publisher,
		Logger:    log.WithComponent("worker"),
		BrokerCfg: cfg.Broker,
		Retention: cfg.Retention,
	})
	if err != nil {
		log.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	scheduler := broker.NewScheduler(broker.SchedulerOpts{
		Broker:         taskBroker,
		Logger:         log.WithComponent("scheduler"),
		CleanupHourUTC: cfg.Retention.CleanupHourUTC,
	})
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	sweeper := supervisor.NewSweeper(components.Store, publisher, log.WithComponent("supervisor")).
		WithTimeout(cfg.Broker.HardTimeout).
		WithTelemetry(components.Telemetry)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("supervisor stopped", "error", err)
		}
	}()

	log.Info("worker consuming",
		"workers", cfg.Broker.Workers,
		"hard_timeout", cfg.Broker.HardTimeout,
		"soft_timeout", cfg.Broker.SoftTimeout,
	)
	if err := taskBroker.Consume(ctx, cfg.Broker.Workers, taskWorker.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("broker consume failed", "error", err)
		os.Exit(1)
	}

	log.Info("worker stopped")
}

// selectInvoker picks the agent backend: the OpenAI adapter when a key
// is configured, the deterministic echo otherwise
func selectInvoker(components *bootstrap.Components) invoker.Invoker {
	cfg := components.Config
	if cfg.OpenAI.APIKey == "" {
		components.Logger.Info("no model provider configured, using null invoker")
		return invoker.NewNull()
	}

	openAI, err := invoker.NewOpenAIFromAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	if err != nil {
		components.Logger.Warn("openai invoker unavailable, falling back to null", "error", err)
		return invoker.NewNull()
	}
	components.Logger.Info("openai invoker configured", "model", cfg.OpenAI.Model)
	return openAI
}
