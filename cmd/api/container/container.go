// Package container wires the API service's engine components on top
// of the bootstrap output. Everything is constructed once at startup.
package container

import (
	"context"
	"fmt"

	"github.com/driftworks/conductor/common/bootstrap"
	"github.com/driftworks/conductor/common/ratelimit"
	"github.com/driftworks/conductor/common/validation"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/eventbus"
	"github.com/driftworks/conductor/engine/executor"
	"github.com/driftworks/conductor/engine/invoker"
)

// Container holds the API service's singletons
type Container struct {
	Components *bootstrap.Components

	Validator *validation.SpecValidator
	Limiter   *ratelimit.Limiter

	Hub        *eventbus.Hub
	Subscriber *eventbus.RedisSubscriber
	Publisher  eventbus.Publisher

	Broker   broker.Broker
	Executor *executor.Executor
}

// NewContainer initializes the API wiring. The executor here only
// serves cancel and retry; running executions is the worker's job, so
// the invoker is the null echo and no fanout or timeout tuning applies.
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	validator, err := validation.NewSpecValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build spec validator: %w", err)
	}

	hub := eventbus.NewHub(&eventbus.HubOpts{
		Logger:     log.WithComponent("eventbus"),
		Telemetry:  components.Telemetry,
		SendBuffer: cfg.EventBus.SendBuffer,
	})
	go hub.Run()

	// Workers publish over redis; the subscriber folds those frames
	// into this process's hub alongside locally published ones
	publisher := eventbus.NewRedisPublisher(components.Redis, components.Telemetry)
	subscriber := eventbus.NewRedisSubscriber(components.Redis, hub, log.WithComponent("eventbus"))
	subscriber.Start(ctx)

	taskBroker, err := broker.NewRedis(broker.RedisOpts{
		Client:       components.Redis,
		Logger:       log.WithComponent("broker"),
		Telemetry:    components.Telemetry,
		ClaimMinIdle: cfg.Broker.HardTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build broker: %w", err)
	}

	exec, err := executor.New(executor.Opts{
		Store:     components.Store,
		Publisher: publisher,
		Invoker:   invoker.NewNull(),
		Logger:    log.WithComponent("executor"),
		Telemetry: components.Telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build executor: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), log.WithComponent("ratelimit"))
	}

	return &Container{
		Components: components,
		Validator:  validator,
		Limiter:    limiter,
		Hub:        hub,
		Subscriber: subscriber,
		Publisher:  publisher,
		Broker:     taskBroker,
		Executor:   exec,
	}, nil
}
