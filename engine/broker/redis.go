package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/redis"
	"github.com/driftworks/conductor/common/telemetry"
)

const (
	streamPrefix   = "conductor.tasks."
	StreamWorkflow = streamPrefix + "workflow"
	StreamNode     = streamPrefix + "node"
	StreamCleanup  = streamPrefix + "cleanup"

	// Group is the consumer group shared by all workers
	Group = "conductor-workers"

	// scheduledKey holds delayed tasks until the pump moves them onto
	// their stream
	scheduledKey = "conductor.tasks.scheduled"

	taskField = "task"

	defaultBlock         = 5 * time.Second
	defaultClaimInterval = time.Minute
	pumpInterval         = time.Second
)

var streams = []string{StreamWorkflow, StreamNode, StreamCleanup}

// StreamFor maps a task kind to its stream
func StreamFor(kind Kind) string {
	switch kind {
	case KindWorkflow:
		return StreamWorkflow
	case KindNode:
		return StreamNode
	case KindCleanup:
		return StreamCleanup
	}
	return StreamWorkflow
}

// RedisOpts configures the redis broker
type RedisOpts struct {
	Client *redis.Client
	Logger Logger

	// Telemetry is optional; counters are skipped when nil
	Telemetry *telemetry.Telemetry

	// Consumer names this worker inside the group. Defaults to
	// worker-<short uuid>.
	Consumer string

	// Block bounds one XREADGROUP wait. Defaults to 5s.
	Block time.Duration

	// ClaimMinIdle is how long a pending message may sit with a dead
	// consumer before the claim sweep takes it. Pair it with the hard
	// execution timeout.
	ClaimMinIdle time.Duration

	// ClaimInterval is how often the claim sweep runs. Defaults to 1m.
	ClaimInterval time.Duration
}

// RedisBroker is the streams-backed task transport
type RedisBroker struct {
	client   *redis.Client
	logger   Logger
	metrics  *telemetry.Telemetry
	consumer string

	block         time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedis creates a redis streams broker
func NewRedis(opts RedisOpts) (*RedisBroker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("broker: redis client is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("broker: logger is required")
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = time.Hour
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = defaultClaimInterval
	}

	return &RedisBroker{
		client:        opts.Client,
		logger:        opts.Logger,
		metrics:       opts.Telemetry,
		consumer:      opts.Consumer,
		block:         opts.Block,
		claimMinIdle:  opts.ClaimMinIdle,
		claimInterval: opts.ClaimInterval,
		done:          make(chan struct{}),
	}, nil
}

// Enqueue appends the task to its kind's stream
func (b *RedisBroker) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if _, err := b.client.AddToStream(ctx, StreamFor(task.Kind), map[string]interface{}{taskField: string(payload)}); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, ErrBrokerUnavailable)
	}

	if b.metrics != nil {
		b.metrics.TasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
	}
	b.logger.Debug("task enqueued", "task_id", task.ID, "kind", task.Kind, "execution_id", task.ExecutionID)
	return nil
}

// EnqueueIn parks the task in the scheduled set until the pump moves it
// onto its stream
func (b *RedisBroker) EnqueueIn(ctx context.Context, task *Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, task)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	due := time.Now().UTC().Add(delay)
	if err := b.client.AddToSortedSet(ctx, scheduledKey, scheduleScore(due, task.Priority), string(payload)); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.ID, ErrBrokerUnavailable)
	}

	if b.metrics != nil {
		if task.Attempts > 0 {
			b.metrics.TasksRetried.WithLabelValues(string(task.Kind)).Inc()
		} else {
			b.metrics.TasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
		}
	}
	b.logger.Debug("task scheduled", "task_id", task.ID, "kind", task.Kind, "due", due, "attempts", task.Attempts)
	return nil
}

// Consume runs the read workers, the claim sweep and the schedule pump
// until the context ends
func (b *RedisBroker) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}
	for _, stream := range streams {
		if err := b.client.CreateStreamGroup(ctx, stream, Group); err != nil {
			return fmt.Errorf("create group for %s: %w", stream, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.readLoop(runCtx, handler)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.claimLoop(runCtx, handler)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.pumpLoop(runCtx)
	}()

	b.logger.Info("broker consuming",
		"consumer", b.consumer,
		"workers", workers,
		"claim_min_idle", b.claimMinIdle,
	)
	wg.Wait()
	return runCtx.Err()
}

// Close stops a running Consume
func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// readLoop pulls one message at a time so a slow execution never starves
// the other workers
func (b *RedisBroker) readLoop(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.client.ReadFromStreamGroup(ctx, Group, b.consumer, streams, 1, b.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("broker read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range result {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, stream.Stream, msg.ID, msg.Values, handler)
			}
		}
	}
}

// claimLoop periodically takes over messages stuck with dead consumers
func (b *RedisBroker) claimLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(b.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, stream := range streams {
			messages, err := b.client.AutoClaimStream(ctx, stream, Group, b.consumer, b.claimMinIdle, 10)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("broker claim failed", "stream", stream, "error", err)
				continue
			}
			for _, msg := range messages {
				b.logger.Warn("claimed stale task", "stream", stream, "message_id", msg.ID)
				b.handleMessage(ctx, stream, msg.ID, msg.Values, handler)
			}
		}
	}
}

// pumpLoop moves due scheduled tasks onto their streams
func (b *RedisBroker) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		members, err := b.client.PopDueFromSortedSet(ctx, scheduledKey, scheduleCeiling(time.Now().UTC()), 100)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("broker pump failed", "error", err)
			continue
		}
		for _, member := range members {
			var task Task
			if err := json.Unmarshal([]byte(member), &task); err != nil {
				b.logger.Error("broker pump dropped malformed task", "error", err)
				continue
			}
			if _, err := b.client.AddToStream(ctx, StreamFor(task.Kind), map[string]interface{}{taskField: member}); err != nil {
				// Park it again rather than losing it
				b.logger.Error("broker pump re-park", "task_id", task.ID, "error", err)
				if addErr := b.client.AddToSortedSet(ctx, scheduledKey, scheduleCeiling(time.Now().UTC()), member); addErr != nil {
					b.logger.Error("broker pump lost task", "task_id", task.ID, "error", addErr)
				}
			}
		}
	}
}

// handleMessage decodes, stamps the delivery count, runs the handler
// and acknowledges on success. Failures leave the message pending for
// the claim sweep.
func (b *RedisBroker) handleMessage(ctx context.Context, stream, messageID string, values map[string]interface{}, handler Handler) {
	payload, ok := values[taskField].(string)
	if !ok {
		b.logger.Error("broker dropped message without task field", "stream", stream, "message_id", messageID)
		b.ack(ctx, stream, messageID)
		return
	}
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		b.logger.Error("broker dropped malformed task", "stream", stream, "message_id", messageID, "error", err)
		b.ack(ctx, stream, messageID)
		return
	}

	deliveries, err := b.client.StreamDeliveryCount(ctx, stream, Group, messageID)
	if err != nil || deliveries < 1 {
		deliveries = 1
	}
	task.Deliveries = deliveries

	if err := handler(ctx, &task); err != nil {
		b.logger.Error("task handler failed, leaving pending",
			"task_id", task.ID,
			"kind", task.Kind,
			"deliveries", deliveries,
			"error", err,
		)
		return
	}
	b.ack(ctx, stream, messageID)
}

func (b *RedisBroker) ack(ctx context.Context, stream, messageID string) {
	if err := b.client.AckStreamMessage(ctx, stream, Group, messageID); err != nil {
		b.logger.Error("broker ack failed", "stream", stream, "message_id", messageID, "error", err)
	}
}
