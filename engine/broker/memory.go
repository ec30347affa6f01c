package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryBuffer = 1024

// MemoryBroker is a channel-backed broker for single-process
// deployments and tests. Delivery is at-most-once: a handler failure is
// logged and the task dropped, there is no pending ledger to claim
// from.
type MemoryBroker struct {
	logger Logger
	chans  map[Kind]chan *Task

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemory creates a memory broker
func NewMemory(logger Logger) *MemoryBroker {
	return &MemoryBroker{
		logger: logger,
		chans: map[Kind]chan *Task{
			KindWorkflow: make(chan *Task, memoryBuffer),
			KindNode:     make(chan *Task, memoryBuffer),
			KindCleanup:  make(chan *Task, memoryBuffer),
		},
		done: make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	ch, ok := b.chans[task.Kind]
	if !ok {
		ch = b.chans[KindWorkflow]
	}
	select {
	case ch <- task:
		b.logger.Debug("task enqueued", "task_id", task.ID, "kind", task.Kind)
		return nil
	case <-b.done:
		return ErrBrokerUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueIn delivers the task after the delay. The wait survives the
// caller's context; only closing the broker drops it.
func (b *MemoryBroker) EnqueueIn(_ context.Context, task *Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(context.Background(), task)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	go func() {
		select {
		case <-b.done:
		case <-time.After(delay):
			if err := b.Enqueue(context.Background(), task); err != nil {
				b.logger.Warn("scheduled task dropped", "task_id", task.ID, "error", err)
			}
		}
	}()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case task := <-b.chans[KindWorkflow]:
					b.deliver(ctx, task, handler)
				case task := <-b.chans[KindNode]:
					b.deliver(ctx, task, handler)
				case task := <-b.chans[KindCleanup]:
					b.deliver(ctx, task, handler)
				}
			}
		}()
	}

	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, task *Task, handler Handler) {
	task.Deliveries = int64(task.Attempts) + 1
	if err := handler(ctx, task); err != nil {
		b.logger.Error("task handler failed, dropping",
			"task_id", task.ID,
			"kind", task.Kind,
			"error", err,
		)
	}
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
