package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/redis"
	"github.com/driftworks/conductor/common/telemetry"
	"github.com/driftworks/conductor/engine/events"
)

// channel prefix for cross-process event delivery
const channelPrefix = "events:"

// Publisher delivers status events to the rooms watching an execution.
// Implementations are best-effort; callers log failures and move on,
// execution never blocks on delivery.
type Publisher interface {
	PublishExecutionUpdate(ctx context.Context, exec *models.WorkflowExecution, currentNode string) error
	PublishNodeUpdate(ctx context.Context, exec *models.WorkflowExecution, node *models.NodeExecution, message string) error
}

// executionRooms: execution, workflow, and owner rooms all see parent
// status; node updates skip the workflow room to keep it coarse-grained.
func executionRooms(exec *models.WorkflowExecution) []string {
	return events.Rooms(exec)
}

func nodeRooms(exec *models.WorkflowExecution) []string {
	return []string{
		events.ExecutionRoom(exec.ID),
		events.UserRoom(exec.UserID),
	}
}

// HubPublisher delivers events to an in-process hub. Used when the api
// and the workers share one process.
type HubPublisher struct {
	hub     *Hub
	metrics *telemetry.Telemetry
}

func NewHubPublisher(hub *Hub, metrics *telemetry.Telemetry) *HubPublisher {
	return &HubPublisher{hub: hub, metrics: metrics}
}

func (p *HubPublisher) PublishExecutionUpdate(_ context.Context, exec *models.WorkflowExecution, currentNode string) error {
	return p.publish(executionRooms(exec), events.NewExecutionUpdate(exec, currentNode))
}

func (p *HubPublisher) PublishNodeUpdate(_ context.Context, exec *models.WorkflowExecution, node *models.NodeExecution, message string) error {
	return p.publish(nodeRooms(exec), events.NewNodeUpdate(node, message))
}

func (p *HubPublisher) publish(rooms []string, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	for _, room := range rooms {
		p.hub.BroadcastRaw(room, data)
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
	return nil
}

// RedisPublisher delivers events over redis pub/sub so worker processes
// can reach hubs hosted by api processes
type RedisPublisher struct {
	client  *redis.Client
	metrics *telemetry.Telemetry
}

func NewRedisPublisher(client *redis.Client, metrics *telemetry.Telemetry) *RedisPublisher {
	return &RedisPublisher{client: client, metrics: metrics}
}

func (p *RedisPublisher) PublishExecutionUpdate(ctx context.Context, exec *models.WorkflowExecution, currentNode string) error {
	return p.publish(ctx, executionRooms(exec), events.NewExecutionUpdate(exec, currentNode))
}

func (p *RedisPublisher) PublishNodeUpdate(ctx context.Context, exec *models.WorkflowExecution, node *models.NodeExecution, message string) error {
	return p.publish(ctx, nodeRooms(exec), events.NewNodeUpdate(node, message))
}

func (p *RedisPublisher) publish(ctx context.Context, rooms []string, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	var firstErr error
	for _, room := range rooms {
		if err := p.client.PublishEvent(ctx, channelPrefix+room, string(data)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
	return firstErr
}
