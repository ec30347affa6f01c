package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/models"
)

// Type classifies the frame for client-side routing
type Type string

const (
	TypeConnection      Type = "connection"
	TypeSubscription    Type = "subscription"
	TypePong            Type = "pong"
	TypeError           Type = "error"
	TypeExecutionUpdate Type = "execution_update"
	TypeNodeUpdate      Type = "node_update"
)

// Event names within a type
const (
	EventConnected     = "connected"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventStatusChanged = "status_changed"
)

// Event is the wire frame delivered to websocket subscribers
type Event struct {
	Type      Type                   `json:"type"`
	Event     string                 `json:"event,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newEvent(t Type, name string, data map[string]interface{}) Event {
	return Event{
		Type:      t,
		Event:     name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnected is sent once per socket, right after the handshake
func NewConnected(connectionID, userID string) Event {
	return newEvent(TypeConnection, EventConnected, map[string]interface{}{
		"connection_id": connectionID,
		"user_id":       userID,
	})
}

// NewSubscribed acknowledges a room subscription
func NewSubscribed(room string) Event {
	return newEvent(TypeSubscription, EventSubscribed, map[string]interface{}{
		"room_id": room,
	})
}

// NewUnsubscribed acknowledges leaving a room
func NewUnsubscribed(room string) Event {
	return newEvent(TypeSubscription, EventUnsubscribed, map[string]interface{}{
		"room_id": room,
	})
}

// NewPong answers a client ping frame
func NewPong() Event {
	return newEvent(TypePong, "", nil)
}

// NewError reports a malformed or rejected client message
func NewError(message string) Event {
	return newEvent(TypeError, "", map[string]interface{}{
		"message": message,
	})
}

// NewExecutionUpdate reports a workflow execution status change. The
// progress fields are derived from the execution's node counters so every
// frame carries a consistent snapshot.
func NewExecutionUpdate(exec *models.WorkflowExecution, currentNode string) Event {
	data := map[string]interface{}{
		"execution_id":        exec.ID.String(),
		"status":              string(exec.Status),
		"progress_percentage": exec.ProgressPercentage(),
		"completed_nodes":     exec.CompletedNodes,
		"total_nodes":         exec.TotalNodes,
	}
	if currentNode != "" {
		data["current_node"] = currentNode
	}
	if exec.ErrorMessage != nil && *exec.ErrorMessage != "" {
		data["error_message"] = *exec.ErrorMessage
	}
	return newEvent(TypeExecutionUpdate, EventStatusChanged, data)
}

// NewNodeUpdate reports a node execution status change
func NewNodeUpdate(node *models.NodeExecution, message string) Event {
	data := map[string]interface{}{
		"execution_id":      node.WorkflowExecutionID.String(),
		"node_execution_id": node.ID.String(),
		"node_id":           node.NodeID,
		"node_name":         node.NodeName,
		"status":            string(node.Status),
	}
	if message != "" {
		data["message"] = message
	}
	return newEvent(TypeNodeUpdate, EventStatusChanged, data)
}

// ExecutionRoom is the room for a single execution's updates
func ExecutionRoom(executionID uuid.UUID) string {
	return fmt.Sprintf("execution:%s", executionID)
}

// WorkflowRoom aggregates updates across all executions of a workflow
func WorkflowRoom(workflowID uuid.UUID) string {
	return fmt.Sprintf("workflow:%s", workflowID)
}

// UserRoom receives every update owned by a user; sockets are joined to
// it automatically at connect time
func UserRoom(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Rooms lists the fan-out targets for an execution's updates
func Rooms(exec *models.WorkflowExecution) []string {
	return []string{
		ExecutionRoom(exec.ID),
		WorkflowRoom(exec.WorkflowID),
		UserRoom(exec.UserID),
	}
}
