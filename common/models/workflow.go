package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// NodeType classifies what a workflow node does
type NodeType string

const (
	NodeTypeAgent       NodeType = "agent"
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeAction      NodeType = "action"
	NodeTypeLogic       NodeType = "logic"
	NodeTypeIntegration NodeType = "integration"
)

// ValidNodeType reports whether t is one of the recognized node types
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeAgent, NodeTypeTrigger, NodeTypeAction, NodeTypeLogic, NodeTypeIntegration:
		return true
	}
	return false
}

// SpecNode is one vertex of a workflow graph. Data is opaque handler
// configuration (agent id, expression, url, ...) interpreted per type.
type SpecNode struct {
	ID   string          `db:"id" json:"id"`
	Name string          `db:"name" json:"name,omitempty"`
	Type NodeType        `db:"type" json:"type"`
	Data json.RawMessage `db:"data" json:"data,omitempty"`
}

// SpecEdge is a directed dependency between two nodes
type SpecEdge struct {
	Source string `db:"source" json:"source"`
	Target string `db:"target" json:"target"`
}

// WorkflowSpec is the immutable graph a workflow execution runs.
// Owned by the external workflow CRUD service; this engine only reads it.
type WorkflowSpec struct {
	WorkflowID  uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Name        string          `db:"name" json:"name"`
	Nodes       []SpecNode      `db:"nodes" json:"nodes"`
	Connections []SpecEdge      `db:"connections" json:"connections"`
	Settings    json.RawMessage `db:"settings" json:"settings,omitempty"`
}

// NodeByID returns the spec node with the given id
func (s *WorkflowSpec) NodeByID(id string) (*SpecNode, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}
