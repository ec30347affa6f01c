package ratelimit

import (
	"github.com/tidwall/gjson"

	"github.com/driftworks/conductor/common/models"
)

// Cost tiers keyed on agent density. Agent nodes dominate execution
// expense, so a run request is priced by how many the workflow carries.
const (
	costSimple   = 1 // no agent nodes
	costStandard = 2 // 1-2 agent nodes
	costHeavy    = 4 // 3+ agent nodes

	maxSettingsCost = 10
)

// WorkflowCost prices one execution request for the token bucket. A
// workflow can pin its own price with a rate_limit_cost settings key;
// out-of-range values fall back to the agent-count tiers.
func WorkflowCost(spec *models.WorkflowSpec) int {
	if v := gjson.GetBytes(spec.Settings, "rate_limit_cost"); v.Exists() {
		cost := int(v.Int())
		if cost >= 1 && cost <= maxSettingsCost {
			return cost
		}
	}

	agents := 0
	for i := range spec.Nodes {
		if spec.Nodes[i].Type == models.NodeTypeAgent {
			agents++
		}
	}

	switch {
	case agents == 0:
		return costSimple
	case agents <= 2:
		return costStandard
	default:
		return costHeavy
	}
}
