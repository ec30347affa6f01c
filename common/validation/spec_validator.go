// Package validation checks workflow specs against the embedded JSON
// Schema before an execution is planned. Graph-level rules (unknown
// edge endpoints, cycles) belong to the resolver; this layer only
// rejects structurally malformed specs.
package validation

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/driftworks/conductor/common/models"
)

//go:embed workflow_schema.json
var workflowSchema string

// SpecValidator validates workflow specs. Safe for concurrent use; the
// compiled schema is immutable.
type SpecValidator struct {
	schema *gojsonschema.Schema
}

// NewSpecValidator compiles the embedded schema
func NewSpecValidator() (*SpecValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(workflowSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow schema: %w", err)
	}
	return &SpecValidator{schema: schema}, nil
}

// ValidationError carries every schema violation found in one pass, so
// a caller can report all of them at once
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow spec invalid: %s", strings.Join(e.Violations, "; "))
}

// ValidateSpec checks one workflow spec. Returns a *ValidationError
// when the spec is malformed.
func (v *SpecValidator) ValidateSpec(spec *models.WorkflowSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode workflow spec: %w", err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate workflow spec: %w", err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return &ValidationError{Violations: violations}
}
