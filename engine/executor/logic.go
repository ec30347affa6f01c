package executor

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"
)

// logicData is the settings payload of a logic node
type logicData struct {
	Expression string `json:"expression"`
}

// logicEvaluator runs CEL expressions against the node input, the
// execution context, and the workflow settings. Compiled programs are
// cached per expression; logic nodes repeat across executions.
type logicEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func newLogicEvaluator() *logicEvaluator {
	return &logicEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate runs the node's expression and wraps the value as
// {"result": …}. Compile failures are permanent; a retry cannot fix a
// bad expression.
func (e *logicEvaluator) Evaluate(data, input, execContext, settings json.RawMessage) (json.RawMessage, error) {
	var cfg logicData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, Permanent(fmt.Errorf("failed to parse logic node data: %w", err))
		}
	}
	if cfg.Expression == "" {
		return nil, Permanent(fmt.Errorf("logic node has no expression"))
	}

	prg, err := e.program(cfg.Expression)
	if err != nil {
		return nil, Permanent(err)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input":    toActivation(input),
		"context":  toActivation(execContext),
		"settings": toActivation(settings),
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("expression evaluation failed: %w", err))
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, Permanent(fmt.Errorf("expression result is not representable: %w", err))
	}

	result, err := json.Marshal(map[string]interface{}{
		"result": native.(*structpb.Value).AsInterface(),
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to marshal logic result: %w", err))
	}
	return result, nil
}

func (e *logicEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.Variable("settings", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation failed: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build expression program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// toActivation presents raw JSON as a CEL-friendly value; invalid or
// empty payloads become empty maps so expressions stay total
func toActivation(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]interface{}{}
	}
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}
