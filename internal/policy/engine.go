// Package policy gates function calls requested by the service with an OPA policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// Input is what the policy sees for one function call.
type Input struct {
	FunctionID     string `json:"function_id"`
	Parameters     any    `json:"parameters,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given policy module.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.function_policy.decision"),
		rego.Module("function_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate returns the decision for in and an optional reason.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy defines its own default; an empty result set means it has none.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, "default", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision(v), "", nil
	case map[string]any:
		d, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if d == "" {
			return Block, "policy returned no decision", nil
		}
		return Decision(d), reason, nil
	default:
		return Block, fmt.Sprintf("unexpected policy result %T", v), nil
	}
}

// DefaultPolicy allows the builtins and blocks the shell family.
const DefaultPolicy = `
package function_policy

default decision = "allow"

decision = "block" {
	startswith(input.function_id, "shell.")
}

decision = "block" {
	input.function_id == "text.echo"
	count(input.parameters.text) > 4096
}
`
