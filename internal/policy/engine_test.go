package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	cases := []struct {
		name string
		in   Input
		want Decision
	}{
		{"builtin allowed", Input{FunctionID: "system.time"}, Allow},
		{"echo allowed", Input{FunctionID: "text.echo", Parameters: map[string]any{"text": "hi"}}, Allow},
		{"shell blocked", Input{FunctionID: "shell.exec"}, Block},
		{"oversized echo blocked", Input{FunctionID: "text.echo", Parameters: map[string]any{"text": strings.Repeat("x", 5000)}}, Block},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := engine.Evaluate(ctx, tc.in)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestObjectDecision(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package function_policy

decision = {"decision": "block", "reason": "maintenance"} {
	true
}
`)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	got, reason, err := engine.Evaluate(ctx, Input{FunctionID: "system.time"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != Block || reason != "maintenance" {
		t.Fatalf("unexpected decision %s (%s)", got, reason)
	}
}

func TestUndefinedDecisionAllows(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package function_policy

decision = "block" {
	input.function_id == "never"
}
`)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	got, reason, err := engine.Evaluate(ctx, Input{FunctionID: "system.time"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != Allow || reason != "default" {
		t.Fatalf("unexpected decision %s (%s)", got, reason)
	}
}

func TestNewEngineFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := "package function_policy\n\ndefault decision = \"block\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	engine, err := NewEngineFromFile(ctx, path)
	if err != nil {
		t.Fatalf("NewEngineFromFile failed: %v", err)
	}
	got, _, err := engine.Evaluate(ctx, Input{FunctionID: "system.time"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != Block {
		t.Fatalf("expected block, got %s", got)
	}

	if _, err := NewEngine(ctx, "package broken\n\ndecision = {"); err == nil {
		t.Fatalf("expected parse error")
	}
}
