package domain

import (
	"context"
	"fmt"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() == "" {
		t.Fatalf("expected error string")
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

// emptyView satisfies RuleView for rules that never read state.
type emptyView struct{ RuleView }

func TestRuleViolationErrorMessage(t *testing.T) {
	err := RuleViolationError{Result: Result{Violations: []Violation{
		{Rule: "warn", Severity: SeverityWarn, Message: "ignored"},
		{Rule: "unique", Severity: SeverityBlock, Message: "duplicate raw path"},
	}}}
	if got := err.Error(); got != "transaction blocked by rules: duplicate raw path" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestChanged(t *testing.T) {
	changes := []Change{{Entity: EntityFrame, Action: ActionCreate}}
	if !Changed(changes, EntityFrame) {
		t.Fatalf("expected frame change")
	}
	if Changed(changes, EntityExperiment) {
		t.Fatalf("unexpected experiment change")
	}
}

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}
