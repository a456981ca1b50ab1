package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/repository"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// validPlan is a two step plan: total = add(a, scaled), scaled = mul(b).
func validPlan() *Input {
	return &Input{
		Concepts: []*repository.Concept{
			{Name: "a", Kind: repository.ConceptObject, IsGround: true},
			{Name: "b", Kind: repository.ConceptObject, IsGround: true},
			{Name: "scaled", Kind: repository.ConceptObject},
			{Name: "total", Kind: repository.ConceptObject, IsFinal: true},
			{Name: "adder", Kind: repository.ConceptFunction},
		},
		Inferences: []*repository.Inference{
			{
				FlowIndex:       "1",
				ConceptToInfer:  "total",
				FunctionConcept: "adder",
				ValueConcepts:   []string{"a", "scaled"},
				SequenceKind:    repository.SequenceCompute,
			},
			{
				FlowIndex:             "1.1",
				ConceptToInfer:        "scaled",
				ValueConcepts:         []string{"b"},
				SequenceKind:          repository.SequenceCompute,
				WorkingInterpretation: repository.WorkingInterpretation{Operation: "mul"},
			},
		},
		Context: &Context{Operation: "validate"},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"compute-function", "final-concept", "loop-axis", "orphan-concepts"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
	}
}

func TestEvaluate_ValidPlan(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), validPlan())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected plan to be allowed, got violations %v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
	if len(result.Failures) != 0 {
		t.Errorf("Expected no failures, got %v", result.Failures)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
	if result.Err() != nil {
		t.Errorf("Expected nil error, got %v", result.Err())
	}
}

func TestEvaluate_BuiltinViolations(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(in *Input)
		expectAllowed bool
		policy        string
		subject       string
		severity      Severity
	}{
		{
			name: "no final concept",
			mutate: func(in *Input) {
				in.Concepts[3].IsFinal = false
			},
			expectAllowed: false,
			policy:        "final-concept",
			severity:      SeverityError,
		},
		{
			name: "compute without function",
			mutate: func(in *Input) {
				in.Inferences[1].WorkingInterpretation.Operation = ""
			},
			expectAllowed: false,
			policy:        "compute-function",
			subject:       "1.1",
			severity:      SeverityError,
		},
		{
			name: "function concept of wrong kind",
			mutate: func(in *Input) {
				in.Concepts[4].Kind = repository.ConceptObject
			},
			expectAllowed: true,
			policy:        "compute-function",
			subject:       "1",
			severity:      SeverityWarning,
		},
		{
			name: "loop without new axis",
			mutate: func(in *Input) {
				in.Inferences = append(in.Inferences, &repository.Inference{
					FlowIndex:      "2",
					ConceptToInfer: "scaled",
					SequenceKind:   repository.SequenceQuantifying,
					WorkingInterpretation: repository.WorkingInterpretation{
						LoopBase: "a", LoopAxis: "item", CurrentElement: "b", Collect: "scaled",
					},
				})
			},
			expectAllowed: false,
			policy:        "loop-axis",
			subject:       "2",
			severity:      SeverityError,
		},
		{
			name: "orphan concept",
			mutate: func(in *Input) {
				in.Concepts = append(in.Concepts, &repository.Concept{Name: "unused", Kind: repository.ConceptObject})
			},
			expectAllowed: true,
			policy:        "orphan-concepts",
			subject:       "unused",
			severity:      SeverityWarning,
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validPlan()
			tt.mutate(input)

			result, err := eng.Evaluate(context.Background(), input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v", tt.expectAllowed, result.Allowed)
			}

			found := append(append([]Violation{}, result.Violations...), result.Warnings...)
			matched := false
			for _, v := range found {
				if v.Policy == tt.policy && v.Subject == tt.subject && v.Severity == tt.severity {
					matched = true
				}
			}
			if !matched {
				t.Errorf("Expected %s violation on %q with severity %s, got %v", tt.policy, tt.subject, tt.severity, found)
			}
		})
	}
}

func TestResultErr_IsPlanDefinitionError(t *testing.T) {
	input := validPlan()
	input.Concepts[3].IsFinal = false

	result, err := newTestEngine(t).Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	denied := result.Err()
	if !engine.IsPlanDefinitionError(denied) {
		t.Fatalf("Expected plan definition error, got %v", denied)
	}
	if !strings.Contains(denied.Error(), "final-concept") {
		t.Errorf("Expected error to name the policy, got %s", denied.Error())
	}
}

func TestAdmit_Repositories(t *testing.T) {
	input := validPlan()
	concepts := make([]repository.Concept, len(input.Concepts))
	for i, c := range input.Concepts {
		concepts[i] = *c
	}
	inferences := make([]repository.Inference, len(input.Inferences))
	for i, inf := range input.Inferences {
		inferences[i] = *inf
	}
	cr, err := repository.NewConceptRepository(concepts)
	if err != nil {
		t.Fatalf("NewConceptRepository failed: %v", err)
	}
	ir, err := repository.NewInferenceRepository(inferences)
	if err != nil {
		t.Fatalf("NewInferenceRepository failed: %v", err)
	}

	result, err := newTestEngine(t).Admit(context.Background(), cr, ir, &Context{Operation: "start"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected plan to be allowed, got %v", result.Violations)
	}
}

func TestAddPolicy_Custom(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "no-upper",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package custom.noupper

import rego.v1

deny contains msg if {
	some inf in input.inferences
	inf.working_interpretation.operation == "upper"
	msg := sprintf("operation upper is not allowed at %s", [inf.flow_index])
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	input := validPlan()
	input.Inferences[1].WorkingInterpretation.Operation = "upper"
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected plan to be denied")
	}
	v := result.Violations[0]
	if v.Policy != "no-upper" || v.Severity != SeverityCritical {
		t.Errorf("Unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Message, "1.1") {
		t.Errorf("Expected message to name the flow index, got %s", v.Message)
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "no name", policy: Policy{Rego: "package x\n"}},
		{name: "bad rego", policy: Policy{Name: "bad", Rego: "package x\n\ndeny contains {"}},
		{name: "bad severity", policy: Policy{Name: "sev", Severity: "loud", Rego: "package x\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(context.Background(), tt.policy); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestSetData(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "allowed-operations",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.allowed

import rego.v1

deny contains violation if {
	some inf in input.inferences
	op := inf.working_interpretation.operation
	not op in data.allowed_operations
	violation := {"message": sprintf("operation %s is not allowed", [op]), "subject": inf.flow_index}
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	if err := eng.SetData(context.Background(), "allowed_operations", []interface{}{"add"}); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), validPlan())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected mul to be denied")
	}

	if err := eng.SetData(context.Background(), "allowed_operations", []interface{}{"add", "mul"}); err != nil {
		t.Fatalf("SetData replace failed: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), validPlan())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected plan to be allowed, got %v", result.Violations)
	}

	if err := eng.SetData(context.Background(), "a/b", 1); err == nil {
		t.Error("Expected nested key to be rejected")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := validPlan()
	input.Concepts[3].IsFinal = false

	if err := eng.DisablePolicy("final-concept"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %v", result.Violations)
	}

	if err := eng.EnablePolicy("final-concept"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, _ = eng.Evaluate(context.Background(), input)
	if result.Allowed {
		t.Error("Expected re-enabled policy to deny the plan")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePolicies_KeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	_ = eng.AddPolicy(context.Background(), Policy{Name: "old", Enabled: true, Rego: "package old\n"})

	err := eng.ReplacePolicies(context.Background(), []Policy{
		{Name: "new", Enabled: true, Rego: "package new\n"},
	})
	if err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("old"); err == nil {
		t.Error("Expected old policy to be removed")
	}
	if _, err := eng.GetPolicy("new"); err != nil {
		t.Error("Expected new policy to be present")
	}
	if _, err := eng.GetPolicy("final-concept"); err != nil {
		t.Error("Expected built-in policy to be kept")
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestEngine(t).Evaluate(ctx, validPlan()); err == nil {
		t.Error("Expected context error")
	}
}
