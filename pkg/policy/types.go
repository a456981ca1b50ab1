package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/repository"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError denies the plan.
	SeverityError Severity = "error"

	// SeverityCritical denies the plan.
	SeverityCritical Severity = "critical"
)

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. The package must define a deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Subject is the concept name or flow index the violation is about.
	Subject string `json:"subject,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	if v.Subject == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s (%s): %s", v.Severity, v.Policy, v.Subject, v.Message)
}

// Result is the outcome of admitting one plan.
type Result struct {
	// Allowed is false when any violation is error or critical.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the info and warning violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a plan definition error listing the blocking violations, or
// nil when the plan is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.String()
	}
	err := engine.NewPlanDefinitionError("plan denied by policy: "+strings.Join(msgs, "; "), nil)
	return err.WithDetail("violations", len(r.Violations))
}

// Input is the document policies evaluate as input.
type Input struct {
	Concepts   []*repository.Concept   `json:"concepts"`
	Inferences []*repository.Inference `json:"inferences"`
	Context    *Context                `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Source is the plan file or directory.
	Source string `json:"source,omitempty"`

	// Operation is the host operation being admitted ("start", "validate").
	Operation string `json:"operation,omitempty"`

	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewInput builds the policy input from loaded repositories.
func NewInput(concepts *repository.ConceptRepository, inferences *repository.InferenceRepository, ctx *Context) *Input {
	if ctx == nil {
		ctx = &Context{}
	}
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	return &Input{
		Concepts:   concepts.All(),
		Inferences: inferences.Sorted(),
		Context:    ctx,
	}
}

// Bundle represents a collection of related policies.
type Bundle struct {
	Name        string    `json:"name" yaml:"name"`
	Version     string    `json:"version" yaml:"version"`
	Description string    `json:"description" yaml:"description"`
	Policies    []Policy  `json:"policies" yaml:"policies"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at,omitempty"`
}
