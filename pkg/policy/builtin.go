package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		finalConceptPolicy(),
		computeFunctionPolicy(),
		loopAxisPolicy(),
		orphanConceptPolicy(),
	}
}

// finalConceptPolicy requires at least one plan output.
func finalConceptPolicy() Policy {
	return Policy{
		Name:        "final-concept",
		Description: "Every plan declares at least one final concept",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tessera.policies.final

import rego.v1

has_final if {
	some c in input.concepts
	c.is_final
}

deny contains violation if {
	not has_final
	violation := {
		"message": "plan declares no final concept",
		"severity": "error",
		"remediation": "mark the plan output concepts with is_final",
	}
}
`,
	}
}

// computeFunctionPolicy requires every compute step to name what it runs.
func computeFunctionPolicy() Policy {
	return Policy{
		Name:        "compute-function",
		Description: "Compute inferences declare a function concept or an operation",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure", "agents"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tessera.policies.compute

import rego.v1

deny contains violation if {
	some inf in input.inferences
	inf.sequence_kind == "compute"
	not inf.function_concept
	not inf.working_interpretation.operation
	violation := {
		"message": sprintf("compute inference %s declares neither a function concept nor an operation", [inf.flow_index]),
		"severity": "error",
		"subject": inf.flow_index,
	}
}

deny contains violation if {
	some inf in input.inferences
	inf.sequence_kind == "compute"
	some c in input.concepts
	c.name == inf.function_concept
	c.kind != "function"
	violation := {
		"message": sprintf("function concept %s of inference %s has kind %s", [c.name, inf.flow_index, c.kind]),
		"severity": "warning",
		"subject": inf.flow_index,
	}
}
`,
	}
}

// loopAxisPolicy requires quantifying steps to name the axis they collect along.
func loopAxisPolicy() Policy {
	return Policy{
		Name:        "loop-axis",
		Description: "Quantifying inferences declare the new axis of their collected results",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure", "loops"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tessera.policies.loops

import rego.v1

deny contains violation if {
	some inf in input.inferences
	inf.sequence_kind == "quantifying"
	not inf.working_interpretation.new_axis
	violation := {
		"message": sprintf("quantifying inference %s declares no new_axis", [inf.flow_index]),
		"severity": "error",
		"subject": inf.flow_index,
	}
}

deny contains violation if {
	some inf in input.inferences
	inf.sequence_kind == "quantifying"
	axis := inf.working_interpretation.new_axis
	axis == inf.working_interpretation.loop_axis
	violation := {
		"message": sprintf("quantifying inference %s collects along its own loop axis %s", [inf.flow_index, axis]),
		"severity": "warning",
		"subject": inf.flow_index,
	}
}
`,
	}
}

// orphanConceptPolicy warns about concepts no inference touches.
func orphanConceptPolicy() Policy {
	return Policy{
		Name:        "orphan-concepts",
		Description: "Warns about concepts that no inference reads or produces",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tessera.policies.orphans

import rego.v1

referenced contains name if {
	some inf in input.inferences
	name := inf.concept_to_infer
}

referenced contains name if {
	some inf in input.inferences
	name := inf.function_concept
}

referenced contains name if {
	some inf in input.inferences
	some name in inf.value_concepts
}

referenced contains name if {
	some inf in input.inferences
	some name in inf.context_concepts
}

referenced contains name if {
	some inf in input.inferences
	some key in ["loop_base", "current_element", "collect", "condition"]
	name := inf.working_interpretation[key]
}

deny contains violation if {
	some c in input.concepts
	not c.is_final
	not referenced[c.name]
	violation := {
		"message": sprintf("concept %s is not used by any inference", [c.name]),
		"severity": "warning",
		"subject": c.name,
	}
}
`,
	}
}
