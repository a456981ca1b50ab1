// Package policy admits plans with Open Policy Agent (OPA) Rego policies.
//
// Before a run starts, the host hands the loaded concept and inference
// repositories to Engine.Admit. Every enabled policy is evaluated against
// the input document
//
//	{
//	  "concepts":   [{"name": ..., "kind": ..., "is_final": ...}, ...],
//	  "inferences": [{"flow_index": ..., "sequence_kind": ..., "working_interpretation": {...}}, ...],
//	  "context":    {"operation": "start", "source": "plan.yaml", ...}
//	}
//
// and must define a deny set in its package. Each deny member is a message
// string or an object with message, severity, subject and remediation keys.
// Violations of severity error or critical deny the plan; info and warning
// violations are reported as warnings.
//
// # Built-in Policies
//
//   - final-concept: the plan declares at least one final concept
//   - compute-function: compute inferences name a function concept or an
//     operation, and function concepts have kind function
//   - loop-axis: quantifying inferences declare a new_axis distinct from
//     their loop axis
//   - orphan-concepts: warns about concepts no inference reads or produces
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Admit(ctx, concepts, inferences, &policy.Context{Operation: "start"})
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // engine.IsPlanDefinitionError(err) == true
//	}
//
// Custom policies may read values stored with Engine.SetData:
//
//	package team.operations
//
//	import rego.v1
//
//	deny contains msg if {
//	    some inf in input.inferences
//	    op := inf.working_interpretation.operation
//	    not op in data.allowed_operations
//	    msg := sprintf("operation %s is not allowed", [op])
//	}
//
// Loader reads .rego files, JSON or YAML policy documents and
// *.bundle.{json,yaml,yml} bundles, and can watch them for changes.
package policy
