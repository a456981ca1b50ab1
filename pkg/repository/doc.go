// Package repository holds the static plan definitions the engine executes:
// the Concept Repository (named data nodes) and the Inference Repository
// (steps addressed by dot-hierarchical flow indexes).
//
// # Overview
//
// Definitions are created once at load time and never structurally
// mutated. The repositories are read-mostly; runtime status lives in the
// engine's Blackboard.
//
// Plans are loaded from YAML, JSON or CUE documents:
//
//	concepts:
//	  - name: numbers
//	    kind: object
//	    is_ground: true
//	    axes: [n]
//	    value: [3, 8, 15]
//	inferences:
//	  - flow_index: "1"
//	    concept_to_infer: total
//	    function_concept: add
//	    value_concepts: [numbers]
//	    sequence_kind: compute
//
// String values of the form %{strategy}id(signifier) load as pointer
// elements; the string "@skip" loads as the skip sentinel.
//
// # Signatures
//
// Signature computes a structural blake2b-256 hash of an inference and its
// function concept. Checkpoints store these hashes so a resumed run can
// tell which definitions changed.
package repository
