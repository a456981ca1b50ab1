package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/tessera/pkg/repository"
)

// Plan is a validated, immutable pair of repositories together with the
// dependency graph the scheduler walks. Edges run from a dependency to its
// dependent: producer -> consumer, timing -> every inference of the gated
// subtree, and loop body -> loop.
type Plan struct {
	Name       string
	Concepts   *repository.ConceptRepository
	Inferences *repository.InferenceRepository

	// Signatures are the structural definition hashes computed at load.
	Signatures map[repository.FlowIndex]repository.Signature

	// Levels groups flow indexes by topological depth.
	Levels [][]repository.FlowIndex

	edges        map[repository.FlowIndex][]repository.FlowIndex
	reverse      map[repository.FlowIndex][]repository.FlowIndex
	producers    map[string]repository.FlowIndex
	loopProvided map[string]repository.FlowIndex
	gates        map[repository.FlowIndex]repository.FlowIndex
	deps         map[repository.FlowIndex][]string
}

// LoadPlan builds a Plan from a loaded document.
func LoadPlan(doc *repository.Document) (*Plan, error) {
	concepts, inferences, err := doc.Repositories()
	if err != nil {
		return nil, NewPlanDefinitionError("invalid plan repositories", err)
	}
	return BuildPlan(doc.Name, concepts, inferences)
}

// BuildPlan validates cross-references, detects cycles and computes levels.
// Every problem is reported as a PlanDefinitionError.
func BuildPlan(name string, concepts *repository.ConceptRepository, inferences *repository.InferenceRepository) (*Plan, error) {
	b := newDAGBuilder(concepts, inferences)

	if errs := b.index(); len(errs) > 0 {
		return nil, NewPlanDefinitionError("invalid plan references", errs)
	}
	b.buildEdges()

	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return &Plan{
		Name:         name,
		Concepts:     concepts,
		Inferences:   inferences,
		Signatures:   repository.Signatures(concepts, inferences),
		Levels:       b.levels,
		edges:        b.adjacencyList,
		reverse:      b.reverseAdjacencyList,
		producers:    b.producers,
		loopProvided: b.loopProvided,
		gates:        b.gates,
		deps:         b.deps,
	}, nil
}

// dagBuilder derives the dependency graph of a plan.
type dagBuilder struct {
	concepts   *repository.ConceptRepository
	inferences *repository.InferenceRepository

	// adjacencyList maps a flow index to its dependents
	adjacencyList map[repository.FlowIndex][]repository.FlowIndex

	// reverseAdjacencyList maps a flow index to its dependencies
	reverseAdjacencyList map[repository.FlowIndex][]repository.FlowIndex

	// inDegree tracks the number of incoming edges for each node
	inDegree map[repository.FlowIndex]int

	levels       [][]repository.FlowIndex
	producers    map[string]repository.FlowIndex
	loopProvided map[string]repository.FlowIndex
	gates        map[repository.FlowIndex]repository.FlowIndex
	deps         map[repository.FlowIndex][]string
}

func newDAGBuilder(concepts *repository.ConceptRepository, inferences *repository.InferenceRepository) *dagBuilder {
	return &dagBuilder{
		concepts:             concepts,
		inferences:           inferences,
		adjacencyList:        make(map[repository.FlowIndex][]repository.FlowIndex),
		reverseAdjacencyList: make(map[repository.FlowIndex][]repository.FlowIndex),
		inDegree:             make(map[repository.FlowIndex]int),
		producers:            make(map[string]repository.FlowIndex),
		loopProvided:         make(map[string]repository.FlowIndex),
		gates:                make(map[repository.FlowIndex]repository.FlowIndex),
		deps:                 make(map[repository.FlowIndex][]string),
	}
}

// dependencies returns every concept an inference reads, deduplicated in
// declaration order.
func dependencies(inf *repository.Inference) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, c := range inf.Inputs() {
		add(c)
	}
	add(inf.FunctionConcept)
	wi := inf.WorkingInterpretation
	switch inf.SequenceKind {
	case repository.SequenceTiming:
		add(wi.Condition)
	case repository.SequenceQuantifying:
		add(wi.LoopBase)
	}
	return out
}

// index resolves producers, loop-provided concepts and gates, and checks
// every concept reference.
func (b *dagBuilder) index() repository.DefinitionErrors {
	var errs repository.DefinitionErrors
	fail := func(subject repository.FlowIndex, field, format string, args ...interface{}) {
		errs = append(errs, repository.DefinitionError{Subject: subject.String(), Field: field, Message: fmt.Sprintf(format, args...)})
	}
	exists := func(name string) bool {
		_, ok := b.concepts.Get(name)
		return ok
	}

	sorted := b.inferences.Sorted()
	for _, inf := range sorted {
		b.adjacencyList[inf.FlowIndex] = nil
		b.reverseAdjacencyList[inf.FlowIndex] = nil
		b.inDegree[inf.FlowIndex] = 0

		if !exists(inf.ConceptToInfer) {
			fail(inf.FlowIndex, "concept_to_infer", "unknown concept %s", inf.ConceptToInfer)
		} else if prev, dup := b.producers[inf.ConceptToInfer]; dup {
			fail(inf.FlowIndex, "concept_to_infer", "concept %s is already produced by %s", inf.ConceptToInfer, prev)
		} else {
			b.producers[inf.ConceptToInfer] = inf.FlowIndex
		}
		if c, ok := b.concepts.Get(inf.ConceptToInfer); ok && c.IsGround {
			fail(inf.FlowIndex, "concept_to_infer", "ground concept %s cannot be inferred", c.Name)
		}
	}

	for _, inf := range sorted {
		wi := inf.WorkingInterpretation
		switch inf.SequenceKind {
		case repository.SequenceQuantifying:
			for field, name := range map[string]string{"current_element": wi.CurrentElement, "collect": wi.Collect} {
				if !exists(name) {
					fail(inf.FlowIndex, field, "unknown concept %s", name)
				}
			}
			if p, ok := b.producers[wi.CurrentElement]; ok {
				fail(inf.FlowIndex, "current_element", "loop-provided concept %s is also produced by %s", wi.CurrentElement, p)
			} else if exists(wi.CurrentElement) {
				b.loopProvided[wi.CurrentElement] = inf.FlowIndex
			}
			if p, ok := b.producers[wi.Collect]; ok && !inf.FlowIndex.IsAncestorOf(p) {
				fail(inf.FlowIndex, "collect", "collected concept %s is produced outside the loop by %s", wi.Collect, p)
			}
		case repository.SequenceTiming:
			if _, ok := b.inferences.Get(wi.Gate); !ok {
				fail(inf.FlowIndex, "gate", "unknown flow index %s", wi.Gate)
			} else if other, dup := b.gates[wi.Gate]; dup {
				fail(inf.FlowIndex, "gate", "flow index %s is already gated by %s", wi.Gate, other)
			} else if wi.Gate == inf.FlowIndex || wi.Gate.IsAncestorOf(inf.FlowIndex) {
				fail(inf.FlowIndex, "gate", "a timing inference cannot gate itself")
			} else {
				b.gates[wi.Gate] = inf.FlowIndex
			}
		}
	}

	for _, c := range b.concepts.All() {
		if c.PreviousOf == "" {
			continue
		}
		if p, ok := b.producers[c.Name]; ok {
			errs = append(errs, repository.DefinitionError{Subject: c.Name, Field: "previous_of",
				Message: fmt.Sprintf("loop-provided concept is also produced by %s", p)})
			continue
		}
		producer, ok := b.producers[c.PreviousOf]
		if !ok {
			errs = append(errs, repository.DefinitionError{Subject: c.Name, Field: "previous_of",
				Message: fmt.Sprintf("invariant concept %s has no producer", c.PreviousOf)})
			continue
		}
		loop, ok := b.inferences.EnclosingLoop(producer)
		if !ok {
			errs = append(errs, repository.DefinitionError{Subject: c.Name, Field: "previous_of",
				Message: fmt.Sprintf("invariant concept %s is not produced inside a loop", c.PreviousOf)})
			continue
		}
		b.loopProvided[c.Name] = loop.FlowIndex
	}

	for _, inf := range sorted {
		deps := dependencies(inf)
		b.deps[inf.FlowIndex] = deps
		for _, name := range deps {
			c, ok := b.concepts.Get(name)
			if !ok {
				fail(inf.FlowIndex, "", "unknown concept %s", name)
				continue
			}
			_, produced := b.producers[name]
			_, provided := b.loopProvided[name]
			if !c.IsGround && !c.HasInitial() && !produced && !provided {
				fail(inf.FlowIndex, "", "concept %s has no producer, initial value or ground input", name)
			}
			if loop, ok := b.loopProvided[name]; ok && !loop.IsAncestorOf(inf.FlowIndex) {
				fail(inf.FlowIndex, "", "concept %s is only available inside loop %s", name, loop)
			}
		}
	}

	return errs
}

func (b *dagBuilder) addEdge(from, to repository.FlowIndex) {
	for _, existing := range b.adjacencyList[from] {
		if existing == to {
			return
		}
	}
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
	b.inDegree[to]++
}

// buildEdges adds producer, gate and loop-body edges. Loop-provided concepts
// add no edge: the loop arms them before its body becomes ready.
func (b *dagBuilder) buildEdges() {
	for _, inf := range b.inferences.Sorted() {
		for _, name := range b.deps[inf.FlowIndex] {
			if p, ok := b.producers[name]; ok {
				b.addEdge(p, inf.FlowIndex)
			}
		}
		switch inf.SequenceKind {
		case repository.SequenceTiming:
			if _, ok := b.gates[inf.WorkingInterpretation.Gate]; ok {
				for _, target := range b.inferences.Subtree(inf.WorkingInterpretation.Gate) {
					b.addEdge(inf.FlowIndex, target.FlowIndex)
				}
			}
		case repository.SequenceQuantifying:
			for _, d := range b.inferences.Descendants(inf.FlowIndex) {
				b.addEdge(d.FlowIndex, inf.FlowIndex)
			}
		}
	}
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *dagBuilder) detectCycles() error {
	visited := make(map[repository.FlowIndex]bool)
	recStack := make(map[repository.FlowIndex]bool)
	path := make([]repository.FlowIndex, 0)

	for _, inf := range b.inferences.Sorted() {
		id := inf.FlowIndex
		if !visited[id] {
			if cycle, err := b.detectCyclesUtil(id, visited, recStack, path); err != nil {
				return NewPlanDefinitionError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					err,
				)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *dagBuilder) detectCyclesUtil(
	nodeID repository.FlowIndex,
	visited map[repository.FlowIndex]bool,
	recStack map[repository.FlowIndex]bool,
	path []repository.FlowIndex,
) ([]repository.FlowIndex, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				cycle := append(append([]repository.FlowIndex(nil), path[cycleStart:]...), dependent)
				return cycle, fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeLevels assigns topological levels with Kahn's algorithm.
func (b *dagBuilder) computeLevels() error {
	inDegreeCopy := make(map[repository.FlowIndex]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]repository.FlowIndex, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sortFlowIndexes(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]repository.FlowIndex, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never happen if cycle detection worked
	if processedCount != len(b.inDegree) {
		return NewPermanentError("failed to order all inferences - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func sortFlowIndexes(fis []repository.FlowIndex) {
	sort.Slice(fis, func(i, j int) bool { return fis[i].Less(fis[j]) })
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []repository.FlowIndex) string {
	parts := make([]string, len(cycle))
	for i, fi := range cycle {
		parts[i] = fi.String()
	}
	return strings.Join(parts, " -> ")
}

// Dependencies returns the concepts an inference reads.
func (p *Plan) Dependencies(fi repository.FlowIndex) []string {
	return p.deps[fi]
}

// Dependents returns the inferences with an edge from fi.
func (p *Plan) Dependents(fi repository.FlowIndex) []repository.FlowIndex {
	return p.edges[fi]
}

// Producer returns the flow index producing a concept.
func (p *Plan) Producer(concept string) (repository.FlowIndex, bool) {
	fi, ok := p.producers[concept]
	return fi, ok
}

// ProvidingLoop returns the loop that sets a loop-provided concept.
func (p *Plan) ProvidingLoop(concept string) (repository.FlowIndex, bool) {
	fi, ok := p.loopProvided[concept]
	return fi, ok
}

// GateOf returns the timing inference gating fi directly.
func (p *Plan) GateOf(fi repository.FlowIndex) (repository.FlowIndex, bool) {
	t, ok := p.gates[fi]
	return t, ok
}

// Downstream returns the closure of seeds over dependency edges. A loop in
// the closure pulls in its whole body, since every iteration must re-run.
func (p *Plan) Downstream(seeds []repository.FlowIndex) map[repository.FlowIndex]bool {
	out := make(map[repository.FlowIndex]bool)
	queue := append([]repository.FlowIndex(nil), seeds...)
	for len(queue) > 0 {
		fi := queue[0]
		queue = queue[1:]
		if out[fi] {
			continue
		}
		out[fi] = true
		queue = append(queue, p.edges[fi]...)
		if inf, ok := p.Inferences.Get(fi); ok && inf.SequenceKind == repository.SequenceQuantifying {
			for _, d := range p.Inferences.Descendants(fi) {
				queue = append(queue, d.FlowIndex)
			}
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the plan graph.
// The output can be rendered with Graphviz tools.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, fis := range p.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, fi := range fis {
			inf, _ := p.Inferences.Get(fi)
			label := fmt.Sprintf("%s\\n%s -> %s", fi, inf.SequenceKind, inf.ConceptToInfer)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				fi, label, kindColor(inf.SequenceKind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, inf := range p.Inferences.Sorted() {
		for _, to := range p.edges[inf.FlowIndex] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", inf.FlowIndex, to))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// kindColor returns a color for visualizing sequence kinds.
func kindColor(kind repository.SequenceKind) string {
	switch kind {
	case repository.SequenceCompute:
		return "lightblue"
	case repository.SequenceQuantifying:
		return "lightgreen"
	case repository.SequenceTiming:
		return "khaki"
	case repository.SequenceGrouping:
		return "plum"
	case repository.SequenceAssigning:
		return "lightgray"
	default:
		return "white"
	}
}
