package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/stores"
)

// mockAgent evaluates a few integer operations and counts calls per
// (flow index, iteration).
type mockAgent struct {
	mu     sync.Mutex
	calls  map[string]int
	cycles []string
	delay  time.Duration

	// failures makes the first N calls of a flow index return err
	failures map[repository.FlowIndex]int
	err      error

	// hook runs before every call
	hook func(call *AgentCall)
}

func newMockAgent() *mockAgent {
	return &mockAgent{
		calls:    make(map[string]int),
		failures: make(map[repository.FlowIndex]int),
	}
}

func callKey(fi repository.FlowIndex, iteration int) string {
	return fmt.Sprintf("%s#%d", fi, iteration)
}

func (m *mockAgent) Execute(ctx context.Context, call *AgentCall) (*reference.Reference, error) {
	if m.hook != nil {
		m.hook(call)
	}

	m.mu.Lock()
	m.calls[callKey(call.FlowIndex, call.Iteration)]++
	m.cycles = append(m.cycles, call.FlowIndex.String())
	fail := m.failures[call.FlowIndex] > 0
	if fail {
		m.failures[call.FlowIndex]--
	}
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, m.err
	}

	_, op := call.Target()
	switch op {
	case "one":
		return intRef(1), nil
	case "two":
		return intRef(2), nil
	case "three":
		return intRef(3), nil
	case "add":
		var sum int64
		for _, v := range call.Values {
			for _, e := range v.Elements() {
				n, ok := e.Int()
				if !ok {
					return nil, NewPermanentError("not an integer", nil)
				}
				sum += n
			}
		}
		return intRef(sum), nil
	case "double":
		n, _ := call.Values[0].Elements()[0].Int()
		return intRef(2 * n), nil
	case "skip":
		return reference.SkipReference(), nil
	case "boom":
		return nil, NewPermanentError("boom", nil)
	default:
		return nil, NewPermanentError("unknown operation "+op, nil)
	}
}

func (m *mockAgent) count(fi repository.FlowIndex, iteration int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callKey(fi, iteration)]
}

func (m *mockAgent) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func intRef(n int64) *reference.Reference {
	return reference.Scalar(reference.Literal(n))
}

func intValue(t *testing.T, ref *reference.Reference) int64 {
	t.Helper()
	if ref == nil || ref.Size() != 1 {
		t.Fatalf("expected a scalar reference, got %v", ref)
	}
	n, ok := ref.Elements()[0].Int()
	if !ok {
		t.Fatalf("expected an integer, got %v", ref)
	}
	return n
}

func ints(t *testing.T, ref *reference.Reference) []int64 {
	t.Helper()
	var out []int64
	for _, e := range ref.Elements() {
		n, ok := e.Int()
		if !ok {
			t.Fatalf("expected integers, got %v", ref)
		}
		out = append(out, n)
	}
	return out
}

// buildPlan builds a plan or fails the test.
func buildPlan(t *testing.T, concepts []repository.Concept, inferences []repository.Inference) *Plan {
	t.Helper()
	plan, err := tryBuildPlan(concepts, inferences)
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}
	return plan
}

func tryBuildPlan(concepts []repository.Concept, inferences []repository.Inference) (*Plan, error) {
	doc := &repository.Document{Name: "test", Concepts: concepts, Inferences: inferences}
	return LoadPlan(doc)
}

func object(name string) repository.Concept {
	return repository.Concept{Name: name, Kind: repository.ConceptObject}
}

func final(name string) repository.Concept {
	return repository.Concept{Name: name, Kind: repository.ConceptObject, IsFinal: true}
}

func ground(name string) repository.Concept {
	return repository.Concept{Name: name, Kind: repository.ConceptObject, IsGround: true}
}

func compute(fi, out, op string, values ...string) repository.Inference {
	return repository.Inference{
		FlowIndex:             repository.FlowIndex(fi),
		ConceptToInfer:        out,
		ValueConcepts:         values,
		SequenceKind:          repository.SequenceCompute,
		WorkingInterpretation: repository.WorkingInterpretation{Operation: op},
	}
}

// newTestStore opens an in-memory SQLite checkpoint store.
func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fastOptions keeps retries short.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryBaseDelay = time.Millisecond
	opts.RetryMaxDelay = 5 * time.Millisecond
	opts.CallTimeout = 5 * time.Second
	return opts
}

// runScheduler steps a scheduler until done or the cycle bound is hit.
func runScheduler(t *testing.T, s *Scheduler, maxCycles int) error {
	t.Helper()
	for i := 0; i < maxCycles; i++ {
		done, err := s.Step(context.Background())
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	t.Fatalf("scheduler did not finish within %d cycles", maxCycles)
	return nil
}
