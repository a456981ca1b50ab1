package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Cycle is the scheduler cycle the event belongs to.
	Cycle int `json:"cycle,omitempty"`

	// FlowIndex is the associated inference, if applicable.
	FlowIndex string `json:"flow_index,omitempty"`

	// Iteration is the blackboard generation of the inference.
	Iteration int `json:"iteration,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunResumed         = "run.resumed"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeRunCancelled       = "run.cancelled"
	EventTypeCycleCompleted     = "cycle.completed"
	EventTypeInferenceStarted   = "inference.started"
	EventTypeInferenceCompleted = "inference.completed"
	EventTypeInferenceSkipped   = "inference.skipped"
	EventTypeInferenceFailed    = "inference.failed"
	EventTypeInferenceRetry     = "inference.retry"
	EventTypeInferenceReset     = "inference.reset"
	EventTypeLoopIteration      = "loop.iteration"
	EventTypeLoopCompleted      = "loop.completed"
	EventTypeCheckpointSaved    = "checkpoint.saved"
	EventTypePlanReloaded       = "plan.reloaded"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// queued and delivered in publish order by a single dispatch goroutine,
// in batches of MaxBatchSize or every FlushInterval, whichever comes first.
type EventPublisher struct {
	config      EventsConfig
	queue       chan Event
	flush       chan chan struct{}
	subscribers []subscriberEntry
	filters     []EventFilter
	mu          sync.RWMutex
	done        chan struct{}
	stop        context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ep := &EventPublisher{config: cfg}
	if cfg.EnableAsync {
		ctx, cancel := context.WithCancel(context.Background())
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.flush = make(chan chan struct{})
		ep.done = make(chan struct{})
		ep.stop = cancel
		go ep.dispatch(ctx)
	}
	return ep, nil
}

// Publish stamps the event and hands it to subscribers. A full queue drops
// the event and reports it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.accept(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event queue full, %s dropped", event.Type)
	}
}

func (ep *EventPublisher) accept(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, filter := range ep.filters {
		if !filter(event) {
			return false
		}
	}
	return true
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, how string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started (%s)", runID, how),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"how": how,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, cycles int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Cycle:   cycles,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCheckpointSaved publishes a checkpoint saved event.
func (ep *EventPublisher) PublishCheckpointSaved(runID string, cycle, size int) error {
	return ep.Publish(Event{
		Type:    EventTypeCheckpointSaved,
		Source:  "checkpoint",
		RunID:   runID,
		Cycle:   cycle,
		Message: fmt.Sprintf("Checkpoint for run %s at cycle %d saved", runID, cycle),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"bytes": size,
		},
	})
}

// PublishPlanReloaded publishes a plan reload event from the file watcher.
func (ep *EventPublisher) PublishPlanReloaded(name string, files []string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanReloaded,
		Source:  "watcher",
		Message: fmt.Sprintf("Plan %s reloaded from %d file(s)", name, len(files)),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"files": files,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(subject, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", subject, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"subject": subject,
			"policy":  policyName,
			"reason":  reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// dispatch owns the queue until ctx is cancelled, then drains what is left.
func (ep *EventPublisher) dispatch(ctx context.Context) {
	defer close(ep.done)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	deliverBatch := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case event := <-ep.queue:
				batch = append(batch, event)
			default:
				deliverBatch()
				return
			}
		}
	}

	for {
		select {
		case event := <-ep.queue:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				deliverBatch()
			}
		case <-tick:
			deliverBatch()
		case ack := <-ep.flush:
			drain()
			close(ack)
		case <-ctx.Done():
			drain()
			return
		}
	}
}

// deliver calls every matching subscriber in subscription order.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Flush delivers every queued event before returning.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case ep.flush <- ack:
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the dispatch goroutine after it delivers the queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.stop()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByFlowIndex creates a filter that only allows events for a specific inference.
func FilterByFlowIndex(flowIndex string) EventFilter {
	return func(event Event) bool {
		return event.FlowIndex == flowIndex
	}
}
