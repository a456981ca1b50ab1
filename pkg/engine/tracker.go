package engine

import (
	"sync"
	"time"

	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// TrackerEntry is one line of the execution log.
type TrackerEntry struct {
	Seq       int64                `json:"seq"`
	Time      time.Time            `json:"time"`
	Cycle     int                  `json:"cycle"`
	FlowIndex repository.FlowIndex `json:"flow_index,omitempty"`
	Iteration int                  `json:"iteration"`
	Event     string               `json:"event"`
	Detail    string               `json:"detail,omitempty"`
}

// ProcessTracker is the append-only audit log of a run. Every entry is
// also forwarded to the event publisher, when one is set.
type ProcessTracker struct {
	mu        sync.RWMutex
	runID     string
	seq       int64
	entries   []TrackerEntry
	publisher EventPublisher
}

// NewProcessTracker creates a tracker for a run.
func NewProcessTracker(runID string, publisher EventPublisher) *ProcessTracker {
	return &ProcessTracker{runID: runID, publisher: publisher}
}

// Record appends an entry and returns it.
func (t *ProcessTracker) Record(cycle int, fi repository.FlowIndex, iteration int, event, detail string) TrackerEntry {
	t.mu.Lock()
	t.seq++
	entry := TrackerEntry{
		Seq:       t.seq,
		Time:      time.Now(),
		Cycle:     cycle,
		FlowIndex: fi,
		Iteration: iteration,
		Event:     event,
		Detail:    detail,
	}
	t.entries = append(t.entries, entry)
	t.mu.Unlock()

	if t.publisher != nil {
		_ = t.publisher.Publish(telemetry.Event{
			Timestamp: entry.Time,
			Type:      event,
			Source:    "engine.tracker",
			RunID:     t.runID,
			Cycle:     cycle,
			FlowIndex: fi.String(),
			Iteration: iteration,
			Message:   detail,
			Level:     eventLevel(event),
		})
	}
	return entry
}

func eventLevel(event string) string {
	switch event {
	case telemetry.EventTypeInferenceFailed, telemetry.EventTypeRunFailed, telemetry.EventTypeError:
		return telemetry.EventLevelError
	case telemetry.EventTypeInferenceRetry, telemetry.EventTypeRunCancelled:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

// Entries returns a copy of every entry.
func (t *ProcessTracker) Entries() []TrackerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TrackerEntry(nil), t.entries...)
}

// Since returns entries with a sequence number greater than seq.
func (t *ProcessTracker) Since(seq int64) []TrackerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []TrackerEntry
	for _, e := range t.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest entry.
func (t *ProcessTracker) LastSeq() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// resume continues numbering after seq, keeping sequence numbers unique
// across checkpoints of one run.
func (t *ProcessTracker) resume(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.seq {
		t.seq = seq
	}
}
