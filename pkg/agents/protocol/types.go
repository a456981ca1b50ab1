// Package protocol defines the JSON-lines protocol spoken between the engine
// and subprocess agents over stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent once by the agent when it accepts requests
	MessageTypeReady MessageType = "READY"
	// MessageTypeExecute asks the agent to execute one inference
	MessageTypeExecute MessageType = "EXECUTE"
	// MessageTypeResult carries the reference an execution produced
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError reports a failed execution or a protocol failure
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the agent terminates
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeExecute, MessageTypeResult,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the agent and the operations it serves.
type ReadyMessage struct {
	Version    string            `json:"version"`
	PID        int               `json:"pid"`
	Operations []string          `json:"operations"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExecuteMessage carries one agent call.
type ExecuteMessage struct {
	ID string `json:"id"`

	// Timeout is the remaining call budget in milliseconds; zero means none.
	Timeout int64 `json:"timeout,omitempty"`

	Call *engine.AgentCall `json:"call"`
}

// Validate checks the request.
func (m *ExecuteMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("execute id is required")
	}
	if m.Call == nil {
		return fmt.Errorf("execute call is required")
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// ResultMessage is the successful answer to an ExecuteMessage.
type ResultMessage struct {
	ID       string               `json:"id"`
	Value    *reference.Reference `json:"value"`
	Duration float64              `json:"duration"` // seconds
}

// ErrorMessage is the failed answer to an ExecuteMessage. An empty ID
// reports a failure that is not tied to a request.
type ErrorMessage struct {
	ID      string            `json:"id,omitempty"`
	Class   string            `json:"class"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Served   int    `json:"served"`
}

// ErrorFromEngine converts an agent failure to its wire form.
func ErrorFromEngine(id string, err error) *ErrorMessage {
	return &ErrorMessage{
		ID:      id,
		Class:   string(engine.ClassOf(err)),
		Code:    engine.CodeOf(err),
		Message: err.Error(),
	}
}

// Err converts a wire error back to a classified engine error.
func (m *ErrorMessage) Err() *engine.EngineError {
	var e *engine.EngineError
	switch engine.ErrorClass(m.Class) {
	case engine.ErrorClassTransient:
		e = engine.NewTransientError(m.Message, nil)
	case engine.ErrorClassThrottled:
		e = engine.NewThrottledError(m.Message, nil)
	case engine.ErrorClassConflict:
		e = engine.NewConflictError(m.Message, nil)
	default:
		e = engine.NewPermanentError(m.Message, nil)
	}
	if m.Code != "" {
		e = e.WithCode(m.Code)
	}
	for k, v := range m.Details {
		e = e.WithDetail(k, v)
	}
	return e
}
