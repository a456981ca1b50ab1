package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: "1.0.0", PID: 1234, Operations: []string{"add"}},
		},
		{
			name:    "encode result message",
			msgType: MessageTypeResult,
			data: &ResultMessage{
				ID:       "req-1",
				Value:    reference.Scalar(reference.Literal(3)),
				Duration: 0.5,
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{ID: "req-1", Class: "permanent", Message: "boom"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", Served: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			line := strings.TrimSpace(buf.String())
			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Errorf("Output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","pid":1,"operations":["add"]}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode execute message",
			input:   `{"type":"EXECUTE","timestamp":"2024-01-01T00:00:00Z","data":{"id":"req-1","call":{"flow_index":"1","operation":"add"}}}`,
			msgType: MessageTypeExecute,
		},
		{
			name:    "invalid json",
			input:   `{not json}`,
			wantErr: true,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	values, err := reference.New([]string{"n"}, []int{2}, []reference.Element{
		reference.Literal(1), reference.Literal(2),
	})
	if err != nil {
		t.Fatalf("failed to build reference: %v", err)
	}
	call := &engine.AgentCall{
		RunID:      "run-1",
		FlowIndex:  "1.2",
		Iteration:  3,
		Operation:  "sum",
		Function:   reference.Scalar(reference.PointerTo(reference.StrategyProcess, "sum", "f1")),
		Values:     []*reference.Reference{values},
		ValueNames: []string{"numbers"},
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeExecute(&ExecuteMessage{ID: "req-7", Timeout: 1500, Call: call}); err != nil {
		t.Fatalf("EncodeExecute failed: %v", err)
	}

	got, err := NewDecoder(&buf).DecodeExecute()
	if err != nil {
		t.Fatalf("DecodeExecute failed: %v", err)
	}
	if got.ID != "req-7" || got.Timeout != 1500 {
		t.Errorf("Unexpected header: %+v", got)
	}
	if got.Call.FlowIndex != "1.2" || got.Call.Iteration != 3 {
		t.Errorf("Unexpected call: %+v", got.Call)
	}
	if !got.Call.Values[0].Equal(values) {
		t.Errorf("Values changed in transit: %v", got.Call.Values[0])
	}
	strategy, op := got.Call.Target()
	if strategy != reference.StrategyProcess || op != "sum" {
		t.Errorf("Pointer changed in transit: %s %s", strategy, op)
	}
}

func TestDecodeExecute_WrongType(t *testing.T) {
	var buf bytes.Buffer
	_ = NewEncoder(&buf).EncodeReady(&ReadyMessage{Version: "1"})
	if _, err := NewDecoder(&buf).DecodeExecute(); err == nil {
		t.Error("Expected error decoding READY as EXECUTE")
	}
}

func TestEncodeExecute_Invalid(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeExecute(&ExecuteMessage{ID: "x"}); err == nil {
		t.Error("Expected error for missing call")
	}
	if buf.Len() != 0 {
		t.Error("Invalid request should not be written")
	}
}

func TestErrorMessage_PreservesClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{name: "transient", err: engine.NewTransientError("later", nil), pred: engine.IsTransient},
		{name: "throttled", err: engine.NewThrottledError("slow down", nil), pred: engine.IsThrottled},
		{name: "permanent", err: engine.NewPermanentError("no", nil).WithCode(engine.ErrCodeNotFound), pred: engine.IsPermanent},
		{name: "plain error", err: errors.New("plain"), pred: engine.IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := ErrorFromEngine("req-1", tt.err)
			back := wire.Err()
			if !tt.pred(back) {
				t.Errorf("Class lost in transit: %v", back)
			}
			if engine.CodeOf(back) != engine.CodeOf(tt.err) {
				t.Errorf("Code = %q, want %q", engine.CodeOf(back), engine.CodeOf(tt.err))
			}
		})
	}
}
