package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/openfroyo/tessera/pkg/agents/protocol"
	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// ServerConfig configures Serve.
type ServerConfig struct {
	Version    string
	Operations []string
	Logger     *telemetry.Logger

	// TTL stops the server after this long; zero means no limit.
	TTL time.Duration
}

// Serve runs the subprocess side of the protocol: it announces READY,
// executes every request with agent concurrently, and returns when r is
// closed, ctx is done or the TTL expires.
func Serve(ctx context.Context, r io.Reader, w io.Writer, agent engine.Agent, cfg ServerConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if cfg.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TTL)
		defer cancel()
	}

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:    cfg.Version,
		PID:        os.Getpid(),
		Operations: cfg.Operations,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	requests := make(chan *protocol.ExecuteMessage)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		for {
			req, err := dec.DecodeExecute()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	served := 0
	reason, exitCode := "stdin_closed", 0
	var result error

loop:
	for {
		select {
		case <-ctx.Done():
			reason = "cancelled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "ttl_expired"
			}
			break loop
		case req, ok := <-requests:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err != nil && !errors.Is(err, io.EOF) {
					reason, exitCode, result = "error", 1, err
					_ = enc.EncodeError(&protocol.ErrorMessage{
						Class:   string(engine.ErrorClassPermanent),
						Code:    engine.ErrCodeValidation,
						Message: err.Error(),
					})
				}
				break loop
			}
			served++
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, enc, agent, req, logger)
			}()
		}
	}

	wg.Wait()
	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: exitCode, Served: served})
	return result
}

func handle(ctx context.Context, enc *protocol.Encoder, agent engine.Agent, req *protocol.ExecuteMessage, logger *telemetry.Logger) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	value, err := agent.Execute(ctx, req.Call)
	if err == nil && value == nil {
		err = engine.NewPermanentError("agent returned no value", nil)
	}
	if err != nil {
		logger.WithFlowIndex(req.Call.FlowIndex.String()).WithError(err).Debug("Request failed")
		_ = enc.EncodeError(protocol.ErrorFromEngine(req.ID, err))
		return
	}
	_ = enc.EncodeResult(&protocol.ResultMessage{
		ID:       req.ID,
		Value:    value,
		Duration: time.Since(start).Seconds(),
	})
}
