package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/tessera/pkg/agents/protocol"
	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// ErrAgentClosed is returned by a ProcessAgent after Close.
var ErrAgentClosed = errors.New("process agent is closed")

// Launcher starts a subprocess agent and returns its stdio.
type Launcher interface {
	Launch(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
}

// CommandLauncher launches a local executable.
type CommandLauncher struct {
	Path string
	Args []string
	Env  []string
}

// Launch starts the command.
func (l *CommandLauncher) Launch(_ context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	// the process outlives the call that started it, so it is not bound to ctx
	cmd := exec.Command(l.Path, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start %s: %w", l.Path, err)
	}
	return stdin, stdout, cmd.Wait, nil
}

// ProcessConfig configures a ProcessAgent.
type ProcessConfig struct {
	Launcher       Launcher
	StartupTimeout time.Duration
	Logger         *telemetry.Logger
}

// ProcessAgent forwards calls to a subprocess agent over the JSON-lines
// protocol. The subprocess is started on first use and restarted after it
// exits. Several calls may be in flight at once.
type ProcessAgent struct {
	launcher       Launcher
	startupTimeout time.Duration
	logger         *telemetry.Logger

	mu      sync.Mutex
	conn    *processConn
	closed  bool
	startMu sync.Mutex
}

// processConn is one live subprocess.
type processConn struct {
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	wait    func() error
	ready   *protocol.ReadyMessage

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	err     error
	done    chan struct{}
}

// NewProcessAgent creates a process agent. The subprocess is not started
// until the first call.
func NewProcessAgent(cfg ProcessConfig) (*ProcessAgent, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &ProcessAgent{
		launcher:       cfg.Launcher,
		startupTimeout: cfg.StartupTimeout,
		logger:         logger.NewComponentLogger("process-agent"),
	}, nil
}

// Ready returns the READY message of the running subprocess, starting it
// if needed.
func (a *ProcessAgent) Ready(ctx context.Context) (*protocol.ReadyMessage, error) {
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.ready, nil
}

func (a *ProcessAgent) connection(ctx context.Context) (*processConn, error) {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	closed, conn := a.closed, a.conn
	a.mu.Unlock()
	if closed {
		return nil, ErrAgentClosed
	}
	if conn != nil && conn.alive() {
		return conn, nil
	}

	conn, err := a.start(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *ProcessAgent) start(ctx context.Context) (*processConn, error) {
	stdin, stdout, wait, err := a.launcher.Launch(ctx)
	if err != nil {
		return nil, engine.NewTransientError("failed to launch agent", err)
	}

	conn := &processConn{
		encoder: protocol.NewEncoder(stdin),
		stdin:   stdin,
		stdout:  stdout,
		wait:    wait,
		pending: make(map[string]chan *protocol.Message),
		done:    make(chan struct{}),
	}
	dec := protocol.NewDecoder(stdout)

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := dec.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	timer := time.NewTimer(a.startupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		conn.shutdown(ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
		conn.shutdown(errors.New("startup timeout"))
		return nil, engine.NewTransientError("timeout waiting for READY message", nil).
			WithCode(engine.ErrCodeTimeout)
	case err := <-errCh:
		conn.shutdown(err)
		return nil, engine.NewTransientError("failed to receive READY", err)
	case ready := <-readyCh:
		conn.ready = ready
	}

	go conn.readLoop(dec)
	a.logger.Infof("Agent process ready (version %s, pid %d, %d operations)",
		conn.ready.Version, conn.ready.PID, len(conn.ready.Operations))
	return conn, nil
}

// readLoop routes responses to the waiting calls until the stream ends.
func (c *processConn) readLoop(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("agent process exited")
			}
			c.shutdown(err)
			return
		}

		var id string
		switch msg.Type {
		case protocol.MessageTypeResult:
			var res protocol.ResultMessage
			if err := protocol.ParseData(msg.Data, &res); err != nil {
				c.shutdown(err)
				return
			}
			id = res.ID
		case protocol.MessageTypeError:
			var e protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &e); err != nil {
				c.shutdown(err)
				return
			}
			if e.ID == "" {
				c.shutdown(e.Err())
				return
			}
			id = e.ID
		case protocol.MessageTypeExit:
			c.shutdown(errors.New("agent process exited"))
			return
		default:
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *processConn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// shutdown closes the subprocess once and fails every pending call.
func (c *processConn) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	if c.wait != nil {
		go func() { _ = c.wait() }()
	}
}

func (c *processConn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *processConn) register(id string) (chan *protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan *protocol.Message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *processConn) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Execute sends the call to the subprocess and waits for its answer.
func (a *ProcessAgent) Execute(ctx context.Context, call *engine.AgentCall) (*reference.Reference, error) {
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}

	req := &protocol.ExecuteMessage{ID: uuid.New().String(), Call: call}
	if deadline, ok := ctx.Deadline(); ok {
		req.Timeout = time.Until(deadline).Milliseconds()
		if req.Timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	ch, err := conn.register(req.ID)
	if err != nil {
		return nil, engine.NewTransientError("agent process unavailable", err)
	}
	if err := conn.encoder.EncodeExecute(req); err != nil {
		conn.forget(req.ID)
		conn.shutdown(err)
		return nil, engine.NewTransientError("failed to send request", err)
	}

	select {
	case <-ctx.Done():
		conn.forget(req.ID)
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, engine.NewTransientError("agent process exited during call", conn.cause())
		}
		switch msg.Type {
		case protocol.MessageTypeResult:
			var res protocol.ResultMessage
			if err := protocol.ParseData(msg.Data, &res); err != nil {
				return nil, engine.NewPermanentError("malformed result", err)
			}
			if res.Value == nil {
				return nil, engine.NewPermanentError("result carries no value", nil)
			}
			return res.Value, nil
		default:
			var e protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &e); err != nil {
				return nil, engine.NewPermanentError("malformed error", err)
			}
			return nil, e.Err()
		}
	}
}

// Close stops the subprocess by closing its stdin.
func (a *ProcessAgent) Close(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.conn != nil {
		a.conn.shutdown(ErrAgentClosed)
	}
	return nil
}
