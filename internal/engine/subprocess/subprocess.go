// Package subprocess adapts an external agent-engine process to the
// engine interface. The engine binary is spawned once per session and
// speaks newline-delimited JSON: commands in on stdin, events out on
// stdout. Tool calls gate through the parent: the child emits gate_ask
// and parks the tool until the matching gate_result arrives.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/oppihq/oppid/internal/config"
	"github.com/oppihq/oppid/internal/engine"
)

const maxLineBytes = 4 << 20

// line is the stdio frame in both directions. Inbound lines reuse the
// engine event tags plus gate_ask; outbound lines are run/steer/abort and
// gate_result.
type line struct {
	Type         string          `json:"type"`
	ClientTurnID string          `json:"clientTurnId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Attachments  []any           `json:"attachments,omitempty"`
	Text         string          `json:"text,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	ToolError    string          `json:"toolError,omitempty"`
	Blocked      bool            `json:"blocked,omitempty"`
	GateID       string          `json:"gateId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Usage        *engine.Usage   `json:"usage,omitempty"`
}

// Engine runs one external agent-engine process.
type Engine struct {
	cmd       *exec.Cmd
	events    chan engine.Event
	intercept engine.InterceptFunc
	logPath   string
	log       *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu         sync.Mutex
	turnDone   chan error // non-nil while a turn is in flight
	turnCtx    context.Context
	turnCancel context.CancelFunc
	closed     bool

	gateCtx    context.Context
	gateCancel context.CancelFunc
}

var _ engine.Engine = (*Engine)(nil)

// Factory returns an engine.Factory spawning the configured command per
// session.
func Factory(ec config.EngineConfig) engine.Factory {
	return func(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
		return Start(ctx, ec, cfg)
	}
}

// Start spawns the engine process and begins draining its event stream.
func Start(ctx context.Context, ec config.EngineConfig, cfg engine.Config) (*Engine, error) {
	if len(ec.Command) == 0 {
		return nil, errors.New("engine command not configured")
	}
	args := append([]string(nil), ec.Command[1:]...)
	args = append(args,
		"--session", cfg.SessionID,
		"--model", cfg.Model,
		"--workspace", cfg.Workspace,
	)
	cmd := exec.Command(ec.Command[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine spawn: %w", err)
	}

	gateCtx, gateCancel := context.WithCancel(context.Background())
	e := &Engine{
		cmd:        cmd,
		events:     make(chan engine.Event, 256),
		intercept:  cfg.Intercept,
		logPath:    filepath.Join(cfg.LogDir, cfg.SessionID+".ndjson"),
		log:        slog.With("component", "engine", "session", cfg.SessionID),
		stdin:      stdin,
		gateCtx:    gateCtx,
		gateCancel: gateCancel,
	}
	go e.drainStderr(stderr)
	go e.readLoop(stdout)
	return e, nil
}

func (e *Engine) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		e.log.Debug("engine stderr", "line", sc.Text())
	}
}

// readLoop translates stdout lines into engine events until the process
// closes its stdout. Unknown line types pass through with their tag so
// the supervisor can surface them.
func (e *Engine) readLoop(stdout io.Reader) {
	defer func() {
		e.cmd.Wait()
		e.failPendingTurn(errors.New("engine process exited"))
		close(e.events)
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		raw := sc.Bytes()
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			e.log.Warn("engine emitted unparseable line", "error", err)
			continue
		}
		switch ln.Type {
		case "gate_ask":
			go e.handleGateAsk(ln)
		case engine.EventAgentEnd:
			e.events <- engine.Event{Type: engine.EventAgentEnd, ClientTurnID: ln.ClientTurnID, Message: ln.Message}
			e.finishTurn(nil)
		default:
			e.events <- engine.Event{
				Type:         ln.Type,
				ClientTurnID: ln.ClientTurnID,
				Text:         ln.Text,
				ToolCallID:   ln.ToolCallID,
				Tool:         ln.Tool,
				Input:        append(json.RawMessage(nil), ln.Input...),
				Output:       ln.Output,
				ToolError:    ln.ToolError,
				Blocked:      ln.Blocked,
				Usage:        ln.Usage,
				Message:      ln.Message,
			}
		}
	}
}

// handleGateAsk runs the interceptor and answers the child. The child
// keeps the tool parked until gate_result for its gateId arrives.
func (e *Engine) handleGateAsk(ln line) {
	e.mu.Lock()
	ctx := e.turnCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = e.gateCtx
	}

	blocked, reason := true, "gate unavailable"
	if e.intercept != nil {
		var err error
		blocked, reason, err = e.intercept(ctx, ln.ToolCallID, ln.Tool, ln.Input)
		if err != nil {
			blocked, reason = true, "gate canceled"
		}
	}
	if err := e.write(line{Type: "gate_result", GateID: ln.GateID, Blocked: blocked, Reason: reason}); err != nil {
		e.log.Warn("gate result write failed", "error", err)
	}
}

func (e *Engine) write(ln line) error {
	data, err := json.Marshal(ln)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err = e.stdin.Write(append(data, '\n'))
	return err
}

func (e *Engine) finishTurn(err error) {
	e.mu.Lock()
	done := e.turnDone
	cancel := e.turnCancel
	e.turnDone = nil
	e.turnCtx = nil
	e.turnCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		done <- err
	}
}

func (e *Engine) failPendingTurn(err error) {
	e.finishTurn(err)
}

// Run submits one turn and blocks until the child reports agent_end (or
// dies). Context cancellation forwards an abort and still waits for the
// child to wind the turn down.
func (e *Engine) Run(ctx context.Context, turn engine.TurnRequest) error {
	done := make(chan error, 1)
	e.mu.Lock()
	if e.turnDone != nil {
		e.mu.Unlock()
		return errors.New("turn already in flight")
	}
	e.turnDone = done
	e.turnCtx, e.turnCancel = context.WithCancel(e.gateCtx)
	e.mu.Unlock()

	atts := make([]any, 0, len(turn.Attachments))
	for _, a := range turn.Attachments {
		atts = append(atts, a)
	}
	if err := e.write(line{Type: "run", ClientTurnID: turn.ClientTurnID, Message: turn.Message, Attachments: atts}); err != nil {
		e.mu.Lock()
		e.turnDone = nil
		cancel := e.turnCancel
		e.turnCtx, e.turnCancel = nil, nil
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("engine run: %w", err)
	}

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			// Ask the child to stop, then keep waiting: the turn is over
			// only when the child says so (or exits).
			if err := e.write(line{Type: "abort"}); err != nil {
				return <-done
			}
			ctx = context.Background()
		}
	}
}

// Steer injects a message into the running turn.
func (e *Engine) Steer(ctx context.Context, message string) error {
	return e.write(line{Type: "steer", Message: message})
}

// Abort asks the child to cancel the running turn and releases any tool
// call parked on the gate for it.
func (e *Engine) Abort(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.turnCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return e.write(line{Type: "abort"})
}

// Events is the translated engine stream; closed when the process exits.
func (e *Engine) Events() <-chan engine.Event { return e.events }

// LogPath points at the child's session trace.
func (e *Engine) LogPath() string { return e.logPath }

// Close terminates the process. Closing stdin is the shutdown signal; the
// child is killed if it ignores it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.gateCancel()
	e.writeMu.Lock()
	e.stdin.Close()
	e.writeMu.Unlock()
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	return nil
}
