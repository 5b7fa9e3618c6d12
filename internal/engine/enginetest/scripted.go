// Package enginetest provides a scripted engine for exercising the core
// without a real agent loop. Each Run pops one queued script and replays
// its steps, calling the configured interceptor before every tool step
// exactly as a real engine would.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oppihq/oppid/internal/engine"
)

// Step is one scripted action within a turn. Exactly one field should be
// set.
type Step struct {
	Text     string          // emit a text_delta fragment
	Thinking string          // emit a thinking_delta fragment
	Tool     *ToolCall       // run the interceptor, then emit tool_* events
	Usage    *engine.Usage   // emit a usage update
	Fail     string          // emit an error event and fail the turn
	Block    <-chan struct{} // park the turn until the channel closes
}

// ToolCall scripts one tool invocation.
type ToolCall struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Output string
}

// Scripted is an engine.Engine that replays queued scripts.
type Scripted struct {
	cfg    engine.Config
	events chan engine.Event

	mu      sync.Mutex
	scripts [][]Step
	steers  []string
	cancel  context.CancelFunc // cancels the in-flight Run
	runDone chan struct{}      // non-nil while a Run is emitting
	closed  bool
}

var _ engine.Engine = (*Scripted)(nil)

// New builds a scripted engine and emits the ready event immediately.
func New(cfg engine.Config) *Scripted {
	s := &Scripted{
		cfg:    cfg,
		events: make(chan engine.Event, 256),
	}
	s.events <- engine.Event{Type: engine.EventReady}
	return s
}

// Factory returns an engine.Factory producing this exact instance, for
// wiring a pre-scripted engine into a supervisor under test.
func (s *Scripted) Factory() engine.Factory {
	return func(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
		s.mu.Lock()
		s.cfg.Intercept = cfg.Intercept
		s.mu.Unlock()
		return s, nil
	}
}

// Enqueue adds one turn's worth of steps. Runs consume scripts FIFO.
func (s *Scripted) Enqueue(steps ...Step) {
	s.mu.Lock()
	s.scripts = append(s.scripts, steps)
	s.mu.Unlock()
}

// Emit injects a raw event onto the stream, bypassing the script. Used to
// simulate engine-side surprises such as unrecognized event types.
func (s *Scripted) Emit(ev engine.Event) {
	s.events <- ev
}

// Steers returns every message injected via Steer, oldest first.
func (s *Scripted) Steers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steers...)
}

func (s *Scripted) Run(ctx context.Context, turn engine.TurnRequest) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return errors.New("enginetest: no script queued")
	}
	steps := s.scripts[0]
	s.scripts = s.scripts[1:]
	intercept := s.cfg.Intercept
	s.cancel = cancel
	done := make(chan struct{})
	s.runDone = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.runDone = nil
		s.mu.Unlock()
		close(done)
	}()

	s.events <- engine.Event{Type: engine.EventAgentStart, ClientTurnID: turn.ClientTurnID}
	for _, st := range steps {
		if err := runCtx.Err(); err != nil {
			s.events <- engine.Event{Type: engine.EventAgentEnd, ClientTurnID: turn.ClientTurnID, Message: "aborted"}
			return nil
		}
		switch {
		case st.Text != "":
			s.events <- engine.Event{Type: engine.EventTextDelta, Text: st.Text}
		case st.Thinking != "":
			s.events <- engine.Event{Type: engine.EventThinkingDelta, Text: st.Thinking}
		case st.Tool != nil:
			tc := st.Tool
			var blocked bool
			var reason string
			if intercept != nil {
				var err error
				blocked, reason, err = intercept(runCtx, tc.ID, tc.Name, tc.Input)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						s.events <- engine.Event{Type: engine.EventAgentEnd, ClientTurnID: turn.ClientTurnID, Message: "aborted"}
						return nil
					}
					return fmt.Errorf("intercept %s: %w", tc.Name, err)
				}
			}
			s.events <- engine.Event{Type: engine.EventToolStart, ToolCallID: tc.ID, Tool: tc.Name, Input: tc.Input}
			if blocked {
				s.events <- engine.Event{Type: engine.EventToolEnd, ToolCallID: tc.ID, Blocked: true, ToolError: reason}
				continue
			}
			if tc.Output != "" {
				s.events <- engine.Event{Type: engine.EventToolOutput, ToolCallID: tc.ID, Output: tc.Output}
			}
			s.events <- engine.Event{Type: engine.EventToolEnd, ToolCallID: tc.ID}
		case st.Usage != nil:
			s.events <- engine.Event{Type: engine.EventUsage, Usage: st.Usage}
		case st.Fail != "":
			s.events <- engine.Event{Type: engine.EventError, Message: st.Fail}
			return errors.New(st.Fail)
		case st.Block != nil:
			select {
			case <-st.Block:
			case <-runCtx.Done():
				s.events <- engine.Event{Type: engine.EventAgentEnd, ClientTurnID: turn.ClientTurnID, Message: "aborted"}
				return nil
			}
		}
	}
	s.events <- engine.Event{Type: engine.EventMessageEnd}
	s.events <- engine.Event{Type: engine.EventAgentEnd, ClientTurnID: turn.ClientTurnID}
	return nil
}

func (s *Scripted) Steer(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steers = append(s.steers, message)
	return nil
}

func (s *Scripted) Abort(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Scripted) Events() <-chan engine.Event { return s.events }

func (s *Scripted) LogPath() string { return "" }

// Close waits out any in-flight Run before closing the stream so a final
// abort event is never sent on a closed channel.
func (s *Scripted) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	close(s.events)
	return nil
}
