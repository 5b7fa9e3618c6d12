// Package supervisor owns session lifecycles. One Session wires an agent
// engine to the policy gate, the turn scheduler, and the event fan-out,
// drives the status state machine, and translates every engine event into
// a sequenced session event. The Registry tracks live sessions and prunes
// terminal ones after their catch-up TTL.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oppihq/oppid/internal/engine"
	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/internal/gate"
	"github.com/oppihq/oppid/internal/turns"
	"github.com/oppihq/oppid/pkg/protocol"
)

// Session supervises one agent engine instance. All exported methods are
// safe for concurrent use.
type Session struct {
	ID          string
	WorkspaceID string
	CreatedAt   time.Time

	broker *fanout.Broker
	gate   *gate.Gate
	sched  *turns.Scheduler
	eng    engine.Engine
	log    *slog.Logger
	tracer trace.Tracer

	cancel      context.CancelFunc
	idleTimeout time.Duration
	readyOnce   sync.Once
	readyCh     chan struct{}
	stopOnce    sync.Once
	loopDone    chan struct{}

	mu          sync.Mutex
	status      string
	cause       string
	subscribers int
	idleTimer   *time.Timer
	stoppedAt   time.Time
	meta        meta
}

type meta struct {
	model        string
	messageCount int
	inputTokens  int64
	outputTokens int64
	costUSD      float64
	contextUsed  int
	contextSize  int
	warnings     []string
	lastActivity time.Time
}

// Broker exposes the session's event fan-out for subscription.
func (s *Session) Broker() *fanout.Broker { return s.broker }

// Gate exposes the permission gate for permission_respond routing.
func (s *Session) Gate() *gate.Gate { return s.gate }

// Scheduler exposes turn admission for prompt/steer/follow_up/abort.
func (s *Session) Scheduler() *turns.Scheduler { return s.sched }

// Status returns the current lifecycle status and, for error, its cause.
func (s *Session) Status() (status, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.cause
}

// Terminal reports whether the session has reached stopped or error.
func (s *Session) Terminal() bool {
	st, _ := s.Status()
	return st == protocol.StatusStopped || st == protocol.StatusError
}

func (s *Session) stoppedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedAt
}

// StatePayload snapshots current status plus metadata.
func (s *Session) StatePayload() protocol.StatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statePayloadLocked()
}

func (s *Session) statePayloadLocked() protocol.StatePayload {
	return protocol.StatePayload{
		Status:       s.status,
		Cause:        s.cause,
		Model:        s.meta.model,
		MessageCount: s.meta.messageCount,
		InputTokens:  s.meta.inputTokens,
		OutputTokens: s.meta.outputTokens,
		CostUSD:      s.meta.costUSD,
		ContextUsed:  s.meta.contextUsed,
		ContextSize:  s.meta.contextSize,
		Warnings:     append([]string(nil), s.meta.warnings...),
		LastActivity: s.meta.lastActivity,
	}
}

// Summary is the sessions_list row for this session.
func (s *Session) Summary() protocol.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionSummary{
		SessionID:    s.ID,
		WorkspaceID:  s.WorkspaceID,
		Status:       s.status,
		Model:        s.meta.model,
		MessageCount: s.meta.messageCount,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.meta.lastActivity,
	}
}

// PublishState emits a sequenced state event with the current snapshot.
func (s *Session) PublishState() {
	s.broker.Publish(protocol.SessionEvent{Type: protocol.EventState, Payload: s.StatePayload()})
}

// StateEvent returns a synthetic state snapshot for one reconnecting
// subscriber. It is delivered ahead of any replay so the client has a
// known baseline; like other per-subscriber frames it carries no seq.
func (s *Session) StateEvent() protocol.SessionEvent {
	return protocol.SessionEvent{Type: protocol.EventState, SessionID: s.ID, Payload: s.StatePayload()}
}

// Stop drains and terminates the session: pending turns drop as
// session_terminal, pending permission asks deny as session_stopped, and
// the engine is closed. Idempotent.
func (s *Session) Stop(cause string) {
	s.shutdown(protocol.StatusStopped, cause)
}

func (s *Session) fail(cause string) {
	s.broker.Publish(protocol.SessionEvent{
		Type:    protocol.EventError,
		Payload: protocol.ErrorPayload{Kind: protocol.ErrAgentCrash, Message: cause},
	})
	s.shutdown(protocol.StatusError, cause)
}

func (s *Session) shutdown(final, cause string) {
	s.stopOnce.Do(func() {
		s.log.Info("session.stopping", "cause", cause)
		s.setStatus(protocol.StatusStopping, cause)
		s.sched.SetTerminal()
		if err := s.eng.Abort(context.Background()); err != nil {
			s.log.Warn("session.abort_failed", "error", err)
		}
		s.gate.CancelAll()
		if err := s.eng.Close(); err != nil {
			s.log.Warn("session.engine_close_failed", "error", err)
		}
		<-s.loopDone

		s.mu.Lock()
		s.stoppedAt = time.Now()
		s.mu.Unlock()
		s.setStatus(final, cause)
		s.cancel()
		s.log.Info("session.stopped", "status", final)
	})
}

// setStatus publishes a state event for the transition. Terminal states
// are sticky; stopping may only advance to stopped or error.
func (s *Session) setStatus(status, cause string) {
	s.mu.Lock()
	switch s.status {
	case protocol.StatusStopped, protocol.StatusError:
		s.mu.Unlock()
		return
	case protocol.StatusStopping:
		if status != protocol.StatusStopped && status != protocol.StatusError {
			s.mu.Unlock()
			return
		}
	}
	s.status = status
	s.cause = cause
	s.touchLocked()
	s.updateIdleLocked()
	payload := s.statePayloadLocked()
	s.mu.Unlock()

	s.broker.Publish(protocol.SessionEvent{Type: protocol.EventState, Payload: payload})
}

// transition is a compare-and-set status change; the state event publishes
// only on success.
func (s *Session) transition(from, to string) bool {
	s.mu.Lock()
	if s.status != from {
		s.mu.Unlock()
		return false
	}
	s.status = to
	s.touchLocked()
	s.updateIdleLocked()
	payload := s.statePayloadLocked()
	s.mu.Unlock()

	s.broker.Publish(protocol.SessionEvent{Type: protocol.EventState, Payload: payload})
	return true
}

func (s *Session) touchLocked() {
	if now := time.Now().UTC(); now.After(s.meta.lastActivity) {
		s.meta.lastActivity = now
	}
}

// onPresence is the broker's subscriber-count callback. It feeds the gate's
// no-client timer and the idle-stop timer.
func (s *Session) onPresence(n int) {
	s.gate.OnPresence(n)
	s.mu.Lock()
	s.subscribers = n
	s.updateIdleLocked()
	s.mu.Unlock()
}

func (s *Session) updateIdleLocked() {
	idle := s.idleTimeout > 0 && s.subscribers == 0 && s.status == protocol.StatusReady
	if idle && s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.idleTimeout, s.idleExpire)
	}
	if !idle && s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) idleExpire() {
	s.mu.Lock()
	expired := s.subscribers == 0 && s.status == protocol.StatusReady
	s.idleTimer = nil
	s.mu.Unlock()
	if expired {
		s.log.Info("session.idle_timeout")
		s.Stop("idle_timeout")
	}
}

// RunTurn implements turns.Runner. A turn scheduled before the engine
// reported readiness waits here; the scheduler serializes turns so at most
// one RunTurn is in flight.
func (s *Session) RunTurn(ctx context.Context, turn engine.TurnRequest) error {
	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !s.transition(protocol.StatusReady, protocol.StatusBusy) {
		st, _ := s.Status()
		return fmt.Errorf("session %s not ready (status %s)", s.ID, st)
	}

	ctx, span := s.tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("turn.client_id", turn.ClientTurnID),
	))
	defer span.End()

	err := s.eng.Run(ctx, turn)
	if err != nil {
		span.RecordError(err)
		s.fail(fmt.Sprintf("agent run: %v", err))
		return err
	}
	s.transition(protocol.StatusBusy, protocol.StatusReady)
	return nil
}

// SteerTurn implements turns.Runner.
func (s *Session) SteerTurn(ctx context.Context, message string) error {
	return s.eng.Steer(ctx, message)
}

// AbortTurn implements turns.Runner.
func (s *Session) AbortTurn(ctx context.Context) error {
	return s.eng.Abort(ctx)
}

// eventLoop drains the engine stream until it closes, translating each
// engine event into a published session event. Translation is lossless:
// unrecognized types surface as unknown_event errors rather than being
// dropped.
func (s *Session) eventLoop() {
	for ev := range s.eng.Events() {
		s.translate(ev)
	}
	close(s.loopDone)

	st, _ := s.Status()
	switch st {
	case protocol.StatusStopping, protocol.StatusStopped, protocol.StatusError:
	default:
		s.log.Error("session.engine_stream_closed", "status", st)
		s.fail("engine stream closed unexpectedly")
	}
}

func (s *Session) translate(ev engine.Event) {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()

	switch ev.Type {
	case engine.EventReady:
		s.readyOnce.Do(func() { close(s.readyCh) })
		s.transition(protocol.StatusStarting, protocol.StatusReady)

	case engine.EventAgentStart:
		s.broker.Publish(protocol.SessionEvent{
			Type:    protocol.EventAgentStart,
			Payload: protocol.AgentStartPayload{ClientTurnID: ev.ClientTurnID},
		})
		// First engine event for the turn: the scheduler may now ack it
		// as delivered, after agent_start on the wire.
		s.sched.Delivered(ev.ClientTurnID)

	case engine.EventTextDelta:
		s.broker.Publish(protocol.SessionEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Text: ev.Text}})

	case engine.EventThinkingDelta:
		s.broker.Publish(protocol.SessionEvent{Type: protocol.EventThinkingDelta, Payload: protocol.DeltaPayload{Text: ev.Text}})

	case engine.EventToolStart:
		s.broker.Publish(protocol.SessionEvent{
			Type:    protocol.EventToolStart,
			Payload: protocol.ToolStartPayload{ToolCallID: ev.ToolCallID, Tool: ev.Tool, Input: ev.Input},
		})

	case engine.EventToolOutput:
		s.broker.Publish(protocol.SessionEvent{
			Type:    protocol.EventToolOutput,
			Payload: protocol.ToolOutputPayload{ToolCallID: ev.ToolCallID, Output: ev.Output},
		})

	case engine.EventToolEnd:
		payload := protocol.ToolEndPayload{ToolCallID: ev.ToolCallID}
		switch {
		case ev.Blocked:
			payload.Error = &protocol.ErrorInfo{Kind: protocol.ErrPolicyDenied, Message: ev.ToolError}
		case ev.ToolError != "":
			payload.Error = &protocol.ErrorInfo{Kind: "tool_failed", Message: ev.ToolError}
		}
		s.broker.Publish(protocol.SessionEvent{Type: protocol.EventToolEnd, Payload: payload})

	case engine.EventMessageEnd:
		s.mu.Lock()
		s.meta.messageCount++
		s.mu.Unlock()
		s.broker.Publish(protocol.SessionEvent{Type: protocol.EventMessageEnd})

	case engine.EventAgentEnd:
		payload := protocol.AgentEndPayload{ClientTurnID: ev.ClientTurnID}
		if ev.Message != "" {
			payload.Error = &protocol.ErrorInfo{Kind: ev.Message}
		}
		s.broker.Publish(protocol.SessionEvent{Type: protocol.EventAgentEnd, Payload: payload})

	case engine.EventUsage:
		if ev.Usage == nil {
			return
		}
		s.mu.Lock()
		s.meta.inputTokens += ev.Usage.InputTokens
		s.meta.outputTokens += ev.Usage.OutputTokens
		s.meta.costUSD += ev.Usage.CostUSD
		if ev.Usage.ContextUsed > 0 {
			s.meta.contextUsed = ev.Usage.ContextUsed
		}
		s.mu.Unlock()

	case engine.EventError:
		s.mu.Lock()
		s.meta.warnings = append(s.meta.warnings, ev.Message)
		s.mu.Unlock()
		s.broker.Publish(protocol.SessionEvent{
			Type:    protocol.EventError,
			Payload: protocol.ErrorPayload{Kind: protocol.ErrAgentCrash, Message: ev.Message},
		})

	default:
		s.log.Warn("session.unknown_engine_event", "type", ev.Type)
		s.broker.Publish(protocol.SessionEvent{
			Type:    protocol.EventError,
			Payload: protocol.ErrorPayload{Kind: protocol.ErrUnknownEvent, Message: ev.Type},
		})
	}
}
