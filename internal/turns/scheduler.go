// Package turns admits, dedupes, and orders user turns for one session.
// Turn-bearing requests are acknowledged in stages on the event stream:
// received at admission, scheduled when handed to the engine, delivered
// once the agent starts streaming the turn, or dropped with a reason.
// Follow-ups queue FIFO behind the running turn and drain between turns.
package turns

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oppihq/oppid/internal/engine"
	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/pkg/protocol"
)

// Errors returned by non-turn operations (steer, abort). The gateway maps
// them onto command_result failures.
var (
	ErrNoActiveTurn    = errors.New("no active turn")
	ErrSessionTerminal = errors.New("session stopped")
)

// Runner executes turns on behalf of the scheduler. The supervisor
// implements it by driving the engine and its status transitions.
type Runner interface {
	RunTurn(ctx context.Context, turn engine.TurnRequest) error
	SteerTurn(ctx context.Context, message string) error
	AbortTurn(ctx context.Context) error
}

// Turn is one admitted user turn awaiting execution.
type Turn struct {
	RequestID    string
	ClientTurnID string
	Message      string
	Attachments  []protocol.Attachment
}

// Scheduler serializes turn execution for one session. All methods are
// safe for concurrent use.
type Scheduler struct {
	broker *fanout.Broker
	runner Runner
	log    *slog.Logger

	mu        sync.Mutex
	seen      map[string]struct{} // clientTurnIds ever admitted or dropped
	queue     []Turn
	busy      bool
	current   string // clientTurnId of the running turn
	delivered bool   // the running turn's first engine event was seen
	terminal  bool

	wake chan struct{}
}

// New builds a scheduler for one session. Call Start to begin draining.
func New(sessionID string, broker *fanout.Broker, runner Runner) *Scheduler {
	return &Scheduler{
		broker: broker,
		runner: runner,
		log:    slog.With("component", "turns", "session", sessionID),
		seen:   make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the drain loop. It exits when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Prompt admits a new turn. Valid only when the session is fully idle; a
// busy session drops it with reason precondition (clients queue follow-ups
// instead). A nil return means the request was well formed, not that the
// turn ran: lifecycle continues on the turn_ack stream.
func (s *Scheduler) Prompt(requestID, clientTurnID, message string, attachments []protocol.Attachment) error {
	if clientTurnID == "" {
		return errors.New("clientTurnId required")
	}
	t := Turn{RequestID: requestID, ClientTurnID: clientTurnID, Message: message, Attachments: attachments}

	s.mu.Lock()
	drop := s.admitLocked(clientTurnID)
	if drop == "" && (s.busy || len(s.queue) > 0) {
		drop = protocol.DropPrecondition
	}
	// received is acked before the enqueue is visible to the drain loop,
	// so it always precedes scheduled on the wire.
	s.ack(t, protocol.AckReceived, "")
	if drop != "" {
		s.mu.Unlock()
		s.ack(t, protocol.AckDropped, drop)
		return nil
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.kick()
	return nil
}

// FollowUp admits a turn behind whatever is already queued or running.
func (s *Scheduler) FollowUp(requestID, clientTurnID, message string, attachments []protocol.Attachment) error {
	if clientTurnID == "" {
		return errors.New("clientTurnId required")
	}
	t := Turn{RequestID: requestID, ClientTurnID: clientTurnID, Message: message, Attachments: attachments}

	s.mu.Lock()
	drop := s.admitLocked(clientTurnID)
	s.ack(t, protocol.AckReceived, "")
	if drop != "" {
		s.mu.Unlock()
		s.ack(t, protocol.AckDropped, drop)
		return nil
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.kick()
	return nil
}

// Steer injects guidance into the running turn. Steering an idle session
// is a precondition failure, not a queued message; when the client tagged
// the steer with a turn id the failure is also acked as dropped on the
// event stream.
func (s *Scheduler) Steer(ctx context.Context, clientTurnID, message string) error {
	s.mu.Lock()
	terminal, busy := s.terminal, s.busy
	s.mu.Unlock()
	if terminal {
		s.ackID(clientTurnID, protocol.AckDropped, protocol.DropSessionTerminal)
		return ErrSessionTerminal
	}
	if !busy {
		s.ackID(clientTurnID, protocol.AckDropped, protocol.DropPrecondition)
		return ErrNoActiveTurn
	}
	return s.runner.SteerTurn(ctx, message)
}

// Abort cancels the running turn. Valid in any non-terminal state: with
// nothing running it is a no-op. Queued follow-ups stay queued: aborting
// one turn is not a request to discard the rest of the conversation.
func (s *Scheduler) Abort(ctx context.Context, clientTurnID string) error {
	s.mu.Lock()
	terminal, busy := s.terminal, s.busy
	s.mu.Unlock()
	if terminal {
		s.ackID(clientTurnID, protocol.AckDropped, protocol.DropSessionTerminal)
		return ErrSessionTerminal
	}
	if !busy {
		return nil
	}
	return s.runner.AbortTurn(ctx)
}

// Delivered acks that the agent emitted its first event for the running
// turn. The supervisor calls it when it translates agent_start, so the
// delivered ack always follows agent_start on the wire.
func (s *Scheduler) Delivered(clientTurnID string) {
	s.mu.Lock()
	first := s.busy && s.current == clientTurnID && !s.delivered
	if first {
		s.delivered = true
	}
	s.mu.Unlock()
	if first {
		s.ackID(clientTurnID, protocol.AckDelivered, "")
	}
}

// SetTerminal rejects all future turns and drops everything still queued.
func (s *Scheduler) SetTerminal() {
	s.mu.Lock()
	s.terminal = true
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, t := range dropped {
		s.ack(t, protocol.AckDropped, protocol.DropSessionTerminal)
	}
	s.kick()
}

// Busy reports whether a turn is executing, and which one.
func (s *Scheduler) Busy() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, s.current
}

// QueueLen reports the number of waiting follow-ups.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// admitLocked dedupes on clientTurnId and checks terminality. Returns the
// drop reason, or "" when the turn may queue.
func (s *Scheduler) admitLocked(clientTurnID string) string {
	if s.terminal {
		return protocol.DropSessionTerminal
	}
	if _, dup := s.seen[clientTurnID]; dup {
		return protocol.DropDuplicate
	}
	s.seen[clientTurnID] = struct{}{}
	return ""
}

// ackID publishes a stage ack for operations that carry a clientTurnId
// but never became queued turns (failed steers). No-op without an id.
func (s *Scheduler) ackID(clientTurnID, stage, reason string) {
	if clientTurnID == "" {
		return
	}
	s.ack(Turn{ClientTurnID: clientTurnID}, stage, reason)
}

func (s *Scheduler) ack(t Turn, stage, reason string) {
	s.broker.Publish(protocol.SessionEvent{
		Type: protocol.EventTurnAck,
		Payload: protocol.TurnAckPayload{
			ClientTurnID: t.ClientTurnID,
			RequestID:    t.RequestID,
			Stage:        stage,
			Reason:       reason,
		},
	})
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.terminal || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			t := s.queue[0]
			s.queue = s.queue[1:]
			s.busy = true
			s.current = t.ClientTurnID
			s.delivered = false
			s.mu.Unlock()

			s.ack(t, protocol.AckScheduled, "")
			err := s.runner.RunTurn(ctx, engine.TurnRequest{
				ClientTurnID: t.ClientTurnID,
				Message:      t.Message,
				Attachments:  t.Attachments,
			})

			s.mu.Lock()
			delivered := s.delivered
			terminal := s.terminal
			s.busy = false
			s.current = ""
			s.delivered = false
			s.mu.Unlock()

			if err != nil {
				s.log.Error("turn.run_failed", "clientTurnId", t.ClientTurnID, "error", err)
				// The turn never reached the agent: close out its ack
				// lifecycle so the client is not left waiting on a turn
				// that will never stream.
				if !delivered {
					reason := protocol.DropPrecondition
					if terminal {
						reason = protocol.DropSessionTerminal
					}
					s.ack(t, protocol.AckDropped, reason)
				}
			}
		}
	}
}
