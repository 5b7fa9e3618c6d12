package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oppihq/oppid/internal/config"
	"github.com/oppihq/oppid/internal/engine"
	"github.com/oppihq/oppid/internal/engine/enginetest"
	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/internal/policy"
	"github.com/oppihq/oppid/internal/turns"
	"github.com/oppihq/oppid/pkg/protocol"
)

func newTestRegistry(t *testing.T, mutate func(*config.Config)) (*Registry, *enginetest.Scripted) {
	t.Helper()
	cfg := config.Default()
	cfg.Gate.NoClientGraceS = 60
	if mutate != nil {
		mutate(cfg)
	}
	pol := policy.NewEngine(cfg.Policy, nil)
	scripted := enginetest.New(engine.Config{})
	return NewRegistry(cfg, pol, scripted.Factory()), scripted
}

// eventStream reads a session's history as one sequence: the subscription
// backlog first, then live delivery.
type eventStream struct {
	backlog []protocol.SessionEvent
	sub     *fanout.Subscriber
}

func streamOf(s *Session) *eventStream {
	backlog, sub, _ := s.Broker().Subscribe(0, protocol.LevelFull)
	return &eventStream{backlog: backlog, sub: sub}
}

// next skips forward to the next event of the given type.
func (es *eventStream) next(t *testing.T, typ string) protocol.SessionEvent {
	t.Helper()
	for len(es.backlog) > 0 {
		ev := es.backlog[0]
		es.backlog = es.backlog[1:]
		if ev.Type == typ {
			return ev
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-es.sub.C():
			if !ok {
				t.Fatalf("stream closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func waitStatus(t *testing.T, s *Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := s.Status()
		return st == want
	}, 2*time.Second, 5*time.Millisecond, "status never reached %s", want)
}

func TestSession_PromptStreamsTurn(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(
		enginetest.Step{Text: "hello "},
		enginetest.Step{Text: "world"},
		enginetest.Step{Usage: &engine.Usage{InputTokens: 10, OutputTokens: 4, CostUSD: 0.02, ContextUsed: 900}},
	)
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "say hello", nil))

	start := es.next(t, protocol.EventAgentStart)
	require.Equal(t, "t1", start.Payload.(protocol.AgentStartPayload).ClientTurnID)
	require.Equal(t, "hello ", es.next(t, protocol.EventTextDelta).Payload.(protocol.DeltaPayload).Text)
	require.Equal(t, "world", es.next(t, protocol.EventTextDelta).Payload.(protocol.DeltaPayload).Text)
	es.next(t, protocol.EventMessageEnd)
	end := es.next(t, protocol.EventAgentEnd)
	require.Equal(t, "t1", end.Payload.(protocol.AgentEndPayload).ClientTurnID)
	require.Nil(t, end.Payload.(protocol.AgentEndPayload).Error)

	waitStatus(t, s, protocol.StatusReady)
	state := s.StatePayload()
	require.Equal(t, 1, state.MessageCount)
	require.Equal(t, int64(10), state.InputTokens)
	require.Equal(t, int64(4), state.OutputTokens)
	require.InDelta(t, 0.02, state.CostUSD, 1e-9)
	require.Equal(t, 900, state.ContextUsed)
}

// The delivered ack means the agent started streaming this turn, so it
// must land behind agent_start; scheduled fires at engine hand-off.
func TestSession_DeliveredAckFollowsAgentStart(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	backlog, sub, _ := s.Broker().Subscribe(0, protocol.LevelFull)
	defer s.Broker().Unsubscribe(sub)

	scripted.Enqueue(enginetest.Step{Text: "hi"})
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "go", nil))

	var order []string
	record := func(ev protocol.SessionEvent) {
		switch ev.Type {
		case protocol.EventTurnAck:
			order = append(order, "turn_ack:"+ev.Payload.(protocol.TurnAckPayload).Stage)
		case protocol.EventAgentStart:
			order = append(order, protocol.EventAgentStart)
		}
	}
	for _, ev := range backlog {
		record(ev)
	}
	deadline := time.After(2 * time.Second)
	for len(order) < 4 {
		select {
		case ev := <-sub.C():
			record(ev)
		case <-deadline:
			t.Fatalf("stream stalled at %v", order)
		}
	}
	require.Equal(t, []string{
		"turn_ack:" + protocol.AckReceived,
		"turn_ack:" + protocol.AckScheduled,
		protocol.EventAgentStart,
		"turn_ack:" + protocol.AckDelivered,
	}, order[:4])
}

func TestSession_StatusCyclesReadyBusyReady(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(enginetest.Step{Text: "ok"})
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "go", nil))

	var statuses []string
	for len(statuses) < 4 {
		ev := es.next(t, protocol.EventState)
		statuses = append(statuses, ev.Payload.(protocol.StatePayload).Status)
	}
	require.Equal(t, []string{
		protocol.StatusStarting,
		protocol.StatusReady,
		protocol.StatusBusy,
		protocol.StatusReady,
	}, statuses)
}

func TestSession_HardDenyBlocksToolWithoutAsking(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(
		enginetest.Step{Tool: &enginetest.ToolCall{ID: "tc1", Name: "bash", Input: json.RawMessage(`{"command":"rm -rf /"}`)}},
		enginetest.Step{Text: "I won't do that"},
	)
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "wipe the disk", nil))

	es.next(t, protocol.EventToolStart)
	end := es.next(t, protocol.EventToolEnd).Payload.(protocol.ToolEndPayload)
	require.NotNil(t, end.Error)
	require.Equal(t, protocol.ErrPolicyDenied, end.Error.Kind)
	require.Contains(t, end.Error.Message, "hard_deny")

	// The turn continues past the block and never asked the user.
	es.next(t, protocol.EventTextDelta)
	es.next(t, protocol.EventAgentEnd)
	history, sub, _ := s.Broker().Subscribe(0, protocol.LevelFull)
	s.Broker().Unsubscribe(sub)
	for _, ev := range history {
		require.NotEqual(t, protocol.EventPermissionRequest, ev.Type)
	}
}

func TestSession_AskResolvedMidTurn(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(
		enginetest.Step{Tool: &enginetest.ToolCall{ID: "tc1", Name: "write_file", Input: json.RawMessage(`{"path":"a.go"}`), Output: "wrote a.go"}},
		enginetest.Step{Text: "done"},
	)
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "write the file", nil))

	req := es.next(t, protocol.EventPermissionRequest).Payload.(protocol.PermissionRequestPayload)
	_, ok, err := s.Gate().Respond(context.Background(), req.ID, protocol.ActionAllow, protocol.ScopeOnce)
	require.NoError(t, err)
	require.True(t, ok)

	es.next(t, protocol.EventPermissionResolved)
	es.next(t, protocol.EventToolStart)
	out := es.next(t, protocol.EventToolOutput).Payload.(protocol.ToolOutputPayload)
	require.Equal(t, "wrote a.go", out.Output)
	end := es.next(t, protocol.EventToolEnd).Payload.(protocol.ToolEndPayload)
	require.Nil(t, end.Error)
	es.next(t, protocol.EventAgentEnd)
}

func TestSession_UnknownEngineEventSurfacesAsError(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Emit(engine.Event{Type: "telemetry_blob"})

	ev := es.next(t, protocol.EventError).Payload.(protocol.ErrorPayload)
	require.Equal(t, protocol.ErrUnknownEvent, ev.Kind)
	require.Equal(t, "telemetry_blob", ev.Message)
}

func TestSession_StopDrainsPendingAsk(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(enginetest.Step{Tool: &enginetest.ToolCall{ID: "tc1", Name: "write_file"}})
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "write", nil))
	req := es.next(t, protocol.EventPermissionRequest).Payload.(protocol.PermissionRequestPayload)

	s.Stop("shutdown")
	waitStatus(t, s, protocol.StatusStopped)

	// The parked ask resolved as a deny rather than leaking.
	prior, ok, err := s.Gate().Respond(context.Background(), req.ID, protocol.ActionAllow, protocol.ScopeOnce)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, protocol.ActionDeny, prior.Action)

	// Terminal scheduler: steers error out.
	require.ErrorIs(t, s.Scheduler().Steer(context.Background(), "", "x"), turns.ErrSessionTerminal)
}

func TestSession_EngineCrashIsTerminalError(t *testing.T) {
	r, scripted := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	waitStatus(t, s, protocol.StatusReady)

	es := streamOf(s)
	defer s.Broker().Unsubscribe(es.sub)

	scripted.Enqueue(enginetest.Step{Fail: "model backend unreachable"})
	require.NoError(t, s.Scheduler().Prompt("r1", "t1", "go", nil))

	waitStatus(t, s, protocol.StatusError)
	_, cause := s.Status()
	require.Contains(t, cause, "model backend unreachable")

	ev := es.next(t, protocol.EventError).Payload.(protocol.ErrorPayload)
	require.Equal(t, protocol.ErrAgentCrash, ev.Kind)
}

func TestSession_IdleExpiryStopsOnlyWhenUnattended(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *config.Config) { c.Sessions.IdleTimeoutMin = 30 })
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	waitStatus(t, s, protocol.StatusReady)

	// With a subscriber attached, expiry is a no-op.
	_, sub, _ := s.Broker().Subscribe(0, protocol.LevelFull)
	s.idleExpire()
	st, _ := s.Status()
	require.Equal(t, protocol.StatusReady, st)

	// Unattended and ready: expiry stops the session.
	s.Broker().Unsubscribe(sub)
	s.idleExpire()
	waitStatus(t, s, protocol.StatusStopped)
	_, cause := s.Status()
	require.Equal(t, "idle_timeout", cause)
}

func TestSession_PublishStateBaseline(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	s, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	defer s.Stop("test done")
	waitStatus(t, s, protocol.StatusReady)

	before := s.Broker().CurrentSeq()
	s.PublishState()
	backlog, sub, _ := s.Broker().Subscribe(before, protocol.LevelFull)
	defer s.Broker().Unsubscribe(sub)
	require.Len(t, backlog, 1)
	require.Equal(t, protocol.EventState, backlog[0].Type)
	require.Equal(t, protocol.StatusReady, backlog[0].Payload.(protocol.StatePayload).Status)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ListAndPrune(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *config.Config) { c.Sessions.StoppedTTLMin = 0 })
	s, err := r.Create(context.Background(), "ws1", "claude-sonnet-4-5")
	require.NoError(t, err)
	waitStatus(t, s, protocol.StatusReady)

	list := r.List()
	require.Len(t, list, 1)
	require.Equal(t, s.ID, list[0].SessionID)
	require.Equal(t, "ws1", list[0].WorkspaceID)

	// Live sessions never prune.
	r.prune(time.Now().Add(time.Hour))
	_, err = r.Get(s.ID)
	require.NoError(t, err)

	s.Stop("test done")
	waitStatus(t, s, protocol.StatusStopped)
	r.prune(time.Now().Add(time.Second))
	_, err = r.Get(s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Empty(t, r.List())
}

func TestRegistry_StopAll(t *testing.T) {
	cfg := config.Default()
	cfg.Gate.NoClientGraceS = 60
	pol := policy.NewEngine(cfg.Policy, nil)
	factory := func(ctx context.Context, ec engine.Config) (engine.Engine, error) {
		return enginetest.New(ec), nil
	}
	r := NewRegistry(cfg, pol, factory)

	a, err := r.Create(context.Background(), "ws1", "")
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "ws2", "")
	require.NoError(t, err)
	waitStatus(t, a, protocol.StatusReady)
	waitStatus(t, b, protocol.StatusReady)

	r.StopAll("server shutdown")
	require.True(t, a.Terminal())
	require.True(t, b.Terminal())
}
