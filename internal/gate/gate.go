// Package gate arbitrates tool calls between the engine and the user. It
// sits on the engine's intercept hook: allow and deny decisions from the
// policy engine pass straight through, ask decisions park the tool call
// until the client responds, the ask times out, or no client shows up
// within the grace window. The gate fails closed: silence is a denial.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oppihq/oppid/internal/fanout"
	"github.com/oppihq/oppid/internal/policy"
	"github.com/oppihq/oppid/pkg/protocol"
)

// ErrPermissionNotFound is returned by Respond for an id that was never
// issued by this gate.
var ErrPermissionNotFound = errors.New("permission not found")

// Resolution is the final outcome of one permission request.
type Resolution struct {
	Action string // allow | deny
	Scope  string
	Reason string // set on denials: user_denied | timeout | no_client | session_stopped
}

// Options configures one session's gate.
type Options struct {
	SessionID     string
	WorkspaceID   string
	AskTimeout    time.Duration
	NoClientGrace time.Duration
}

// Gate is the per-session permission arbiter. Wire OnPresence to the
// session broker's presence callback so the no-client timer tracks
// connected subscribers.
type Gate struct {
	opts   Options
	policy *policy.Engine
	broker *fanout.Broker
	log    *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingAsk
	resolved   map[string]Resolution // duplicate responds return the prior outcome
	present    bool
	graceTimer *time.Timer
	stopped    bool
}

type pendingAsk struct {
	tool  string
	risk  string
	done  chan Resolution // buffered 1; resolver sends exactly once
	timer *time.Timer
}

// New builds a gate. The broker is used only to publish permission events;
// presence must be wired separately via OnPresence.
func New(opts Options, pol *policy.Engine, broker *fanout.Broker) *Gate {
	return &Gate{
		opts:     opts,
		policy:   pol,
		broker:   broker,
		log:      slog.With("component", "gate", "session", opts.SessionID),
		pending:  make(map[string]*pendingAsk),
		resolved: make(map[string]Resolution),
	}
}

// Intercept implements the engine's tool hook. It blocks only for ask
// decisions; the returned reason explains a block to the engine so it can
// report the tool as denied rather than failed.
func (g *Gate) Intercept(ctx context.Context, toolCallID, tool string, input json.RawMessage) (blocked bool, reason string, err error) {
	dec := g.policy.Evaluate(g.opts.SessionID, g.opts.WorkspaceID, tool, input)
	switch dec.Action {
	case policy.Allow:
		return false, "", nil
	case policy.Deny:
		g.log.Info("permission.denied", "tool", tool, "reason", dec.Reason)
		return true, dec.Reason, nil
	}
	return g.ask(ctx, toolCallID, tool, input, dec.Risk)
}

func (g *Gate) ask(ctx context.Context, toolCallID, tool string, input json.RawMessage, risk string) (bool, string, error) {
	id := uuid.NewString()
	ctx, span := otel.Tracer("oppid/gate").Start(ctx, "gate.ask", trace.WithAttributes(
		attribute.String("permission.id", id),
		attribute.String("permission.tool", tool),
		attribute.String("permission.risk", risk),
	))
	defer span.End()
	p := &pendingAsk{
		tool: tool,
		risk: risk,
		done: make(chan Resolution, 1),
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return true, protocol.ReasonSessionStopped, nil
	}
	g.pending[id] = p
	p.timer = time.AfterFunc(g.opts.AskTimeout, func() {
		g.resolve(id, policy.Deny, protocol.ScopeOnce, protocol.ReasonTimeout, false)
	})
	if !g.present {
		g.armGraceLocked()
	}
	g.mu.Unlock()

	g.broker.Publish(protocol.SessionEvent{
		Type: protocol.EventPermissionRequest,
		Payload: protocol.PermissionRequestPayload{
			ID:             id,
			ToolCallID:     toolCallID,
			Tool:           tool,
			Input:          input,
			Risk:           risk,
			DisplaySummary: displaySummary(tool, input),
			CreatedAt:      time.Now().UTC(),
		},
	})
	g.log.Info("permission.requested", "id", id, "tool", tool, "risk", risk)

	select {
	case res := <-p.done:
		return res.Action != policy.Allow, res.Reason, nil
	case <-ctx.Done():
		// The turn itself is gone (abort or engine teardown). Retire the
		// ask so a late respond gets permission_not_found semantics rather
		// than arming a learned rule for a dead call.
		g.resolve(id, policy.Deny, protocol.ScopeOnce, protocol.ReasonSessionStopped, false)
		return true, "", ctx.Err()
	}
}

// Respond resolves a pending request on the user's behalf. It is
// idempotent: responding twice returns the first outcome with ok=false
// rather than an error, so racing clients both learn the result.
func (g *Gate) Respond(ctx context.Context, permissionID, action, scope string) (Resolution, bool, error) {
	switch action {
	case policy.Allow, policy.Deny:
	default:
		return Resolution{}, false, fmt.Errorf("invalid action %q", action)
	}
	if scope == "" {
		scope = protocol.ScopeOnce
	}
	switch scope {
	case protocol.ScopeOnce, protocol.ScopeSession, protocol.ScopeWorkspace, protocol.ScopeGlobal:
	default:
		return Resolution{}, false, fmt.Errorf("invalid scope %q", scope)
	}

	reason := ""
	if action == policy.Deny {
		reason = "user_denied"
	}
	return g.resolve(permissionID, action, scope, reason, true)
}

// resolve retires a pending ask exactly once. learn controls whether a
// non-once scope becomes a persisted rule (user responses yes, timeouts
// and teardowns no).
func (g *Gate) resolve(id, action, scope, reason string, learn bool) (Resolution, bool, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		prior, seen := g.resolved[id]
		g.mu.Unlock()
		if seen {
			return prior, false, nil
		}
		return Resolution{}, false, ErrPermissionNotFound
	}
	delete(g.pending, id)
	res := Resolution{Action: action, Scope: scope, Reason: reason}
	g.resolved[id] = res
	if len(g.pending) == 0 && g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	tool, risk := p.tool, p.risk
	g.mu.Unlock()

	p.timer.Stop()
	p.done <- res

	g.broker.Publish(protocol.SessionEvent{
		Type:    protocol.EventPermissionResolved,
		Payload: protocol.PermissionResolvedPayload{ID: id, Action: action, Reason: reason},
	})
	g.log.Info("permission.resolved", "id", id, "action", action, "scope", scope, "reason", reason)

	if learn && scope != protocol.ScopeOnce {
		_, err := g.policy.Learn(context.Background(), policy.Rule{
			Scope:       scope,
			SessionID:   g.opts.SessionID,
			WorkspaceID: g.opts.WorkspaceID,
			Pattern:     tool,
			Action:      action,
			Risk:        risk,
		})
		if err != nil {
			g.log.Warn("permission.learn_failed", "id", id, "error", err)
		}
	}
	return res, true, nil
}

// displaySummary condenses a tool call into one short line for the
// client's approval card. It pulls the most descriptive string argument
// out of the input; an unrecognized shape falls back to the tool name.
func displaySummary(tool string, input json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return tool
	}
	detail := ""
	for _, key := range []string{"command", "file_path", "path", "url", "pattern", "query"} {
		if v, ok := args[key].(string); ok && v != "" {
			detail = v
			break
		}
	}
	if detail == "" {
		return tool
	}
	if len(detail) > 120 {
		detail = detail[:120] + "…"
	}
	return tool + ": " + detail
}

// OnPresence tracks subscriber count changes from the broker. Dropping to
// zero while asks are pending arms the no-client timer; any subscriber
// arriving disarms it.
func (g *Gate) OnPresence(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > 0 {
		g.present = true
		if g.graceTimer != nil {
			g.graceTimer.Stop()
			g.graceTimer = nil
		}
		return
	}
	g.present = false
	if len(g.pending) > 0 {
		g.armGraceLocked()
	}
}

func (g *Gate) armGraceLocked() {
	if g.graceTimer != nil {
		return
	}
	g.graceTimer = time.AfterFunc(g.opts.NoClientGrace, g.denyAllNoClient)
}

func (g *Gate) denyAllNoClient() {
	g.mu.Lock()
	if g.present {
		g.mu.Unlock()
		return
	}
	g.graceTimer = nil
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(id, policy.Deny, protocol.ScopeOnce, protocol.ReasonNoClient, false)
	}
}

// CancelAll denies every pending ask with the session_stopped reason and
// rejects future asks. Called on session teardown so no engine goroutine
// stays parked on a request nobody can answer.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	g.stopped = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(id, policy.Deny, protocol.ScopeOnce, protocol.ReasonSessionStopped, false)
	}
}

// Pending returns the ids of unresolved requests, for status reporting.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}
