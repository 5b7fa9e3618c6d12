// Package engine names the agent-engine boundary. The engine is the
// LLM-driven tool-calling loop; it lives outside the core and is only
// reached through the interfaces here. The core injects a gate interceptor
// at construction and consumes the engine's event stream.
package engine

import (
	"context"
	"encoding/json"

	"github.com/oppihq/oppid/pkg/protocol"
)

// Event types emitted on the engine stream. The set is closed from the
// core's point of view; any other tag is forwarded by the supervisor as an
// unknown_event error rather than dropped.
const (
	EventReady         = "ready"
	EventAgentStart    = "agent_start"
	EventTextDelta     = "text_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolStart     = "tool_start"
	EventToolOutput    = "tool_output"
	EventToolEnd       = "tool_end"
	EventAgentEnd      = "agent_end"
	EventMessageEnd    = "message_end"
	EventUsage         = "usage"
	EventError         = "error"
)

// Event is one engine stream record. Engines that compute replacing
// "partial result" updates must diff them down to appends before emitting:
// Text carries an append-only fragment, never a replacement.
type Event struct {
	Type         string
	ClientTurnID string          // agent_start / agent_end: the turn being served
	Text         string          // text_delta / thinking_delta fragment
	ToolCallID   string          // tool_* events
	Tool         string          // tool_start
	Input        json.RawMessage // tool_start
	Output       string          // tool_output
	ToolError    string          // tool_end: non-empty on failure or gate block
	Blocked      bool            // tool_end: true when the gate denied the call
	Usage        *Usage          // usage
	Message      string          // error: human-readable cause
}

// Usage is a per-turn accounting update.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	ContextUsed  int
}

// InterceptFunc is consulted before every tool execution. It blocks until
// policy decides or the user responds; blocked=true means the tool must
// not run and reason explains why.
type InterceptFunc func(ctx context.Context, toolCallID, tool string, input json.RawMessage) (blocked bool, reason string, err error)

// TurnRequest is one user-originated turn handed to the engine.
type TurnRequest struct {
	ClientTurnID string
	Message      string
	Attachments  []protocol.Attachment
}

// Engine is the per-session agent loop. Run blocks until the turn
// completes (events stream on Events concurrently) and returns an error
// only on engine failure, not on tool denials. Steer injects a message
// into the running turn; Abort asks the engine to stop it. Close shuts the
// engine down and closes Events.
type Engine interface {
	Run(ctx context.Context, turn TurnRequest) error
	Steer(ctx context.Context, message string) error
	Abort(ctx context.Context) error
	Events() <-chan Event
	LogPath() string
	Close() error
}

// Config parameterizes engine construction for one session.
type Config struct {
	SessionID     string
	WorkspaceID   string
	Model         string
	Workspace     string
	LogDir        string
	ContextWindow int
	Intercept     InterceptFunc
}

// Factory builds an engine for a session. Injected into the supervisor so
// tests can substitute a scripted engine.
type Factory func(ctx context.Context, cfg Config) (Engine, error)
