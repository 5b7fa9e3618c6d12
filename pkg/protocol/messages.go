package protocol

import (
	"encoding/json"
	"time"
)

// Client message types. Every request-bearing message produces exactly one
// command_result for its requestId; rejection is a command_result with
// success=false, never a transport error.
const (
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgPrompt            = "prompt"
	MsgSteer             = "steer"
	MsgFollowUp          = "follow_up"
	MsgAbort             = "abort"
	MsgPermissionRespond = "permission_respond"
	MsgExtensionUIResult = "extension_ui_response"
	MsgSessionNew        = "session_new"
	MsgSessionsList      = "sessions_list"
	MsgSessionStatus     = "session_status"
	MsgPing              = "ping"
)

// ClientMessage is the inbound wire frame. It is a tagged union over Type;
// unused fields stay at their zero value. Unknown types are logged and
// skipped by the server (forward compatibility), never a stream error.
type ClientMessage struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"requestId,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	ClientTurnID string          `json:"clientTurnId,omitempty"`
	Level        string          `json:"level,omitempty"`    // subscribe: "full" | "notifications"
	SinceSeq     *uint64         `json:"sinceSeq,omitempty"` // subscribe: replay events with seq > sinceSeq
	Message      string          `json:"message,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
	PermissionID string          `json:"permissionId,omitempty"`
	Action       string          `json:"action,omitempty"` // permission_respond: "allow" | "deny"
	Scope        string          `json:"scope,omitempty"`  // permission_respond: once|session|workspace|global
	Value        json.RawMessage `json:"value,omitempty"`  // extension_ui_response payload
	WorkspaceID  string          `json:"workspaceId,omitempty"` // session_new
	Model        string          `json:"model,omitempty"`       // session_new: override the configured default
}

// Attachment is an opaque reference carried on prompt messages.
type Attachment struct {
	Kind string `json:"kind"` // "image", "file"
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // base64 inline content
	MIME string `json:"mime,omitempty"`
}

// SessionEvent is the outbound frame for everything a session emits.
// Seq is strictly increasing and dense within a session.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Payload   any    `json:"payload,omitempty"`
}

// CommandResult acknowledges a request-bearing ClientMessage.
// It carries no seq.
type CommandResult struct {
	Type      string `json:"type"` // always "command_result"
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// NewCommandResult builds a success ack for a request id.
func NewCommandResult(requestID string, payload any) *CommandResult {
	return &CommandResult{Type: "command_result", RequestID: requestID, Success: true, Payload: payload}
}

// NewCommandError builds a failure ack with a reason string.
func NewCommandError(requestID, reason string) *CommandResult {
	return &CommandResult{Type: "command_result", RequestID: requestID, Success: false, Error: reason}
}

// --- Event payloads ---

// StatePayload reports a session status change (and current metadata
// snapshot so reconnecting clients get a baseline in one frame).
type StatePayload struct {
	Status       string        `json:"status"`
	Cause        string        `json:"cause,omitempty"` // set when status=error
	Model        string        `json:"model,omitempty"`
	MessageCount int           `json:"messageCount,omitempty"`
	InputTokens  int64         `json:"inputTokens,omitempty"`
	OutputTokens int64         `json:"outputTokens,omitempty"`
	CostUSD      float64       `json:"costUsd,omitempty"`
	ContextUsed  int           `json:"contextUsed,omitempty"`
	ContextSize  int           `json:"contextSize,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	LastActivity time.Time     `json:"lastActivity,omitzero"`
}

// DeltaPayload carries one append-only text or thinking fragment.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool call entering execution (or the gate).
type ToolStartPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolOutputPayload streams incremental tool output.
type ToolOutputPayload struct {
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
}

// ToolEndPayload closes a tool call. Error is set when the call was
// blocked or failed (kind "policy_denied" for gate blocks).
type ToolEndPayload struct {
	ToolCallID string     `json:"toolCallId"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// TurnAckPayload reports turn scheduling progress for a client turn id.
type TurnAckPayload struct {
	ClientTurnID string `json:"clientTurnId"`
	RequestID    string `json:"requestId,omitempty"`
	Stage        string `json:"stage"`
	Reason       string `json:"reason,omitempty"` // stage=dropped: duplicate|precondition|session_terminal
}

// PermissionRequestPayload asks the client to arbitrate a tool call.
type PermissionRequestPayload struct {
	ID             string          `json:"id"`
	ToolCallID     string          `json:"toolCallId"`
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
	Risk           string          `json:"risk"`
	DisplaySummary string          `json:"displaySummary,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PermissionResolvedPayload closes a permission request exactly once.
type PermissionResolvedPayload struct {
	ID     string `json:"id"`
	Action string `json:"action"` // allow|deny
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is a non-fatal error surfaced on the event stream.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo is an embedded error record (tool_end, agent_end).
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// AgentStartPayload opens an agent turn.
type AgentStartPayload struct {
	ClientTurnID string `json:"clientTurnId,omitempty"`
}

// AgentEndPayload closes an agent turn.
type AgentEndPayload struct {
	ClientTurnID string     `json:"clientTurnId,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// SessionSummary is the sessions_list row.
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	WorkspaceID  string    `json:"workspaceId"`
	Status       string    `json:"status"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}
