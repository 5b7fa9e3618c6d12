package protocol

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// Session event types pushed from server to client. Every one of these
// carries {sessionId, seq} assigned by the session's event fan-out.
const (
	EventState              = "state"
	EventAgentStart         = "agent_start"
	EventTextDelta          = "text_delta"
	EventThinkingDelta      = "thinking_delta"
	EventToolStart          = "tool_start"
	EventToolOutput         = "tool_output"
	EventToolEnd            = "tool_end"
	EventAgentEnd           = "agent_end"
	EventMessageEnd         = "message_end"
	EventTurnAck            = "turn_ack"
	EventPermissionRequest  = "permission_request"
	EventPermissionResolved = "permission_resolved"
	EventExtensionUIRequest = "extension_ui_request"
	EventExtensionUIResult  = "extension_ui_response"
	EventError              = "error"
)

// Turn acknowledgement stages.
const (
	AckReceived  = "received"
	AckScheduled = "scheduled"
	AckDelivered = "delivered"
	AckDropped   = "dropped"
)

// Drop reasons carried on turn_ack stage=dropped.
const (
	DropDuplicate       = "duplicate"
	DropPrecondition    = "precondition"
	DropSessionTerminal = "session_terminal"
)

// Error event kinds.
const (
	ErrCatchupTruncated = "catchup_truncated"
	ErrOverflow         = "overflow"
	ErrPolicyDenied     = "policy_denied"
	ErrUnknownEvent     = "unknown_event"
	ErrAgentCrash       = "agent_crash"
)

// Session statuses as they appear in state events.
const (
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusBusy     = "busy"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Permission actions and scopes.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"

	ScopeOnce      = "once"
	ScopeSession   = "session"
	ScopeWorkspace = "workspace"
	ScopeGlobal    = "global"
)

// Risk tiers assigned by policy evaluation.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Permission resolution reasons.
const (
	ReasonNoClient       = "no_client"
	ReasonTimeout        = "timeout"
	ReasonSessionStopped = "session_stopped"
)

// Subscription levels.
const (
	LevelFull          = "full"
	LevelNotifications = "notifications"
)
