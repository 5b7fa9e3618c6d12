package policy

import "time"

// Actions a rule can decide.
const (
	Allow = "allow"
	Deny  = "deny"
	Ask   = "ask"
)

// Rule scopes, narrowest first. Session rules live in memory only;
// workspace and global rules are written through the rule store.
const (
	ScopeSession   = "session"
	ScopeWorkspace = "workspace"
	ScopeGlobal    = "global"
)

// Rule is one learned match pattern → decision. Pattern is matched against
// the tool name with path.Match globbing ("write_*"). An empty Command
// matches any input; otherwise Command must be a substring of the call's
// extracted command string.
type Rule struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	SessionID   string    `json:"sessionId,omitempty"`   // scope=session
	WorkspaceID string    `json:"workspaceId,omitempty"` // scope=workspace
	Pattern     string    `json:"pattern"`
	Command     string    `json:"command,omitempty"`
	Action      string    `json:"action"`
	Risk        string    `json:"risk"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Decision is the outcome of evaluating one tool call.
type Decision struct {
	Action      string `json:"action"`
	Reason      string `json:"reason,omitempty"`
	Risk        string `json:"risk"`
	MatchedRule string `json:"matchedRule,omitempty"` // rule id or built-in pattern name
}
