package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oppihq/oppid/internal/config"
)

// Persister stores workspace- and global-scoped learned rules across
// restarts. Session-scoped rules never reach it.
type Persister interface {
	SaveRule(ctx context.Context, r Rule) error
	ListRules(ctx context.Context) ([]Rule, error)
}

// Engine evaluates tool calls against the layered rule list. Reads are
// lock-free against an atomically published snapshot; writers copy the
// active set, mutate, and republish under a mutex.
type Engine struct {
	snap  atomic.Pointer[ruleSet]
	mu    sync.Mutex // serializes writers
	store Persister  // nil = no persistence (tests, ephemeral mode)
}

// ruleSet is one immutable evaluation snapshot.
type ruleSet struct {
	hardDeny     []hardDenyRule
	session      map[string][]Rule // sessionID → rules, oldest first
	workspace    []Rule
	global       []Rule
	toolDefaults map[string]config.ToolPolicy
	globKeys     []string // glob patterns from toolDefaults, sorted, excluding "*"
}

// NewEngine builds an engine from the config policy section. The store may
// be nil.
func NewEngine(pc config.PolicyConfig, store Persister) *Engine {
	e := &Engine{store: store}
	e.snap.Store(buildRuleSet(pc, nil, nil, nil))
	return e
}

func buildRuleSet(pc config.PolicyConfig, session map[string][]Rule, workspace, global []Rule) *ruleSet {
	rs := &ruleSet{
		hardDeny:     append(builtinHardDeny(), compileExtraHardDeny(pc.HardDeny)...),
		session:      session,
		workspace:    workspace,
		global:       global,
		toolDefaults: pc.Tools,
	}
	if rs.session == nil {
		rs.session = map[string][]Rule{}
	}
	for k := range pc.Tools {
		if k != "*" && (pathHasGlob(k)) {
			rs.globKeys = append(rs.globKeys, k)
		}
	}
	sort.Strings(rs.globKeys)
	return rs
}

func pathHasGlob(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' || r == '[' {
			return true
		}
	}
	return false
}

// LoadPersisted reads stored workspace/global rules into the active
// snapshot. Call once at startup, before sessions exist.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load learned rules: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	next := cur.clone()
	for _, r := range rules {
		switch r.Scope {
		case ScopeWorkspace:
			next.workspace = append(next.workspace, r)
		case ScopeGlobal:
			next.global = append(next.global, r)
		}
	}
	e.snap.Store(next)
	slog.Info("policy rules loaded", "workspace", len(next.workspace), "global", len(next.global))
	return nil
}

// Evaluate classifies one tool call. It never returns an error: malformed
// input is deny with critical risk.
func (e *Engine) Evaluate(sessionID, workspaceID, tool string, input json.RawMessage) Decision {
	command, filePath, ok := extractCallFields(input)
	if !ok {
		return Decision{Action: Deny, Reason: "malformed", Risk: "critical"}
	}

	rs := e.snap.Load()

	// 1. Immutable hard-deny prefix.
	for _, hd := range rs.hardDeny {
		if hd.match(tool, command, filePath) {
			return Decision{Action: Deny, Reason: "hard_deny:" + hd.name, Risk: "critical", MatchedRule: hd.name}
		}
	}

	// 2–4. Learned rules, narrowest scope first, first match wins.
	if d, ok := matchRules(rs.session[sessionID], tool, command, ""); ok {
		return d
	}
	if d, ok := matchRules(rs.workspace, tool, command, workspaceID); ok {
		return d
	}
	if d, ok := matchRules(rs.global, tool, command, ""); ok {
		return d
	}

	// 5. Static registry default for the tool class.
	if tp, ok := rs.toolDefaults[tool]; ok {
		return Decision{Action: tp.Action, Reason: "default", Risk: tp.Risk}
	}
	for _, pat := range rs.globKeys {
		if matched, _ := path.Match(pat, tool); matched {
			tp := rs.toolDefaults[pat]
			return Decision{Action: tp.Action, Reason: "default", Risk: tp.Risk, MatchedRule: pat}
		}
	}
	if tp, ok := rs.toolDefaults["*"]; ok {
		return Decision{Action: tp.Action, Reason: "default", Risk: tp.Risk, MatchedRule: "*"}
	}

	// Unknown tool with no registry entry: arbitration is the safe default.
	return Decision{Action: Ask, Reason: "unregistered_tool", Risk: "medium"}
}

// matchRules walks one scope's list. workspaceID filters workspace-scoped
// rules; pass "" for other scopes.
func matchRules(rules []Rule, tool, command, workspaceID string) (Decision, bool) {
	for _, r := range rules {
		if r.Scope == ScopeWorkspace && workspaceID != "" && r.WorkspaceID != workspaceID {
			continue
		}
		matched, err := path.Match(r.Pattern, tool)
		if err != nil || !matched {
			continue
		}
		if r.Command != "" && !strings.Contains(command, r.Command) {
			continue
		}
		return Decision{Action: r.Action, Reason: "learned", Risk: r.Risk, MatchedRule: r.ID}, true
	}
	return Decision{}, false
}

// Learn appends a rule at its scope and persists workspace/global rules.
// Hard-deny rules cannot be shadowed: they are evaluated first regardless.
func (e *Engine) Learn(ctx context.Context, r Rule) (Rule, error) {
	switch r.Action {
	case Allow, Deny:
	default:
		return Rule{}, fmt.Errorf("learn rule: invalid action %q", r.Action)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	next := cur.clone()
	switch r.Scope {
	case ScopeSession:
		next.session[r.SessionID] = append(append([]Rule(nil), next.session[r.SessionID]...), r)
	case ScopeWorkspace:
		next.workspace = append(next.workspace, r)
	case ScopeGlobal:
		next.global = append(next.global, r)
	default:
		return Rule{}, fmt.Errorf("learn rule: invalid scope %q", r.Scope)
	}
	if e.store != nil && (r.Scope == ScopeWorkspace || r.Scope == ScopeGlobal) {
		if err := e.store.SaveRule(ctx, r); err != nil {
			// Keep the in-memory rule; losing persistence is a warning,
			// not a denial of the user's decision.
			slog.Warn("policy rule persistence failed", "rule", r.ID, "error", err)
		}
	}
	e.snap.Store(next)
	slog.Debug("policy rule learned", "rule", r.ID, "scope", r.Scope, "pattern", r.Pattern, "action", r.Action)
	return r, nil
}

// DropSession discards all session-scoped rules for a terminated session.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	if _, ok := cur.session[sessionID]; !ok {
		return
	}
	next := cur.clone()
	delete(next.session, sessionID)
	e.snap.Store(next)
}

// SetToolDefaults republishes the snapshot with a new risk registry
// (config hot reload). Learned rules are preserved.
func (e *Engine) SetToolDefaults(pc config.PolicyConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	next := buildRuleSet(pc, cur.session, cur.workspace, cur.global)
	e.snap.Store(next)
}

func (rs *ruleSet) clone() *ruleSet {
	next := &ruleSet{
		hardDeny:     rs.hardDeny,
		session:      make(map[string][]Rule, len(rs.session)),
		workspace:    append([]Rule(nil), rs.workspace...),
		global:       append([]Rule(nil), rs.global...),
		toolDefaults: rs.toolDefaults,
		globKeys:     rs.globKeys,
	}
	for k, v := range rs.session {
		next.session[k] = v
	}
	return next
}

// extractCallFields pulls the command and path strings out of an opaque
// tool input. A bare JSON string is treated as the command. Returns
// ok=false only when input is present but not valid JSON.
func extractCallFields(input json.RawMessage) (command, filePath string, ok bool) {
	if len(input) == 0 {
		return "", "", true
	}
	var asString string
	if err := json.Unmarshal(input, &asString); err == nil {
		return asString, "", true
	}
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil {
		return "", "", false
	}
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := obj[key].(string); ok {
			command = v
			break
		}
	}
	for _, key := range []string{"path", "file_path", "filePath", "file"} {
		if v, ok := obj[key].(string); ok {
			filePath = v
			break
		}
	}
	return command, filePath, true
}

