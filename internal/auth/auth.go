// Package auth is the rule-based authentication and authorization middleware
// applied to received messages, with an audit trail of every decision.
package auth

import (
	"errors"
	"sync"
	"time"
)

// Level is an agent's authentication level.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelElevated
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelElevated:
		return "elevated"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Sentinel errors; each maps to an error code via CodeOf.
var (
	ErrBlocked            = errors.New("auth: sender is blocked")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrInsufficientLevel  = errors.New("auth: insufficient auth level")
	ErrMissingPermissions = errors.New("auth: missing required permissions")
	ErrAgentDenied        = errors.New("auth: agent not allowed by rule")
	ErrRateLimited        = errors.New("auth: rate limit exceeded")
	ErrTimeRestricted     = errors.New("auth: outside allowed time window")
)

// CodeOf maps an authentication error to the audit / wire error code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrBlocked):
		return "auth_blocked"
	case errors.Is(err, ErrInvalidToken):
		return "auth_invalid_token"
	case errors.Is(err, ErrInsufficientLevel):
		return "auth_insufficient_level"
	case errors.Is(err, ErrMissingPermissions):
		return "auth_missing_permissions"
	case errors.Is(err, ErrAgentDenied):
		return "auth_agent_denied"
	case errors.Is(err, ErrRateLimited):
		return "auth_rate_limited"
	case errors.Is(err, ErrTimeRestricted):
		return "auth_time_restricted"
	default:
		return "auth_failed"
	}
}

// Context is cached authentication state for one (agent, session) pair.
type Context struct {
	AgentID         string
	SessionID       string
	Token           string
	Permissions     map[string]bool
	Level           Level
	Metadata        map[string]string
	AuthenticatedAt time.Time
	LastActivity    time.Time
	RequestCount    int64

	mu sync.Mutex
}

func contextKey(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

// HasPermission reports whether the context holds the named permission.
func (c *Context) HasPermission(perm string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Permissions[perm]
}

// touch records activity on the context.
func (c *Context) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now()
	c.RequestCount++
	c.mu.Unlock()
}

// deriveLevel maps a permission set to an auth level: admin grants ADMIN,
// elevated or system grant ELEVATED, any permission grants BASIC.
func deriveLevel(perms map[string]bool) Level {
	switch {
	case perms["admin"]:
		return LevelAdmin
	case perms["elevated"] || perms["system"]:
		return LevelElevated
	case len(perms) > 0:
		return LevelBasic
	default:
		return LevelNone
	}
}

// permSet builds a permission set from a list.
func permSet(perms []string) map[string]bool {
	set := make(map[string]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}
