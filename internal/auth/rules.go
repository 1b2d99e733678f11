package auth

import (
	"fmt"
	"regexp"
	"time"
)

// TimeWindow restricts a rule to an hour-of-day range [Start, End). A window
// wrapping midnight (Start > End) is allowed.
type TimeWindow struct {
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Rule is one authorization rule, applied to every message whose command
// matches the pattern.
type Rule struct {
	Name                string
	Pattern             *regexp.Regexp
	RequiredLevel       Level
	RequiredPermissions []string
	RateLimit           int // requests per minute per agent; 0 disables
	AllowAgents         map[string]bool
	DenyAgents          map[string]bool
	Time                *TimeWindow
}

// RuleConfig is the serializable form of a rule.
type RuleConfig struct {
	Name                string   `json:"name"`
	Pattern             string   `json:"pattern"`
	RequiredLevel       string   `json:"required_level,omitempty"` // none|basic|elevated|admin
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	RateLimit           int      `json:"rate_limit,omitempty"`
	AllowAgents         []string `json:"allow_agents,omitempty"`
	DenyAgents          []string `json:"deny_agents,omitempty"`
	StartHour           *int     `json:"start_hour,omitempty"`
	EndHour             *int     `json:"end_hour,omitempty"`
}

// CompileRule validates and compiles a rule config.
func CompileRule(cfg RuleConfig) (*Rule, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("auth: rule needs a name")
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("auth: rule %s: bad pattern: %w", cfg.Name, err)
	}

	level := LevelNone
	switch cfg.RequiredLevel {
	case "", "none":
	case "basic":
		level = LevelBasic
	case "elevated":
		level = LevelElevated
	case "admin":
		level = LevelAdmin
	default:
		return nil, fmt.Errorf("auth: rule %s: unknown level %q", cfg.Name, cfg.RequiredLevel)
	}

	r := &Rule{
		Name:                cfg.Name,
		Pattern:             re,
		RequiredLevel:       level,
		RequiredPermissions: cfg.RequiredPermissions,
		RateLimit:           cfg.RateLimit,
	}
	if len(cfg.AllowAgents) > 0 {
		r.AllowAgents = permSet(cfg.AllowAgents)
	}
	if len(cfg.DenyAgents) > 0 {
		r.DenyAgents = permSet(cfg.DenyAgents)
	}
	if cfg.StartHour != nil && cfg.EndHour != nil {
		if *cfg.StartHour < 0 || *cfg.StartHour > 23 || *cfg.EndHour < 0 || *cfg.EndHour > 24 {
			return nil, fmt.Errorf("auth: rule %s: hour window out of range", cfg.Name)
		}
		r.Time = &TimeWindow{StartHour: *cfg.StartHour, EndHour: *cfg.EndHour}
	}
	return r, nil
}

// check evaluates a matched rule against a context. The rate-limit clause is
// evaluated by the middleware, which owns the sliding windows.
func (r *Rule) check(ctx *Context, sender string, now time.Time) error {
	if ctx.Level < r.RequiredLevel {
		return fmt.Errorf("%w: rule %s requires %s, have %s", ErrInsufficientLevel, r.Name, r.RequiredLevel, ctx.Level)
	}
	for _, perm := range r.RequiredPermissions {
		if !ctx.HasPermission(perm) {
			return fmt.Errorf("%w: rule %s requires %q", ErrMissingPermissions, r.Name, perm)
		}
	}
	if r.DenyAgents != nil && r.DenyAgents[sender] {
		return fmt.Errorf("%w: rule %s denies %s", ErrAgentDenied, r.Name, sender)
	}
	if r.AllowAgents != nil && !r.AllowAgents[sender] {
		return fmt.Errorf("%w: rule %s does not allow %s", ErrAgentDenied, r.Name, sender)
	}
	if r.Time != nil && !r.Time.Contains(now) {
		return fmt.Errorf("%w: rule %s window %02d-%02d", ErrTimeRestricted, r.Name, r.Time.StartHour, r.Time.EndHour)
	}
	return nil
}
