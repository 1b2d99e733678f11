package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshwire-ai/meshwire/internal/ratelimit"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

const (
	// ContextIdleTimeout is how long an auth context may sit unused before GC.
	ContextIdleTimeout = 1 * time.Hour
	// contextGCInterval is the period of the context eviction loop.
	contextGCInterval = 10 * time.Minute
	// ruleWindow is the sliding-window span for per-rule rate limits.
	ruleWindow = 60 * time.Second
)

// TokenValidator resolves an opaque token value to the session it is bound
// to. *token.Manager satisfies it.
type TokenValidator interface {
	Validate(value string) (string, bool)
}

// Claims is the JWT claim set accepted as a bearer assertion: a permission
// list plus the standard registered claims, HS256-signed with the shared
// auth secret.
type Claims struct {
	Perms     []string `json:"perms,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Middleware authenticates received messages and applies authorization rules.
type Middleware struct {
	tokens    TokenValidator
	jwtSecret []byte
	audit     *AuditLog
	logger    *slog.Logger

	mu       sync.RWMutex
	rules    []*Rule
	trusted  map[string]bool
	blocked  map[string]bool
	grants   map[string][]string // static permission grants per agent
	contexts map[string]*Context
	windows  map[string]*ratelimit.SlidingWindow // rule name -> window
}

// Options configures the middleware.
type Options struct {
	// JWTSecret enables JWT bearer assertions when non-empty.
	JWTSecret string
	// TrustedAgents are lifted to at least ELEVATED.
	TrustedAgents []string
	// BlockedAgents are rejected outright.
	BlockedAgents []string
	// Grants are static permissions per agent, applied when an opaque
	// session token validates.
	Grants map[string][]string
}

// NewMiddleware creates the auth middleware. tokens may be nil when only JWT
// assertions are in use; audit must not be nil.
func NewMiddleware(tokens TokenValidator, audit *AuditLog, opts Options, logger *slog.Logger) *Middleware {
	grants := opts.Grants
	if grants == nil {
		grants = make(map[string][]string)
	}
	return &Middleware{
		tokens:    tokens,
		jwtSecret: []byte(opts.JWTSecret),
		audit:     audit,
		logger:    logger.With("component", "auth"),
		trusted:   permSet(opts.TrustedAgents),
		blocked:   permSet(opts.BlockedAgents),
		grants:    grants,
		contexts:  make(map[string]*Context),
		windows:   make(map[string]*ratelimit.SlidingWindow),
	}
}

// AddRule appends a compiled rule. Rules apply in insertion order.
func (m *Middleware) AddRule(r *Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	if r.RateLimit > 0 {
		m.windows[r.Name] = ratelimit.NewSlidingWindow(r.RateLimit, ruleWindow)
	}
}

// Block adds an agent to the block list.
func (m *Middleware) Block(agentID string) {
	m.mu.Lock()
	m.blocked[agentID] = true
	m.mu.Unlock()
}

// Unblock removes an agent from the block list.
func (m *Middleware) Unblock(agentID string) {
	m.mu.Lock()
	delete(m.blocked, agentID)
	m.mu.Unlock()
}

// Trust marks an agent trusted.
func (m *Middleware) Trust(agentID string) {
	m.mu.Lock()
	m.trusted[agentID] = true
	m.mu.Unlock()
}

// Audit exposes the audit log.
func (m *Middleware) Audit() *AuditLog { return m.audit }

// Authenticate runs the full pipeline on a received message: block list,
// context resolution, token validation, trust lift, then every rule whose
// pattern matches the command. A nil return means the message is admitted.
func (m *Middleware) Authenticate(msg *protocol.Message) error {
	sender := msg.Header.SenderID
	command := msg.Payload.Command

	m.mu.RLock()
	blocked := m.blocked[sender]
	trusted := m.trusted[sender]
	m.mu.RUnlock()

	if blocked {
		m.audit.Record("auth_blocked", map[string]any{"agent": sender, "command": command})
		return fmt.Errorf("%w: %s", ErrBlocked, sender)
	}

	ctx := m.contextFor(sender, msg.Header.SessionID)

	if tok := msg.AuthToken(); tok != "" {
		perms, err := m.resolveToken(sender, tok)
		if err != nil {
			m.audit.Record("auth_invalid_token", map[string]any{"agent": sender, "command": command})
			return err
		}
		ctx.mu.Lock()
		ctx.Token = tok
		ctx.Permissions = perms
		ctx.Level = deriveLevel(perms)
		ctx.AuthenticatedAt = time.Now()
		ctx.mu.Unlock()
	}

	if trusted {
		ctx.mu.Lock()
		if ctx.Permissions == nil {
			ctx.Permissions = make(map[string]bool)
		}
		ctx.Permissions["trusted"] = true
		if ctx.Level < LevelElevated {
			ctx.Level = LevelElevated
		}
		ctx.mu.Unlock()
	}

	ctx.touch()

	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	now := time.Now()
	for _, rule := range rules {
		if !rule.Pattern.MatchString(command) {
			continue
		}
		if err := rule.check(ctx, sender, now); err != nil {
			m.audit.Record(CodeOf(err), map[string]any{
				"agent": sender, "command": command, "rule": rule.Name,
			})
			return err
		}
		if rule.RateLimit > 0 {
			m.mu.RLock()
			window := m.windows[rule.Name]
			m.mu.RUnlock()
			if res := window.Allow(sender); !res.Allowed {
				m.audit.Record("auth_rate_limited", map[string]any{
					"agent": sender, "command": command, "rule": rule.Name,
					"retry_after": res.RetryAfter.Seconds(),
				})
				return fmt.Errorf("%w: rule %s, retry after %s", ErrRateLimited, rule.Name, res.RetryAfter)
			}
		}
	}

	m.audit.Record("auth_granted", map[string]any{"agent": sender, "command": command})
	return nil
}

// resolveToken turns a token value into a permission set. Values shaped like
// JWTs are verified against the shared secret; anything else goes to the
// opaque token manager and picks up the agent's static grants.
func (m *Middleware) resolveToken(sender, tok string) (map[string]bool, error) {
	if strings.Count(tok, ".") == 2 && len(m.jwtSecret) > 0 {
		claims, err := m.validateJWT(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return permSet(claims.Perms), nil
	}

	if m.tokens == nil {
		return nil, fmt.Errorf("%w: no token validator configured", ErrInvalidToken)
	}
	if _, ok := m.tokens.Validate(tok); !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrInvalidToken, sender)
	}

	m.mu.RLock()
	grants := m.grants[sender]
	m.mu.RUnlock()
	return permSet(grants), nil
}

func (m *Middleware) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// AuthorizeAction checks a specific action against a context: ADMIN always
// passes, otherwise an explicit "action:resource" or wildcard "action:*"
// permission is required.
func (m *Middleware) AuthorizeAction(agentID, sessionID, action, resource string) bool {
	ctx := m.contextFor(agentID, sessionID)

	ctx.mu.Lock()
	level := ctx.Level
	ctx.mu.Unlock()

	ok := false
	switch {
	case level == LevelAdmin:
		ok = true
	case resource == "" && ctx.HasPermission(action):
		ok = true
	case resource != "" && ctx.HasPermission(action+":"+resource):
		ok = true
	case ctx.HasPermission(action + ":*"):
		ok = true
	}

	event := "action_denied"
	if ok {
		event = "action_authorized"
	}
	m.audit.Record(event, map[string]any{
		"agent": agentID, "action": action, "resource": resource,
	})
	return ok
}

// ContextOf returns the cached context for (agent, session), if present.
func (m *Middleware) ContextOf(agentID, sessionID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[contextKey(agentID, sessionID)]
	return ctx, ok
}

func (m *Middleware) contextFor(agentID, sessionID string) *Context {
	key := contextKey(agentID, sessionID)

	m.mu.RLock()
	ctx, ok := m.contexts[key]
	m.mu.RUnlock()
	if ok {
		return ctx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, ok = m.contexts[key]; ok {
		return ctx
	}
	ctx = &Context{
		AgentID:      agentID,
		SessionID:    sessionID,
		Permissions:  make(map[string]bool),
		LastActivity: time.Now(),
	}
	m.contexts[key] = ctx
	return ctx
}

// Start runs the context GC loop until ctx is canceled.
func (m *Middleware) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(contextGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle(time.Now())
			}
		}
	}()
}

// evictIdle drops contexts idle longer than ContextIdleTimeout.
func (m *Middleware) evictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, ctx := range m.contexts {
		ctx.mu.Lock()
		idle := now.Sub(ctx.LastActivity)
		ctx.mu.Unlock()
		if idle > ContextIdleTimeout {
			delete(m.contexts, key)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("auth contexts evicted", "count", evicted)
	}
	return evicted
}
