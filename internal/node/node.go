// Package node is the orchestrator that ties transport, connections, auth,
// sessions, and the message pipeline into one running process.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshwire-ai/meshwire/internal/auditstore"
	"github.com/meshwire-ai/meshwire/internal/auth"
	"github.com/meshwire-ai/meshwire/internal/balancer"
	"github.com/meshwire-ai/meshwire/internal/compress"
	"github.com/meshwire-ai/meshwire/internal/config"
	"github.com/meshwire-ai/meshwire/internal/connection"
	"github.com/meshwire-ai/meshwire/internal/eventbus"
	"github.com/meshwire-ai/meshwire/internal/pipeline"
	"github.com/meshwire-ai/meshwire/internal/ratelimit"
	"github.com/meshwire-ai/meshwire/internal/session"
	"github.com/meshwire-ai/meshwire/internal/token"
	"github.com/meshwire-ai/meshwire/internal/transport"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

const (
	tokenSweepInterval   = 60 * time.Second
	auditRetention       = 30 * 24 * time.Hour
	auditPurgeInterval   = 1 * time.Hour
	heartbeatSendTimeout = 5 * time.Second
)

// ErrNoBackend is returned by RouteRequest when no routable backend remains.
var ErrNoBackend = errors.New("node: no routable backend")

// Node is one agent process in the mesh.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *eventbus.Bus
	ids      *protocol.IDGenerator
	tr       transport.Transport
	tokens   *token.Manager
	sessions *session.Manager
	conns    *connection.Manager
	authMW   *auth.Middleware
	audit    auditstore.Store
	limiter  *ratelimit.Limiter
	comp     *compress.Compressor
	balancer *balancer.Balancer
	pipe     *pipeline.Pipeline
}

// New builds a node from configuration. The config must already be
// validated by config.Load.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	bus := eventbus.New()
	logger = slog.New(eventbus.NewSlogHandler(logger.Handler(), bus))

	n := &Node{
		cfg:    cfg,
		logger: logger.With("component", "node", "node_id", cfg.Node.ID),
		bus:    bus,
		ids:    protocol.NewIDGenerator(cfg.Node.ID),
	}

	var err error
	n.tr, err = buildTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	n.tokens = token.NewManager(logger)
	n.sessions = session.NewManager(bus, logger)
	n.conns = connection.NewManager(n.tr, n.ids, bus, logger, connection.Options{
		HeartbeatInterval: cfg.Heartbeat.Interval.Duration,
		SuperviseInterval: cfg.Heartbeat.SuperviseInterval.Duration,
		ConnectionTimeout: cfg.Heartbeat.Timeout.Duration,
		MaxReconnectTries: cfg.Heartbeat.MaxRetries,
	})
	n.comp = compress.New(logger, compress.Options{
		CacheEntries: cfg.Compression.CacheEntries,
		Workers:      cfg.Compression.Workers,
	})

	n.audit, err = auditstore.Open(cfg.Audit.Backend, cfg.Audit.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	opts := pipeline.Options{
		Secret:        cfg.Node.Secret,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		ProcessBatch:  cfg.Pipeline.ProcessBatch,
		Tokens:        n.tokens,
	}

	if cfg.Auth.Enabled {
		auditLog := auth.NewAuditLog(bus)
		auditLog.SetSink(auditstore.Sink(n.audit, logger))
		n.authMW = auth.NewMiddleware(n.tokens, auditLog, auth.Options{
			JWTSecret:     cfg.Auth.JWTSecret,
			TrustedAgents: cfg.Auth.TrustedAgents,
			BlockedAgents: cfg.Auth.BlockedAgents,
			Grants:        cfg.Auth.Grants,
		}, logger)
		for _, rc := range cfg.Auth.Rules {
			rule, err := auth.CompileRule(rc)
			if err != nil {
				return nil, fmt.Errorf("compile auth rule: %w", err)
			}
			n.authMW.AddRule(rule)
		}
		opts.Auth = n.authMW
	}

	if cfg.RateLimit.Enabled {
		n.limiter = ratelimit.NewLimiter(ratelimit.Config{
			PerAgentLimit: cfg.RateLimit.PerAgentLimit,
			GlobalLimit:   cfg.RateLimit.GlobalLimit,
			Window:        cfg.RateLimit.Window.Duration,
			Burst:         cfg.RateLimit.Burst,
			Adaptive:      cfg.RateLimit.Adaptive,
		})
		opts.Limiter = n.limiter
	}

	n.balancer, err = balancer.New(balancer.Strategy(cfg.Balancer.Strategy), logger)
	if err != nil {
		return nil, err
	}

	n.pipe = pipeline.New(n.ids, n.tr, n.conns, n.comp, bus, logger, opts)

	n.conns.SetHeartbeatSender(func(msg *protocol.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatSendTimeout)
		defer cancel()
		if err := n.pipe.Send(ctx, msg); err != nil {
			n.logger.Debug("heartbeat send failed", "error", err)
		}
	})

	for _, peer := range cfg.Peers {
		n.conns.RegisterAddress(peer.AgentID, peer.Address)
		n.balancer.Add(peer.AgentID, peer.Address, 1)
	}

	n.registerBuiltins()
	return n, nil
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "websocket":
		return transport.NewWebSocket(cfg.Transport.ListenAddr, logger), nil
	case "tcp":
		return transport.NewTCP(cfg.Transport.ListenAddr, logger), nil
	case "redis":
		return transport.NewRedis(cfg.Transport.RedisURL, cfg.Transport.RedisPrefix, cfg.Node.ID, logger)
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}
}

// Component accessors, mostly for command handlers and tests.
func (n *Node) Bus() *eventbus.Bus               { return n.bus }
func (n *Node) Pipeline() *pipeline.Pipeline     { return n.pipe }
func (n *Node) Sessions() *session.Manager       { return n.sessions }
func (n *Node) Tokens() *token.Manager           { return n.tokens }
func (n *Node) Connections() *connection.Manager { return n.conns }
func (n *Node) Balancer() *balancer.Balancer     { return n.balancer }

// Addr returns the transport's listen address, resolved after Run starts.
func (n *Node) Addr() string { return n.tr.Addr() }

// RegisterHandler binds a command name to a pipeline handler.
func (n *Node) RegisterHandler(command string, h pipeline.Handler) {
	n.pipe.RegisterHandler(command, h)
}

func (n *Node) registerBuiltins() {
	n.pipe.RegisterHandler("ping", func(msg *protocol.Message) (map[string]any, error) {
		return map[string]any{"status": "ok", "node_id": n.cfg.Node.ID}, nil
	})
	n.pipe.RegisterHandler("status", func(msg *protocol.Message) (map[string]any, error) {
		stats := n.pipe.Stats()
		sess := n.sessions.Stats()
		return map[string]any{
			"node_id":          n.cfg.Node.ID,
			"connected_agents": n.conns.ConnectedAgents(),
			"queue_depth":      n.pipe.QueueLen(),
			"pending_requests": n.pipe.PendingRequests(),
			"messages": map[string]any{
				"sent":      stats.Sent,
				"received":  stats.Received,
				"processed": stats.Processed,
				"dropped":   stats.Dropped,
			},
			"sessions": map[string]any{
				"active": sess.Active,
				"total":  sess.Total,
			},
		}, nil
	})
}

// OpenSession creates a session with this node as a participant and issues
// its auth token. The token value is returned for sharing out of band.
func (n *Node) OpenSession(id string, participants []string, ttl time.Duration, metadata map[string]string) (string, error) {
	if ttl <= 0 {
		ttl = n.cfg.Session.TTL.Duration
	}
	all := append([]string{n.cfg.Node.ID}, participants...)
	if _, err := n.sessions.Create(id, all, ttl, metadata); err != nil {
		return "", err
	}
	value, err := n.tokens.Generate(id, n.cfg.Session.TokenTTL.Duration)
	if err != nil {
		n.sessions.Terminate(id)
		return "", err
	}
	return value, nil
}

// CloseSession terminates a session, revokes its token, and discards its
// queued messages.
func (n *Node) CloseSession(id string) error {
	n.tokens.Revoke(id)
	n.pipe.DropSession(id)
	return n.sessions.Terminate(id)
}

// Send transmits a message through the pipeline.
func (n *Node) Send(ctx context.Context, msg *protocol.Message) error {
	return n.pipe.Send(ctx, msg)
}

// Request sends a REQUEST and waits for its reply.
func (n *Node) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = n.cfg.Pipeline.RequestTimeout.Duration
	}
	return n.pipe.Request(ctx, msg, timeout)
}

// Notify sends a fire-and-forget NOTIFICATION.
func (n *Node) Notify(ctx context.Context, recipient, sessionID, command string, data map[string]any, priority protocol.Priority) error {
	return n.pipe.Send(ctx, n.ids.NewNotification(recipient, sessionID, command, data, priority))
}

// Broadcast fans a NOTIFICATION out to every connected agent.
func (n *Node) Broadcast(ctx context.Context, sessionID, command string, data map[string]any, priority protocol.Priority) error {
	return n.pipe.Send(ctx, n.ids.NewNotification(protocol.Broadcast, sessionID, command, data, priority))
}

// RouteRequest picks a backend with the balancer and sends the request to
// it, retrying remaining backends on failure. Response times and failures
// feed back into backend health.
func (n *Node) RouteRequest(ctx context.Context, sessionID, command string, data map[string]any, timeout time.Duration) (*protocol.Message, error) {
	exclude := make(map[string]bool)
	var lastErr error

	for {
		backend := n.balancer.Pick(exclude)
		if backend == nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoBackend, lastErr)
			}
			return nil, ErrNoBackend
		}
		exclude[backend.AgentID] = true

		if err := n.ensureConnected(backend.AgentID); err != nil {
			n.balancer.Release(backend.AgentID)
			n.balancer.ReportResult(backend.AgentID, 0, true)
			lastErr = err
			continue
		}

		msg := n.ids.NewRequest(backend.AgentID, sessionID, command, data, protocol.PriorityNormal)
		start := time.Now()
		resp, err := n.Request(ctx, msg, timeout)
		elapsed := time.Since(start)
		n.balancer.Release(backend.AgentID)
		n.balancer.ReportResult(backend.AgentID, elapsed, err != nil)
		if err != nil {
			n.logger.Warn("routed request failed", "backend", backend.AgentID, "error", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
}

func (n *Node) ensureConnected(agentID string) error {
	if link, ok := n.conns.Get(agentID); ok && link.State == connection.StateConnected {
		return nil
	}
	if err := n.conns.Connect(agentID); err != nil && !errors.Is(err, connection.ErrAlreadyExists) {
		return err
	}
	return nil
}

// Run starts the transport and all background loops, then blocks until ctx
// is canceled.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("node starting",
		"transport", n.cfg.Transport.Kind,
		"peers", len(n.cfg.Peers),
	)

	if err := n.tr.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer func() {
		n.logger.Info("node shutting down")
		if err := n.tr.Stop(); err != nil {
			n.logger.Warn("transport stop failed", "error", err)
		}
		if err := n.audit.Close(); err != nil {
			n.logger.Warn("audit store close failed", "error", err)
		}
	}()

	n.tokens.Start(ctx, tokenSweepInterval)
	n.sessions.Start(ctx)
	n.conns.Start(ctx)
	if n.authMW != nil {
		n.authMW.Start(ctx)
	}
	if n.limiter != nil {
		if th := n.limiter.Throttle(); th != nil {
			th.Start(ctx, ratelimit.RecomputeInterval)
		}
	}
	go n.auditRetentionLoop(ctx)
	go n.sessionReaperLoop(ctx)
	go n.pipe.Run(ctx)

	for _, peer := range n.cfg.Peers {
		if err := n.conns.Connect(peer.AgentID); err != nil {
			n.logger.Warn("initial peer connect failed", "peer", peer.AgentID, "error", err)
		}
	}

	n.logger.Info("node running", "addr", n.tr.Addr())
	<-ctx.Done()
	return ctx.Err()
}

// sessionReaperLoop discards queued messages for sessions that ended via
// the expiry sweep rather than CloseSession.
func (n *Node) sessionReaperLoop(ctx context.Context) {
	events := n.bus.Subscribe(eventbus.SessionExpired, eventbus.SessionTerminated)
	defer n.bus.Unsubscribe(events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			var data struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil || data.SessionID == "" {
				continue
			}
			n.tokens.Revoke(data.SessionID)
			n.pipe.DropSession(data.SessionID)
		}
	}
}

func (n *Node) auditRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(auditPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := n.audit.Purge(ctx, time.Now().Add(-auditRetention))
			if err != nil {
				n.logger.Warn("audit purge failed", "error", err)
				continue
			}
			if purged > 0 {
				n.logger.Debug("audit records purged", "count", purged)
			}
		}
	}
}
