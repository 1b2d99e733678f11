// Package pipeline is the message path of a node: outbound messages are
// encoded, compressed, encrypted, and handed to the transport; inbound
// bytes run the same steps in reverse, then pass validation, auth, and rate
// limiting before queueing into per-session priority lanes for dispatch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwire-ai/meshwire/internal/auth"
	"github.com/meshwire-ai/meshwire/internal/compress"
	"github.com/meshwire-ai/meshwire/internal/connection"
	"github.com/meshwire-ai/meshwire/internal/eventbus"
	"github.com/meshwire-ai/meshwire/internal/ratelimit"
	"github.com/meshwire-ai/meshwire/internal/secure"
	"github.com/meshwire-ai/meshwire/internal/token"
	"github.com/meshwire-ai/meshwire/internal/transport"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

// DefaultRequestTimeout bounds Request when the caller passes none.
const DefaultRequestTimeout = 30 * time.Second

// Sentinel errors.
var (
	ErrRequestTimeout = errors.New("pipeline: request timed out")
	ErrNoRecipient    = errors.New("pipeline: recipient has no known address")
	ErrNoSessionToken = errors.New("pipeline: no active token for session")
)

// Handler processes one inbound message. For REQUESTs the returned data
// map becomes the RESPONSE payload; NOTIFICATIONs ignore the return value.
type Handler func(msg *protocol.Message) (map[string]any, error)

// Authenticator admits or rejects inbound messages.
type Authenticator interface {
	Authenticate(msg *protocol.Message) error
}

// TokenSource supplies the auth token to attach to outbound messages.
type TokenSource interface {
	Info(sessionID string) (*token.Token, bool)
}

// wireEnvelope is the outermost frame on the transport: the session in the
// clear so the receiver can pick the right cipher, the rest sealed.
type wireEnvelope struct {
	SessionID string `json:"session_id,omitempty"`
	Body      string `json:"body"`
}

// Stats are the pipeline's monotonic counters.
type Stats struct {
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	Processed     uint64 `json:"processed"`
	DecodeErrors  uint64 `json:"decode_errors"`
	AuthFailures  uint64 `json:"auth_failures"`
	RateLimited   uint64 `json:"rate_limited"`
	Dropped       uint64 `json:"dropped"`
	LateResponses uint64 `json:"late_responses"`
}

type counters struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	processed     atomic.Uint64
	decodeErrors  atomic.Uint64
	authFailures  atomic.Uint64
	rateLimited   atomic.Uint64
	dropped       atomic.Uint64
	lateResponses atomic.Uint64
}

// Options configures a pipeline. Auth, Limiter, and Tokens are optional;
// leaving them nil disables the corresponding inbound step.
type Options struct {
	Secret        string
	QueueCapacity int
	Auth          Authenticator
	Limiter       *ratelimit.Limiter
	Tokens        TokenSource
	ProcessBatch  int
}

// Pipeline ties codec, cipher, compressor, transport, and connection table
// into one send/receive path.
type Pipeline struct {
	ids    *protocol.IDGenerator
	tr     transport.Transport
	conns  *connection.Manager
	comp   *compress.Compressor
	bus    *eventbus.Bus
	logger *slog.Logger
	opts   Options

	qmu    sync.Mutex
	queues map[string]*priorityQueue // keyed by session ID, "" for sessionless

	pending *pendingReplies
	stats   counters
	wake    chan struct{}

	mu       sync.RWMutex
	ciphers  map[string]*secure.Cipher
	handlers map[string]Handler
}

// New creates a pipeline for the node identified by ids.Sender().
func New(ids *protocol.IDGenerator, tr transport.Transport, conns *connection.Manager, comp *compress.Compressor, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Pipeline {
	if opts.ProcessBatch <= 0 {
		opts.ProcessBatch = 64
	}
	p := &Pipeline{
		ids:      ids,
		tr:       tr,
		conns:    conns,
		comp:     comp,
		bus:      bus,
		logger:   logger.With("component", "pipeline"),
		opts:     opts,
		queues:   make(map[string]*priorityQueue),
		pending:  newPendingReplies(),
		wake:     make(chan struct{}, 1),
		ciphers:  make(map[string]*secure.Cipher),
		handlers: make(map[string]Handler),
	}
	tr.SetHandler(p.Receive)
	return p
}

// RegisterHandler binds a command name to a handler.
func (p *Pipeline) RegisterHandler(command string, h Handler) {
	p.mu.Lock()
	p.handlers[command] = h
	p.mu.Unlock()
}

// IDs exposes the node's message ID generator.
func (p *Pipeline) IDs() *protocol.IDGenerator { return p.ids }

func (p *Pipeline) cipherFor(sessionID string) (*secure.Cipher, error) {
	p.mu.RLock()
	c, ok := p.ciphers[sessionID]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	var err error
	if sessionID == "" {
		c, err = secure.NewCipher(p.opts.Secret)
	} else {
		c, err = secure.NewSessionCipher(p.opts.Secret, sessionID)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.ciphers[sessionID] = c
	p.mu.Unlock()
	return c, nil
}

// Send validates, seals, and transmits a message. A recipient of "*" fans
// out to every connected agent.
func (p *Pipeline) Send(ctx context.Context, msg *protocol.Message) error {
	if err := p.attachToken(msg); err != nil {
		return err
	}
	if err := protocol.Validate(msg); err != nil {
		return fmt.Errorf("outbound message invalid: %w", err)
	}

	raw, err := p.seal(ctx, msg)
	if err != nil {
		return err
	}

	if msg.Header.RecipientID == protocol.Broadcast {
		return p.broadcast(raw)
	}

	addr, err := p.conns.AddressOf(msg.Header.RecipientID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoRecipient, msg.Header.RecipientID)
	}
	if err := p.tr.Send(addr, raw); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	p.stats.sent.Add(1)
	return nil
}

func (p *Pipeline) broadcast(raw []byte) error {
	var firstErr error
	for _, agent := range p.conns.ConnectedAgents() {
		if agent == p.ids.Sender() {
			continue
		}
		addr, err := p.conns.AddressOf(agent)
		if err != nil {
			continue
		}
		if err := p.tr.Send(addr, raw); err != nil {
			p.logger.Warn("broadcast delivery failed", "agent", agent, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.stats.sent.Add(1)
	}
	return firstErr
}

func (p *Pipeline) seal(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	plain, err := protocol.Encode(msg, protocol.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	packed, err := p.comp.Pack(ctx, plain)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	cipher, err := p.cipherFor(msg.Header.SessionID)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	body, err := cipher.Encrypt(packed)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	raw, err := json.Marshal(wireEnvelope{SessionID: msg.Header.SessionID, Body: body})
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return raw, nil
}

// attachToken adds the session's active token to outbound metadata when a
// token source is configured and the caller set none. A REQUEST or
// NOTIFICATION on a session with no active token fails fast; replies and
// heartbeats are exempt so a responder without the token can still answer.
func (p *Pipeline) attachToken(msg *protocol.Message) error {
	if p.opts.Tokens == nil || msg.Header.SessionID == "" || msg.AuthToken() != "" {
		return nil
	}
	originating := msg.Header.MessageType == protocol.TypeRequest ||
		msg.Header.MessageType == protocol.TypeNotification
	info, ok := p.opts.Tokens.Info(msg.Header.SessionID)
	if !ok || info.Status != token.StatusActive {
		if originating {
			return fmt.Errorf("%w: %s", ErrNoSessionToken, msg.Header.SessionID)
		}
		return nil
	}
	if msg.Payload.Metadata == nil {
		msg.Payload.Metadata = make(map[string]any)
	}
	msg.Payload.Metadata["auth_token"] = info.Value
	return nil
}

// Receive is the transport delivery callback: unseal, validate, authorize,
// then queue or correlate.
func (p *Pipeline) Receive(data []byte, origin string) {
	msg, err := p.unseal(data)
	if err != nil {
		p.stats.decodeErrors.Add(1)
		p.logger.Warn("inbound message rejected", "origin", origin, "error", err)
		return
	}
	p.stats.received.Add(1)
	sender := msg.Header.SenderID

	// Anything that decrypts proves liveness, and its origin is a usable
	// reply address for peers we never dialed.
	p.conns.ObserveAddress(sender, origin)
	p.conns.UpdateLastSeen(sender)

	if err := protocol.Validate(msg); err != nil {
		p.stats.decodeErrors.Add(1)
		p.reply(p.ids.NewErrorResponse(msg, "invalid_message", err.Error()))
		return
	}

	// Heartbeats are consumed by the liveness update above.
	if msg.Header.MessageType == protocol.TypeHeartbeat {
		return
	}

	if p.opts.Auth != nil {
		if err := p.opts.Auth.Authenticate(msg); err != nil {
			p.stats.authFailures.Add(1)
			p.reply(p.ids.NewErrorResponse(msg, auth.CodeOf(err), err.Error()))
			return
		}
	}

	if p.opts.Limiter != nil {
		if res := p.opts.Limiter.Allow(sender); !res.Allowed {
			p.stats.rateLimited.Add(1)
			if p.bus != nil {
				p.bus.Emit(eventbus.RateLimited, "pipeline", map[string]any{
					"agent_id":    sender,
					"retry_after": res.RetryAfter.Seconds(),
				})
			}
			p.reply(p.ids.NewErrorResponse(msg, "rate_limited",
				fmt.Sprintf("retry after %.1fs", res.RetryAfter.Seconds())))
			return
		}
	}

	// Responses complete their waiter directly so replies are never stuck
	// behind a queue backlog.
	if msg.Header.MessageType == protocol.TypeResponse || msg.Header.MessageType == protocol.TypeError {
		if orig, ok := msg.Payload.Data["original_message_id"].(string); ok {
			if p.pending.complete(orig, msg) {
				return
			}
			if msg.Header.MessageType == protocol.TypeResponse {
				p.stats.lateResponses.Add(1)
				p.logger.Debug("late response dropped", "original", orig)
				return
			}
		}
	}

	p.enqueue(msg)
}

func (p *Pipeline) unseal(data []byte) (*protocol.Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	cipher, err := p.cipherFor(env.SessionID)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	packed, err := cipher.Decrypt(env.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := p.comp.Unpack(packed)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	msg, err := protocol.Decode(plain, protocol.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}

// queueFor returns the session's queue, creating it on first use.
func (p *Pipeline) queueFor(sessionID string) *priorityQueue {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	q, ok := p.queues[sessionID]
	if !ok {
		q = newPriorityQueue(p.opts.QueueCapacity)
		p.queues[sessionID] = q
	}
	return q
}

// DropSession discards a terminated session's queue and returns how many
// messages it still held.
func (p *Pipeline) DropSession(sessionID string) int {
	p.qmu.Lock()
	q, ok := p.queues[sessionID]
	delete(p.queues, sessionID)
	p.qmu.Unlock()
	if !ok {
		return 0
	}
	n := q.Len()
	if n > 0 {
		p.stats.dropped.Add(uint64(n))
		p.logger.Debug("session queue discarded", "session_id", sessionID, "dropped", n)
	}
	return n
}

func (p *Pipeline) enqueue(msg *protocol.Message) {
	evicted, err := p.queueFor(msg.Header.SessionID).Enqueue(msg)
	if err != nil {
		p.dropMessage(msg, "queue full")
		return
	}
	if evicted != nil {
		p.dropMessage(evicted, "evicted by higher priority")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) dropMessage(msg *protocol.Message, reason string) {
	p.stats.dropped.Add(1)
	if p.bus != nil {
		p.bus.Emit(eventbus.MessageDropped, "pipeline", map[string]any{
			"message_id": msg.Header.MessageID,
			"sender_id":  msg.Header.SenderID,
			"reason":     reason,
		})
	}
	p.logger.Warn("message dropped", "message_id", msg.Header.MessageID, "reason", reason)
	if msg.Header.MessageType == protocol.TypeRequest {
		p.reply(p.ids.NewErrorResponse(msg, "queue_overflow", reason))
	}
}

// reply sends a pipeline-originated message, swallowing delivery errors.
func (p *Pipeline) reply(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Send(ctx, msg); err != nil {
		p.logger.Debug("reply delivery failed", "recipient", msg.Header.RecipientID, "error", err)
	}
}

// Process drains up to maxN of one session's queued messages in strict
// priority order, dispatching each to its command handler. It returns the
// number handled.
func (p *Pipeline) Process(sessionID string, maxN int) int {
	if maxN <= 0 {
		maxN = p.opts.ProcessBatch
	}
	p.qmu.Lock()
	q, ok := p.queues[sessionID]
	p.qmu.Unlock()
	if !ok {
		return 0
	}

	n := 0
	for ; n < maxN; n++ {
		msg := q.Dequeue()
		if msg == nil {
			break
		}
		p.dispatch(msg)
	}
	return n
}

// ProcessAll drains up to maxN messages per session queue.
func (p *Pipeline) ProcessAll(maxN int) int {
	p.qmu.Lock()
	sessions := make([]string, 0, len(p.queues))
	for id := range p.queues {
		sessions = append(sessions, id)
	}
	p.qmu.Unlock()

	total := 0
	for _, id := range sessions {
		total += p.Process(id, maxN)
	}
	return total
}

func (p *Pipeline) dispatch(msg *protocol.Message) {
	p.mu.RLock()
	h, ok := p.handlers[msg.Payload.Command]
	p.mu.RUnlock()

	if !ok {
		p.logger.Warn("no handler for command", "command", msg.Payload.Command)
		if msg.Header.MessageType == protocol.TypeRequest {
			p.reply(p.ids.NewErrorResponse(msg, "unknown_command", msg.Payload.Command))
		}
		return
	}

	start := time.Now()
	data, err := p.invoke(h, msg)
	elapsed := time.Since(start)
	p.stats.processed.Add(1)

	if p.opts.Limiter != nil && p.opts.Limiter.Throttle() != nil {
		p.opts.Limiter.Throttle().Observe(elapsed, err != nil)
	}

	if err != nil {
		p.logger.Warn("handler failed", "command", msg.Payload.Command, "error", err)
		if msg.Header.MessageType == protocol.TypeRequest {
			p.reply(p.ids.NewErrorResponse(msg, "handler_error", err.Error()))
		}
		return
	}
	if msg.Header.MessageType == protocol.TypeRequest {
		p.reply(p.ids.NewResponse(msg, data))
	}
}

// invoke runs a handler with panic containment.
func (p *Pipeline) invoke(h Handler, msg *protocol.Message) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

// Request sends a REQUEST and blocks for its RESPONSE or ERROR. timeout <= 0
// uses the default.
func (p *Pipeline) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ch := p.pending.register(msg.Header.MessageID)

	if err := p.Send(ctx, msg); err != nil {
		p.pending.cancel(msg.Header.MessageID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		p.pending.cancel(msg.Header.MessageID)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, msg.Header.MessageID, timeout)
	case <-ctx.Done():
		p.pending.cancel(msg.Header.MessageID)
		return nil, ctx.Err()
	}
}

// Run drains the queue until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			for p.ProcessAll(p.opts.ProcessBatch) > 0 {
			}
		}
	}
}

// QueueLen returns the total queued-message count across sessions.
func (p *Pipeline) QueueLen() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	total := 0
	for _, q := range p.queues {
		total += q.Len()
	}
	return total
}

// PendingRequests returns the number of in-flight requests.
func (p *Pipeline) PendingRequests() int { return p.pending.len() }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:          p.stats.sent.Load(),
		Received:      p.stats.received.Load(),
		Processed:     p.stats.processed.Load(),
		DecodeErrors:  p.stats.decodeErrors.Load(),
		AuthFailures:  p.stats.authFailures.Load(),
		RateLimited:   p.stats.rateLimited.Load(),
		Dropped:       p.stats.dropped.Load(),
		LateResponses: p.stats.lateResponses.Load(),
	}
}
