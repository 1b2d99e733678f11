package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshwire-ai/meshwire/internal/auth"
	"github.com/meshwire-ai/meshwire/internal/compress"
	"github.com/meshwire-ai/meshwire/internal/connection"
	"github.com/meshwire-ai/meshwire/internal/ratelimit"
	"github.com/meshwire-ai/meshwire/internal/token"
	"github.com/meshwire-ai/meshwire/internal/transport"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

const testSecret = "pipeline-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memNet is an in-process transport fabric: every node is reachable by its
// agent ID and deliveries run synchronously in the sender's goroutine.
type memNet struct {
	mu    sync.Mutex
	nodes map[string]*memTransport
}

func newMemNet() *memNet {
	return &memNet{nodes: make(map[string]*memTransport)}
}

func (n *memNet) transport(addr string) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &memTransport{net: n, addr: addr}
	n.nodes[addr] = t
	return t
}

type memTransport struct {
	net  *memNet
	addr string

	mu      sync.Mutex
	handler transport.Handler
	dropAll bool
}

func (t *memTransport) Start(context.Context) error { return nil }
func (t *memTransport) Stop() error                 { return nil }
func (t *memTransport) ConnectPeer(string) error    { return nil }
func (t *memTransport) DisconnectPeer(string) error { return nil }
func (t *memTransport) Addr() string                { return t.addr }

func (t *memTransport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *memTransport) Send(addr string, data []byte) error {
	t.mu.Lock()
	drop := t.dropAll
	t.mu.Unlock()
	if drop {
		return nil
	}

	t.net.mu.Lock()
	target, ok := t.net.nodes[addr]
	t.net.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	target.mu.Lock()
	h := target.handler
	target.mu.Unlock()
	if h != nil {
		h(append([]byte(nil), data...), t.addr)
	}
	return nil
}

type testNode struct {
	id    string
	pipe  *Pipeline
	conns *connection.Manager
	tr    *memTransport
}

func newTestNode(t *testing.T, net *memNet, id string, opts Options) *testNode {
	t.Helper()
	tr := net.transport(id)
	ids := protocol.NewIDGenerator(id)
	conns := connection.NewManager(tr, ids, nil, testLogger(), connection.Options{})
	comp := compress.New(testLogger(), compress.Options{})
	if opts.Secret == "" {
		opts.Secret = testSecret
	}
	pipe := New(ids, tr, conns, comp, nil, testLogger(), opts)
	return &testNode{id: id, pipe: pipe, conns: conns, tr: tr}
}

func link(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.conns.RegisterAddress(b.id, b.id)
			}
		}
	}
}

func TestRequestResponse(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	b.pipe.RegisterHandler("echo", func(msg *protocol.Message) (map[string]any, error) {
		return map[string]any{"echo": msg.Payload.Data["value"]}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pipe.Run(ctx)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "echo",
		map[string]any{"value": "hello"}, protocol.PriorityNormal)
	resp, err := a.pipe.Request(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Header.MessageType != protocol.TypeResponse {
		t.Fatalf("response type = %s", resp.Header.MessageType)
	}
	if got := resp.Payload.Data["echo"]; got != "hello" {
		t.Errorf("echo = %v, want hello", got)
	}
	if resp.Payload.Data["original_message_id"] != req.Header.MessageID {
		t.Error("response not correlated to request")
	}
	if a.pipe.PendingRequests() != 0 {
		t.Error("waiter leaked after completion")
	}
}

func TestRequest_HandlerError(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	b.pipe.RegisterHandler("fail", func(*protocol.Message) (map[string]any, error) {
		return nil, errors.New("backend unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pipe.Run(ctx)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "fail", nil, protocol.PriorityNormal)
	resp, err := a.pipe.Request(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.MessageType != protocol.TypeError {
		t.Fatalf("response type = %s, want error", resp.Header.MessageType)
	}
	if resp.Payload.Data["error_code"] != "handler_error" {
		t.Errorf("error_code = %v", resp.Payload.Data["error_code"])
	}
}

func TestRequest_PanickingHandler(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	b.pipe.RegisterHandler("boom", func(*protocol.Message) (map[string]any, error) {
		panic("unexpected state")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pipe.Run(ctx)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "boom", nil, protocol.PriorityNormal)
	resp, err := a.pipe.Request(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.MessageType != protocol.TypeError {
		t.Fatalf("panic did not produce an error response: %s", resp.Header.MessageType)
	}
}

func TestRequest_UnknownCommand(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pipe.Run(ctx)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "nonexistent", nil, protocol.PriorityNormal)
	resp, err := a.pipe.Request(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Payload.Data["error_code"] != "unknown_command" {
		t.Errorf("error_code = %v, want unknown_command", resp.Payload.Data["error_code"])
	}
}

func TestRequest_Timeout(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)
	// b never processes its queue.

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "echo", nil, protocol.PriorityNormal)
	_, err := a.pipe.Request(context.Background(), req, 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request() = %v, want ErrRequestTimeout", err)
	}
	if a.pipe.PendingRequests() != 0 {
		t.Error("waiter leaked after timeout")
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "slow", nil, protocol.PriorityNormal)
	_, err := a.pipe.Request(context.Background(), req, 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatal(err)
	}

	// The response arrives after the requester gave up.
	late := b.pipe.IDs().NewResponse(req, map[string]any{"done": true})
	if err := b.pipe.Send(context.Background(), late); err != nil {
		t.Fatal(err)
	}

	if got := a.pipe.Stats().LateResponses; got != 1 {
		t.Errorf("late responses = %d, want 1", got)
	}
	if a.pipe.QueueLen() != 0 {
		t.Error("late response was queued")
	}
}

func TestPriorityProcessingOrder(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	var mu sync.Mutex
	var order []string
	b.pipe.RegisterHandler("work", func(msg *protocol.Message) (map[string]any, error) {
		mu.Lock()
		order = append(order, msg.Payload.Data["tag"].(string))
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	a.conns.UpdateLastSeen("agent-b")
	send := func(tag string, p protocol.Priority) {
		msg := a.pipe.IDs().NewNotification("agent-b", "sess-1", "work",
			map[string]any{"tag": tag}, p)
		if err := a.pipe.Send(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	// Arrival order: critical, heartbeat, normal, normal, low.
	send("c1", protocol.PriorityCritical)
	if err := a.pipe.Send(ctx, a.pipe.IDs().NewHeartbeat("sess-1")); err != nil {
		t.Fatal(err)
	}
	send("n1", protocol.PriorityNormal)
	send("n2", protocol.PriorityNormal)
	send("l1", protocol.PriorityLow)

	if n := b.pipe.Process("sess-1", 0); n != 4 {
		t.Fatalf("processed %d messages, want 4 (heartbeat consumed)", n)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"c1", "n1", "n2", "l1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", order, want)
		}
	}
}

func TestProcess_IsScopedToOneSession(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)
	a.conns.UpdateLastSeen("agent-b")

	var mu sync.Mutex
	var seen []string
	b.pipe.RegisterHandler("work", func(msg *protocol.Message) (map[string]any, error) {
		mu.Lock()
		seen = append(seen, msg.Header.SessionID)
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	for _, sess := range []string{"sess-1", "sess-2", "sess-1"} {
		msg := a.pipe.IDs().NewNotification("agent-b", sess, "work", nil, protocol.PriorityNormal)
		if err := a.pipe.Send(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	if n := b.pipe.Process("sess-1", 0); n != 2 {
		t.Fatalf("processed %d messages for sess-1, want 2", n)
	}
	mu.Lock()
	for _, sess := range seen {
		if sess != "sess-1" {
			t.Errorf("processed a message from %s", sess)
		}
	}
	mu.Unlock()
	if b.pipe.QueueLen() != 1 {
		t.Errorf("queue length = %d, want sess-2's message still queued", b.pipe.QueueLen())
	}
}

func TestDropSession_DiscardsQueue(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)
	a.conns.UpdateLastSeen("agent-b")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := a.pipe.IDs().NewNotification("agent-b", "sess-dead", "work", nil, protocol.PriorityNormal)
		if err := a.pipe.Send(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	if n := b.pipe.DropSession("sess-dead"); n != 3 {
		t.Fatalf("DropSession() = %d, want 3", n)
	}
	if b.pipe.QueueLen() != 0 {
		t.Error("queue not discarded")
	}
	if b.pipe.Process("sess-dead", 0) != 0 {
		t.Error("dropped session still processable")
	}
}

func TestHeartbeatUpdatesLivenessOnly(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)
	a.conns.UpdateLastSeen("agent-b")

	hb := a.pipe.IDs().NewHeartbeat("sess-1")
	if err := a.pipe.Send(context.Background(), hb); err != nil {
		t.Fatal(err)
	}

	if b.pipe.QueueLen() != 0 {
		t.Error("heartbeat was queued")
	}
	if info, ok := b.conns.Get("agent-a"); !ok || info.State != connection.StateConnected {
		t.Error("heartbeat did not refresh liveness")
	}
}

// commandGate rejects messages whose command matches a prefix.
type commandGate struct {
	prefix string
}

func (g *commandGate) Authenticate(msg *protocol.Message) error {
	if strings.HasPrefix(msg.Payload.Command, g.prefix) {
		return auth.ErrInsufficientLevel
	}
	return nil
}

func TestReceive_AuthRejectionEmitsError(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{Auth: &commandGate{prefix: "admin_"}})
	link(a, b)

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "admin_restart", nil, protocol.PriorityNormal)
	resp, err := a.pipe.Request(context.Background(), req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.MessageType != protocol.TypeError {
		t.Fatalf("response type = %s, want error", resp.Header.MessageType)
	}
	if resp.Payload.Data["error_code"] != "auth_insufficient_level" {
		t.Errorf("error_code = %v", resp.Payload.Data["error_code"])
	}
	if b.pipe.QueueLen() != 0 {
		t.Error("rejected message was queued")
	}
	if b.pipe.Stats().AuthFailures != 1 {
		t.Errorf("auth failures = %d, want 1", b.pipe.Stats().AuthFailures)
	}
}

func TestReceive_RateLimitedEmitsError(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	limiter := ratelimit.NewLimiter(ratelimit.Config{PerAgentLimit: 2, Window: time.Minute})
	b := newTestNode(t, net, "agent-b", Options{Limiter: limiter})
	link(a, b)
	a.conns.UpdateLastSeen("agent-b")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		msg := a.pipe.IDs().NewNotification("agent-b", "sess-1", "work", nil, protocol.PriorityNormal)
		if err := a.pipe.Send(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if b.pipe.QueueLen() != 2 {
		t.Fatalf("queue length = %d, want 2 admitted", b.pipe.QueueLen())
	}

	req := a.pipe.IDs().NewRequest("agent-b", "sess-1", "work", nil, protocol.PriorityNormal)
	resp, err := a.pipe.Request(ctx, req, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Payload.Data["error_code"] != "rate_limited" {
		t.Errorf("error_code = %v", resp.Payload.Data["error_code"])
	}
	if b.pipe.Stats().RateLimited != 1 {
		t.Errorf("rate limited = %d, want 1", b.pipe.Stats().RateLimited)
	}
}

func TestSend_UnknownRecipient(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})

	msg := a.pipe.IDs().NewNotification("agent-ghost", "sess-1", "work", nil, protocol.PriorityNormal)
	if err := a.pipe.Send(context.Background(), msg); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("Send() = %v, want ErrNoRecipient", err)
	}
}

// tokenTable is a static TokenSource.
type tokenTable map[string]*token.Token

func (tt tokenTable) Info(sessionID string) (*token.Token, bool) {
	tok, ok := tt[sessionID]
	return tok, ok
}

func TestSend_RequiresSessionToken(t *testing.T) {
	net := newMemNet()
	tokens := tokenTable{
		"sess-live": {SessionID: "sess-live", Value: "tok-abc", Status: token.StatusActive},
	}
	a := newTestNode(t, net, "agent-a", Options{Tokens: tokens})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)

	ctx := context.Background()
	msg := a.pipe.IDs().NewNotification("agent-b", "sess-unknown", "work", nil, protocol.PriorityNormal)
	if err := a.pipe.Send(ctx, msg); !errors.Is(err, ErrNoSessionToken) {
		t.Fatalf("Send() = %v, want ErrNoSessionToken", err)
	}

	msg = a.pipe.IDs().NewNotification("agent-b", "sess-live", "work", nil, protocol.PriorityNormal)
	if err := a.pipe.Send(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if msg.AuthToken() != "tok-abc" {
		t.Errorf("auth token = %q, want the session token attached", msg.AuthToken())
	}
}

func TestReceive_GarbageIsCounted(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})

	a.pipe.Receive([]byte("not json"), "nowhere")
	a.pipe.Receive([]byte(`{"session_id":"s","body":"AAAA"}`), "nowhere")

	if got := a.pipe.Stats().DecodeErrors; got != 2 {
		t.Errorf("decode errors = %d, want 2", got)
	}
}

func TestReceive_WrongSecret(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{Secret: "secret-one"})
	b := newTestNode(t, net, "agent-b", Options{Secret: "secret-two"})
	link(a, b)

	msg := a.pipe.IDs().NewNotification("agent-b", "sess-1", "work", nil, protocol.PriorityNormal)
	if err := a.pipe.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if b.pipe.QueueLen() != 0 {
		t.Error("message sealed with a different secret was admitted")
	}
	if b.pipe.Stats().DecodeErrors != 1 {
		t.Error("auth tag mismatch not counted")
	}
}

func TestSend_NearCapMessageIsDeliverable(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	link(a, b)
	a.conns.UpdateLastSeen("agent-b")

	// Incompressible bulk data close to the message size limit. The sealed
	// wire form grows past the plain size, so it must still fit in one
	// transport frame.
	rng := rand.New(rand.NewSource(7))
	blob := make([]byte, 700<<10)
	rng.Read(blob)
	msg := a.pipe.IDs().NewNotification("agent-b", "sess-1", "bulk_store",
		map[string]any{"blob": base64.StdEncoding.EncodeToString(blob)}, protocol.PriorityNormal)
	if err := protocol.Validate(msg); err != nil {
		t.Fatal(err)
	}

	raw, err := a.pipe.seal(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) > transport.MaxFrameSize {
		t.Fatalf("sealed frame = %d bytes, above the %d transport cap", len(raw), transport.MaxFrameSize)
	}

	if err := a.pipe.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if b.pipe.QueueLen() != 1 {
		t.Error("near-cap message was not delivered")
	}
}

func TestBroadcastNotification(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, "agent-a", Options{})
	b := newTestNode(t, net, "agent-b", Options{})
	c := newTestNode(t, net, "agent-c", Options{})
	link(a, b, c)

	// Broadcast only reaches connected agents.
	a.conns.UpdateLastSeen("agent-b")
	a.conns.UpdateLastSeen("agent-c")

	msg := a.pipe.IDs().NewNotification(protocol.Broadcast, "sess-1", "announce", nil, protocol.PriorityNormal)
	if err := a.pipe.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if b.pipe.QueueLen() != 1 || c.pipe.QueueLen() != 1 {
		t.Errorf("queue lengths b=%d c=%d, want 1/1", b.pipe.QueueLen(), c.pipe.QueueLen())
	}
}
