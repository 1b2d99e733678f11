package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meshwire-ai/meshwire/internal/eventbus"
	"github.com/meshwire-ai/meshwire/internal/transport"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records peer operations and can be told to fail dials.
type fakeTransport struct {
	mu          sync.Mutex
	connected   map[string]int
	failConnect bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[string]int)}
}

func (f *fakeTransport) Start(context.Context) error  { return nil }
func (f *fakeTransport) Stop() error                  { return nil }
func (f *fakeTransport) Send(string, []byte) error    { return nil }
func (f *fakeTransport) SetHandler(transport.Handler) {}
func (f *fakeTransport) Addr() string                 { return "127.0.0.1:9999" }

func (f *fakeTransport) ConnectPeer(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return errors.New("dial refused")
	}
	f.connected[addr]++
	return nil
}

func (f *fakeTransport) DisconnectPeer(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, addr)
	return nil
}

func (f *fakeTransport) dials(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[addr]
}

func newTestManager(tr *fakeTransport) *Manager {
	ids := protocol.NewIDGenerator("node-test")
	return NewManager(tr, ids, nil, testLogger(), Options{})
}

func TestConnect_RequiresRegisteredAddress(t *testing.T) {
	m := newTestManager(newFakeTransport())

	if err := m.Connect("agent-x"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Connect() = %v, want ErrUnknownAgent", err)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	if err := m.Connect("agent-a"); err != nil {
		t.Fatal(err)
	}

	info, ok := m.Get("agent-a")
	if !ok || info.State != StateConnected {
		t.Fatalf("state = %v, want connected", info.State)
	}
	if tr.dials("10.0.0.1:7000") != 1 {
		t.Error("transport never dialed")
	}

	// Double connect is rejected.
	if err := m.Connect("agent-a"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Connect() = %v, want ErrAlreadyExists", err)
	}

	if err := m.Disconnect("agent-a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("agent-a"); ok {
		t.Error("link still tracked after disconnect")
	}
	if err := m.Disconnect("agent-a"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second Disconnect() = %v, want ErrNotConnected", err)
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.failConnect = true
	m := newTestManager(tr)

	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	if err := m.Connect("agent-a"); err == nil {
		t.Fatal("Connect() succeeded against a refusing transport")
	}
	info, _ := m.Get("agent-a")
	if info.State != StateError {
		t.Errorf("state = %v, want error", info.State)
	}
}

func TestUpdateLastSeen_AdmitsInboundPeers(t *testing.T) {
	m := newTestManager(newFakeTransport())

	m.UpdateLastSeen("agent-inbound")
	info, ok := m.Get("agent-inbound")
	if !ok {
		t.Fatal("inbound agent not tracked")
	}
	if info.State != StateConnected {
		t.Errorf("state = %v, want connected", info.State)
	}
}

func TestObserveAddress_LearnsReplyRoute(t *testing.T) {
	m := newTestManager(newFakeTransport())

	m.ObserveAddress("agent-inbound", "10.0.0.9:7000")
	m.UpdateLastSeen("agent-inbound")

	addr, err := m.AddressOf("agent-inbound")
	if err != nil || addr != "10.0.0.9:7000" {
		t.Fatalf("AddressOf() = (%s, %v), want observed address", addr, err)
	}

	// An explicit registration is not clobbered by later observations.
	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	m.ObserveAddress("agent-a", "10.9.9.9:1")
	if addr, _ := m.AddressOf("agent-a"); addr != "10.0.0.1:7000" {
		t.Errorf("AddressOf() = %s, want the registered address", addr)
	}
}

func TestSupervise_StaleMovesOneStatePerTick(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	if err := m.Connect("agent-a"); err != nil {
		t.Fatal(err)
	}

	// Age the link past the timeout.
	m.mu.Lock()
	m.conns["agent-a"].lastSeen = time.Now().Add(-2 * DefaultConnectionTimeout)
	m.mu.Unlock()

	// First tick: stale CONNECTED becomes RECONNECTING, nothing else.
	m.supervise(time.Now())
	info, _ := m.Get("agent-a")
	if info.State != StateReconnecting {
		t.Fatalf("after first tick state = %v, want reconnecting", info.State)
	}
	if tr.dials("10.0.0.1:7000") != 1 {
		t.Fatal("first tick already redialed")
	}

	// Second tick: a reconnect attempt succeeds and restores CONNECTED.
	m.supervise(time.Now())
	info, _ = m.Get("agent-a")
	if info.State != StateConnected {
		t.Fatalf("after second tick state = %v, want connected", info.State)
	}
	if info.RetryCount != 0 {
		t.Errorf("retry count = %d after recovery, want 0", info.RetryCount)
	}
}

func TestSupervise_GivesUpAfterMaxRetries(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(tr)

	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	if err := m.Connect("agent-a"); err != nil {
		t.Fatal(err)
	}
	tr.failConnect = true

	m.mu.Lock()
	m.conns["agent-a"].lastSeen = time.Now().Add(-2 * DefaultConnectionTimeout)
	m.mu.Unlock()

	// Tick 1 marks reconnecting, ticks 2-4 fail redials, tick 5 gives up.
	for i := 0; i < 1+DefaultMaxReconnectTries+1; i++ {
		m.supervise(time.Now())
	}
	info, _ := m.Get("agent-a")
	if info.State != StateError {
		t.Fatalf("state = %v, want error", info.State)
	}

	// A late delivery from the agent revives the link.
	m.UpdateLastSeen("agent-a")
	info, _ = m.Get("agent-a")
	if info.State != StateConnected {
		t.Errorf("state after revival = %v, want connected", info.State)
	}
}

func TestSupervise_EmitsStateEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events := bus.Subscribe(eventbus.ConnectionState)

	tr := newFakeTransport()
	ids := protocol.NewIDGenerator("node-test")
	m := NewManager(tr, ids, bus, testLogger(), Options{})

	m.RegisterAddress("agent-a", "10.0.0.1:7000")
	if err := m.Connect("agent-a"); err != nil {
		t.Fatal(err)
	}

	// Connect emits connecting then connected.
	for _, want := range []string{"connecting", "connected"} {
		select {
		case ev := <-events:
			if ev.Type != eventbus.ConnectionState {
				t.Fatalf("event type = %s", ev.Type)
			}
			_ = want
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", want)
		}
	}
}

func TestHeartbeatLoop_UsesSender(t *testing.T) {
	tr := newFakeTransport()
	ids := protocol.NewIDGenerator("node-test")
	m := NewManager(tr, ids, nil, testLogger(), Options{HeartbeatInterval: 10 * time.Millisecond})

	got := make(chan *protocol.Message, 1)
	m.SetHeartbeatSender(func(msg *protocol.Message) {
		select {
		case got <- msg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case msg := <-got:
		if msg.Header.MessageType != protocol.TypeHeartbeat {
			t.Errorf("message type = %s, want heartbeat", msg.Header.MessageType)
		}
		if msg.Header.RecipientID != protocol.Broadcast {
			t.Errorf("recipient = %s, want broadcast", msg.Header.RecipientID)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat never sent")
	}
}

func TestDiscoverAgents_EnumeratesPortRange(t *testing.T) {
	m := newTestManager(newFakeTransport())

	got := m.DiscoverAgents("10.0.0.5", 9000, 9002)
	want := []string{"10.0.0.5:9000", "10.0.0.5:9001", "10.0.0.5:9002"}
	if len(got) != len(want) {
		t.Fatalf("DiscoverAgents() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("address %d = %s, want %s", i, got[i], want[i])
		}
	}

	if got := m.DiscoverAgents("10.0.0.5", 9002, 9000); got != nil {
		t.Errorf("inverted range returned %v, want nil", got)
	}
}
