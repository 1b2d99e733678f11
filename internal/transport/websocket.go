package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const wsHandshakeTimeout = 10 * time.Second

// WebSocket is the default transport. Each node runs an HTTP server with a
// /ws endpoint; peer links are persistent WebSocket connections carrying
// binary frames. The first frame on every connection is a text announce
// holding the dialer's advertised address.
type WebSocket struct {
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handler Handler
	peers   map[string]*wsPeer
	server  *http.Server
	started bool
}

type wsPeer struct {
	addr string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) write(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(messageType, data)
}

// NewWebSocket creates a WebSocket transport listening on addr (host:port).
func NewWebSocket(addr string, logger *slog.Logger) *WebSocket {
	return &WebSocket{
		addr:   addr,
		logger: logger.With("component", "ws-transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[string]*wsPeer),
	}
}

func (t *WebSocket) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WebSocket) Addr() string { return t.addr }

// Start brings up the HTTP listener. The /ws endpoint accepts peer links;
// /healthz answers load-balancer probes.
func (t *WebSocket) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.addr, err)
	}

	r := chi.NewRouter()
	r.Get("/ws", t.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Handler: r}

	t.mu.Lock()
	t.addr = ln.Addr().String()
	t.server = srv
	t.started = true
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()

	t.logger.Info("listening", "addr", t.addr)
	return nil
}

// Stop closes the listener and every peer connection.
func (t *WebSocket) Stop() error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.started = false
	peers := t.peers
	t.peers = make(map[string]*wsPeer)
	t.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func (t *WebSocket) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := t.upgrader.Upgrade(w, req, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	// The announce frame names the dialer's advertised address.
	mt, announce, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage || len(announce) == 0 {
		t.logger.Warn("peer announce failed", "error", err)
		_ = conn.Close()
		return
	}

	peer := &wsPeer{addr: string(announce), conn: conn}
	t.addPeer(peer)
	t.readLoop(peer)
}

// ConnectPeer dials ws://addr/ws and announces our own address.
func (t *WebSocket) ConnectPeer(addr string) error {
	t.mu.RLock()
	started := t.started
	_, exists := t.peers[addr]
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	if exists {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	peer := &wsPeer{addr: addr, conn: conn}
	if err := peer.write(websocket.TextMessage, []byte(t.Addr())); err != nil {
		_ = conn.Close()
		return fmt.Errorf("announce to %s: %w", addr, err)
	}

	t.addPeer(peer)
	go t.readLoop(peer)
	return nil
}

// DisconnectPeer drops the link to addr.
func (t *WebSocket) DisconnectPeer(addr string) error {
	t.mu.Lock()
	peer, ok := t.peers[addr]
	delete(t.peers, addr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return peer.conn.Close()
}

// Send delivers data to addr, dialing first if no link exists.
func (t *WebSocket) Send(addr string, data []byte) error {
	t.mu.RLock()
	peer, ok := t.peers[addr]
	t.mu.RUnlock()

	if !ok {
		if err := t.ConnectPeer(addr); err != nil {
			return err
		}
		t.mu.RLock()
		peer, ok = t.peers[addr]
		t.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotConnected, addr)
		}
	}

	if err := peer.write(websocket.BinaryMessage, data); err != nil {
		t.removePeer(peer)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (t *WebSocket) addPeer(p *wsPeer) {
	t.mu.Lock()
	if old, ok := t.peers[p.addr]; ok && old != p {
		_ = old.conn.Close()
	}
	t.peers[p.addr] = p
	t.mu.Unlock()
	t.logger.Debug("peer linked", "peer", p.addr)
}

func (t *WebSocket) removePeer(p *wsPeer) {
	t.mu.Lock()
	if cur, ok := t.peers[p.addr]; ok && cur == p {
		delete(t.peers, p.addr)
	}
	t.mu.Unlock()
	_ = p.conn.Close()
}

func (t *WebSocket) readLoop(p *wsPeer) {
	defer t.removePeer(p)
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("peer read ended", "peer", p.addr, "error", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(data, p.addr)
		}
	}
}
