package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	tcpDialTimeout  = 10 * time.Second
	tcpWriteTimeout = 10 * time.Second
	// tcpPoolSize is the number of pooled outbound connections kept per peer.
	tcpPoolSize = 2
)

// TCP is a raw socket transport. Frames are a 4-byte big-endian length
// followed by the payload; the first frame on every inbound connection is an
// announce naming the dialer's advertised address. Outbound connections are
// pooled per peer.
type TCP struct {
	addr   string
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler
	ln      net.Listener
	pools   map[string]*tcpPool
	started bool
}

// NewTCP creates a TCP transport listening on addr (host:port).
func NewTCP(addr string, logger *slog.Logger) *TCP {
	return &TCP{
		addr:   addr,
		logger: logger.With("component", "tcp-transport"),
		pools:  make(map[string]*tcpPool),
	}
}

func (t *TCP) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TCP) Addr() string { return t.addr }

func (t *TCP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.addr = ln.Addr().String()
	t.ln = ln
	t.started = true
	t.mu.Unlock()

	go t.acceptLoop(ln)
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()

	t.logger.Info("listening", "addr", t.addr)
	return nil
}

func (t *TCP) Stop() error {
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	t.started = false
	pools := t.pools
	t.pools = make(map[string]*tcpPool)
	t.mu.Unlock()

	for _, p := range pools {
		p.close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (t *TCP) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.serveConn(conn)
	}
}

func (t *TCP) serveConn(conn net.Conn) {
	defer conn.Close()

	announce, err := readFrame(conn)
	if err != nil || len(announce) == 0 {
		t.logger.Warn("peer announce failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	origin := string(announce)
	t.logger.Debug("peer linked", "peer", origin)

	for {
		data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("peer read ended", "peer", origin, "error", err)
			}
			return
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(data, origin)
		}
	}
}

// ConnectPeer warms the outbound pool for addr with one connection.
func (t *TCP) ConnectPeer(addr string) error {
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	pool := t.poolFor(addr)
	conn, err := pool.get(t.Addr())
	if err != nil {
		return err
	}
	pool.put(conn)
	return nil
}

// DisconnectPeer closes all pooled connections to addr.
func (t *TCP) DisconnectPeer(addr string) error {
	t.mu.Lock()
	pool, ok := t.pools[addr]
	delete(t.pools, addr)
	t.mu.Unlock()
	if ok {
		pool.close()
	}
	return nil
}

// Send writes one frame to addr using a pooled connection.
func (t *TCP) Send(addr string, data []byte) error {
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	pool := t.poolFor(addr)
	conn, err := pool.get(t.Addr())
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if err := writeFrame(conn, data); err != nil {
		conn.Close()
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	pool.put(conn)
	return nil
}

func (t *TCP) poolFor(addr string) *tcpPool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool, ok := t.pools[addr]
	if !ok {
		pool = newTCPPool(addr)
		t.pools[addr] = pool
	}
	return pool
}

// tcpPool holds idle outbound connections to one peer.
type tcpPool struct {
	addr string
	idle chan net.Conn
}

func newTCPPool(addr string) *tcpPool {
	return &tcpPool{addr: addr, idle: make(chan net.Conn, tcpPoolSize)}
}

// get returns an idle connection or dials a new one. A fresh connection
// announces ourAddr before it is handed out.
func (p *tcpPool) get(ourAddr string) (net.Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	conn, err := net.DialTimeout("tcp", p.addr, tcpDialTimeout)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, []byte(ourAddr)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// put returns a connection to the pool, closing it when the pool is full.
func (p *tcpPool) put(conn net.Conn) {
	select {
	case p.idle <- conn:
	default:
		conn.Close()
	}
}

func (p *tcpPool) close() {
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
		default:
			return
		}
	}
}

func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
