// Package transport carries opaque message bytes between nodes. Three
// implementations: WebSocket for the default deployment, raw TCP with
// length-prefixed frames, and Redis pub/sub for brokered topologies.
package transport

import (
	"context"
	"errors"

	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

// MaxFrameSize bounds a single inbound wire frame. The layers above hand the
// transports a sealed form of each message: serialized payload plus a
// compression tag, AEAD overhead, base64 expansion of roughly 4/3, and the
// session envelope. The cap therefore sits above protocol.MaxMessageSize so
// that every valid message survives sealing.
const MaxFrameSize = protocol.MaxMessageSize/3*4 + 64<<10

// Sentinel errors.
var (
	ErrNotStarted   = errors.New("transport: not started")
	ErrNotConnected = errors.New("transport: no connection to peer")
	ErrClosed       = errors.New("transport: closed")
)

// Handler processes one inbound payload. origin identifies the sending
// node's transport address; deliveries for a single peer arrive in order.
type Handler func(data []byte, origin string)

// Transport moves opaque byte payloads between nodes. Implementations carry
// whatever the caller hands them; encryption and encoding happen above.
type Transport interface {
	// Start begins listening. It returns once the listener is ready.
	Start(ctx context.Context) error
	// Stop closes the listener and all peer connections.
	Stop() error
	// Send delivers data to the peer at addr, connecting if needed.
	Send(addr string, data []byte) error
	// ConnectPeer establishes a connection to addr ahead of the first Send.
	ConnectPeer(addr string) error
	// DisconnectPeer drops the connection to addr, if any.
	DisconnectPeer(addr string) error
	// SetHandler installs the inbound delivery callback. Must be called
	// before Start.
	SetHandler(h Handler)
	// Addr returns the address this node is reachable at.
	Addr() string
}
