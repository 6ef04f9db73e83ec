package reach

import (
	"context"
)

// Flow is one logical addressable conversation between two probe
// endpoints, uniform across transports, with the following contract:
//
// * `Read` MUST NOT be called concurrently.
// * `Writev` MUST NOT be called concurrently.
// * ... but you can call `Read` and `Writev` at the same time.
// * Reads are delivered in strictly increasing sequence order; indices
//   that timed out surface as `ErrPayloadLost`.
type Flow interface {
	// Identity uniquely names this flow for its lifetime.
	Identity() string

	// Read blocks until the next in-order payload is available and
	// returns it. It returns `ErrPayloadLost` for an index declared
	// lost and `ErrFlowClosed` once the flow is closed.
	Read(ctx context.Context) ([]byte, error)

	// Writev sends the byte-concatenation of all fragments as one
	// logical write. On the datagram transport this is exactly one
	// datagram: separate sends carry no ordering guarantee.
	Writev(fragments ...[]byte) error

	// Close tears the flow down. It is idempotent.
	Close() error
}

// FlowHandler is invoked for every inbound flow a listener observes.
// The manager runs it on a dedicated goroutine: a slow handler never
// holds back datagrams for other identities.
type FlowHandler func(Flow)

// Listener is the listening half of the flow capability contract,
// satisfied by both the datagram manager and the stream adapter.
type Listener interface {
	// Listen binds the transport at port and serves inbound flows to
	// accept until Unlisten or shutdown. It returns the port actually
	// bound, which differs from the argument when port is 0.
	Listen(port int, accept FlowHandler) (int, error)
	Unlisten(port int) error
}

// Dialer is the dialing half of the flow capability contract.
type Dialer interface {
	// Connect opens an outbound flow registered under identity. No
	// handshake is performed on the datagram transport: the peer only
	// learns of the flow when it observes the first datagram.
	Connect(ctx context.Context, identity, peerAddr string, peerPort int) (Flow, error)
}

// BandwidthConfig asks the protocol driver to switch an outbound flow
// into bandwidth-probing mode. It is plain configuration: the flow layer
// itself never interprets it.
type BandwidthConfig struct {
	Enabled    bool
	PacketSize int
}
