// Package reach is a peer-to-peer connectivity probe: named instances
// open listening endpoints and dial peers to verify reachability and,
// optionally, measure bandwidth.
//
// Both transports are presented through the same `Flow` vocabulary: an
// addressable, ordered, bidirectional conversation between two probe
// endpoints. The reliable stream transport (QUIC) offers that natively
// and only needs error normalization (`StreamAdapter`). The datagram
// transport (UDP) offers none of it, so the `DatagramManager` rebuilds
// the abstraction:
//
//   - a connection identity is extracted from each datagram's header,
//     since the transport has no connection concept;
//   - arrivals are kept in a small fixed-capacity lookback ring which
//     tolerates reordering and loss;
//   - a per-flow *sequencer* goroutine drains the ring in increasing
//     sequence order into a rendezvous inbox, emitting explicit loss
//     markers for indices that never show up;
//   - outbound flows claim an ephemeral local port so replies route back
//     to the right flow.
//
// The manager owns its connection registry and port allocator; several
// independent managers can coexist in one process.
//
// This layer supplies ordering and identity semantics sufficient for a
// measurement tool. It is not a reliable transport: there is no
// retransmission, no congestion control, and no encryption of datagram
// payloads.
package reach
