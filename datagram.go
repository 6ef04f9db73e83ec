package reach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/tlgrx/reach/pkg/wire"
)

const maxDatagramSize = 64 << 10

const defaultUDPBufferSize = 1 << 21

// connect retries with a fresh ephemeral port when the kernel refuses
// the one we picked.
const maxBindAttempts = 4

// Datagram is one ring slot: a sequence index and the payload that
// arrived for it.
type Datagram struct {
	Seq     uint64
	Payload []byte
}

// DatagramManager implements the flow capability contract on top of the
// connectionless datagram transport. It owns the connection registry and
// the ephemeral port allocator; several independent managers can coexist
// in one process.
type DatagramManager struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	ports *portAllocator
	reg   *registry

	lk        sync.Mutex
	listeners map[int]*datagramListener
	shutdown  bool

	wg sync.WaitGroup
}

var _ Listener = (*DatagramManager)(nil)
var _ Dialer = (*DatagramManager)(nil)

func NewDatagramManager(opts ...Option) (*DatagramManager, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	m := &DatagramManager{
		cfg:       cfg,
		ports:     newPortAllocator(),
		reg:       newRegistry(),
		listeners: make(map[int]*datagramListener),
	}

	if cfg.logHandler != nil {
		m.logger = slog.New(cfg.logHandler)
	} else {
		m.logger = slog.Default()
	}

	if cfg.msink != nil {
		m.msink = cfg.msink
	} else {
		m.msink = metrics.Default()
	}

	return m, nil
}

type datagramListener struct {
	m      *DatagramManager
	conn   *net.UDPConn
	port   int
	accept FlowHandler

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Listen binds the datagram transport at port and serves every inbound
// datagram: known identities land in their flow's ring buffer, unseen
// identities give birth to a new flow handed to accept. Neither path
// blocks the receive loop.
func (m *DatagramManager) Listen(port int, accept FlowHandler) (int, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.shutdown {
		return 0, ErrManagerClosed
	}
	if _, taken := m.listeners[port]; taken && port != 0 {
		return 0, fmt.Errorf("%w: %d", ErrListenerExists, port)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: m.bindIP(), Port: port})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatagramListen, err)
	}
	m.negotiateBufferSize(conn, defaultUDPBufferSize)

	bound := conn.LocalAddr().(*net.UDPAddr).Port
	ln := &datagramListener{
		m:       m,
		conn:    conn,
		port:    bound,
		accept:  accept,
		closeCh: make(chan struct{}),
	}
	m.listeners[bound] = ln

	m.wg.Add(1)
	go ln.readLoop()

	m.logger.Debug("datagram listener bound", LabelPort.L(bound))
	return bound, nil
}

// Unlisten stops the listener at port and closes every inbound flow that
// was served through it.
func (m *DatagramManager) Unlisten(port int) error {
	m.lk.Lock()
	ln, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	m.lk.Unlock()
	if !ok {
		return nil
	}
	ln.close()

	for _, fl := range m.reg.snapshot() {
		if !fl.ownsConn && fl.localPort == port {
			fl.Close()
		}
	}
	return nil
}

// Connect allocates an ephemeral local port, builds an outbound flow to
// the peer and registers it under identity. No handshake is performed:
// the peer only learns of the flow when its listen path observes our
// first datagram.
func (m *DatagramManager) Connect(ctx context.Context, identity, peerAddr string, peerPort int) (Flow, error) {
	m.lk.Lock()
	shutdown := m.shutdown
	m.lk.Unlock()
	if shutdown {
		return nil, ErrManagerClosed
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(peerAddr, strconv.Itoa(peerPort)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	var conn *net.UDPConn
	var port int
	var lastErr error
	for range maxBindAttempts {
		p, err := m.ports.Allocate()
		if err != nil {
			m.msink.IncrCounterWithLabels(MetricPortAllocFailCount, 1.0, m.cfg.metricLabels)
			return nil, err
		}
		c, err := net.DialUDP("udp", &net.UDPAddr{IP: m.bindIP(), Port: p}, raddr)
		if err != nil {
			m.ports.Free(p)
			lastErr = err
			continue
		}
		conn, port = c, p
		break
	}
	if conn == nil {
		m.msink.IncrCounterWithLabels(MetricPortAllocFailCount, 1.0, m.cfg.metricLabels)
		return nil, fmt.Errorf("%w: %w", ErrPortBind, lastErr)
	}

	fl := m.newFlow(identity, port, raddr, conn, true)
	if err := m.reg.insert(identity, fl); err != nil {
		conn.Close()
		m.ports.Free(port)
		if errors.Is(err, ErrIdentityInUse) {
			return nil, fmt.Errorf("%w: %s", ErrIdentityInUse, identity)
		}
		// a shutdown slipped in after the flag check above.
		return nil, err
	}

	m.wg.Add(2)
	go fl.recvLoop()
	go fl.sequence()

	m.msink.IncrCounterWithLabels(MetricFlowOpenCount, 1.0, m.cfg.metricLabels)
	m.logger.Debug("outbound flow open",
		LabelFlowID.L(identity), LabelPeerAddr.L(raddr.String()), LabelPort.L(port))
	return fl, nil
}

// Shutdown closes every listener and every live flow, then waits for the
// receive loops and sequencers to drain.
func (m *DatagramManager) Shutdown() error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	listeners := m.listeners
	m.listeners = make(map[int]*datagramListener)
	m.lk.Unlock()

	for _, ln := range listeners {
		ln.close()
	}
	for _, fl := range m.reg.drain() {
		fl.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *DatagramManager) bindIP() net.IP {
	if addr := net.ParseIP(m.cfg.bindAddr); addr != nil {
		return addr
	}
	return nil
}

func (m *DatagramManager) negotiateBufferSize(conn *net.UDPConn, requested int) {
	size := requested
	for size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			m.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return
	}
}

func (ln *datagramListener) close() {
	ln.closeOnce.Do(func() {
		close(ln.closeCh)
		ln.conn.Close()
	})
}

func (ln *datagramListener) readLoop() {
	m := ln.m
	defer m.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := ln.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ln.closeCh:
			default:
				m.logger.Warn("unexpected datagram listener closure",
					LabelPort.L(ln.port), LabelError.L(err))
			}
			return
		}
		ln.dispatch(buf[:n], raddr)
	}
}

// dispatch routes one inbound datagram. Malformed packets are dropped
// and counted; they never terminate the listener.
func (ln *datagramListener) dispatch(pkt []byte, raddr *net.UDPAddr) {
	m := ln.m

	h, off, err := wire.ParseHeader(pkt)
	if err != nil {
		m.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0,
			append(m.cfg.metricLabels, LabelPeerAddr.M(raddr.String())))
		m.logger.Debug("dropping undecodable datagram",
			LabelPeerAddr.L(raddr.String()), LabelError.L(err))
		return
	}

	payload := make([]byte, len(pkt)-off)
	copy(payload, pkt[off:])
	m.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(len(pkt)), m.cfg.metricLabels)

	if fl, ok := m.reg.lookup(h.ConnID); ok {
		fl.deposit(Datagram{Seq: h.Seq, Payload: payload})
		return
	}

	// Unseen identity: build the flow with its ring pre-seeded with this
	// first arrival.
	fl := m.newFlow(h.ConnID, ln.port, raddr, ln.conn, false)
	fl.ring.Insert(Datagram{Seq: h.Seq, Payload: payload})
	if err := m.reg.insert(h.ConnID, fl); err != nil {
		// either we lost the race against a concurrent first packet
		// and the registered flow keeps the datagram, or the manager
		// is shutting down. The discarded flow never started a
		// goroutine, so dropping it leaks nothing.
		if winner, ok := m.reg.lookup(h.ConnID); ok {
			winner.deposit(Datagram{Seq: h.Seq, Payload: payload})
		}
		return
	}

	m.wg.Add(1)
	go fl.sequence()

	m.msink.IncrCounterWithLabels(MetricFlowOpenCount, 1.0, m.cfg.metricLabels)
	m.logger.Debug("inbound flow open",
		LabelFlowID.L(h.ConnID), LabelPeerAddr.L(raddr.String()), LabelPort.L(ln.port))

	// The handler must not hold back datagrams for other identities.
	go ln.accept(fl)
}

// DatagramFlow is the datagram rendition of a Flow. The registry holds
// the authoritative instance; the ring and inbox are shared mutable
// state, so a caller-held handle observes exactly what the receive path
// deposits.
type DatagramFlow struct {
	m *DatagramManager

	identity  string
	localPort int
	peerAddr  *net.UDPAddr

	// conn is owned for outbound flows and borrowed from the listener
	// for inbound ones.
	conn     *net.UDPConn
	ownsConn bool

	lk      sync.Mutex
	ring    *Ring[Datagram]
	arrived chan struct{}

	inbox chan delivery

	outSeq atomic.Uint64

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Flow = (*DatagramFlow)(nil)

type delivery struct {
	payload []byte
	lost    bool
	seq     uint64
}

func (m *DatagramManager) newFlow(identity string, localPort int, peer *net.UDPAddr, conn *net.UDPConn, owns bool) *DatagramFlow {
	return &DatagramFlow{
		m:         m,
		identity:  identity,
		localPort: localPort,
		peerAddr:  peer,
		conn:      conn,
		ownsConn:  owns,
		ring:      NewRing[Datagram](m.cfg.ringCapacity),
		arrived:   make(chan struct{}, 1),
		// rendezvous inbox: the sequencer is throttled by the consumer's
		// read rate, one pending payload per flow.
		inbox:   make(chan delivery),
		closeCh: make(chan struct{}),
	}
}

func (fl *DatagramFlow) Identity() string {
	return fl.identity
}

// LocalPort is the source port this flow sends from.
func (fl *DatagramFlow) LocalPort() int {
	return fl.localPort
}

// PeerAddr is the remote endpoint of this flow.
func (fl *DatagramFlow) PeerAddr() *net.UDPAddr {
	return fl.peerAddr
}

// deposit records an arrival in the lookback ring and nudges the
// sequencer. It never blocks: ordering work is entirely the sequencer's.
func (fl *DatagramFlow) deposit(d Datagram) {
	fl.lk.Lock()
	fl.ring.Insert(d)
	fl.lk.Unlock()
	select {
	case fl.arrived <- struct{}{}:
	default:
	}
}

// lookback scans the ring for seq. gap reports whether some retained
// arrival is already past seq, the evidence that seq may never come.
// evicted reports that the whole retained window is past seq: even if
// the datagram arrived now it would be outside the ring, so there is no
// point waiting for it.
func (fl *DatagramFlow) lookback(seq uint64) (d Datagram, found, gap, evicted bool) {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	full := true
	var minSeq uint64
	var anySeen bool
	for i := 0; i < fl.ring.Capacity(); i++ {
		prev, ok := fl.ring.GetPrevious(i)
		if !ok {
			full = false
			break
		}
		if prev.Seq == seq {
			return prev, true, false, false
		}
		if prev.Seq > seq {
			gap = true
		}
		if !anySeen || prev.Seq < minSeq {
			minSeq = prev.Seq
			anySeen = true
		}
	}
	evicted = full && anySeen && minSeq > seq
	return Datagram{}, false, gap, evicted
}

// sequence drains the ring into the inbox in strictly increasing
// sequence order. A missing index is only declared lost once a later
// index has arrived and either one timeout window has elapsed or the
// ring window has already slid past it; an idle flow produces no loss
// markers.
func (fl *DatagramFlow) sequence() {
	defer fl.m.wg.Done()

	timer := time.NewTimer(fl.m.cfg.seqTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var next uint64
	for {
		d, found, gap, evicted := fl.lookback(next)
		if !found && !gap {
			select {
			case <-fl.closeCh:
				return
			case <-fl.arrived:
			}
			continue
		}

		if !found && !evicted {
			deadline := time.Now().Add(fl.m.cfg.seqTimeout)
			for {
				wait := time.Until(deadline)
				if wait <= 0 {
					break
				}
				timer.Reset(wait)
				select {
				case <-fl.closeCh:
					return
				case <-fl.arrived:
				case <-timer.C:
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				d, found, _, evicted = fl.lookback(next)
				if found || evicted {
					break
				}
			}
		}

		if found {
			if !fl.deliver(delivery{payload: d.Payload, seq: next}) {
				return
			}
		} else {
			fl.m.msink.IncrCounterWithLabels(MetricFlowLossCount, 1.0,
				append(fl.m.cfg.metricLabels, LabelFlowID.M(fl.identity)))
			if !fl.deliver(delivery{lost: true, seq: next}) {
				return
			}
		}
		next++
	}
}

// deliver blocks until a reader takes d or the flow closes. A cancelled
// sequencer never leaves a reader hanging: Read also selects on closeCh.
func (fl *DatagramFlow) deliver(d delivery) bool {
	select {
	case fl.inbox <- d:
		return true
	case <-fl.closeCh:
		return false
	}
}

func (fl *DatagramFlow) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fl.closeCh:
		return nil, ErrFlowClosed
	case d := <-fl.inbox:
		if d.lost {
			return nil, fmt.Errorf("%w: index %d", ErrPayloadLost, d.seq)
		}
		return d.payload, nil
	}
}

// Writev coalesces all fragments into exactly one outbound datagram. A
// logical write is never split across sends: the transport guarantees
// no ordering between separate datagrams.
func (fl *DatagramFlow) Writev(fragments ...[]byte) error {
	select {
	case <-fl.closeCh:
		return ErrFlowClosed
	default:
	}

	seq := fl.outSeq.Add(1) - 1
	buf := wire.Encode(wire.Header{ConnID: fl.identity, Seq: seq}, fragments...)

	var err error
	if fl.ownsConn {
		_, err = fl.conn.Write(buf)
	} else {
		_, err = fl.conn.WriteToUDP(buf, fl.peerAddr)
	}
	if err != nil {
		fl.m.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0,
			append(fl.m.cfg.metricLabels, LabelFlowID.M(fl.identity)))
		return fmt.Errorf("%w: %w", ErrDatagramWrite, err)
	}
	fl.m.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(buf)), fl.m.cfg.metricLabels)
	return nil
}

// Close cancels the sequencer, removes the flow from the registry, frees
// its port and releases any blocked reader with end-of-stream. Closing
// an already closed flow is a no-op.
func (fl *DatagramFlow) Close() error {
	fl.closeOnce.Do(func() {
		close(fl.closeCh)
		fl.m.reg.remove(fl.identity)
		if fl.ownsConn {
			fl.conn.Close()
			fl.m.ports.Free(fl.localPort)
		}
		fl.m.msink.IncrCounterWithLabels(MetricFlowCloseCount, 1.0, fl.m.cfg.metricLabels)
	})
	return nil
}

// recvLoop reads replies landing on an outbound flow's own socket.
func (fl *DatagramFlow) recvLoop() {
	m := fl.m
	defer m.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := fl.conn.Read(buf)
		if err != nil {
			select {
			case <-fl.closeCh:
			default:
				m.logger.Debug("outbound flow socket closed",
					LabelFlowID.L(fl.identity), LabelError.L(err))
			}
			return
		}

		h, off, err := wire.ParseHeader(buf[:n])
		if err != nil {
			m.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0, m.cfg.metricLabels)
			m.logger.Debug("dropping undecodable datagram",
				LabelFlowID.L(fl.identity), LabelError.L(err))
			continue
		}
		if h.ConnID != fl.identity {
			m.msink.IncrCounterWithLabels(MetricDatagramInErrorCount, 1.0,
				append(m.cfg.metricLabels, LabelFlowID.M(fl.identity)))
			m.logger.Debug("dropping datagram for foreign identity",
				LabelFlowID.L(fl.identity), "got", h.ConnID)
			continue
		}

		payload := make([]byte, n-off)
		copy(payload, buf[off:n])
		m.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), m.cfg.metricLabels)
		fl.deposit(Datagram{Seq: h.Seq, Payload: payload})
	}
}
