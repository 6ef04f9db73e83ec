package reach

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

const alpnReach = "reach/1"

// StreamAdapter implements the flow capability contract on top of the
// reliable stream transport. The transport already guarantees order and
// delivery, so no resequencing or identity extraction happens here: each
// flow is one QUIC stream, and the only work left is framing logical
// writes and normalizing transport failures.
type StreamAdapter struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	tlsOnce   sync.Once
	tlsServer *tls.Config
	tlsErr    error

	lk        sync.Mutex
	listeners map[int]*streamListener
	shutdown  bool

	wg sync.WaitGroup
}

var _ Listener = (*StreamAdapter)(nil)
var _ Dialer = (*StreamAdapter)(nil)

func NewStreamAdapter(opts ...Option) (*StreamAdapter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	sa := &StreamAdapter{
		cfg:       cfg,
		listeners: make(map[int]*streamListener),
	}

	if cfg.logHandler != nil {
		sa.logger = slog.New(cfg.logHandler)
	} else {
		sa.logger = slog.Default()
	}

	if cfg.msink != nil {
		sa.msink = cfg.msink
	} else {
		sa.msink = metrics.Default()
	}

	return sa, nil
}

type streamListener struct {
	sa     *StreamAdapter
	udp    *net.UDPConn
	tr     *quic.Transport
	qln    *quic.Listener
	port   int
	accept FlowHandler

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeCh   chan struct{}
}

func (sa *StreamAdapter) Listen(port int, accept FlowHandler) (int, error) {
	sa.lk.Lock()
	defer sa.lk.Unlock()
	if sa.shutdown {
		return 0, ErrManagerClosed
	}
	if _, taken := sa.listeners[port]; taken && port != 0 {
		return 0, fmt.Errorf("%w: %d", ErrListenerExists, port)
	}

	tlsConf, err := sa.serverTLS()
	if err != nil {
		return 0, err
	}

	var bindIP net.IP
	if addr := net.ParseIP(sa.cfg.bindAddr); addr != nil {
		bindIP = addr
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return 0, streamErr("listen", err)
	}

	tr := &quic.Transport{Conn: udp}
	qln, err := tr.Listen(tlsConf, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	})
	if err != nil {
		udp.Close()
		return 0, streamErr("listen", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bound := udp.LocalAddr().(*net.UDPAddr).Port
	ln := &streamListener{
		sa:      sa,
		udp:     udp,
		tr:      tr,
		qln:     qln,
		port:    bound,
		accept:  accept,
		cancel:  cancel,
		closeCh: make(chan struct{}),
	}
	sa.listeners[bound] = ln

	sa.wg.Add(1)
	go ln.acceptLoop(ctx)

	sa.logger.Debug("stream listener bound", LabelPort.L(bound))
	return bound, nil
}

func (sa *StreamAdapter) Unlisten(port int) error {
	sa.lk.Lock()
	ln, ok := sa.listeners[port]
	if ok {
		delete(sa.listeners, port)
	}
	sa.lk.Unlock()
	if ok {
		ln.close()
	}
	return nil
}

func (sa *StreamAdapter) Connect(ctx context.Context, identity, peerAddr string, peerPort int) (Flow, error) {
	sa.lk.Lock()
	shutdown := sa.shutdown
	sa.lk.Unlock()
	if shutdown {
		return nil, ErrManagerClosed
	}

	if _, hasDl := ctx.Deadline(); !hasDl {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sa.cfg.dialTimeout)
		defer cancel()
	}

	target := net.JoinHostPort(peerAddr, strconv.Itoa(peerPort))
	conn, err := quic.DialAddr(ctx, target, sa.clientTLS(), &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	})
	if err != nil {
		sa.msink.IncrCounterWithLabels(MetricStreamErrorCount, 1.0,
			append(sa.cfg.metricLabels, LabelPeerAddr.M(target)))
		return nil, streamErr("dial", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrShutdown.Close(conn, "could not open stream")
		sa.msink.IncrCounterWithLabels(MetricStreamErrorCount, 1.0,
			append(sa.cfg.metricLabels, LabelPeerAddr.M(target)))
		return nil, streamErr("open stream", err)
	}

	fl := &StreamFlow{
		sa:       sa,
		identity: identity,
		conn:     conn,
		stream:   stream,
		ownsConn: true,
		closeCh:  make(chan struct{}),
	}

	// The opening frame carries our identity so the peer's listen path
	// can name the flow.
	if err := fl.Writev([]byte(identity)); err != nil {
		fl.Close()
		return nil, err
	}

	sa.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, sa.cfg.metricLabels)
	sa.logger.Debug("outbound stream flow open",
		LabelFlowID.L(identity), LabelPeerAddr.L(target))
	return fl, nil
}

func (sa *StreamAdapter) Shutdown() error {
	sa.lk.Lock()
	if sa.shutdown {
		sa.lk.Unlock()
		return nil
	}
	sa.shutdown = true
	listeners := sa.listeners
	sa.listeners = make(map[int]*streamListener)
	sa.lk.Unlock()

	for _, ln := range listeners {
		ln.close()
	}
	sa.wg.Wait()
	return nil
}

func (ln *streamListener) close() {
	ln.closeOnce.Do(func() {
		close(ln.closeCh)
		ln.cancel()
		ln.qln.Close()
		ln.tr.Close()
		ln.udp.Close()
	})
}

func (ln *streamListener) acceptLoop(ctx context.Context) {
	sa := ln.sa
	defer sa.wg.Done()
	for {
		conn, err := ln.qln.Accept(ctx)
		if err != nil {
			select {
			case <-ln.closeCh:
			default:
				sa.logger.Warn("unexpected stream listener closure",
					LabelPort.L(ln.port), LabelError.L(err))
			}
			return
		}
		sa.wg.Add(1)
		go ln.handleConn(ctx, conn)
	}
}

func (ln *streamListener) handleConn(ctx context.Context, conn quic.Connection) {
	sa := ln.sa
	defer sa.wg.Done()
	logger := sa.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && conn.Context().Err() == nil {
				sa.msink.IncrCounterWithLabels(MetricStreamErrorCount, 1.0, sa.cfg.metricLabels)
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		// First frame names the flow.
		stream.SetReadDeadline(time.Now().Add(sa.cfg.dialTimeout))
		idFrame, err := readFrame(stream)
		stream.SetReadDeadline(time.Time{})
		if err != nil || len(idFrame) == 0 {
			logger.Warn("stream without identity frame", LabelError.L(err))
			sa.msink.IncrCounterWithLabels(MetricStreamErrorCount, 1.0, sa.cfg.metricLabels)
			QErrBadIdentity.Close(conn, "missing identity frame")
			return
		}

		fl := &StreamFlow{
			sa:       sa,
			identity: string(idFrame),
			conn:     conn,
			stream:   stream,
			closeCh:  make(chan struct{}),
		}
		sa.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, sa.cfg.metricLabels)
		logger.Debug("inbound stream flow open", LabelFlowID.L(fl.identity))
		go ln.accept(fl)
	}
}

// StreamFlow is one QUIC stream presented through the flow vocabulary.
// Messages are varint length-prefixed; a Writev is one frame.
type StreamFlow struct {
	sa       *StreamAdapter
	identity string
	conn     quic.Connection
	stream   quic.Stream

	// ownsConn means the flow dialed the connection and closing the flow
	// closes the connection too.
	ownsConn bool

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Flow = (*StreamFlow)(nil)

func (fl *StreamFlow) Identity() string {
	return fl.identity
}

func (fl *StreamFlow) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-fl.closeCh:
		return nil, ErrFlowClosed
	default:
	}

	if dl, hasDl := ctx.Deadline(); hasDl {
		fl.stream.SetReadDeadline(dl)
		defer fl.stream.SetReadDeadline(time.Time{})
	}

	buf, err := readFrame(fl.stream)
	if err != nil {
		select {
		case <-fl.closeCh:
			return nil, ErrFlowClosed
		default:
		}
		if err == io.EOF {
			return nil, ErrFlowClosed
		}
		if serr := ctx.Err(); serr != nil {
			return nil, serr
		}
		return nil, streamErr("read", err)
	}
	return buf, nil
}

func (fl *StreamFlow) Writev(fragments ...[]byte) error {
	select {
	case <-fl.closeCh:
		return ErrFlowClosed
	default:
	}

	_, err := fl.stream.Write(appendFrame(nil, fragments...))
	if err != nil {
		fl.sa.msink.IncrCounterWithLabels(MetricStreamErrorCount, 1.0,
			append(fl.sa.cfg.metricLabels, LabelFlowID.M(fl.identity)))
		return streamErr("write", err)
	}
	return nil
}

func (fl *StreamFlow) Close() error {
	fl.closeOnce.Do(func() {
		close(fl.closeCh)
		fl.stream.CancelRead(QErrStreamClosed)
		fl.stream.Close()
		if fl.ownsConn {
			QErrShutdown.Close(fl.conn, "flow closed")
		}
	})
	return nil
}

// appendFrame length-prefixes the byte-concatenation of all fragments.
func appendFrame(buf []byte, fragments ...[]byte) []byte {
	total := 0
	for _, frag := range fragments {
		total += len(frag)
	}
	buf = protowire.AppendVarint(buf, uint64(total))
	for _, frag := range fragments {
		buf = append(buf, frag...)
	}
	return buf
}

// readFrame reads one varint length-prefixed frame off the stream.
func readFrame(stream io.Reader) ([]byte, error) {
	var hdr [binary.MaxVarintLen64]byte
	n := 0
	for {
		if _, err := io.ReadFull(stream, hdr[n:n+1]); err != nil {
			return nil, err
		}
		last := hdr[n]
		n++
		if last < 0x80 {
			break
		}
		if n == len(hdr) {
			break
		}
	}

	size, consumed := protowire.ConsumeVarint(hdr[:n])
	if err := protowire.ParseError(consumed); err != nil {
		return nil, err
	}
	// the prefix is peer-controlled; it must not size our allocation.
	if size > maxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (sa *StreamAdapter) clientTLS() *tls.Config {
	if sa.cfg.tlsConfig != nil {
		conf := sa.cfg.tlsConfig.Clone()
		conf.NextProtos = append(conf.NextProtos, alpnReach)
		return conf
	}
	// Reachability probing, not peer authentication.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnReach},
	}
}

func (sa *StreamAdapter) serverTLS() (*tls.Config, error) {
	if sa.cfg.tlsConfig != nil {
		conf := sa.cfg.tlsConfig.Clone()
		conf.NextProtos = append(conf.NextProtos, alpnReach)
		return conf, nil
	}
	sa.tlsOnce.Do(func() {
		sa.tlsServer, sa.tlsErr = selfSignedTLS()
	})
	if sa.tlsErr != nil {
		return nil, streamErr("tls setup", sa.tlsErr)
	}
	return sa.tlsServer, nil
}

// selfSignedTLS builds a throwaway server certificate so the probe runs
// without provisioned certs.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "reach-probe",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnReach},
	}, nil
}
