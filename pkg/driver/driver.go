// Package driver is the probe protocol that rides on top of the flow
// layer: listeners answer hello exchanges and count bandwidth payloads,
// dialers measure round trips and optionally flood fixed-size packets to
// estimate throughput. Outcomes go to a report.Sink, never through the
// flow API's return values.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/tlgrx/reach"
	"github.com/tlgrx/reach/pkg/report"
)

// Control verbs. Control messages are "RCH <verb> [arg]"; anything else
// on a flow is bandwidth payload.
const (
	controlPrefix = "RCH"

	verbHello   = "HI"
	verbAck     = "OK"
	verbBwStart = "BW-START"
	verbBwEnd   = "BW-END"
	verbBwRecv  = "BW-RCVD"
)

const (
	defaultPacketSize = 1200
	defaultBwWindow   = 1 * time.Second
)

var errProtocol = errors.New("driver: unexpected peer message")

// ServeConfig configures a listening probe endpoint.
type ServeConfig struct {
	// Name identifies this instance in answers to peers.
	Name string

	// Port to bind; 0 lets the transport pick.
	Port int

	// Timeout stops the listener after that much time. 0 serves until
	// ctx is cancelled.
	Timeout time.Duration

	// Ready, when non-nil, receives the bound port once serving.
	Ready chan<- int

	Logger *slog.Logger
}

// Serve binds l and answers probes until the timeout elapses or ctx is
// cancelled. Outstanding flows are closed as part of the shutdown.
func Serve(ctx context.Context, l reach.Listener, cfg ServeConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	port, err := l.Listen(cfg.Port, func(fl reach.Flow) {
		serveFlow(ctx, cfg.Name, fl, logger)
	})
	if err != nil {
		return err
	}
	defer l.Unlisten(port)

	logger.Info("probe endpoint listening", "name", cfg.Name, "port", port)
	if cfg.Ready != nil {
		cfg.Ready <- port
	}

	if cfg.Timeout > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Timeout):
		}
	} else {
		<-ctx.Done()
	}
	logger.Info("probe endpoint stopping", "port", port)
	return nil
}

func serveFlow(ctx context.Context, name string, fl reach.Flow, logger *slog.Logger) {
	defer fl.Close()
	logger = logger.With("flow", fl.Identity())

	var bwBytes int
	var inBw bool
	for {
		payload, err := fl.Read(ctx)
		if errors.Is(err, reach.ErrPayloadLost) {
			// lost bandwidth payload; the count only reflects what
			// actually made it across.
			continue
		}
		if err != nil {
			return
		}

		verb, arg, ok := parseControl(payload)
		if !ok {
			if inBw {
				bwBytes += len(payload)
			}
			continue
		}

		switch verb {
		case verbHello:
			logger.Debug("hello from peer", reach.LabelPeerName.L(arg))
			if err := fl.Writev(control(verbAck, name)); err != nil {
				return
			}
		case verbBwStart:
			inBw, bwBytes = true, 0
		case verbBwEnd:
			inBw = false
			if err := fl.Writev(control(verbBwRecv, strconv.Itoa(bwBytes))); err != nil {
				return
			}
		default:
			logger.Debug("ignoring unknown control verb", "verb", verb)
		}
	}
}

// ProbeConfig configures one outbound probe.
type ProbeConfig struct {
	// Name identifies this instance to the peer.
	Name string

	PeerAddr string
	PeerPort int

	// Transport labels the result, "udp" or "quic".
	Transport string

	Bandwidth reach.BandwidthConfig

	// Timeout bounds the whole probe.
	Timeout time.Duration

	// BwWindow is how long bandwidth payloads are sent for.
	BwWindow time.Duration

	Logger *slog.Logger
}

// Probe opens one outbound flow through d, verifies reachability with a
// hello round trip, optionally measures bandwidth, and reports the
// outcome to sink. The returned error restates what the sink was told.
func Probe(ctx context.Context, d reach.Dialer, cfg ProbeConfig, sink report.Sink) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	res := report.Result{
		Local:     cfg.Name,
		Addr:      fmt.Sprintf("%s:%d", cfg.PeerAddr, cfg.PeerPort),
		Transport: cfg.Transport,
	}

	identity := fmt.Sprintf("%s-%08x", cfg.Name, rand.Uint32())
	fl, err := d.Connect(ctx, identity, cfg.PeerAddr, cfg.PeerPort)
	if err != nil {
		res.Err = err.Error()
		sink.Report(res)
		return err
	}
	defer fl.Close()

	start := time.Now()
	if err := fl.Writev(control(verbHello, cfg.Name)); err != nil {
		res.Err = err.Error()
		sink.Report(res)
		return err
	}
	verb, peerName, err := readControl(ctx, fl)
	if err != nil {
		res.Err = err.Error()
		sink.Report(res)
		return err
	}
	if verb != verbAck {
		res.Err = fmt.Sprintf("expected %s, got %s", verbAck, verb)
		sink.Report(res)
		return fmt.Errorf("%w: %s", errProtocol, verb)
	}
	res.Reachable = true
	res.Peer = peerName
	res.RTT = time.Since(start)
	logger.Debug("peer reachable",
		reach.LabelPeerName.L(peerName), reach.LabelDuration.L(res.RTT))

	if cfg.Bandwidth.Enabled {
		bw, err := measureBandwidth(ctx, fl, cfg)
		if err != nil {
			res.Err = err.Error()
			sink.Report(res)
			return err
		}
		res.Bandwidth = bw
	}

	sink.Report(res)
	return nil
}

// measureBandwidth floods fixed-size payloads for the configured window
// and asks the peer how many bytes actually arrived.
func measureBandwidth(ctx context.Context, fl reach.Flow, cfg ProbeConfig) (float64, error) {
	size := cfg.Bandwidth.PacketSize
	if size <= 0 {
		size = defaultPacketSize
	}
	window := cfg.BwWindow
	if window <= 0 {
		window = defaultBwWindow
	}

	if err := fl.Writev(control(verbBwStart)); err != nil {
		return 0, err
	}

	pkt := make([]byte, size)
	start := time.Now()
	deadline := start.Add(window)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := fl.Writev(pkt); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start)

	if err := fl.Writev(control(verbBwEnd)); err != nil {
		return 0, err
	}

	verb, arg, err := readControl(ctx, fl)
	if err != nil {
		return 0, err
	}
	if verb != verbBwRecv {
		return 0, fmt.Errorf("%w: %s", errProtocol, verb)
	}
	received, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: bad byte count %q", errProtocol, arg)
	}

	return float64(received) / elapsed.Seconds(), nil
}

// readControl skips loss markers and stray payloads until the next
// control message.
func readControl(ctx context.Context, fl reach.Flow) (verb, arg string, err error) {
	for {
		payload, err := fl.Read(ctx)
		if errors.Is(err, reach.ErrPayloadLost) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		if verb, arg, ok := parseControl(payload); ok {
			return verb, arg, nil
		}
	}
}

func control(verb string, args ...string) []byte {
	parts := append([]string{controlPrefix, verb}, args...)
	return []byte(strings.Join(parts, " "))
}

func parseControl(payload []byte) (verb, arg string, ok bool) {
	if len(payload) > 128 || len(payload) < len(controlPrefix) {
		return "", "", false
	}
	fields := strings.Fields(string(payload))
	if len(fields) < 2 || fields[0] != controlPrefix {
		return "", "", false
	}
	verb = fields[1]
	if len(fields) > 2 {
		arg = fields[2]
	}
	return verb, arg, true
}
