package reach

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/tlgrx/reach/pkg/wire"
)

func newTestManager(t *testing.T, opts ...Option) *DatagramManager {
	t.Helper()
	opts = append([]Option{WithMetricSink(&metrics.BlackholeSink{})}, opts...)
	m, err := NewDatagramManager(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })
	return m
}

// newLooseFlow builds a flow that is not wired to any socket, to drive
// the sequencer directly through deposit.
func newLooseFlow(t *testing.T, m *DatagramManager) *DatagramFlow {
	t.Helper()
	fl := m.newFlow("test-flow", 0, nil, nil, false)
	m.wg.Add(1)
	go fl.sequence()
	t.Cleanup(func() { fl.Close() })
	return fl
}

func TestDatagramEndToEnd(t *testing.T) {
	a := newTestManager(t)
	b := newTestManager(t)

	flows := make(chan Flow, 1)
	port, err := a.Listen(0, func(fl Flow) { flows <- fl })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := b.Connect(ctx, "b-probe-1", "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, out.Writev([]byte("ping")))

	var in Flow
	select {
	case in = <-flows:
	case <-ctx.Done():
		t.Fatal("listener never observed the flow")
	}
	require.Equal(t, "b-probe-1", in.Identity())

	payload, err := in.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "ping", string(payload))

	// the reply routes back to the ephemeral port the dialer allocated.
	require.NoError(t, in.Writev([]byte("pong")))
	payload, err = out.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", string(payload))

	// exactly one live flow per identity, gone after close.
	_, ok := a.reg.lookup("b-probe-1")
	require.True(t, ok)
	require.NoError(t, in.Close())
	_, ok = a.reg.lookup("b-probe-1")
	require.False(t, ok)
}

func TestSequencerReorders(t *testing.T) {
	m := newTestManager(t, WithSequenceTimeout(time.Second))
	fl := newLooseFlow(t, m)

	fl.deposit(Datagram{Seq: 1, Payload: []byte("b")})
	fl.deposit(Datagram{Seq: 0, Payload: []byte("a")})
	fl.deposit(Datagram{Seq: 2, Payload: []byte("c")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []string{"a", "b", "c"} {
		payload, err := fl.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(payload))
	}
}

func TestSequencerEmitsLossMarker(t *testing.T) {
	m := newTestManager(t, WithSequenceTimeout(50*time.Millisecond))
	fl := newLooseFlow(t, m)

	fl.deposit(Datagram{Seq: 0, Payload: []byte("a")})
	fl.deposit(Datagram{Seq: 2, Payload: []byte("c")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := fl.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", string(payload))

	// index 1 never arrives: an explicit loss marker at its position,
	// not a silent skip.
	_, err = fl.Read(ctx)
	require.ErrorIs(t, err, ErrPayloadLost)

	payload, err = fl.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", string(payload))
}

func TestSequencerIdleFlowStaysSilent(t *testing.T) {
	m := newTestManager(t, WithSequenceTimeout(20*time.Millisecond))
	fl := newLooseFlow(t, m)

	// no arrivals at all: no loss markers, the read just waits.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := fl.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequencerEvictedWindowLosesImmediately(t *testing.T) {
	m := newTestManager(t, WithSequenceTimeout(5*time.Second))
	fl := newLooseFlow(t, m)

	// fill the whole ring with indices past 0..9: those can never land
	// in the retained window anymore.
	for seq := uint64(10); seq < uint64(10+defaultRingCapacity); seq++ {
		fl.deposit(Datagram{Seq: seq, Payload: []byte{byte(seq)}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 10; i++ {
		_, err := fl.Read(ctx)
		require.ErrorIs(t, err, ErrPayloadLost, "index %d", i)
	}
	for seq := byte(10); seq < byte(10+defaultRingCapacity); seq++ {
		payload, err := fl.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{seq}, payload, "delivery stays strictly increasing")
	}
	require.Less(t, time.Since(start), time.Second,
		"evicted indices must not each wait out the sequence timeout")
}

func TestCloseReleasesBlockedReader(t *testing.T) {
	m := newTestManager(t)
	fl := newLooseFlow(t, m)

	errCh := make(chan error, 1)
	go func() {
		_, err := fl.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close(), "close is idempotent")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrFlowClosed)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after close")
	}
}

func TestWritevCoalescesIntoOneDatagram(t *testing.T) {
	m := newTestManager(t)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fl, err := m.Connect(ctx, "w-1", "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, fl.Writev([]byte("a"), []byte("b"), []byte("c")))

	buf := make([]byte, maxDatagramSize)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	h, off, err := wire.ParseHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "w-1", h.ConnID)
	require.Equal(t, uint64(0), h.Seq)
	require.Equal(t, "abc", string(buf[off:n]))

	// one logical write, one datagram: nothing else arrives.
	peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = peer.ReadFromUDP(buf)
	require.Error(t, err)
}

func TestListenerSurvivesMalformedDatagrams(t *testing.T) {
	a := newTestManager(t)

	flows := make(chan Flow, 1)
	port, err := a.Listen(0, func(fl Flow) { flows <- fl })
	require.NoError(t, err)

	raw, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0xFF, 0x01, 0x02}) // foreign traffic
	require.NoError(t, err)
	_, err = raw.Write([]byte{wire.Magic, 0x05}) // truncated header
	require.NoError(t, err)
	_, err = raw.Write(wire.Encode(wire.Header{ConnID: "ok-1", Seq: 0}, []byte("hi")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case fl := <-flows:
		require.Equal(t, "ok-1", fl.Identity())
		payload, err := fl.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, "hi", string(payload))
	case <-ctx.Done():
		t.Fatal("listener stopped serving after malformed input")
	}
}

func TestShutdownClosesRacingInboundFlows(t *testing.T) {
	for range 100 {
		m, err := NewDatagramManager(WithMetricSink(&metrics.BlackholeSink{}))
		require.NoError(t, err)

		port, err := m.Listen(0, func(Flow) {})
		require.NoError(t, err)

		raw, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		require.NoError(t, err)

		// flood first packets for fresh identities so dispatch races
		// the teardown's registry drain.
		stop := make(chan struct{})
		var senders sync.WaitGroup
		senders.Add(1)
		go func() {
			defer senders.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("burst-%d", i)
				raw.Write(wire.Encode(wire.Header{ConnID: id, Seq: 0}, []byte("x")))
			}
		}()

		done := make(chan struct{})
		go func() {
			m.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("shutdown hung on a flow registered mid-teardown")
		}

		close(stop)
		senders.Wait()
		raw.Close()
		require.Empty(t, m.reg.snapshot(), "no flow may outlive shutdown")
	}
}

func TestRecvLoopDropsForeignIdentity(t *testing.T) {
	m := newTestManager(t)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fl, err := m.Connect(ctx, "mine-1", "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, fl.Writev([]byte("hello")))

	buf := make([]byte, maxDatagramSize)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, src, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	// a datagram for another identity on this socket is dropped, never
	// sequenced into the flow.
	_, err = peer.WriteToUDP(wire.Encode(wire.Header{ConnID: "theirs-1", Seq: 0}, []byte("nope")), src)
	require.NoError(t, err)
	_, err = peer.WriteToUDP(wire.Encode(wire.Header{ConnID: "mine-1", Seq: 0}, []byte("yes")), src)
	require.NoError(t, err)

	payload, err := fl.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "yes", string(payload))
}

func TestConnectDuplicateIdentity(t *testing.T) {
	m := newTestManager(t)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fl, err := m.Connect(ctx, "dup", "127.0.0.1", port)
	require.NoError(t, err)

	_, err = m.Connect(ctx, "dup", "127.0.0.1", port)
	require.ErrorIs(t, err, ErrIdentityInUse)

	require.NoError(t, fl.Close())
	again, err := m.Connect(ctx, "dup", "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestCloseFreesEphemeralPort(t *testing.T) {
	m := newTestManager(t)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fl, err := m.Connect(ctx, "p-1", "127.0.0.1", port)
	require.NoError(t, err)

	local := fl.(*DatagramFlow).LocalPort()
	m.ports.lk.Lock()
	_, held := m.ports.claimed[local]
	m.ports.lk.Unlock()
	require.True(t, held)

	require.NoError(t, fl.Close())
	m.ports.lk.Lock()
	_, held = m.ports.claimed[local]
	m.ports.lk.Unlock()
	require.False(t, held, "close must free the flow's source port")
}
