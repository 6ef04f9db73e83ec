// Command reach probes peer connectivity: it opens listening endpoints
// for the given "proto:port" specs and dials every peer URI, reporting
// reachability, round-trip time and optionally bandwidth.
//
//	reach --name alice --listen udp:9000 --listen quic:9001 \
//	    'udp://bob.example:9000?monitor_bandwidth=true&packet_size=1200'
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tlgrx/reach"
	"github.com/tlgrx/reach/pkg/driver"
	"github.com/tlgrx/reach/pkg/report"
)

var (
	flagName    string
	flagListen  []string
	flagTimeout time.Duration
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:          "reach [peer-uri ...]",
		Short:        "peer-to-peer connectivity probe",
		Long:         "reach opens listening endpoints and dials peers to verify reachability\nand optionally measure bandwidth, over both udp and quic transports.",
		RunE:         run,
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&flagName, "name", "n", "", "instance name reported to peers (required)")
	root.Flags().StringArrayVarP(&flagListen, "listen", "l", nil, "listen spec, proto:port (e.g. udp:9000, quic:9001)")
	root.Flags().DurationVarP(&flagTimeout, "timeout", "t", 30*time.Second, "how long to listen and to wait per probe")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.MarkFlagRequired("name")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if len(flagListen) == 0 && len(args) == 0 {
		return fmt.Errorf("nothing to do: pass --listen specs, peer URIs, or both")
	}

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dgm, err := reach.NewDatagramManager(reach.WithLog(handler))
	if err != nil {
		return err
	}
	defer dgm.Shutdown()

	sam, err := reach.NewStreamAdapter(reach.WithLog(handler))
	if err != nil {
		return err
	}
	defer sam.Shutdown()

	sink := report.NewTerminal(os.Stdout)

	var wg sync.WaitGroup
	for _, spec := range flagListen {
		proto, port, err := parseListenSpec(spec)
		if err != nil {
			return err
		}
		var l reach.Listener
		switch proto {
		case "udp":
			l = dgm
		case "quic":
			l = sam
		default:
			return fmt.Errorf("unsupported listen protocol %q (want udp or quic)", proto)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := driver.Serve(ctx, l, driver.ServeConfig{
				Name:    flagName,
				Port:    port,
				Timeout: flagTimeout,
				Logger:  logger,
			})
			if err != nil {
				logger.Error("listen endpoint failed", "spec", spec, "error", err)
			}
		}()
	}

	for _, raw := range args {
		cfg, d, err := parsePeerURI(raw, dgm, sam)
		if err != nil {
			return err
		}
		cfg.Name = flagName
		cfg.Timeout = flagTimeout
		cfg.Logger = logger
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driver.Probe(ctx, d, cfg, sink); err != nil {
				logger.Debug("probe failed", "peer", raw, "error", err)
			}
		}()
	}

	wg.Wait()
	return nil
}

func parseListenSpec(spec string) (proto string, port int, err error) {
	proto, portStr, ok := strings.Cut(spec, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid listen spec %q (want proto:port)", spec)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in listen spec %q", spec)
	}
	return proto, port, nil
}

func parsePeerURI(raw string, dgm *reach.DatagramManager, sam *reach.StreamAdapter) (driver.ProbeConfig, reach.Dialer, error) {
	var cfg driver.ProbeConfig

	u, err := url.Parse(raw)
	if err != nil {
		return cfg, nil, fmt.Errorf("invalid peer URI %q: %w", raw, err)
	}

	var d reach.Dialer
	switch u.Scheme {
	case "udp":
		d = dgm
	case "quic":
		d = sam
	default:
		return cfg, nil, fmt.Errorf("unsupported peer scheme %q in %q (want udp or quic)", u.Scheme, raw)
	}
	cfg.Transport = u.Scheme

	host := u.Hostname()
	if host == "" {
		return cfg, nil, fmt.Errorf("missing host in peer URI %q", raw)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return cfg, nil, fmt.Errorf("missing or invalid port in peer URI %q", raw)
	}
	cfg.PeerAddr = host
	cfg.PeerPort = port

	q := u.Query()
	if v := q.Get("monitor_bandwidth"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, nil, fmt.Errorf("invalid monitor_bandwidth in %q", raw)
		}
		cfg.Bandwidth.Enabled = enabled
	}
	if v := q.Get("packet_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 || size > 64<<10 {
			return cfg, nil, fmt.Errorf("invalid packet_size in %q", raw)
		}
		cfg.Bandwidth.PacketSize = size
	}

	// sanity-check the host early so unreachable DNS shows up as a
	// config error, not a probe timeout.
	if ip := net.ParseIP(host); ip == nil {
		if _, err := net.LookupHost(host); err != nil {
			return cfg, nil, fmt.Errorf("cannot resolve peer host %q: %w", host, err)
		}
	}

	return cfg, d, nil
}
