package reach

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultRingCapacity    = 5
	defaultSequenceTimeout = 500 * time.Millisecond
	defaultDialTimeout     = 30 * time.Second
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	bindAddr     string
	ringCapacity int
	seqTimeout   time.Duration
	dialTimeout  time.Duration
	tlsConfig    *tls.Config
}

func defaultConfig() config {
	return config{
		ringCapacity: defaultRingCapacity,
		seqTimeout:   defaultSequenceTimeout,
		dialTimeout:  defaultDialTimeout,
	}
}

// Option to pass to `NewDatagramManager` or `NewStreamAdapter`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the probe.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the probe.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithBindAddr specifies which local IP listeners must bind. It defaults
// to the unspecified address.
func WithBindAddr(addr string) Option {
	return func(c *config) error {
		c.bindAddr = addr
		return nil
	}
}

// WithRingCapacity controls how many of the most recent arrivals a flow
// retains while waiting to put them back in order. Older undelivered
// datagrams are evicted, trading completeness for bounded memory.
func WithRingCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity <= 0 {
			capacity = defaultRingCapacity
		}
		c.ringCapacity = capacity
		return nil
	}
}

// WithSequenceTimeout controls how long a flow's sequencer waits for a
// missing sequence index before declaring it lost and moving on.
func WithSequenceTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultSequenceTimeout
		}
		c.seqTimeout = timeout
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer to answer a stream establishment.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` used by the reliable stream
// transport. When unset, the adapter generates a self-signed certificate:
// the probe verifies reachability, it does not authenticate peers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf != nil {
			c.tlsConfig = tlsConf.Clone()
		}
		return nil
	}
}
