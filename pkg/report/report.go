// Package report carries connectivity and bandwidth outcomes from the
// protocol driver to a display sink. The flow layer never talks to a
// sink directly.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Result is one probe outcome.
type Result struct {
	// Local is the name of the probing instance.
	Local string

	// Peer is the name the remote instance reported for itself. Empty
	// when the peer never answered.
	Peer string

	// Addr is the dialed "host:port".
	Addr string

	// Transport is the flow transport used, "udp" or "quic".
	Transport string

	Reachable bool
	RTT       time.Duration

	// Bandwidth is the measured receive rate in bytes per second, 0
	// when bandwidth monitoring was not requested.
	Bandwidth float64

	// Err describes the failure for unreachable peers.
	Err string
}

// Sink accepts probe results for display.
type Sink interface {
	Report(Result)
}

// Capture retains every result, for tests.
type Capture struct {
	lk      sync.Mutex
	results []Result
}

func (c *Capture) Report(r Result) {
	c.lk.Lock()
	c.results = append(c.results, r)
	c.lk.Unlock()
}

func (c *Capture) Results() []Result {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

var (
	styleOk   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Terminal renders results as one line per probe.
type Terminal struct {
	lk sync.Mutex
	w  io.Writer
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Report(r Result) {
	peer := r.Peer
	if peer == "" {
		peer = "-"
	}

	line := fmt.Sprintf("%-16s %-5s %-21s ", peer, r.Transport, r.Addr)
	if r.Reachable {
		line += styleOk.Render("reachable")
		line += styleDim.Render(fmt.Sprintf("  rtt=%s", r.RTT.Round(10*time.Microsecond)))
		if r.Bandwidth > 0 {
			line += styleDim.Render(fmt.Sprintf("  bw=%s", humanRate(r.Bandwidth)))
		}
	} else {
		line += styleFail.Render("unreachable")
		if r.Err != "" {
			line += styleDim.Render("  " + r.Err)
		}
	}

	t.lk.Lock()
	fmt.Fprintln(t.w, line)
	t.lk.Unlock()
}

func humanRate(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}
