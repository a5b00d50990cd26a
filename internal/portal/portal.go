// Package portal periodically samples the manager's statistics and prints
// them as fixed-width rows. The column header is re-printed every
// header_interval rows; zero prints it only once at startup.
package portal

import (
	"fmt"
	"io"
	"time"

	"github.com/loadsmith/loadsmith/server"
)

const sampleInterval = time.Second

// Portal is the stats printing service. Start spawns the service loop;
// Stop requests shutdown; Wait joins it.
type Portal struct {
	manager        *server.Manager
	headerInterval uint
	out            io.Writer
	stop           chan struct{}
	done           chan struct{}
	rowsSinceHdr   uint
}

// New builds a portal printing to out.
func New(m *server.Manager, headerInterval uint, out io.Writer) *Portal {
	return &Portal{
		manager:        m,
		headerInterval: headerInterval,
		out:            out,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the service loop on its own goroutine.
func (p *Portal) Start() {
	go p.serviceLoop()
}

// Stop requests the service loop to exit.
func (p *Portal) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Wait blocks until the service loop has exited.
func (p *Portal) Wait() {
	<-p.done
}

func (p *Portal) serviceLoop() {
	defer close(p.done)
	p.printHeader()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.printStats()
		}
	}
}

func (p *Portal) printHeader() {
	fmt.Fprintf(p.out, "%-20s %12s %10s %10s %12s %14s %14s\n",
		"time_micros", "accepted", "pool_tot", "pool_fly",
		"transactions", "bytes_rx", "bytes_tx")
	p.rowsSinceHdr = 0
}

func (p *Portal) printStats() {
	for _, rec := range p.manager.Stats() {
		if p.headerInterval > 0 && p.rowsSinceHdr >= p.headerInterval {
			p.printHeader()
		}
		fmt.Fprintf(p.out, "%-20d %12d %10d %10d %12d %14d %14d\n",
			rec.TimestampMicros, rec.Accepted, rec.PoolTotal,
			rec.PoolInFlight, rec.TransactionsDelta,
			rec.BytesReceivedDelta, rec.BytesSentDelta)
		p.rowsSinceHdr++
	}
}
