package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session traffic counter.
var Stats = &stats{}

type stats struct {
	MsgsSent  atomic.Int64 // chat packets sent on the session
	MsgsRecv  atomic.Int64 // chat packets decoded from DATA frames
	BytesSent atomic.Int64 // cumulative frame bytes written to the relay
	BytesRecv atomic.Int64 // cumulative frame bytes read from the relay
}

func (s *stats) AddMsgSent()   { s.MsgsSent.Add(1) }
func (s *stats) AddMsgRecv()   { s.MsgsRecv.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 30 seconds when anything moved. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevIn, prevOut int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				msgIn := Stats.MsgsRecv.Load()
				msgOut := Stats.MsgsSent.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Relay: %s sent | %s recv | msgs: %d↑ %d↓",
						formatBytes(float64(sent)),
						formatBytes(float64(recv)),
						msgOut-prevOut,
						msgIn-prevIn,
					))
				}

				prevSent = sent
				prevRecv = recv
				prevIn = msgIn
				prevOut = msgOut

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string,
// for example: "99.0 B", "1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 999 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%.1f %s", b, byteUnits[unitIdx])
}
