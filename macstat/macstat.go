// Package macstat samples descriptor ring occupancy and traffic counters of
// MAC instances.
package macstat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/ethmac-go/ethmac"
)

type Counter int

const (
	TxFree Counter = iota
	TxScheduled
	TxPending
	RxFree
	RxScheduled
	RxPending
	TxPackets
	TxBytes
	TxAcked
	RxPackets
	RxBytes
	RxAcked
)

// Counters lists every Counter.
var Counters = []Counter{
	TxFree, TxScheduled, TxPending,
	RxFree, RxScheduled, RxPending,
	TxPackets, TxBytes, TxAcked,
	RxPackets, RxBytes, RxAcked,
}

func (c Counter) String() string {
	switch c {
	case TxFree:
		return "tx_free"
	case TxScheduled:
		return "tx_scheduled"
	case TxPending:
		return "tx_pending"
	case RxFree:
		return "rx_free"
	case RxScheduled:
		return "rx_scheduled"
	case RxPending:
		return "rx_pending"
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxAcked:
		return "tx_acked"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxAcked:
		return "rx_acked"
	}
	return ""
}

// Cumulative reports whether c only ever grows. The others are ring
// occupancy gauges.
func (c Counter) Cumulative() bool { return c >= TxPackets }

// Source is what a snapshot is taken from. *ethmac.MAC implements it.
// RxPendingCount and RxScheduledCount walk the RX busy list, so Snapshot
// must run on the goroutine that drives RX.
type Source interface {
	PoolCounts(dir ethmac.Direction) (free, busy int)
	TxPendingCount() int
	TxScheduledCount() int
	RxPendingCount() int
	RxScheduledCount() int
	Counters() ethmac.Counters
}

var _ Source = (*ethmac.MAC)(nil)

// Per-MAC values.
type MACStats map[Counter]uint64

// Multi-MAC stats.
type Stats map[string]MACStats

// Snapshot reads every counter of every source.
func Snapshot(srcs map[string]Source) Stats {
	s := make(Stats, len(srcs))
	for name, src := range srcs {
		s[name] = Read(src)
	}
	return s
}

// Read reads every counter of src.
func Read(src Source) MACStats {
	txFree, _ := src.PoolCounts(ethmac.TX)
	rxFree, _ := src.PoolCounts(ethmac.RX)
	c := src.Counters()
	return MACStats{
		TxFree:      uint64(txFree),
		TxScheduled: uint64(src.TxScheduledCount()),
		TxPending:   uint64(src.TxPendingCount()),
		RxFree:      uint64(rxFree),
		RxScheduled: uint64(src.RxScheduledCount()),
		RxPending:   uint64(src.RxPendingCount()),
		TxPackets:   c.TxPackets,
		TxBytes:     c.TxBytes,
		TxAcked:     c.TxAcked,
		RxPackets:   c.RxPackets,
		RxBytes:     c.RxBytes,
		RxAcked:     c.RxAcked,
	}
}

// Since computes s(now) - old for cumulative counters.
// Gauges keep their current value.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for name, now := range s {
		prev := old[name]
		diff := make(MACStats, len(now))
		for ctr, v := range now {
			if ctr.Cumulative() {
				v -= prev[ctr]
			}
			diff[ctr] = v
		}
		out[name] = diff
	}
	return out
}

func Print(w io.Writer, s Stats) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		st := s[name]
		fmt.Fprintf(w, "%s:\n", name)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  acked %d\n",
			st[TxPackets], humanize.Bytes(st[TxBytes]),
			humanize.Comma(int64(st[TxBytes])), st[TxAcked],
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  acked %d\n",
			st[RxPackets], humanize.Bytes(st[RxBytes]),
			humanize.Comma(int64(st[RxBytes])), st[RxAcked],
		)
		fmt.Fprintf(w, "  ring tx free=%d scheduled=%d pending=%d  rx free=%d scheduled=%d pending=%d\n",
			st[TxFree], st[TxScheduled], st[TxPending],
			st[RxFree], st[RxScheduled], st[RxPending],
		)
	}

	return nil
}
