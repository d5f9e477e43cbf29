// Package stats holds the bridge's shared counters. Each field is written
// by exactly one component (the AMQP receiver, the ring buffer, or the
// downstream sender) and read without synchronization by the supervisor,
// which only ever reports deltas over a sampling period.
package stats

import "sync/atomic"

// Counters is the single shared instance of the bridge's telemetry. All
// fields are monotonically non-decreasing 64-bit counters.
type Counters struct {
	// AMQPReceived counts complete messages pushed into the ring buffer.
	AMQPReceived atomic.Int64
	// AMQPPartial counts partial-delivery events seen by the receiver.
	AMQPPartial atomic.Int64
	// AMQPTotalBatches counts receive batches completed by the receiver.
	AMQPTotalBatches atomic.Int64
	// LinkCreditSum is the running sum of link-credit observations, used
	// by the supervisor to derive the average credit over a period.
	LinkCreditSum atomic.Int64
	// AMQPDecodeErrs counts malformed or oversize payloads that were
	// dropped rather than forwarded.
	AMQPDecodeErrs atomic.Int64
	// RingOverruns counts drops caused by the ring buffer being full
	// under the drop-oldest policy.
	RingOverruns atomic.Int64
	// SockSent counts payloads successfully handed to the downstream
	// socket.
	SockSent atomic.Int64
	// SockWouldBlock counts payloads dropped because the non-blocking
	// socket reported it would block.
	SockWouldBlock atomic.Int64
}

// New allocates a zeroed Counters instance.
func New() *Counters {
	return &Counters{}
}

// Snapshot is a point-in-time copy of all counters, used by the
// supervisor to compute deltas between sampling ticks.
type Snapshot struct {
	AMQPReceived     int64
	AMQPPartial      int64
	AMQPTotalBatches int64
	LinkCreditSum    int64
	AMQPDecodeErrs   int64
	RingOverruns     int64
	SockSent         int64
	SockWouldBlock   int64
}

// Snap takes a Snapshot of the current counter values.
func (c *Counters) Snap() Snapshot {
	return Snapshot{
		AMQPReceived:     c.AMQPReceived.Load(),
		AMQPPartial:      c.AMQPPartial.Load(),
		AMQPTotalBatches: c.AMQPTotalBatches.Load(),
		LinkCreditSum:    c.LinkCreditSum.Load(),
		AMQPDecodeErrs:   c.AMQPDecodeErrs.Load(),
		RingOverruns:     c.RingOverruns.Load(),
		SockSent:         c.SockSent.Load(),
		SockWouldBlock:   c.SockWouldBlock.Load(),
	}
}

// LinkCreditAverage computes the average link credit observed between two
// snapshots: the delta in the cumulative credit sum divided by the delta
// in messages received. Defined as 0 when no messages arrived in the
// interval, matching the source behavior's undefined-division guard.
func LinkCreditAverage(prev, now Snapshot) float64 {
	dMsgs := now.AMQPReceived - prev.AMQPReceived
	if dMsgs == 0 {
		return 0
	}
	dCredit := now.LinkCreditSum - prev.LinkCreditSum
	return float64(dCredit) / float64(dMsgs)
}
