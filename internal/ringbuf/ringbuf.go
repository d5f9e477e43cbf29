// Package ringbuf implements the fixed-capacity single-producer/
// single-consumer payload queue that decouples the AMQP receiver from the
// downstream sender. Unlike a byte ring, slots here are whole
// length-prefixed payloads: the producer reserves a slot, fills it, and
// commits it; the consumer reserves the oldest full slot, reads it, and
// releases it. head and tail are tracked modulo the slot count; an
// atomic fill count (incremented by the producer's Commit, decremented by
// the consumer's CommitRead) is the release/acquire pairing between the
// two sides, so the fast path needs no mutex.
package ringbuf

import (
	"sync/atomic"

	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

// Ring is a fixed allocation of Count slots of SlotSize bytes. Exactly one
// goroutine may call Reserve/Commit (the AMQP receiver) and exactly one
// goroutine may call ReserveRead/CommitRead (the downstream sender).
type Ring struct {
	slots    [][]byte // fixed backing storage, one []byte per slot, cap == slotSize
	lengths  []int    // valid length for the bytes currently in each slot, producer-written
	count    int // slot count (capacity)
	slotSize int

	blockUpstream bool // true selects backpressure, false selects drop-oldest

	head int // next slot the producer will write, producer-owned
	tail int // next slot the consumer will read, consumer-owned

	filled atomic.Int64 // number of committed-but-unread slots; release on Commit, acquire on ReserveRead

	counters *stats.Counters
}

// New allocates a Ring of count slots of slotSize bytes each. blockUpstream
// selects the full-queue policy: false is drop-oldest (the default), true
// is backpressure (Reserve returns ok=false instead of evicting).
func New(count, slotSize int, blockUpstream bool, counters *stats.Counters) *Ring {
	r := &Ring{
		slots:         make([][]byte, count),
		lengths:       make([]int, count),
		count:         count,
		slotSize:      slotSize,
		blockUpstream: blockUpstream,
		counters:      counters,
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

// Reserve obtains exclusive write access to the slot at head, returning a
// buffer of capacity SlotSize the caller may fill up to its needs. Under
// drop-oldest it always succeeds, evicting the oldest payload and
// incrementing RingOverruns if the buffer was full. Under backpressure it
// returns ok=false when full; the caller (the AMQP receiver) must then
// withhold link credit until ReserveRead/CommitRead frees a slot.
func (r *Ring) Reserve() (slot []byte, ok bool) {
	if int(r.filled.Load()) == r.count {
		if r.blockUpstream {
			return nil, false
		}
		// Drop-oldest: discard the payload at tail to make room.
		r.tail = (r.tail + 1) % r.count
		r.filled.Add(-1)
		r.counters.RingOverruns.Add(1)
	}
	return r.slots[r.head][:r.slotSize], true
}

// Commit publishes the slot obtained from Reserve with the given payload
// length, advances head, and releases the slot to the consumer.
func (r *Ring) Commit(length int) {
	r.lengths[r.head] = length
	r.head = (r.head + 1) % r.count
	r.filled.Add(1) // release: payload bytes are visible before filled increments
}

// ReserveRead obtains read access to the slot at tail. Returns ok=false if
// the buffer is empty.
func (r *Ring) ReserveRead() (payload []byte, ok bool) {
	if r.filled.Load() == 0 { // acquire: pairs with Commit's release
		return nil, false
	}
	length := r.lengths[r.tail]
	return r.slots[r.tail][:length], true
}

// CommitRead releases the slot at tail back to the producer and advances
// tail.
func (r *Ring) CommitRead() {
	r.tail = (r.tail + 1) % r.count
	r.filled.Add(-1)
}

// Count returns the number of payloads currently queued. Safe to call
// from either side or a monitor; it is a snapshot and may be stale by the
// time the caller acts on it.
func (r *Ring) Count() int {
	return int(r.filled.Load())
}

// Capacity returns the number of slots allocated.
func (r *Ring) Capacity() int {
	return r.count
}

// SlotSize returns the configured per-slot byte capacity.
func (r *Ring) SlotSize() int {
	return r.slotSize
}
