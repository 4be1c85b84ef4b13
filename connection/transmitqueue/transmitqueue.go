/*
The transmitqueue package tracks every request given to a connection from
enqueue to completion. A queue moves through three modes over the life of its
connection:

Halted: no backend yet (or the backend went away). Entries accumulate in
pending and nothing is transmitted.

Transmitting: a backend is attached. Entries are transmitted up to the
backpressure window and matched against inbound responses.

Forwarding: the connection has been retired by a reconnect. The queue has
been drained into a successor and any late enqueues are forwarded to it.

The queue is not safe for concurrent use; the owning connection serializes
access under its own lock and invokes entry callbacks only after releasing it.
*/
package transmitqueue

import (
	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/logger"
)

// MaxDelayNanos caps the backpressure delay handed to producers.
//
// With window W (the backend's in-flight limit, bounded by the configured
// target depth) and total queue depth d, the delay is:
//
//	d <= W/2          : 0
//	W/2 < d < 4W      : MaxDelayNanos * (2d - W) / (7W)
//	d >= 4W           : MaxDelayNanos
//
// so producers run free below the low-watermark, feel a linear ramp past it,
// and are fully throttled at four windows of backlog.
const MaxDelayNanos = int64(5_000_000_000)

// EnvelopeSender transmits one envelope toward the backend.
type EnvelopeSender interface {
	SendEnvelope(request *envelope.RequestEnvelope) error
}

type queueMode int

const (
	modeHalted queueMode = iota
	modeTransmitting
	modeForwarding
)

type TransmitQueue struct {
	logger      *logger.Logger
	targetDepth int

	mode      queueMode
	forwarder *ReconnectForwarder

	backend *backendinfo.BackendInfo
	sender  EnvelopeSender

	pending  []*ConnectionEntry
	inflight []*TransmittedEntry

	nextTxSequence uint64

	// last tick at which a response completed an entry; timeout removals do
	// not count as progress
	stallTicks int64
}

// NewHalted creates a queue with no backend attached. targetDepth bounds the
// backpressure window regardless of what the backend later advertises.
func NewHalted(logger *logger.Logger, targetDepth int, now int64) *TransmitQueue {
	return &TransmitQueue{
		logger:      logger,
		targetDepth: targetDepth,
		mode:        modeHalted,
		stallTicks:  now,
	}
}

// BecomeTransmitting attaches a resolved backend and transmits as much of the
// backlog as the window admits.
func (q *TransmitQueue) BecomeTransmitting(backend *backendinfo.BackendInfo, sender EnvelopeSender, now int64) {
	q.mode = modeTransmitting
	q.backend = backend
	q.sender = sender
	q.TryTransmit(now)
}

// Enqueue adds an entry and returns the backpressure delay the producer
// should observe. In Forwarding mode the entry goes straight to the
// successor, which computes the delay instead.
func (q *TransmitQueue) Enqueue(entry *ConnectionEntry, now int64) int64 {
	if q.mode == modeForwarding {
		return q.forwarder.ForwardEntry(entry, now)
	}

	q.pending = append(q.pending, entry)
	if q.mode == modeTransmitting {
		q.TryTransmit(now)
	}
	return q.throttleDelay()
}

// TryTransmit fills the backpressure window from pending. A send failure is
// logged and the entry still moves to in-flight: the timer regime will either
// see a response (the transport recovered) or time the entry out.
func (q *TransmitQueue) TryTransmit(now int64) {
	if q.mode != modeTransmitting {
		return
	}

	window := q.window()
	for len(q.inflight) < window && len(q.pending) > 0 {
		entry := q.pending[0]
		q.pending = q.pending[1:]

		txSequence := q.nextTxSequence
		q.nextTxSequence++

		transmitted := &TransmittedEntry{
			ConnectionEntry:  entry,
			SessionId:        q.backend.SessionId,
			TxSequence:       txSequence,
			TransmittedTicks: now,
		}
		q.inflight = append(q.inflight, transmitted)

		request := &envelope.RequestEnvelope{
			SessionId:     q.backend.SessionId,
			TxSequence:    txSequence,
			SchemaVersion: q.backend.Version,
			Request:       entry.Request(),
		}
		if err := q.sender.SendEnvelope(request); err != nil {
			q.logger.Errorf("failed to transmit txSequence %d to session %d: %s", txSequence, q.backend.SessionId, err)
		}
	}
}

// Complete matches a response to its in-flight entry. On a match the entry is
// removed, stallTicks advances and the freed window slot is refilled. The
// caller completes the returned entry outside its lock. Returns nil for
// responses that match nothing.
func (q *TransmitQueue) Complete(response *envelope.ResponseEnvelope, now int64) *TransmittedEntry {
	for i, transmitted := range q.inflight {
		if transmitted.SessionId == response.SessionId && transmitted.TxSequence == response.TxSequence {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			q.stallTicks = now
			q.TryTransmit(now)
			return transmitted
		}
	}
	return nil
}

// Drain removes every entry, in-flight first, preserving original enqueue
// order. The queue halts and detaches from its backend; replay onto a
// successor starts from the returned slice.
func (q *TransmitQueue) Drain() []*ConnectionEntry {
	entries := make([]*ConnectionEntry, 0, len(q.inflight)+len(q.pending))
	for _, transmitted := range q.inflight {
		entries = append(entries, transmitted.ConnectionEntry)
	}
	entries = append(entries, q.pending...)

	q.inflight = nil
	q.pending = nil
	q.backend = nil
	q.sender = nil
	q.mode = modeHalted
	return entries
}

// Seed installs replayed entries from a retired predecessor. The
// predecessor's stallTicks is carried over when older, so the no-progress
// clock keeps counting across reconnects instead of resetting each time a
// fresh connection is attempted.
func (q *TransmitQueue) Seed(entries []*ConnectionEntry, predecessorStallTicks int64) {
	q.pending = append(entries, q.pending...)
	if predecessorStallTicks < q.stallTicks {
		q.stallTicks = predecessorStallTicks
	}
}

// SetForwarder retires the queue. Entries that raced in since the drain are
// pushed through the forwarder so nothing is stranded locally.
func (q *TransmitQueue) SetForwarder(forwarder *ReconnectForwarder, now int64) {
	q.mode = modeForwarding
	q.forwarder = forwarder

	pending := q.pending
	q.pending = nil
	for _, entry := range pending {
		forwarder.ForwardEntry(entry, now)
	}
}

func (q *TransmitQueue) HasSuccessor() bool {
	return q.mode == modeForwarding
}

// TicksStalling reports how long the queue has gone without completing an
// entry.
func (q *TransmitQueue) TicksStalling(now int64) int64 {
	return now - q.stallTicks
}

// Poison drains the queue for terminal failure. The caller fails the
// returned entries with the poisoning cause outside its lock.
func (q *TransmitQueue) Poison() []*ConnectionEntry {
	q.forwarder = nil
	return q.Drain()
}

// Peek returns the oldest queued entry, or nil when empty. In-flight entries
// precede pending ones in enqueue order.
func (q *TransmitQueue) Peek() *ConnectionEntry {
	if len(q.inflight) > 0 {
		return q.inflight[0].ConnectionEntry
	}
	if len(q.pending) > 0 {
		return q.pending[0]
	}
	return nil
}

// Remove drops the oldest queued entry. Used by the timeout sweeper;
// stallTicks is deliberately untouched, a timed-out entry is not progress.
func (q *TransmitQueue) Remove(now int64) {
	if len(q.inflight) > 0 {
		q.inflight = q.inflight[1:]
		return
	}
	if len(q.pending) > 0 {
		q.pending = q.pending[1:]
	}
}

func (q *TransmitQueue) IsEmpty() bool {
	return len(q.inflight) == 0 && len(q.pending) == 0
}

func (q *TransmitQueue) Depth() int {
	return len(q.inflight) + len(q.pending)
}

func (q *TransmitQueue) window() int {
	if q.backend != nil && q.backend.MaxMessages < q.targetDepth {
		return q.backend.MaxMessages
	}
	return q.targetDepth
}

func (q *TransmitQueue) throttleDelay() int64 {
	window := int64(q.window())
	if window <= 0 {
		return MaxDelayNanos
	}

	depth := int64(q.Depth())
	if 2*depth <= window {
		return 0
	}

	delay := MaxDelayNanos * (2*depth - window) / (7 * window)
	if delay < 0 {
		return 0
	}
	if delay > MaxDelayNanos {
		return MaxDelayNanos
	}
	return delay
}
