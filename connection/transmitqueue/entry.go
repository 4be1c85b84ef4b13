package transmitqueue

import (
	"sync/atomic"

	"github.com/oplinkoms/controller/connection/envelope"
)

// Callback delivers the outcome of a single request. On success the response
// envelope is non-nil and err is nil; a backend-reported failure still
// arrives as a response envelope. err is set only when the request never got
// a response: timeout, poisoning or shutdown.
type Callback func(response *envelope.ResponseEnvelope, err error)

// ConnectionEntry is one queued request. Entries are created once, may be
// replayed across connections, and complete exactly once no matter how many
// paths (response, timeout sweep, poison) race to finish them.
type ConnectionEntry struct {
	request       *envelope.Request
	callback      Callback
	enqueuedTicks int64
	completed     int32
}

func NewEntry(request *envelope.Request, callback Callback, enqueuedTicks int64) *ConnectionEntry {
	return &ConnectionEntry{
		request:       request,
		callback:      callback,
		enqueuedTicks: enqueuedTicks,
	}
}

func (e *ConnectionEntry) Request() *envelope.Request {
	return e.request
}

// EnqueuedTicks is the ticker reading at the original enqueue. It survives
// replay onto a successor connection, so request timeouts are measured from
// the caller's enqueue, not from retransmission.
func (e *ConnectionEntry) EnqueuedTicks() int64 {
	return e.enqueuedTicks
}

// Complete invokes the callback if no other path got there first. Returns
// false if the entry had already completed.
func (e *ConnectionEntry) Complete(response *envelope.ResponseEnvelope, err error) bool {
	if !atomic.CompareAndSwapInt32(&e.completed, 0, 1) {
		return false
	}
	e.callback(response, err)
	return true
}

func (e *ConnectionEntry) IsCompleted() bool {
	return atomic.LoadInt32(&e.completed) == 1
}

// TransmittedEntry decorates an entry with the transmit-time coordinates the
// backend will echo back in its response.
type TransmittedEntry struct {
	*ConnectionEntry

	SessionId        uint64
	TxSequence       uint64
	TransmittedTicks int64
}
