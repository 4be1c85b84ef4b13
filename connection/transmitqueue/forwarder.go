package transmitqueue

// Successor accepts entries on behalf of a retired connection. The successor
// re-stamps nothing: the entry keeps its original enqueue tick so timeouts
// stay anchored to the caller's submission.
type Successor interface {
	EnqueueEntry(entry *ConnectionEntry, now int64) int64
}

// ReconnectForwarder routes enqueues arriving at a retired queue to its
// successor. Installed once the retired queue has been drained; entries that
// arrived since the drain are pushed through it at install time, so local
// pending is left empty.
type ReconnectForwarder struct {
	successor Successor
}

func NewReconnectForwarder(successor Successor) *ReconnectForwarder {
	return &ReconnectForwarder{successor: successor}
}

func (f *ReconnectForwarder) ForwardEntry(entry *ConnectionEntry, now int64) int64 {
	return f.successor.EnqueueEntry(entry, now)
}
