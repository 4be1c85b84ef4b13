/*
The connection package is the client-side core for talking to a set of
backends. It is built as a stack of layers:

1. The transporter layer dials a backend endpoint and moves envelope frames
   across the wire.

2. The transmit queue layer tracks every request from enqueue to completion,
   applies backpressure when the backend falls behind, and replays
   still-outstanding requests onto a successor connection after a reconnect.

3. The client connection layer owns the per-backend state machine
   (Connecting, Connected, Reconnecting), the tiered timeout regime and the
   poisoning protocol.

4. The behavior layer is a single goroutine that multiplexes all connections,
   routes inbound envelopes by backend cookie and sequences reconnects.

Layers meet at small interfaces (Transporter, EnvelopeSender, ActorContext,
Owner), so individual layers can be swapped out or mocked in tests.
*/
package connection

import (
	"context"
	"time"

	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/clock"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/connection/transmitqueue"
)

// ClientConnection is the request surface of a single backend connection.
// Request outcomes are always delivered through the entry callback, never as
// a return value; the error returns below only report enqueue-time failures.
type ClientConnection interface {
	// SendRequest enqueues a request and then honors the queue's throttle
	// delay by sleeping, so it must not be called while holding locks that
	// the response path needs. The context bounds the throttle sleep only.
	SendRequest(ctx context.Context, request *envelope.Request, callback transmitqueue.Callback) error

	// EnqueueRequest enqueues without ever sleeping.
	EnqueueRequest(request *envelope.Request, callback transmitqueue.Callback, enqueuedTicks int64) error

	// ReceiveResponse matches an inbound envelope to its in-flight request.
	ReceiveResponse(response *envelope.ResponseEnvelope)

	// Poison fails the connection and every queued request with cause.
	Poison(cause error)

	GetBackendInfo() *backendinfo.BackendInfo
}

// ActorContext is the slice of the behavior's actor facilities a connection
// needs: its time source, deferred execution on the actor goroutine, and the
// client identifiers stamped into diagnostics.
type ActorContext interface {
	Ticker() clock.Ticker
	ExecuteInActor(task func(), delay time.Duration)
	PersistenceId() string
	Identifier() string
}
