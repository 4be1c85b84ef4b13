/*
The clientconn package owns the per-backend connection state machine. A
connection is created Connecting, becomes Connected once its backend resolves,
and moves to Reconnecting when the backend goes silent, at which point its
queue is replayed onto a successor connection. A connection that makes no
progress for the no-progress interval is poisoned and never recovers.

All timer work runs on the behavior's actor goroutine; producer threads only
touch the connection through SendRequest/EnqueueRequest. Entry callbacks are
always invoked with the connection lock released.
*/
package clientconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oplinkoms/controller/connection"
	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/connection/transmitqueue"
	"github.com/oplinkoms/controller/logger"
)

const (
	// BackendAliveTimeoutNanos bounds how long a backend may stay silent
	// before the connection reconnects.
	BackendAliveTimeoutNanos = int64(30 * time.Second)

	// RequestTimeoutNanos bounds how long a single request may stay queued
	// before its callback fails.
	RequestTimeoutNanos = int64(2 * time.Minute)

	// NoProgressTimeoutNanos bounds how long a connection may go without
	// completing any request, across reconnects, before it is poisoned.
	NoProgressTimeoutNanos = int64(15 * time.Minute)

	// DebugDelayNanos is the throttle delay above which sleeps are logged.
	DebugDelayNanos = int64(100 * time.Millisecond)
)

type State int

const (
	Connecting State = iota
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Owner is the connection's view of the behavior that manages it. Both
// methods are only ever invoked from the actor goroutine.
type Owner interface {
	// ReconnectConnection retires conn and replays its queue onto a
	// successor
	ReconnectConnection(conn *Connection, cause error)

	// RemoveConnection drops a poisoned conn from the cookie map
	RemoveConnection(conn *Connection)
}

var _ connection.ClientConnection = (*Connection)(nil)

type Connection struct {
	logger *logger.Logger
	actor  connection.ActorContext
	owner  Owner
	cookie uint64

	mu    sync.Mutex
	state State
	queue *transmitqueue.TransmitQueue

	backend *backendinfo.BackendInfo

	// true while a runTimer callback is scheduled on the actor
	haveTimer         bool
	lastReceivedTicks int64

	// set at most once; read lock-free on the enqueue fast path
	poisoned atomic.Value
}

// NewConnecting creates a connection in the Connecting state with a halted
// queue. targetDepth bounds the backpressure window once a backend attaches.
func NewConnecting(logger *logger.Logger, actor connection.ActorContext, owner Owner, cookie uint64, targetDepth int) *Connection {
	now := actor.Ticker().Read()
	return &Connection{
		logger:            logger,
		actor:             actor,
		owner:             owner,
		cookie:            cookie,
		state:             Connecting,
		queue:             transmitqueue.NewHalted(logger, targetDepth, now),
		lastReceivedTicks: now,
	}
}

// SendRequest enqueues the request and then sleeps for whatever backpressure
// delay the queue demands, so it is safe from any goroutine but must not be
// called while holding locks. The context bounds the sleep only: a request
// already enqueued stays enqueued, and ctx.Err() is returned to tell the
// producer its pacing was cut short.
func (c *Connection) SendRequest(ctx context.Context, request *envelope.Request, callback transmitqueue.Callback) error {
	now := c.actor.Ticker().Read()
	entry := transmitqueue.NewEntry(request, callback, now)

	delay, err := c.enqueueEntry(entry, now)
	if err != nil {
		return err
	}

	if delay >= transmitqueue.MaxDelayNanos {
		delay = transmitqueue.MaxDelayNanos
		c.logger.Infof("backpressure saturated, sleeping %.3fs for %s", float64(delay)*1e-9, c)
	} else if delay >= DebugDelayNanos {
		c.logger.Debugf("sleeping %.3fs to throttle %s", float64(delay)*1e-9, c)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(delay))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueRequest enqueues without ever sleeping. enqueuedTicks lets callers
// that batch requests stamp them with their true submission time.
func (c *Connection) EnqueueRequest(request *envelope.Request, callback transmitqueue.Callback, enqueuedTicks int64) error {
	entry := transmitqueue.NewEntry(request, callback, enqueuedTicks)
	_, err := c.enqueueEntry(entry, c.actor.Ticker().Read())
	return err
}

// EnqueueEntry accepts replayed and forwarded entries from a retired
// predecessor. There is no producer left to hand an error to, so on a
// poisoned connection the entry's callback is failed directly.
func (c *Connection) EnqueueEntry(entry *transmitqueue.ConnectionEntry, now int64) int64 {
	delay, err := c.enqueueEntry(entry, now)
	if err != nil {
		entry.Complete(nil, err)
		return 0
	}
	return delay
}

func (c *Connection) enqueueEntry(entry *transmitqueue.ConnectionEntry, now int64) (int64, error) {
	if cause := c.poisoned.Load(); cause != nil {
		return 0, &connection.PoisonedError{Cause: cause.(error)}
	}

	c.mu.Lock()
	if cause := c.poisoned.Load(); cause != nil {
		c.mu.Unlock()
		return 0, &connection.PoisonedError{Cause: cause.(error)}
	}

	if c.queue.IsEmpty() {
		c.scheduleTimerLocked(entry.EnqueuedTicks() + RequestTimeoutNanos - now)
	}
	delay := c.queue.Enqueue(entry, now)
	c.mu.Unlock()

	return delay, nil
}

// scheduleTimerLocked arms the sweep timer on the actor goroutine. A retired
// queue never arms: its successor owns the entries and their timeouts.
func (c *Connection) scheduleTimerLocked(delayTicks int64) {
	if c.haveTimer {
		c.logger.Tracef("%s already has a timer armed", c)
		return
	}
	if c.queue.HasSuccessor() {
		return
	}

	if delayTicks < 0 {
		delayTicks = 0
	}
	if delayTicks > BackendAliveTimeoutNanos {
		delayTicks = BackendAliveTimeoutNanos
	}

	c.haveTimer = true
	c.actor.ExecuteInActor(c.runTimer, time.Duration(delayTicks))
}

type timeoutVerdict int

const (
	verdictIdle timeoutVerdict = iota
	verdictScheduleIn
	verdictTimedOut
)

// runTimer is the tiered timeout sweep. It runs on the actor goroutine.
func (c *Connection) runTimer() {
	c.mu.Lock()
	c.haveTimer = false

	if c.poisoned.Load() != nil {
		c.mu.Unlock()
		return
	}

	now := c.actor.Ticker().Read()

	if stalling := c.queue.TicksStalling(now); stalling >= NoProgressTimeoutNanos {
		cause := &connection.NoProgressError{Seconds: float64(stalling) * 1e-9}
		entries := c.poisonLocked(cause)
		c.mu.Unlock()

		c.logger.Error(cause)
		for _, entry := range entries {
			entry.Complete(nil, cause)
		}
		c.owner.RemoveConnection(c)
		return
	}

	verdict, delay, expired := c.checkTimeoutLocked(now)
	switch verdict {
	case verdictTimedOut:
		c.mu.Unlock()
		c.logger.Infof("%s: backend silent for %.3fs, reconnecting", c, float64(now-c.lastReceivedTicks)*1e-9)
		c.owner.ReconnectConnection(c, &connection.BackendTimeoutError{})
	case verdictScheduleIn:
		c.scheduleTimerLocked(delay)
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}

	for _, entry := range expired {
		elapsed := now - entry.EnqueuedTicks()
		entry.Complete(nil, &connection.RequestTimeoutError{Seconds: float64(elapsed) * 1e-9})
	}
}

// checkTimeoutLocked decides what the sweep should do next. A silent backend
// wins over individual request timeouts so that a reconnect gets the chance
// to replay entries before they are failed. Expired entries are returned for
// completion after the lock is dropped.
func (c *Connection) checkTimeoutLocked(now int64) (timeoutVerdict, int64, []*transmitqueue.ConnectionEntry) {
	if c.queue.IsEmpty() {
		return verdictIdle, 0, nil
	}

	if now-c.lastReceivedTicks >= BackendAliveTimeoutNanos {
		return verdictTimedOut, 0, nil
	}

	var expired []*transmitqueue.ConnectionEntry
	for {
		head := c.queue.Peek()
		if head == nil {
			break
		}

		beenOpen := now - head.EnqueuedTicks()
		if beenOpen < RequestTimeoutNanos {
			if len(expired) > 0 {
				c.queue.TryTransmit(now)
			}
			return verdictScheduleIn, RequestTimeoutNanos - beenOpen, expired
		}

		c.queue.Remove(now)
		expired = append(expired, head)
	}

	if len(expired) > 0 {
		c.queue.TryTransmit(now)
	}
	return verdictIdle, 0, expired
}

// ReceiveResponse matches an inbound envelope against the in-flight window.
// Invoked by the behavior on the actor goroutine.
func (c *Connection) ReceiveResponse(response *envelope.ResponseEnvelope) {
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	c.lastReceivedTicks = now
	transmitted := c.queue.Complete(response, now)
	if transmitted != nil && !c.queue.IsEmpty() {
		if head := c.queue.Peek(); head != nil {
			c.scheduleTimerLocked(head.EnqueuedTicks() + RequestTimeoutNanos - now)
		}
	}
	c.mu.Unlock()

	if transmitted == nil {
		c.logger.Infof("%s: dropping unmatched response for session %d txSequence %d", c, response.SessionId, response.TxSequence)
		return
	}

	c.logger.Tracef("%s: completing txSequence %d after %.3fs", c, transmitted.TxSequence, float64(now-transmitted.TransmittedTicks)*1e-9)
	transmitted.Complete(response, nil)
}

// Poison terminally fails the connection and every queued entry.
func (c *Connection) Poison(cause error) {
	c.mu.Lock()
	entries := c.poisonLocked(cause)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.Complete(nil, cause)
	}
}

func (c *Connection) poisonLocked(cause error) []*transmitqueue.ConnectionEntry {
	if c.poisoned.Load() != nil {
		return nil
	}

	c.logger.Errorf("poisoning %s: %s", c, cause)
	c.poisoned.Store(cause)
	return c.queue.Poison()
}

// BecomeConnected attaches the resolved backend and flushes the backlog.
// Invoked by the behavior on the actor goroutine.
func (c *Connection) BecomeConnected(info *backendinfo.BackendInfo, sender transmitqueue.EnvelopeSender) {
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned.Load() != nil {
		return
	}

	c.state = Connected
	c.backend = info
	c.lastReceivedTicks = now
	c.queue.BecomeTransmitting(info, sender, now)

	if head := c.queue.Peek(); head != nil {
		c.scheduleTimerLocked(head.EnqueuedTicks() + RequestTimeoutNanos - now)
	}

	c.logger.Infof("%s now connected to %s", c, info)
}

// StartReplay begins retiring the connection. It drains the queue and
// reports its stall clock so the successor can keep counting no-progress
// time from where this connection left off.
func (c *Connection) StartReplay() ([]*transmitqueue.ConnectionEntry, int64) {
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Reconnecting
	stallTicks := now - c.queue.TicksStalling(now)
	return c.queue.Drain(), stallTicks
}

// Seed installs entries replayed from a retired predecessor, together with
// the predecessor's stall clock so no-progress time keeps accumulating
// across the reconnect.
func (c *Connection) Seed(entries []*transmitqueue.ConnectionEntry, predecessorStallTicks int64) {
	if len(entries) == 0 {
		return
	}
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	defer c.mu.Unlock()

	wasEmpty := c.queue.IsEmpty()
	c.queue.Seed(entries, predecessorStallTicks)
	if wasEmpty {
		c.scheduleTimerLocked(entries[0].EnqueuedTicks() + RequestTimeoutNanos - now)
	}
}

// FinishReplay completes retirement: late enqueues flow through the
// forwarder, and the aliveness clock restarts so a lengthy replay is not
// mistaken for silence.
func (c *Connection) FinishReplay(forwarder *transmitqueue.ReconnectForwarder) {
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastReceivedTicks = now
	c.queue.SetForwarder(forwarder, now)
}

// ResetAliveness restarts the aliveness clock for a connection that is still
// waiting on backend resolution; silence is expected until then.
func (c *Connection) ResetAliveness() {
	now := c.actor.Ticker().Read()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastReceivedTicks = now
	if head := c.queue.Peek(); head != nil {
		c.scheduleTimerLocked(head.EnqueuedTicks() + RequestTimeoutNanos - now)
	}
}

func (c *Connection) GetBackendInfo() *backendinfo.BackendInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

func (c *Connection) Cookie() uint64 {
	return c.cookie
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Poisoned returns the poisoning cause, or nil while the connection is
// healthy.
func (c *Connection) Poisoned() error {
	if cause := c.poisoned.Load(); cause != nil {
		return cause.(error)
	}
	return nil
}

// String is the diagnostics snapshot stamped into log lines.
func (c *Connection) String() string {
	if cause := c.poisoned.Load(); cause != nil {
		return fmt.Sprintf("connection{client=%s, cookie=%d, poisoned=%s}", c.actor.Identifier(), c.cookie, cause)
	}
	return fmt.Sprintf("connection{client=%s, cookie=%d}", c.actor.Identifier(), c.cookie)
}
