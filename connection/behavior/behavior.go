/*
The behavior package is the single-threaded owner of every backend
connection. One actor goroutine consumes an event channel carrying inbound
response envelopes, scheduled timer callbacks and backend resolution results,
so all connection bookkeeping (routing, reconnect sequencing, retirement)
happens without cross-goroutine coordination beyond the channel itself.
*/
package behavior

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	"github.com/oplinkoms/controller/connection"
	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/clientconn"
	"github.com/oplinkoms/controller/connection/clock"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/connection/transmitqueue"
	"github.com/oplinkoms/controller/connection/transporter"
	"github.com/oplinkoms/controller/logger"
	"gopkg.in/tomb.v2"
)

var (
	// how long we keep retrying backend resolution before giving up on a
	// connection entirely
	maxResolutionTime = 30 * time.Minute

	// lowered by tests to keep retry loops fast
	maxBackoffInterval = 5 * time.Second
)

type responseEvent struct {
	cookie   uint64
	response *envelope.ResponseEnvelope
}

type timerEvent struct {
	fire func()
}

type resolvedEvent struct {
	conn      *clientconn.Connection
	backend   *backendinfo.BackendInfo
	transport transporter.Transporter
}

type ClientBehavior struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	ticker   clock.Ticker
	resolver backendinfo.Resolver
	dialer   transporter.Dialer

	clientId      string
	persistenceId string
	targetDepth   int

	events chan interface{}

	connLock    sync.RWMutex
	connections map[uint64]*clientconn.Connection
	successors  map[uint64]*clientconn.Connection

	// live transports keyed by cookie; only touched on the actor goroutine
	transports map[uint64]transporter.Transporter
}

func New(logger *logger.Logger, ticker clock.Ticker, resolver backendinfo.Resolver, dialer transporter.Dialer, targetDepth int) *ClientBehavior {
	behavior := &ClientBehavior{
		logger:        logger.GetComponentLogger("behavior"),
		ticker:        ticker,
		resolver:      resolver,
		dialer:        dialer,
		clientId:      uuid.New().String(),
		persistenceId: nuid.Next(),
		targetDepth:   targetDepth,
		events:        make(chan interface{}, 200),
		connections:   make(map[uint64]*clientconn.Connection),
		successors:    make(map[uint64]*clientconn.Connection),
		transports:    make(map[uint64]transporter.Transporter),
	}
	behavior.logger.AddClientId(behavior.clientId)

	behavior.tmb.Go(behavior.run)
	return behavior
}

func (b *ClientBehavior) Done() <-chan struct{} {
	return b.tmb.Dead()
}

func (b *ClientBehavior) Err() error {
	return b.tmb.Err()
}

// Close shuts the behavior down: every live connection is poisoned with a
// shutdown cause and every transport is torn down.
func (b *ClientBehavior) Close(reason string) {
	if b.tmb.Alive() {
		b.tmb.Kill(&connection.ShutdownError{Reason: reason})
		b.tmb.Wait()
	}
}

// SendRequest routes a request at the connection for cookie, creating the
// connection on first use. It may sleep for backpressure; see
// Connection.SendRequest.
func (b *ClientBehavior) SendRequest(ctx context.Context, cookie uint64, request *envelope.Request, callback transmitqueue.Callback) error {
	return b.GetConnection(cookie).SendRequest(ctx, request, callback)
}

// GetConnection returns the live connection for cookie, creating a
// Connecting one and kicking off backend resolution if none exists yet.
func (b *ClientBehavior) GetConnection(cookie uint64) *clientconn.Connection {
	b.connLock.RLock()
	if conn, ok := b.connections[cookie]; ok {
		b.connLock.RUnlock()
		return conn
	}
	b.connLock.RUnlock()

	b.connLock.Lock()
	if conn, ok := b.connections[cookie]; ok {
		b.connLock.Unlock()
		return conn
	}

	conn := clientconn.NewConnecting(b.logger.GetConnectionLogger(fmt.Sprintf("%d", cookie)), b, b, cookie, b.targetDepth)
	b.connections[cookie] = conn
	b.connLock.Unlock()

	if b.tmb.Alive() {
		b.tmb.Go(func() error {
			return b.resolveBackend(conn)
		})
	} else {
		conn.Poison(&connection.ShutdownError{Reason: "behavior is closed"})
	}
	return conn
}

// Ticker implements connection.ActorContext.
func (b *ClientBehavior) Ticker() clock.Ticker {
	return b.ticker
}

// ExecuteInActor implements connection.ActorContext: task runs on the actor
// goroutine after delay, or not at all if the behavior dies first.
func (b *ClientBehavior) ExecuteInActor(task func(), delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case b.events <- timerEvent{fire: task}:
		case <-b.tmb.Dying():
		}
	})
}

// PersistenceId implements connection.ActorContext.
func (b *ClientBehavior) PersistenceId() string {
	return b.persistenceId
}

// Identifier implements connection.ActorContext.
func (b *ClientBehavior) Identifier() string {
	return b.clientId
}

func (b *ClientBehavior) run() error {
	defer b.logger.Infof("Client behavior stopped")
	b.logger.Infof("Client behavior started with client id %s", b.clientId)

	for {
		select {
		case <-b.tmb.Dying():
			b.shutdown()
			return nil
		case event := <-b.events:
			switch e := event.(type) {
			case responseEvent:
				b.routeResponse(e)
			case timerEvent:
				e.fire()
			case resolvedEvent:
				b.backendResolved(e)
			}
		}
	}
}

func (b *ClientBehavior) shutdown() {
	cause := b.tmb.Err()

	b.connLock.Lock()
	conns := make([]*clientconn.Connection, 0, len(b.connections)+len(b.successors))
	for _, conn := range b.connections {
		conns = append(conns, conn)
	}
	for _, conn := range b.successors {
		conns = append(conns, conn)
	}
	b.connections = make(map[uint64]*clientconn.Connection)
	b.successors = make(map[uint64]*clientconn.Connection)
	b.connLock.Unlock()

	for _, conn := range conns {
		conn.Poison(cause)
	}
	for cookie, transport := range b.transports {
		transport.Close(cause)
		delete(b.transports, cookie)
	}
}

// resolveBackend retries resolution with exponential backoff until the
// backend answers, the behavior dies, or the retry window runs out.
func (b *ClientBehavior) resolveBackend(conn *clientconn.Connection) error {
	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.MaxElapsedTime = maxResolutionTime
	backoffParams.MaxInterval = maxBackoffInterval

	ticker := backoff.NewTicker(backoffParams)
	defer ticker.Stop()

	ctx := b.tmb.Context(nil)

	for {
		select {
		case <-b.tmb.Dying():
			return nil
		case _, ok := <-ticker.C:
			if !ok {
				cause := fmt.Errorf("failed to resolve backend for cookie %d within %s", conn.Cookie(), maxResolutionTime)
				conn.Poison(cause)
				b.ExecuteInActor(func() { b.RemoveConnection(conn) }, 0)
				return nil
			}

			info, err := b.resolver.Resolve(ctx, conn.Cookie())
			if err != nil {
				b.logger.Debugf("Retrying in %s because we failed to resolve backend for cookie %d: %s", backoffParams.NextBackOff().Round(time.Millisecond), conn.Cookie(), err)
				continue
			}

			transport, err := b.dialer.Dial(ctx, info)
			if err != nil {
				b.logger.Debugf("Retrying in %s because we failed to dial %s: %s", backoffParams.NextBackOff().Round(time.Millisecond), info, err)
				continue
			}

			select {
			case b.events <- resolvedEvent{conn: conn, backend: info, transport: transport}:
			case <-b.tmb.Dying():
				transport.Close(b.tmb.Err())
			}
			return nil
		}
	}
}

// backendResolved attaches a freshly dialed transport to its connection and,
// when the connection is a reconnect successor, promotes it to be the live
// connection for its cookie.
func (b *ClientBehavior) backendResolved(e resolvedEvent) {
	if cause := e.conn.Poisoned(); cause != nil {
		e.transport.Close(cause)
		return
	}

	cookie := e.conn.Cookie()

	b.connLock.Lock()
	if b.successors[cookie] == e.conn {
		b.connections[cookie] = e.conn
		delete(b.successors, cookie)
	}
	b.connLock.Unlock()

	b.transports[cookie] = e.transport
	e.conn.BecomeConnected(e.backend, e.transport)

	b.tmb.Go(func() error {
		return b.pump(e.conn, e.transport)
	})
}

// pump moves inbound envelopes from one transport onto the actor's event
// channel. Transport death is not acted on here; the timer regime notices
// the resulting silence and drives the reconnect.
func (b *ClientBehavior) pump(conn *clientconn.Connection, transport transporter.Transporter) error {
	for {
		select {
		case <-b.tmb.Dying():
			return nil
		case <-transport.Done():
			return nil
		case response := <-transport.Inbound():
			select {
			case b.events <- responseEvent{cookie: conn.Cookie(), response: response}:
			case <-b.tmb.Dying():
				return nil
			}
		}
	}
}

func (b *ClientBehavior) routeResponse(e responseEvent) {
	b.connLock.RLock()
	conn := b.connections[e.cookie]
	b.connLock.RUnlock()

	if conn == nil {
		b.logger.Infof("dropping response for unknown cookie %d (session %d, txSequence %d)", e.cookie, e.response.SessionId, e.response.TxSequence)
		return
	}
	conn.ReceiveResponse(e.response)
}

// ReconnectConnection implements clientconn.Owner. Runs on the actor
// goroutine: the silent connection's queue is replayed onto a fresh
// Connecting successor, and the old connection is left forwarding until the
// successor takes over its cookie.
func (b *ClientBehavior) ReconnectConnection(conn *clientconn.Connection, cause error) {
	if conn.GetBackendInfo() == nil {
		// still resolving; silence is expected, just restart the clock
		conn.ResetAliveness()
		return
	}

	cookie := conn.Cookie()
	b.logger.Infof("reconnecting cookie %d: %s", cookie, cause)

	if transport, ok := b.transports[cookie]; ok {
		transport.Close(cause)
		delete(b.transports, cookie)
	}

	successor := clientconn.NewConnecting(b.logger.GetConnectionLogger(fmt.Sprintf("%d", cookie)), b, b, cookie, b.targetDepth)

	entries, stallTicks := conn.StartReplay()
	successor.Seed(entries, stallTicks)
	conn.FinishReplay(transmitqueue.NewReconnectForwarder(successor))

	b.connLock.Lock()
	b.successors[cookie] = successor
	b.connLock.Unlock()

	if b.tmb.Alive() {
		b.tmb.Go(func() error {
			return b.resolveBackend(successor)
		})
	}
}

// RemoveConnection implements clientconn.Owner. Runs on the actor goroutine.
func (b *ClientBehavior) RemoveConnection(conn *clientconn.Connection) {
	cookie := conn.Cookie()

	b.connLock.Lock()
	removed := false
	if b.connections[cookie] == conn {
		delete(b.connections, cookie)
		removed = true
	}
	if b.successors[cookie] == conn {
		delete(b.successors, cookie)
	}
	b.connLock.Unlock()

	if removed {
		if transport, ok := b.transports[cookie]; ok {
			transport.Close(conn.Poisoned())
			delete(b.transports, cookie)
		}
	}
}
