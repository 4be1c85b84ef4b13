package clientconn

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/oplinkoms/controller/connection"
	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/clock"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/oplinkoms/controller/connection/transmitqueue"
	"github.com/oplinkoms/controller/logger"
)

func TestClientConnection(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Client Connection Suite")
}

// testActor is a deterministic stand-in for the behavior's actor: scheduled
// tasks fire only when the test advances the manual ticker and drains them.
type testActor struct {
	ticker *clock.ManualTicker

	lock  sync.Mutex
	tasks []scheduledTask
}

type scheduledTask struct {
	fire func()
	due  int64
}

func newTestActor() *testActor {
	return &testActor{ticker: clock.NewManual()}
}

func (a *testActor) Ticker() clock.Ticker {
	return a.ticker
}

func (a *testActor) ExecuteInActor(task func(), delay time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.tasks = append(a.tasks, scheduledTask{fire: task, due: a.ticker.Read() + int64(delay)})
}

func (a *testActor) PersistenceId() string {
	return "test-persistence"
}

func (a *testActor) Identifier() string {
	return "test-client"
}

// fireDue runs every scheduled task whose due time has passed, including
// tasks scheduled by the tasks it runs.
func (a *testActor) fireDue() {
	for {
		a.lock.Lock()
		var next func()
		for i, task := range a.tasks {
			if task.due <= a.ticker.Read() {
				next = task.fire
				a.tasks = append(a.tasks[:i], a.tasks[i+1:]...)
				break
			}
		}
		a.lock.Unlock()

		if next == nil {
			return
		}
		next()
	}
}

// testOwner records reconnect and removal demands.
type testOwner struct {
	lock        sync.Mutex
	reconnected []*Connection
	causes      []error
	removed     []*Connection
}

func (o *testOwner) ReconnectConnection(conn *Connection, cause error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.reconnected = append(o.reconnected, conn)
	o.causes = append(o.causes, cause)
}

func (o *testOwner) RemoveConnection(conn *Connection) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.removed = append(o.removed, conn)
}

type captureSender struct {
	lock sync.Mutex
	sent []*envelope.RequestEnvelope
}

func (c *captureSender) SendEnvelope(request *envelope.RequestEnvelope) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, request)
	return nil
}

func (c *captureSender) all() []*envelope.RequestEnvelope {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*envelope.RequestEnvelope{}, c.sent...)
}

type outcome struct {
	response *envelope.ResponseEnvelope
	err      error
}

func collector(results chan outcome) transmitqueue.Callback {
	return func(response *envelope.ResponseEnvelope, err error) {
		results <- outcome{response: response, err: err}
	}
}

var _ = Describe("Connection", func() {
	var actor *testActor
	var owner *testOwner
	var sender *captureSender
	var conn *Connection

	log := logger.MockLogger(GinkgoWriter)
	testRequest := &envelope.Request{MessageType: "test"}

	backend := func(maxMessages int, sessionId uint64) *backendinfo.BackendInfo {
		return &backendinfo.BackendInfo{
			Endpoint:    "ws://localhost:0",
			Version:     "v1",
			MaxMessages: maxMessages,
			SessionId:   sessionId,
		}
	}

	respondTo := func(sent *envelope.RequestEnvelope) *envelope.ResponseEnvelope {
		return &envelope.ResponseEnvelope{
			SessionId:  sent.SessionId,
			TxSequence: sent.TxSequence,
		}
	}

	keepAlive := func() {
		conn.ReceiveResponse(&envelope.ResponseEnvelope{SessionId: 999, TxSequence: 999})
	}

	BeforeEach(func() {
		actor = newTestActor()
		owner = &testOwner{}
		sender = &captureSender{}
		conn = NewConnecting(log, actor, owner, 1, 10)
	})

	Context("Transmitting", func() {
		When("three requests hit a backend with a two-message window", func() {
			var results chan outcome

			BeforeEach(func() {
				results = make(chan outcome, 3)
				for i := 0; i < 3; i++ {
					Expect(conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())).To(Succeed())
				}
				conn.BecomeConnected(backend(2, 7), sender)
			})

			It("transmits only up to the window", func() {
				sent := sender.all()
				Expect(sent).To(HaveLen(2))
				Expect(sent[0].TxSequence).To(Equal(uint64(0)))
				Expect(sent[1].TxSequence).To(Equal(uint64(1)))
			})

			It("completes the first response and transmits the third request", func() {
				actor.ticker.Advance(time.Millisecond)
				conn.ReceiveResponse(respondTo(sender.all()[0]))

				var first outcome
				Expect(results).To(Receive(&first))
				Expect(first.err).ToNot(HaveOccurred())
				Expect(first.response.TxSequence).To(Equal(uint64(0)))

				sent := sender.all()
				Expect(sent).To(HaveLen(3))
				Expect(sent[2].TxSequence).To(Equal(uint64(2)))
			})
		})

		When("responses come back out of order", func() {
			var results chan outcome

			BeforeEach(func() {
				results = make(chan outcome, 2)
				conn.BecomeConnected(backend(2, 7), sender)
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())

				conn.ReceiveResponse(respondTo(sender.all()[1]))
			})

			It("completes the later request and keeps the earlier one in flight", func() {
				var completed outcome
				Expect(results).To(Receive(&completed))
				Expect(completed.response.TxSequence).To(Equal(uint64(1)))
				Expect(results).ToNot(Receive())

				conn.ReceiveResponse(respondTo(sender.all()[0]))
				Expect(results).To(Receive(&completed))
				Expect(completed.response.TxSequence).To(Equal(uint64(0)))
			})
		})
	})

	Context("Request timeouts", func() {
		When("the backend stays alive but never answers one request", func() {
			var results chan outcome

			BeforeEach(func() {
				results = make(chan outcome, 1)
				conn.BecomeConnected(backend(2, 7), sender)
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())

				// unmatched responses keep the aliveness clock fresh while
				// the request ages toward its own timeout
				for actor.ticker.Read() < RequestTimeoutNanos {
					actor.ticker.Advance(10 * time.Second)
					keepAlive()
					actor.fireDue()
				}
			})

			It("fails the request with the elapsed time", func() {
				var timedOut outcome
				Expect(results).To(Receive(&timedOut))

				var requestTimeout *connection.RequestTimeoutError
				Expect(timedOut.err).To(BeAssignableToTypeOf(requestTimeout))
				Expect(timedOut.err.(*connection.RequestTimeoutError).Seconds).To(BeNumerically("~", 120.0, 11.0))
			})

			It("does not reconnect or poison", func() {
				Expect(owner.reconnected).To(BeEmpty())
				Expect(owner.removed).To(BeEmpty())
				Expect(conn.Poisoned()).To(BeNil())
			})
		})
	})

	Context("Backend silence", func() {
		When("a connected backend goes silent past the aliveness window", func() {
			var results chan outcome

			BeforeEach(func() {
				results = make(chan outcome, 1)
				conn.BecomeConnected(backend(2, 7), sender)
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())

				actor.ticker.Advance(30 * time.Second)
				actor.fireDue()
			})

			It("asks the owner to reconnect", func() {
				Expect(owner.reconnected).To(ConsistOf(conn))

				var backendTimeout *connection.BackendTimeoutError
				Expect(owner.causes[0]).To(BeAssignableToTypeOf(backendTimeout))
			})

			It("replays the queue onto a successor in order", func() {
				successor := NewConnecting(log, actor, owner, 1, 10)
				entries, stallTicks := conn.StartReplay()
				Expect(entries).To(HaveLen(1))

				successor.Seed(entries, stallTicks)
				conn.FinishReplay(transmitqueue.NewReconnectForwarder(successor))

				successorSender := &captureSender{}
				successor.BecomeConnected(backend(2, 8), successorSender)

				sent := successorSender.all()
				Expect(sent).To(HaveLen(1))
				Expect(sent[0].SessionId).To(Equal(uint64(8)))
				Expect(sent[0].TxSequence).To(Equal(uint64(0)), "successor assigns fresh sequence numbers")

				// the retired connection forwards stragglers
				late := make(chan outcome, 1)
				Expect(conn.EnqueueRequest(testRequest, collector(late), actor.ticker.Read())).To(Succeed())
				Expect(successorSender.all()).To(HaveLen(2))
			})
		})

		When("a connection is still resolving its backend", func() {
			BeforeEach(func() {
				conn.EnqueueRequest(testRequest, func(*envelope.ResponseEnvelope, error) {}, actor.ticker.Read())
				actor.ticker.Advance(30 * time.Second)
				actor.fireDue()
			})

			It("still reports silence so the owner can restart the clock", func() {
				Expect(owner.reconnected).To(ConsistOf(conn))
				Expect(conn.GetBackendInfo()).To(BeNil())

				conn.ResetAliveness()
				actor.ticker.Advance(10 * time.Second)
				actor.fireDue()
				Expect(owner.reconnected).To(HaveLen(1), "reset clock must not re-trip immediately")
			})
		})
	})

	Context("No progress", func() {
		When("requests keep flowing but none ever completes", func() {
			var results chan outcome

			BeforeEach(func() {
				results = make(chan outcome, 100)
				conn.BecomeConnected(backend(2, 7), sender)

				for actor.ticker.Read() < NoProgressTimeoutNanos+int64(30*time.Second) {
					if conn.Poisoned() != nil {
						break
					}
					conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())
					actor.ticker.Advance(10 * time.Second)
					keepAlive()
					actor.fireDue()
				}
			})

			It("poisons the connection and deregisters it", func() {
				poisonCause := conn.Poisoned()
				Expect(poisonCause).ToNot(BeNil())

				var noProgress *connection.NoProgressError
				Expect(poisonCause).To(BeAssignableToTypeOf(noProgress))
				Expect(poisonCause.(*connection.NoProgressError).Seconds).To(BeNumerically(">=", 900.0))

				Expect(owner.removed).To(ConsistOf(conn))
			})

			It("fails queued entries with the no-progress cause", func() {
				var last outcome
				for len(results) > 0 {
					last = <-results
				}

				var noProgress *connection.NoProgressError
				Expect(last.err).To(BeAssignableToTypeOf(noProgress))
			})

			It("rejects later enqueues with the poisoning cause", func() {
				err := conn.EnqueueRequest(testRequest, func(*envelope.ResponseEnvelope, error) {}, actor.ticker.Read())

				var poisonedErr *connection.PoisonedError
				Expect(err).To(BeAssignableToTypeOf(poisonedErr))
			})
		})
	})

	Context("Poisoning", func() {
		When("the connection is poisoned with queued requests", func() {
			var results chan outcome
			cause := &connection.ShutdownError{Reason: "test over"}

			BeforeEach(func() {
				results = make(chan outcome, 2)
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())
				conn.EnqueueRequest(testRequest, collector(results), actor.ticker.Read())
				conn.Poison(cause)
			})

			It("fails every queued request with the cause", func() {
				var first, second outcome
				Expect(results).To(Receive(&first))
				Expect(results).To(Receive(&second))
				Expect(first.err).To(Equal(cause))
				Expect(second.err).To(Equal(cause))
			})

			It("poisons exactly once", func() {
				conn.Poison(&connection.ShutdownError{Reason: "again"})
				Expect(conn.Poisoned()).To(Equal(cause))
			})
		})
	})

	Context("Backpressure", func() {
		When("a producer outruns a one-message window", func() {
			BeforeEach(func() {
				conn = NewConnecting(log, actor, owner, 1, 1)
				conn.BecomeConnected(backend(1, 7), sender)
			})

			It("sleeps in SendRequest until the context gives up", func() {
				// fill well past the hard limit so the sleep saturates
				for i := 0; i < 10; i++ {
					conn.EnqueueRequest(testRequest, func(*envelope.ResponseEnvelope, error) {}, actor.ticker.Read())
				}

				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()

				start := time.Now()
				err := conn.SendRequest(ctx, testRequest, func(*envelope.ResponseEnvelope, error) {})
				Expect(err).To(Equal(context.DeadlineExceeded))
				Expect(time.Since(start)).To(BeNumerically(">=", 50*time.Millisecond))
			})

		})

		When("the queue sits below the low-watermark", func() {
			BeforeEach(func() {
				conn = NewConnecting(log, actor, owner, 1, 10)
				conn.BecomeConnected(backend(10, 7), sender)
			})

			It("does not sleep at all", func() {
				start := time.Now()
				err := conn.SendRequest(context.Background(), testRequest, func(*envelope.ResponseEnvelope, error) {})
				Expect(err).ToNot(HaveOccurred())
				Expect(time.Since(start)).To(BeNumerically("<", 50*time.Millisecond))
			})
		})
	})
})
