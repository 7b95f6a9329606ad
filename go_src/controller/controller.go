// Package controller allocates correlation identifiers and tracks pending
// single-shot calls and long-lived subscriptions across reconnects.
package controller

import (
	"encoding/json"
	"sync"

	"hassconn/go_src/protocol"
)

// Request is a command awaiting delivery: kind is an open string set
// (auth, subscribe-events, get_states, call_service, ...); payload is the
// JSON object merged into the wire frame; shouldRetry says whether this
// request may be replayed after a reconnect.
type Request struct {
	Kind        string
	Payload     map[string]interface{}
	ShouldRetry bool
}

// EventSink receives 0..N event payloads for a subscription.
type EventSink func(event json.RawMessage)

// CompletionSink receives exactly one terminal result: success from a
// single's reply, or a terminal cancellation/unsubscribe outcome.
type CompletionSink func(protocol.Result)

// Sender writes a freshly allocated (id, request) to the wire. It is
// supplied by the orchestrator; the controller never touches the
// transport directly.
type Sender func(id uint64, req Request) error

// Handle is returned from SubmitSingle; Done fires exactly once. ID is 0
// for a request queued before Command phase: its wire id is assigned only
// when Prepare flushes the queue.
type Handle struct {
	ID   uint64
	Done <-chan protocol.Result
}

// CancelFunc stops a subscription: emits an unsubscribe request when
// connected and unconditionally, immediately stops local event delivery.
type CancelFunc func()

type pendingSingle struct {
	id          uint64
	request     Request
	resolveOnce sync.Once
	done        chan protocol.Result
}

func (p *pendingSingle) resolve(r protocol.Result) {
	p.resolveOnce.Do(func() {
		p.done <- r
	})
}

type subscription struct {
	id             uint64
	request        Request
	eventSink      EventSink
	completionSink CompletionSink
	cancelled      bool
	doneOnce       sync.Once
}

func (s *subscription) complete(r protocol.Result) {
	s.doneOnce.Do(func() {
		if s.completionSink != nil {
			s.completionSink(r)
		}
	})
}

// Controller holds a session's correlation state: allocated identifiers,
// pending singles, active subscriptions, and requests queued while the
// session is not yet in Command phase.
type Controller struct {
	mu sync.Mutex

	nextID uint64
	sender Sender
	logger protocol.Logger

	ready bool

	pending       map[uint64]*pendingSingle
	subs          map[uint64]*subscription
	queuedSingles []*queuedSingle
	queuedSubs    []*subscription
	carryForward  []*subscription
}

type queuedSingle struct {
	request Request
	single  *pendingSingle
}

func New(sender Sender, logger protocol.Logger) *Controller {
	if logger == nil {
		logger = protocol.NopLogger{}
	}
	return &Controller{
		sender:  sender,
		logger:  logger,
		pending: make(map[uint64]*pendingSingle),
		subs:    make(map[uint64]*subscription),
	}
}

// allocate increments and returns the next identifier. Must be called with
// mu held.
func (c *Controller) allocate() uint64 {
	c.nextID++
	return c.nextID
}

// RegisterExternal registers a pending single under an identifier already
// allocated outside the controller's own gating (the REST path shares the
// controller's id space via Allocate so that its replies flow through the
// same resolve pipeline as WebSocket results).
func (c *Controller) RegisterExternal(id uint64) Handle {
	single := &pendingSingle{id: id, done: make(chan protocol.Result, 1)}
	c.mu.Lock()
	c.pending[id] = single
	c.mu.Unlock()
	return Handle{ID: id, Done: single.done}
}

// SubmitSingle registers a one-shot request. If the phase is Command
// (ready), it is sent immediately; otherwise it is queued for Prepare().
func (c *Controller) SubmitSingle(req Request) Handle {
	c.mu.Lock()

	single := &pendingSingle{request: req, done: make(chan protocol.Result, 1)}

	if !c.ready {
		single.id = 0 // assigned at flush time
		c.queuedSingles = append(c.queuedSingles, &queuedSingle{request: req, single: single})
		c.mu.Unlock()
		return Handle{Done: single.done}
	}

	id := c.allocate()
	single.id = id
	c.pending[id] = single
	c.mu.Unlock()

	if err := c.sender(id, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		single.resolve(protocol.Result{Err: &protocol.TransportError{Err: err}})
	}

	return Handle{ID: id, Done: single.done}
}

// SubmitSubscription registers a subscription. Gating mirrors SubmitSingle.
// The returned CancelFunc remains valid across reconnects, even though the
// wire identifier changes underneath it.
func (c *Controller) SubmitSubscription(req Request, eventSink EventSink, completionSink CompletionSink) CancelFunc {
	c.mu.Lock()

	sub := &subscription{request: req, eventSink: eventSink, completionSink: completionSink}

	if !c.ready {
		c.queuedSubs = append(c.queuedSubs, sub)
		c.mu.Unlock()
		return func() { c.cancel(sub) }
	}

	id := c.allocate()
	sub.id = id
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.sender(id, req); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.complete(protocol.Result{Err: &protocol.TransportError{Err: err}})
	}

	return func() { c.cancel(sub) }
}

// ResolveResult delivers a result frame: to a pending single (exactly
// once), or, for a subscription, as the terminal completion.
func (c *Controller) ResolveResult(id uint64, result protocol.Result) {
	c.mu.Lock()
	if single, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.mu.Unlock()
		single.resolve(result)
		return
	}
	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		c.mu.Unlock()
		sub.complete(result)
		return
	}
	c.mu.Unlock()
	c.logger.Warnf("controller: result for unknown id %d dropped", id)
}

// DeliverEvent invokes a subscription's event sink. Unknown ids are logged
// and dropped.
func (c *Controller) DeliverEvent(id uint64, event json.RawMessage) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warnf("controller: event for unknown id %d dropped", id)
		return
	}
	if sub.cancelled {
		return
	}
	if sub.eventSink != nil {
		sub.eventSink(event)
	}
}

// Prepare is invoked on entering Command phase: it flushes queued singles
// and re-submits every still-registered subscription under freshly
// allocated ids, before any frame is read on the new transport so no
// event can arrive for an id the controller hasn't registered yet.
func (c *Controller) Prepare() {
	c.mu.Lock()
	c.ready = true

	type outbound struct {
		id  uint64
		req Request
	}
	var toSend []outbound

	for _, qs := range c.queuedSingles {
		id := c.allocate()
		qs.single.id = id
		c.pending[id] = qs.single
		toSend = append(toSend, outbound{id, qs.request})
	}
	c.queuedSingles = nil

	for _, sub := range c.queuedSubs {
		id := c.allocate()
		sub.id = id
		c.subs[id] = sub
		toSend = append(toSend, outbound{id, sub.request})
	}
	c.queuedSubs = nil

	// Re-submit subscriptions that survived a reset_active() under fresh
	// ids; their old entries were already removed by ResetActive.
	for _, sub := range c.carryForward {
		id := c.allocate()
		sub.id = id
		c.subs[id] = sub
		toSend = append(toSend, outbound{id, sub.request})
	}
	c.carryForward = nil

	c.mu.Unlock()

	for _, ob := range toSend {
		if err := c.sender(ob.id, ob.req); err != nil {
			c.logger.Errorf("controller: prepare send for id %d failed: %v", ob.id, err)
		}
	}
}

// ResetActive is invoked on leaving Command phase: singles with
// ShouldRetry=false are failed with TransportError; singles with
// ShouldRetry=true are returned to the queue; subscriptions remain
// registered (old ids invalidated) for Prepare() to re-submit.
func (c *Controller) ResetActive(cause error) {
	c.mu.Lock()
	c.ready = false

	var toFail []*pendingSingle
	for id, single := range c.pending {
		delete(c.pending, id)
		if single.request.ShouldRetry {
			single.id = 0
			c.queuedSingles = append(c.queuedSingles, &queuedSingle{request: single.request, single: single})
		} else {
			toFail = append(toFail, single)
		}
	}

	for id, sub := range c.subs {
		delete(c.subs, id)
		if !sub.cancelled {
			c.carryForward = append(c.carryForward, sub)
		}
	}

	c.mu.Unlock()

	for _, single := range toFail {
		single.resolve(protocol.Result{Err: &protocol.TransportError{Err: cause}})
	}
}

// CancelAll terminates every pending single and subscription with
// Cancelled, used on a permanent disconnect. Queued (not-yet-sent) work is
// cancelled too.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingSingle)
	subs := c.subs
	c.subs = make(map[uint64]*subscription)
	queuedSingles := c.queuedSingles
	c.queuedSingles = nil
	queuedSubs := c.queuedSubs
	c.queuedSubs = nil
	carryForward := c.carryForward
	c.carryForward = nil
	c.mu.Unlock()

	cancelled := protocol.Result{Err: &protocol.Cancelled{}}
	for _, s := range pending {
		s.resolve(cancelled)
	}
	for _, qs := range queuedSingles {
		qs.single.resolve(cancelled)
	}
	for _, sub := range subs {
		sub.complete(cancelled)
	}
	for _, sub := range queuedSubs {
		sub.complete(cancelled)
	}
	for _, sub := range carryForward {
		sub.complete(cancelled)
	}
}

// cancel is the CancelFunc body: it emits an unsubscribe request when
// connected, then unconditionally stops local event delivery immediately.
func (c *Controller) cancel(sub *subscription) {
	c.mu.Lock()
	if sub.cancelled {
		c.mu.Unlock()
		return
	}
	sub.cancelled = true

	var id uint64
	var sendUnsubscribe bool
	if existingID, ok := c.subIDFor(sub); ok {
		id = existingID
		sendUnsubscribe = c.ready
		delete(c.subs, existingID)
	}
	c.mu.Unlock()

	if sendUnsubscribe {
		unsub := Request{Kind: "unsubscribe_events", Payload: map[string]interface{}{"subscription": id}}
		unsubID := c.Allocate()
		if err := c.sender(unsubID, unsub); err != nil {
			c.logger.Warnf("controller: best-effort unsubscribe for id %d failed: %v", id, err)
		}
	}

	sub.complete(protocol.Result{Err: &protocol.Cancelled{}})
}

// subIDFor finds a subscription's current wire id, if registered. Must be
// called with mu held.
func (c *Controller) subIDFor(target *subscription) (uint64, bool) {
	for id, sub := range c.subs {
		if sub == target {
			return id, true
		}
	}
	return 0, false
}

// Allocate exposes the next identifier for frames sent outside the
// controller's own gating: the orchestrator's REST path, which then
// registers the id with RegisterExternal, and the unsubscribe path above.
func (c *Controller) Allocate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocate()
}
