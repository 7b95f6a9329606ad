// Package response parses and classifies inbound frames, owns the
// session's phase, and routes events and results to the request
// controller.
package response

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"hassconn/go_src/protocol"
	"hassconn/go_src/transport"
)

// Delegate receives demultiplexed events and results. *controller.Controller
// satisfies this without any direct import back into response, avoiding an
// ownership cycle between the response controller and the orchestrator.
type Delegate interface {
	DeliverEvent(id uint64, event json.RawMessage)
	ResolveResult(id uint64, result protocol.Result)
}

// PhaseSink is notified of every distinct phase transition. It must not
// block; the caller typically hands work off to its own lane.
type PhaseSink func(protocol.Phase)

// Controller owns the single source of truth for "is it safe to send?":
// the phase. OnMessage, OnHTTPResponse, Reset, and NotifyClosed are each
// invoked from a different goroutine in the orchestrator (the read loop,
// an HTTP callback, the caller's own goroutine, the authenticate
// goroutine), so phase access is guarded by mu rather than relying on a
// single writer.
type Controller struct {
	mu       sync.Mutex
	phase    protocol.Phase
	delegate Delegate
	onPhase  PhaseSink
	logger   protocol.Logger
}

func New(delegate Delegate, onPhase PhaseSink, logger protocol.Logger) *Controller {
	if logger == nil {
		logger = protocol.NopLogger{}
	}
	if onPhase == nil {
		onPhase = func(protocol.Phase) {}
	}
	return &Controller{
		phase:    protocol.Disconnected(nil, true),
		delegate: delegate,
		onPhase:  onPhase,
		logger:   logger,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() protocol.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p protocol.Phase) {
	c.mu.Lock()
	if c.phase.Equal(p) {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	c.onPhase(p)
}

// promoteAuthenticating drives the auth_required substring route. It only
// ever promotes out of Disconnected: the substring can appear anywhere in
// an event or result payload (an entity or automation named
// "auth_required_*"), and a live Command-phase session must never be
// knocked back into Authenticating by its own traffic.
func (c *Controller) promoteAuthenticating() {
	next := protocol.Authenticating()
	c.mu.Lock()
	if c.phase.Kind != protocol.KindDisconnected || c.phase.Equal(next) {
		c.mu.Unlock()
		return
	}
	c.phase = next
	c.mu.Unlock()
	c.onPhase(next)
}

// OnMessage handles one inbound transport frame. Binary frames are logged
// and dropped; malformed text frames are logged and dropped so the session
// continues.
func (c *Controller) OnMessage(msg transport.Message) {
	if msg.Kind == transport.BinaryMessage {
		c.logger.Warnf("response: binary frame dropped (%d bytes)", len(msg.Binary))
		return
	}

	raw := []byte(msg.Text)
	resp, authRequired, err := protocol.ParseInbound(raw)
	if err != nil {
		c.logger.Warnf("response: dropping unparsable frame: %v", err)
		return
	}

	// Either detection route (substring or parsed type) must drive this
	// transition exactly once; promoteAuthenticating's equality check
	// absorbs the redundant call when both routes fire on the same frame,
	// and its phase gate keeps a substring match inside an unrelated
	// event/result payload from re-triggering authentication mid-session.
	if authRequired {
		c.promoteAuthenticating()
	}

	switch resp.Kind {
	case protocol.ResponseAuth:
		switch resp.Auth.Kind {
		case protocol.AuthOk:
			c.setPhase(protocol.Command(resp.Auth.Version))
		case protocol.AuthInvalid:
			c.setPhase(protocol.Disconnected(&protocol.AuthFailed{Message: resp.Auth.Message}, false))
		}
	case protocol.ResponseEvent:
		c.delegate.DeliverEvent(resp.Identifier, resp.Event)
	case protocol.ResponseResult:
		c.delegate.ResolveResult(resp.Identifier, resp.Result)
	}
}

// OnHTTPResponse routes a REST reply through the same delivery pipeline as
// WebSocket results, so callers see one uniform Result shape regardless of
// transport.
func (c *Controller) OnHTTPResponse(id uint64, status int, body []byte, contentType string, transportErr error) {
	if transportErr != nil {
		c.delegate.ResolveResult(id, protocol.Result{Err: &protocol.Underlying{Err: transportErr}})
		return
	}

	if status >= 400 {
		message := string(body)
		if message == "" {
			message = "Unacceptable status code"
		}
		c.delegate.ResolveResult(id, protocol.Result{Err: &protocol.External{Code: strconv.Itoa(status), Message: message}})
		return
	}

	if isJSONContentType(contentType) {
		if !json.Valid(body) {
			c.delegate.ResolveResult(id, protocol.Result{Err: &protocol.Underlying{Err: errInvalidJSON}})
			return
		}
		c.delegate.ResolveResult(id, protocol.Result{Data: json.RawMessage(body)})
		return
	}

	encoded, err := json.Marshal(string(body))
	if err != nil {
		c.delegate.ResolveResult(id, protocol.Result{Err: &protocol.Underlying{Err: err}})
		return
	}
	c.delegate.ResolveResult(id, protocol.Result{Data: json.RawMessage(encoded)})
}

// Reset forces the phase back to the initial Disconnected(for_reset=true)
// state, used when the orchestrator tears down a transport outright via an
// explicit, caller-initiated Disconnect.
func (c *Controller) Reset() {
	c.setPhase(protocol.Disconnected(nil, true))
}

// NotifyClosed transitions to Disconnected(err, for_reset=false) for a
// termination the orchestrator did not ask for: a transport drop, a failed
// token fetch, or a failed auth-frame send. The orchestrator's phase
// handler treats for_reset=false as "schedule a reconnect".
func (c *Controller) NotifyClosed(err error) {
	c.setPhase(protocol.Disconnected(err, false))
}

func isJSONContentType(contentType string) bool {
	return contentType == "" || strings.Contains(contentType, "json")
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

const errInvalidJSON = simpleError("response body declared JSON content type but is not valid JSON")
