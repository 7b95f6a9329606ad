// Package session is the connection orchestrator: it ties the endpoint,
// transport, reconnect manager, request/subscription controller, and
// response demultiplexer together behind the public operations a caller
// uses (connect, disconnect, send, subscribe, rest, state_stream).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"hassconn/go_src/controller"
	"hassconn/go_src/endpoint"
	"hassconn/go_src/protocol"
	"hassconn/go_src/reconnect"
	"hassconn/go_src/response"
	"hassconn/go_src/transport"
)

// TokenProvider fetches a fresh auth token on demand. It is the caller's
// collaborator; this package never caches or persists tokens itself (see
// the tokenstore package for an optional caching decorator).
type TokenProvider interface {
	FetchToken(ctx context.Context) (string, error)
}

// Journal receives a best-effort record of session-lifecycle events. Kept
// as a narrow interface so this package has no hard dependency on the
// diagnostics journal's storage choices.
type Journal interface {
	Record(kind string, identifier uint64, detail string)
}

// Session is the public orchestrator. Construct with New and drive it
// through Connect/Disconnect/Send/Subscribe/Rest/StateStream.
type Session struct {
	mu        sync.Mutex
	endpoint  *endpoint.Endpoint
	wsURL     string
	transport transport.Transport

	dialer        transport.Dialer
	tokenProvider TokenProvider
	httpClient    *http.Client
	journal       Journal
	logger        protocol.Logger

	controller *controller.Controller
	response   *response.Controller
	reconnect  *reconnect.Manager
	backoffOpt reconnect.Option

	subMu sync.Mutex
	subs  []chan protocol.Phase
}

// Option configures a Session at construction.
type Option func(*Session)

func WithHTTPClient(c *http.Client) Option { return func(s *Session) { s.httpClient = c } }
func WithJournal(j Journal) Option         { return func(s *Session) { s.journal = j } }
func WithLogger(l protocol.Logger) Option  { return func(s *Session) { s.logger = l } }
func WithBackoff(base, cap time.Duration) Option {
	return func(s *Session) { s.backoffOpt = reconnect.WithBackoff(base, cap) }
}

// New builds a Session bound to ep, dialing transports with dialer and
// fetching tokens from tokenProvider.
func New(ep *endpoint.Endpoint, dialer transport.Dialer, tokenProvider TokenProvider, opts ...Option) (*Session, error) {
	s := &Session{
		endpoint:      ep,
		dialer:        dialer,
		tokenProvider: tokenProvider,
		httpClient:    http.DefaultClient,
		logger:        protocol.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.controller = controller.New(s.sendFrame, s.logger)

	var reconnOpts []reconnect.Option
	if s.backoffOpt != nil {
		reconnOpts = append(reconnOpts, s.backoffOpt)
	}
	mgr, err := reconnect.New(s.attemptReconnect, s.logger, reconnOpts...)
	if err != nil {
		return nil, err
	}
	s.reconnect = mgr

	s.response = response.New(&resultJournalingDelegate{controller: s.controller, record: s.recordJournal}, s.handlePhase, s.logger)

	return s, nil
}

// resultJournalingDelegate sits between the response controller and the
// request controller purely to journal each result delivery before
// forwarding it; the request controller itself carries no journal
// dependency.
type resultJournalingDelegate struct {
	controller *controller.Controller
	record     func(kind string, identifier uint64, detail string)
}

func (d *resultJournalingDelegate) DeliverEvent(id uint64, event json.RawMessage) {
	d.controller.DeliverEvent(id, event)
}

func (d *resultJournalingDelegate) ResolveResult(id uint64, result protocol.Result) {
	// Only the outcome is journaled, never the result body or error text
	// (a REST error's message is the response body).
	detail := "ok"
	if result.Err != nil {
		detail = "error"
	}
	d.record("result_received", id, detail)
	d.controller.ResolveResult(id, result)
}

// Connect opens a transport if one isn't already open for the current
// endpoint. Idempotent: a second call while already connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.reconnect.SetPermanent(false)

	s.mu.Lock()
	alreadyOpen := s.transport != nil
	s.mu.Unlock()
	if alreadyOpen {
		return nil
	}

	return s.openTransport(ctx, s.endpoint.WebsocketURL().String())
}

// Disconnect closes the transport. permanent=true suppresses reconnection
// until the next Connect() and cancels all pending work with Cancelled;
// permanent=false follows the normal reconnect schedule.
func (s *Session) Disconnect(permanent bool) {
	s.reconnect.SetPermanent(permanent)

	// Cancel pending work before Reset() drives the phase transition: a
	// permanent disconnect must deliver Cancelled, not the TransportError
	// that the generic Disconnected-phase handling would otherwise apply
	// via ResetActive. Emptying the controller's maps first makes that
	// later ResetActive call a no-op.
	if permanent {
		s.controller.CancelAll()
	}

	s.mu.Lock()
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.response.Reset()
	if tr != nil {
		tr.Cancel(&protocol.Cancelled{})
	}
	if !permanent {
		s.reconnect.ScheduleNext()
	}
	s.recordJournal("disconnect", 0, boolLabel(permanent))
}

// Send submits a one-shot request, delegating to the controller.
func (s *Session) Send(req controller.Request) controller.Handle {
	return s.controller.SubmitSingle(req)
}

// Subscribe opens a server-pushed event subscription, delegating to the
// controller.
func (s *Session) Subscribe(req controller.Request, eventSink controller.EventSink, completionSink controller.CompletionSink) controller.CancelFunc {
	return s.controller.SubmitSubscription(req, eventSink, completionSink)
}

// Rest issues a plain HTTP request against the same endpoint and routes
// the reply through the response controller, so callers see the same
// Result shape as a WebSocket command.
func (s *Session) Rest(ctx context.Context, method, path string, query url.Values, body []byte) <-chan protocol.Result {
	id := s.controller.Allocate()
	handle := s.controller.RegisterExternal(id)

	req, err := s.endpoint.RestRequest(method, path, query, body)
	if err != nil {
		s.response.OnHTTPResponse(id, 0, nil, "", err)
		return handle.Done
	}
	req = req.WithContext(ctx)

	go func() {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.response.OnHTTPResponse(id, 0, nil, "", err)
			return
		}
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			s.response.OnHTTPResponse(id, 0, nil, "", readErr)
			return
		}
		s.response.OnHTTPResponse(id, resp.StatusCode, respBody, resp.Header.Get("Content-Type"), nil)
	}()

	return handle.Done
}

// StateStream exposes phase transitions to the caller. The returned
// channel is closed when ctx is done; sends are non-blocking so a slow
// consumer drops transitions rather than stalling the orchestrator.
func (s *Session) StateStream(ctx context.Context) <-chan protocol.Phase {
	ch := make(chan protocol.Phase, 8)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (s *Session) emitPhase(p protocol.Phase) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
			s.logger.Warnf("session: state_stream subscriber lagging, dropped a phase transition")
		}
	}
}

// handlePhase is the response controller's PhaseSink. It runs synchronously
// on whichever goroutine produced the transition (the decode/read lane),
// except the one suspension point (token fetch) which it hands off.
func (s *Session) handlePhase(p protocol.Phase) {
	s.recordJournal("phase_transition", 0, p.String())

	switch p.Kind {
	case protocol.KindAuthenticating:
		s.mu.Lock()
		tr := s.transport
		s.mu.Unlock()
		if tr != nil {
			go s.authenticate(tr)
		}
	case protocol.KindCommand:
		s.reconnect.ResetBackoff()
		s.controller.Prepare()
	case protocol.KindDisconnected:
		s.controller.ResetActive(p.Err)
		// AuthFailed is deliberately excluded from the automatic reconnect
		// schedule even though for_reset is false here: the server just
		// rejected this session's credentials, and retrying with the same
		// token immediately would just fail again. The caller must call
		// Connect() explicitly (presumably after fixing the token).
		if _, isAuthFailure := p.Err.(*protocol.AuthFailed); !p.ForReset && !isAuthFailure {
			s.reconnect.ScheduleNext()
		}
	}

	s.emitPhase(p)
}

// authenticate fetches a token and sends the raw auth frame, bypassing the
// controller's id gating entirely as the wire protocol requires.
func (s *Session) authenticate(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := s.tokenProvider.FetchToken(ctx)
	if err != nil {
		s.failConnection(tr, &protocol.TokenUnavailable{Err: err})
		return
	}

	raw, err := json.Marshal(protocol.NewAuthFrame(token))
	if err != nil {
		s.failConnection(tr, &protocol.Underlying{Err: err})
		return
	}
	if err := tr.SendText(ctx, string(raw)); err != nil {
		s.failConnection(tr, &protocol.TransportError{Err: err})
	}
}

// sendFrame is the controller's Sender: it serializes and writes a command
// frame to the current transport.
func (s *Session) sendFrame(id uint64, req controller.Request) error {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return errors.New("no active transport")
	}
	raw, err := protocol.EncodeCommand(id, req.Kind, req.Payload)
	if err != nil {
		return err
	}
	s.recordJournal("request_sent", id, req.Kind)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return tr.SendText(ctx, string(raw))
}

// openTransport dials a new transport and starts its read loop.
func (s *Session) openTransport(ctx context.Context, wsURL string) error {
	tr, err := s.dialer.Dial(ctx, wsURL, nil)
	if err != nil {
		return &protocol.TransportError{Err: err}
	}

	s.mu.Lock()
	s.transport = tr
	s.wsURL = wsURL
	s.mu.Unlock()

	go s.readLoop(tr)
	return nil
}

// readLoop pumps inbound frames into the response controller until the
// transport terminates. A stale transport's closure (one already replaced
// or explicitly torn down) is dropped silently per the transport contract.
func (s *Session) readLoop(tr transport.Transport) {
	for msg := range tr.Inbound() {
		s.response.OnMessage(msg)
	}

	s.mu.Lock()
	current := s.transport
	if current == tr {
		s.transport = nil
	}
	s.mu.Unlock()

	if current != tr {
		return
	}

	err := tr.Err()
	if err == nil {
		err = errors.New("transport closed unexpectedly")
	}
	s.response.NotifyClosed(&protocol.TransportError{Err: err})
}

// failConnection tears a transport down after a fatal error on the
// authentication path (token fetch or send failure), unless it has
// already been superseded.
func (s *Session) failConnection(tr transport.Transport, cause error) {
	s.mu.Lock()
	if s.transport != tr {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.mu.Unlock()

	tr.Cancel(cause)
	s.response.NotifyClosed(cause)
}

// attemptReconnect is invoked by the reconnect manager's scheduler when a
// backoff timer fires.
func (s *Session) attemptReconnect() {
	s.mu.Lock()
	alreadyOpen := s.transport != nil
	s.mu.Unlock()
	if alreadyOpen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.openTransport(ctx, s.endpoint.WebsocketURL().String()); err != nil {
		s.logger.Warnf("session: reconnect attempt failed: %v", err)
		s.reconnect.ScheduleNext()
	}
}

// Close stops the session's background scheduler. Call once, on final
// teardown, after a permanent Disconnect.
func (s *Session) Close() error {
	return s.reconnect.Stop()
}

func (s *Session) recordJournal(kind string, identifier uint64, detail string) {
	if s.journal != nil {
		s.journal.Record(kind, identifier, detail)
	}
}

func boolLabel(b bool) string {
	if b {
		return "permanent"
	}
	return "transient"
}
