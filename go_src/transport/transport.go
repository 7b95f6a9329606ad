// Package transport is the abstract WebSocket channel the core depends on.
// A real implementation wraps the host WebSocket API; the implementation
// detail of which stack is used is deliberately kept behind this interface.
package transport

import (
	"context"
	"net/http"
)

// MessageKind discriminates a frame's payload representation.
type MessageKind int

const (
	TextMessage MessageKind = iota
	BinaryMessage
)

// Message is one inbound frame. Binary frames are logged and discarded by
// the response controller; only Text frames carry protocol data.
type Message struct {
	Kind   MessageKind
	Text   string
	Binary []byte
}

// Dialer opens a Transport. Dial returns only once the connection is open or
// has failed (WebSocketDialer completes the whole WebSocket handshake before
// returning), so a failed open is reported as Dial's error, not on
// Inbound(); Dial does not hand back a Transport that is still connecting.
// Protocol progress after the open (auth_required and so on) arrives as
// frames on Inbound().
type Dialer interface {
	Dial(ctx context.Context, wsURL string, headers http.Header) (Transport, error)
}

// Transport is a bidirectional message stream. Inbound() yields a finite
// sequence terminating with either graceful close or an error, observable
// via Err() once the channel closes.
type Transport interface {
	// ID is a stable per-instance identifier so the orchestrator can detect
	// stale-transport callbacks after a replacement.
	ID() string

	// Inbound returns the channel of frames read from the wire. It is
	// closed when the connection terminates, whether gracefully or not;
	// Err() reports the terminal cause, if any.
	Inbound() <-chan Message

	// Err returns the terminal error, if the connection ended abnormally.
	// Valid only after Inbound() has closed.
	Err() error

	// SendText writes a single text frame. May block.
	SendText(ctx context.Context, text string) error

	// Cancel closes the transport; subsequent Inbound() reads yield
	// termination. Safe to call more than once.
	Cancel(reason error)
}
