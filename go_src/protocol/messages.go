package protocol

import (
	"bytes"
	"encoding/json"
)

// AuthState is the server's reported authentication progress.
type AuthStateKind int

const (
	AuthRequired AuthStateKind = iota
	AuthOk
	AuthInvalid
)

type AuthState struct {
	Kind    AuthStateKind
	Version string // set on AuthOk
	Message string // set on AuthInvalid
}

// ErrorInfo is the {code, message} object a result frame carries on failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseKind discriminates the classified inbound variant.
type ResponseKind int

const (
	ResponseAuth ResponseKind = iota
	ResponseEvent
	ResponseResult
)

// Result is the outcome delivered to a PendingSingle or, as a terminal
// delivery, to a Subscription's completion sink.
type Result struct {
	Data json.RawMessage
	Err  error
}

// WebSocketResponse is the demultiplexed wire variant: Auth(AuthState) |
// Event{identifier, data} | Result{identifier, Ok(data)|Err(ErrorInfo)}.
type WebSocketResponse struct {
	Kind       ResponseKind
	Auth       AuthState
	Identifier uint64
	Event      json.RawMessage
	Result     Result
}

// inboundEnvelope is the raw shape every server->client frame parses into
// before classification. Fields not relevant to a given type are left zero.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	HAVer   string          `json:"ha_version"`
	Message string          `json:"message"`
	ID      uint64          `json:"id"`
	Event   json.RawMessage `json:"event"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorInfo      `json:"error"`
}

// ParseInbound parses a text frame's raw JSON and classifies it into a
// WebSocketResponse, or reports a ProtocolError if the frame is not a
// recognized shape. containsAuthRequired additionally reports whether the
// raw text contains the literal substring "auth_required"; on the
// server->client auth handshake message this is true both by substring
// match and by the parsed type, and either route must drive the same
// phase transition exactly once (the caller, not this function, is
// responsible for deduplicating that).
func ParseInbound(raw []byte) (WebSocketResponse, bool, error) {
	containsAuthRequired := containsToken(raw, "auth_required")

	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return WebSocketResponse{}, containsAuthRequired, &ProtocolError{Reason: "invalid JSON: " + err.Error()}
	}

	switch env.Type {
	case "auth_required":
		return WebSocketResponse{Kind: ResponseAuth, Auth: AuthState{Kind: AuthRequired, Version: env.HAVer}}, true, nil
	case "auth_ok":
		return WebSocketResponse{Kind: ResponseAuth, Auth: AuthState{Kind: AuthOk, Version: env.HAVer}}, containsAuthRequired, nil
	case "auth_invalid":
		return WebSocketResponse{Kind: ResponseAuth, Auth: AuthState{Kind: AuthInvalid, Message: env.Message}}, containsAuthRequired, nil
	case "event":
		return WebSocketResponse{Kind: ResponseEvent, Identifier: env.ID, Event: env.Event}, containsAuthRequired, nil
	case "result":
		res := Result{}
		if env.Success != nil && *env.Success {
			res.Data = env.Result
		} else if env.Error != nil {
			res.Err = &External{Code: env.Error.Code, Message: env.Error.Message}
		} else {
			res.Err = &ProtocolError{Reason: "result frame reports failure with no error object"}
		}
		return WebSocketResponse{Kind: ResponseResult, Identifier: env.ID, Result: res}, containsAuthRequired, nil
	default:
		return WebSocketResponse{}, containsAuthRequired, &ProtocolError{Reason: "unrecognized message type: " + env.Type}
	}
}

func containsToken(raw []byte, token string) bool {
	return bytes.Contains(raw, []byte(token))
}

// AuthFrame is the client->server frame sent in reply to auth_required. It
// bypasses the controller's id gating entirely.
type AuthFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

func NewAuthFrame(token string) AuthFrame {
	return AuthFrame{Type: "auth", AccessToken: token}
}

// EncodeCommand builds the {id, type, ...payload} envelope for an
// authenticated command frame.
func EncodeCommand(id uint64, kind string, payload map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["id"] = id
	out["type"] = kind
	return json.Marshal(out)
}
