package endpoint

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"hassconn/go_src/protocol"
)

// Endpoint normalizes a user-supplied base URL and derives the WebSocket
// and REST requests a session needs. It is an immutable value: reconfigure
// by constructing a new one and letting the orchestrator decide, via
// ShouldReplace, whether the transport must be torn down.
type Endpoint struct {
	normalized *url.URL
	userAgent  string
}

// New validates host non-empty and port <= 65535, then normalizes the URL
// by stripping any trailing "/api/websocket", "/api", or "/" suffixes,
// idempotently.
func New(rawURL, userAgent string) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &protocol.InvalidConfig{Reason: "cannot parse URL: " + err.Error()}
	}
	if u.Hostname() == "" {
		return nil, &protocol.InvalidConfig{Reason: "host is empty"}
	}
	if portStr := u.Port(); portStr != "" {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil || port < 1 || port > 65535 {
			return nil, &protocol.InvalidConfig{Reason: "port out of range: " + portStr}
		}
	}

	normalized := *u
	normalized.Path = normalizePath(u.Path)
	normalized.RawQuery = ""
	normalized.Fragment = ""

	return &Endpoint{normalized: &normalized, userAgent: userAgent}, nil
}

// normalizePath strips trailing "/", removes a trailing "/api/websocket"
// then "/api", then strips all trailing "/" again, repeating until a pass
// changes nothing. Because it stops only at that fixed point it is
// idempotent: normalizePath(normalizePath(p)) == normalizePath(p).
func normalizePath(p string) string {
	for {
		next := strings.TrimRight(p, "/")
		next = strings.TrimSuffix(next, "/api/websocket")
		next = strings.TrimSuffix(next, "/api")
		next = strings.TrimRight(next, "/")
		if next == p {
			return p
		}
		p = next
	}
}

// BaseURL returns the normalized base URL (no trailing slash, no /api or
// /api/websocket suffix).
func (e *Endpoint) BaseURL() *url.URL {
	cp := *e.normalized
	return &cp
}

// WebsocketURL derives the WebSocket URL: scheme mapped http->ws,
// https->wss (anything else defaults to ws); path always ends in
// "/api/websocket".
func (e *Endpoint) WebsocketURL() *url.URL {
	ws := *e.normalized
	switch strings.ToLower(e.normalized.Scheme) {
	case "https", "wss":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = e.normalized.Path + "/api/websocket"
	return &ws
}

// RestRequest builds an *http.Request against the normalized base, with
// path appended (callers include the leading "api/" segment themselves)
// and query items attached. The Host header is set explicitly, including
// the port only when one is present and is not 80 or 443. User-Agent is
// set when configured.
func (e *Endpoint) RestRequest(method, path string, query url.Values, body []byte) (*http.Request, error) {
	u := *e.normalized
	if !strings.HasPrefix(path, "/") {
		u.Path = u.Path + "/" + path
	} else {
		u.Path = u.Path + path
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	restURL := u
	switch strings.ToLower(restURL.Scheme) {
	case "ws":
		restURL.Scheme = "http"
	case "wss":
		restURL.Scheme = "https"
	}

	var bodyReader *strings.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	} else {
		bodyReader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, restURL.String(), bodyReader)
	if err != nil {
		return nil, &protocol.InvalidConfig{Reason: "cannot build REST request: " + err.Error()}
	}

	req.Host = hostHeader(restURL)
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func hostHeader(u url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" || port == "80" || port == "443" {
		return host
	}
	return host + ":" + port
}

// ShouldReplace reports whether the normalized base differs from an
// existing connection's normalized WebSocket URL, used by the orchestrator
// to decide whether a reconfigure must tear down the transport.
func (e *Endpoint) ShouldReplace(existingWSURL string) bool {
	return e.WebsocketURL().String() != existingWSURL
}
