package endpoint

import (
	"testing"

	"hassconn/go_src/protocol"
)

func TestNew_NormalizesTrailingAPIWebsocket(t *testing.T) {
	ep, err := New("https://hass.example:8123/api/websocket/", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ep.BaseURL().String(); got != "https://hass.example:8123" {
		t.Errorf("expected normalized base https://hass.example:8123, got %s", got)
	}
	if got := ep.WebsocketURL().String(); got != "wss://hass.example:8123/api/websocket" {
		t.Errorf("expected wss://hass.example:8123/api/websocket, got %s", got)
	}
}

func TestNew_NormalizesTrailingAPI(t *testing.T) {
	ep, err := New("https://hass.example:8123/api", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ep.BaseURL().String(); got != "https://hass.example:8123" {
		t.Errorf("expected normalized base https://hass.example:8123, got %s", got)
	}
}

func TestNew_NormalizationIsIdempotent(t *testing.T) {
	once, err := New("https://hass.example:8123/api/websocket/", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := New(once.BaseURL().String(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if once.BaseURL().String() != twice.BaseURL().String() {
		t.Errorf("normalization not idempotent: %s != %s", once.BaseURL().String(), twice.BaseURL().String())
	}
	if once.WebsocketURL().String() != twice.WebsocketURL().String() {
		t.Errorf("websocket_url not stable across re-normalization")
	}
}

func TestNew_InvalidPort(t *testing.T) {
	_, err := New("https://hass.example:70000/", "")
	if err == nil {
		t.Fatal("expected InvalidConfig for out-of-range port")
	}
	if _, ok := err.(*protocol.InvalidConfig); !ok {
		t.Errorf("expected *protocol.InvalidConfig, got %T", err)
	}
}

func TestNew_EmptyHost(t *testing.T) {
	_, err := New("http:///just/a/path", "")
	if err == nil {
		t.Fatal("expected InvalidConfig for empty host")
	}
}

func TestHostHeader_OmitsStandardPorts(t *testing.T) {
	ep, err := New("http://hass.example:80", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, err := ep.RestRequest("GET", "api/states", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "hass.example" {
		t.Errorf("expected Host header to omit port 80, got %s", req.Host)
	}
}

func TestHostHeader_IncludesNonStandardPort(t *testing.T) {
	ep, err := New("https://hass.example:8123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, err := ep.RestRequest("GET", "api/states", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "hass.example:8123" {
		t.Errorf("expected Host header to include port 8123, got %s", req.Host)
	}
}

func TestRestRequest_UserAgent(t *testing.T) {
	ep, err := New("https://hass.example:8123", "hassconn/1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, err := ep.RestRequest("GET", "api/states", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Header.Get("User-Agent") != "hassconn/1.0" {
		t.Errorf("expected configured User-Agent header, got %s", req.Header.Get("User-Agent"))
	}
	if req.URL.Path != "/api/states" {
		t.Errorf("expected path /api/states, got %s", req.URL.Path)
	}
}

func TestShouldReplace(t *testing.T) {
	ep, err := New("https://hass.example:8123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ShouldReplace(ep.WebsocketURL().String()) {
		t.Error("expected ShouldReplace to be false for an identical normalized base")
	}
	other, err := New("https://other.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ep.ShouldReplace(other.WebsocketURL().String()) {
		t.Error("expected ShouldReplace to be true for a different host")
	}
}
