package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewStateInitializesNormalization(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/cds-au/v1/banking/accounts?Page=2&page-size=25", http.NoBody)
	req.Header.Set("X-Custom", "primary")
	req.Header.Add("X-Custom", "secondary")

	api := API{Name: "banking", Context: "/cds-au/v1/", Backend: "http://core:9090/internal/"}
	state := NewState(req, api, "corr-123", []byte(`{}`))

	if state.API != "banking" || state.CorrelationID != "corr-123" {
		t.Fatalf("unexpected identity: %q %q", state.API, state.CorrelationID)
	}
	if got := state.Request.Headers["x-custom"]; got != "primary" {
		t.Fatalf("expected normalized header to keep first value, got %q", got)
	}
	if got := state.Request.Query["page"]; got != "2" {
		t.Fatalf("expected query map to use lowercase key, got %q", got)
	}

	msg := state.Message
	if msg.APIContext != "/cds-au/v1" {
		t.Fatalf("expected trimmed api context, got %q", msg.APIContext)
	}
	if msg.FullRequestPath != "/cds-au/v1/banking/accounts" {
		t.Fatalf("unexpected full path %q", msg.FullRequestPath)
	}
	if msg.SubRequestPath != "/banking/accounts" || msg.Resource != "/banking/accounts" {
		t.Fatalf("unexpected sub path %q / resource %q", msg.SubRequestPath, msg.Resource)
	}
	if msg.URLPostfix != "/banking/accounts?Page=2&page-size=25" {
		t.Fatalf("unexpected postfix %q", msg.URLPostfix)
	}
	if msg.TransportOutboundURL != "http://core:9090/internal/banking/accounts?Page=2&page-size=25" {
		t.Fatalf("unexpected outbound url %q", msg.TransportOutboundURL)
	}
	if len(msg.Headers.Values("X-Custom")) != 2 {
		t.Fatalf("expected forwarded headers to keep every value")
	}
	if string(state.Body()) != `{}` {
		t.Fatalf("expected body to be buffered")
	}
}

func TestNewStateRootPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/cds-au/v1", http.NoBody)
	state := NewState(req, API{Name: "root", Context: "/cds-au/v1", Backend: "http://core"}, "corr", nil)
	if state.Message.SubRequestPath != "/" {
		t.Fatalf("expected root sub path, got %q", state.Message.SubRequestPath)
	}
}

func TestMessageContextCloneIsolatesHeaders(t *testing.T) {
	original := MessageContext{Headers: http.Header{"A": {"1"}}}
	clone := original.Clone()
	clone.Headers.Set("A", "2")
	if original.Headers.Get("A") != "1" {
		t.Fatalf("clone mutated original headers")
	}
	if (MessageContext{}).Clone().Headers == nil {
		t.Fatalf("expected clone to allocate headers")
	}
}

func TestRejectMarksResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", http.NoBody)
	state := NewState(req, API{Name: "x"}, "corr", nil)
	if state.Rejected() {
		t.Fatalf("new state must not be rejected")
	}
	state.Reject("gate", http.StatusForbidden, EnvelopeCDS, "urn:code", "Title", "detail")
	if !state.Rejected() || state.Response.Status != http.StatusForbidden || state.Response.Agent != "gate" {
		t.Fatalf("unexpected response state %#v", state.Response)
	}
	ctx := state.TemplateContext()
	if ctx["correlationId"] != "corr" {
		t.Fatalf("template context missing correlation id")
	}
}

func TestPostfix(t *testing.T) {
	if got := Postfix("/a", ""); got != "/a" {
		t.Fatalf("got %q", got)
	}
	if got := Postfix("/a", "b=c"); got != "/a?b=c" {
		t.Fatalf("got %q", got)
	}
}
