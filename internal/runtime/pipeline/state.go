package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// MessageContext holds every representation of the request path that routing
// and forwarding read. Stages that change the path must keep all of them
// consistent. Paths are kept in their escaped form.
type MessageContext struct {
	// APIContext is the published prefix of the API, for example /cds-au/v1.
	APIContext string `json:"apiContext"`
	// FullRequestPath is APIContext followed by SubRequestPath.
	FullRequestPath string `json:"fullRequestPath"`
	// SubRequestPath is the path below APIContext.
	SubRequestPath string `json:"subRequestPath"`
	// Resource is the logical resource used for routing; it tracks SubRequestPath.
	Resource string `json:"resource"`
	// URLPostfix is the sub path plus the raw query appended to the backend.
	URLPostfix string `json:"urlPostfix"`
	// TransportOutboundURL is the absolute URL the request is forwarded to.
	TransportOutboundURL string `json:"transportOutboundUrl"`
	RawQuery             string `json:"rawQuery,omitempty"`
	// Headers are the transport headers that will be forwarded.
	Headers http.Header `json:"-"`
}

// Clone returns a deep copy so callers can derive a new context without
// touching the original headers.
func (m MessageContext) Clone() MessageContext {
	out := m
	out.Headers = m.Headers.Clone()
	if out.Headers == nil {
		out.Headers = make(http.Header)
	}
	return out
}

// Postfix joins a sub path and raw query.
func Postfix(subPath, rawQuery string) string {
	if rawQuery == "" {
		return subPath
	}
	return subPath + "?" + rawQuery
}

// RequestState preserves the inbound request snapshot for logging and error
// templates.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// IdentifierState records identifier permanence activity for the request.
type IdentifierState struct {
	// Decrypted counts identifiers restored from tokens.
	Decrypted int `json:"decrypted"`
	// Passthrough lists values that were not tokens but were allowed through.
	Passthrough []string `json:"passthrough,omitempty"`
	Rewritten   bool     `json:"rewritten"`
}

// ReplayState captures the jti replay check.
type ReplayState struct {
	Checked bool   `json:"checked"`
	JTI     string `json:"jti,omitempty"`
	Verdict string `json:"verdict,omitempty"`
}

// EntityState is the Register view of one entity referenced by the request.
type EntityState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Known  bool   `json:"known"`
}

// MetadataState captures the accreditation gate decision.
type MetadataState struct {
	Evaluated bool        `json:"evaluated"`
	Allowed   bool        `json:"allowed"`
	Skipped   string      `json:"skipped,omitempty"`
	Recipient EntityState `json:"recipient"`
	Product   EntityState `json:"product"`
}

// Envelope selects the error body format of a rejection.
type Envelope string

const (
	// EnvelopeCDS renders {"errors":[{code,title,detail}]}.
	EnvelopeCDS Envelope = "cds"
	// EnvelopeOAuth renders {"error","error_description"}.
	EnvelopeOAuth Envelope = "oauth"
)

// ResponseState is the error response composed when an agent rejects the
// request. Status stays zero while the request is allowed to proceed.
type ResponseState struct {
	Status   int               `json:"status"`
	Envelope Envelope          `json:"envelope,omitempty"`
	Code     string            `json:"code,omitempty"`
	Title    string            `json:"title,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Headers  map[string]string `json:"headers"`
	Agent    string            `json:"agent,omitempty"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	body []byte

	API           string    `json:"api"`
	CorrelationID string    `json:"correlationId"`
	ReceivedAt    time.Time `json:"receivedAt"`

	Request     RequestState    `json:"request"`
	Message     MessageContext  `json:"message"`
	Identifiers IdentifierState `json:"identifiers"`
	Replay      ReplayState     `json:"replay"`
	Metadata    MetadataState   `json:"metadata"`
	Response    ResponseState   `json:"response"`
}

// API describes the matched API for NewState.
type API struct {
	Name    string
	Context string
	Backend string
}

// NewState captures the inbound request metadata and derives the initial
// message context from the matched API.
func NewState(r *http.Request, api API, correlationID string, body []byte) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}

	apiContext := strings.TrimSuffix(api.Context, "/")
	full := r.URL.EscapedPath()
	sub := strings.TrimPrefix(full, apiContext)
	if sub == "" {
		sub = "/"
	}
	postfix := Postfix(sub, r.URL.RawQuery)

	return &State{
		body:          body,
		API:           api.Name,
		CorrelationID: correlationID,
		ReceivedAt:    time.Now().UTC(),
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Message: MessageContext{
			APIContext:           apiContext,
			FullRequestPath:      full,
			SubRequestPath:       sub,
			Resource:             sub,
			URLPostfix:           postfix,
			TransportOutboundURL: strings.TrimSuffix(api.Backend, "/") + postfix,
			RawQuery:             r.URL.RawQuery,
			Headers:              r.Header.Clone(),
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
	}
}

// Body returns the buffered request body.
func (s *State) Body() []byte { return s.body }

// SetBody replaces the request body forwarded upstream.
func (s *State) SetBody(body []byte) { s.body = body }

// Reject records an error response and stops the pipeline.
func (s *State) Reject(agent string, status int, envelope Envelope, code, title, detail string) {
	s.Response.Status = status
	s.Response.Envelope = envelope
	s.Response.Code = code
	s.Response.Title = title
	s.Response.Detail = detail
	s.Response.Agent = agent
}

// Rejected reports whether an agent rejected the request.
func (s *State) Rejected() bool { return s.Response.Status != 0 }

// TemplateContext exposes a map suitable for template execution.
func (s *State) TemplateContext() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"api":           s.API,
		"correlationId": s.CorrelationID,
		"request":       s.Request,
		"message":       s.Message,
		"identifiers":   s.Identifiers,
		"replay":        s.Replay,
		"metadata":      s.Metadata,
		"response":      s.Response,
	}
}
