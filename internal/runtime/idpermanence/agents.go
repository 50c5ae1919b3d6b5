package idpermanence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/cdsgate/internal/codec"
	"github.com/l0p7/cdsgate/internal/metrics"
	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

const (
	CodeResourceInvalid = "urn:au-cds:error:cds-all:Resource/Invalid"
	CodeFieldInvalid    = "urn:au-cds:error:cds-all:Field/Invalid"
)

// Policy decides what happens to a value that is not a valid token.
type Policy string

const (
	// PolicyReject fails the request.
	PolicyReject Policy = "reject"
	// PolicyPassthrough forwards the value as a plaintext identifier.
	PolicyPassthrough Policy = "passthrough"
)

// ParsePolicy defaults to PolicyReject.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyPassthrough:
		return PolicyPassthrough, nil
	default:
		return "", fmt.Errorf("idpermanence: unsupported malformed policy %q", raw)
	}
}

// Settings configures the identifier stages of one API.
type Settings struct {
	API            string
	Secret         string
	OnMalformed    Policy
	Resources      Templates
	RequestFields  []string
	ResponseFields []string
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
}

func (s Settings) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// PathAgent decrypts the tokens found in the request path and announces the
// decrypted sub path through MarkerHeader.
type PathAgent struct {
	settings Settings
}

// NewPathAgent builds the path decrypt stage.
func NewPathAgent(settings Settings) *PathAgent {
	return &PathAgent{settings: settings}
}

func (a *PathAgent) Name() string { return "identifier_path_decrypt" }

func (a *PathAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	// The marker is only trusted when this stage sets it.
	state.Message.Headers.Del(MarkerHeader)

	tmpl, params, ok := a.settings.Resources.Match(state.Message.SubRequestPath)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	replacements := make(map[int]string, len(params))
	for _, param := range params {
		raw, err := url.PathUnescape(param.Value)
		if err != nil {
			raw = param.Value
		}
		id := codec.Lookup(raw, a.settings.Secret)
		if id.OK {
			replacements[param.Index] = id.Value
			state.Identifiers.Decrypted++
			a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierOK)
			continue
		}
		if a.settings.OnMalformed == PolicyPassthrough {
			replacements[param.Index] = raw
			state.Identifiers.Passthrough = append(state.Identifiers.Passthrough, param.Name)
			a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierPassthrough)
			continue
		}
		a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierMalformed)
		state.Reject(a.Name(), http.StatusNotFound, pipeline.EnvelopeCDS, CodeResourceInvalid,
			"Invalid Resource", fmt.Sprintf("%s is not a valid resource identifier", param.Name))
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: "malformed " + param.Name}
	}

	state.Message.Headers.Set(MarkerHeader, Substitute(state.Message.SubRequestPath, replacements))
	return pipeline.Result{
		Name:   a.Name(),
		Status: "decrypted",
		Meta:   map[string]any{"template": tmpl.String(), "identifiers": len(params)},
	}
}

// RewriteAgent applies Rewrite to the request's message context.
type RewriteAgent struct{}

func (RewriteAgent) Name() string { return "path_rewrite" }

func (a RewriteAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Message.Headers.Get(MarkerHeader) == "" {
		return pipeline.Result{Name: a.Name(), Status: "noop"}
	}
	state.Message = Rewrite(state.Message)
	state.Identifiers.Rewritten = true
	return pipeline.Result{Name: a.Name(), Status: "rewritten"}
}

// BodyAgent decrypts configured fields of JSON request bodies.
type BodyAgent struct {
	settings Settings
	fields   map[string]struct{}
}

// NewBodyAgent builds the request body decrypt stage.
func NewBodyAgent(settings Settings) *BodyAgent {
	return &BodyAgent{settings: settings, fields: fieldSet(settings.RequestFields)}
}

func (a *BodyAgent) Name() string { return "identifier_body_decrypt" }

func (a *BodyAgent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	body := state.Body()
	if len(a.fields) == 0 || len(body) == 0 || !isJSON(r.Header.Get("Content-Type")) {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	doc, err := decodeJSON(body)
	if err != nil {
		a.settings.logger().Debug("request body is not json, leaving it untouched", slog.Any("error", err))
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "invalid json"}
	}

	var failed string
	changed, err := transformFields(doc, a.fields, func(field, value string) (string, error) {
		id := codec.Lookup(value, a.settings.Secret)
		if id.OK {
			state.Identifiers.Decrypted++
			a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierOK)
			return id.Value, nil
		}
		if a.settings.OnMalformed == PolicyPassthrough {
			state.Identifiers.Passthrough = append(state.Identifiers.Passthrough, field)
			a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierPassthrough)
			return value, nil
		}
		a.settings.Metrics.ObserveIdentifier(a.settings.API, metrics.IdentifierInbound, metrics.IdentifierMalformed)
		failed = field
		return "", codec.ErrMalformedToken
	})
	if err != nil {
		state.Reject(a.Name(), http.StatusUnprocessableEntity, pipeline.EnvelopeCDS, CodeFieldInvalid,
			"Invalid Field", fmt.Sprintf("%s is not a valid identifier", failed))
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: "malformed " + failed}
	}
	if changed == 0 {
		return pipeline.Result{Name: a.Name(), Status: "unchanged"}
	}

	encoded, err := encodeJSON(doc)
	if err != nil {
		state.Reject(a.Name(), http.StatusInternalServerError, pipeline.EnvelopeCDS,
			"urn:au-cds:error:cds-all:GeneralError/Unexpected", "Unexpected Error Encountered", "request body could not be encoded")
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	state.SetBody(encoded)
	return pipeline.Result{Name: a.Name(), Status: "decrypted", Meta: map[string]any{"fields": changed}}
}
