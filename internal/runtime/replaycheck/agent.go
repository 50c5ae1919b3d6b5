// Package replaycheck rejects signed request objects whose jti has already
// been presented inside the replay window.
package replaycheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/l0p7/cdsgate/internal/metrics"
	"github.com/l0p7/cdsgate/internal/replay"
	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

// Checker is the replay guard consulted for each jti.
type Checker interface {
	CheckAndRecord(ctx context.Context, jti string) (replay.Verdict, error)
}

// Config selects the request paths carrying a JWT and the form parameter the
// token travels in when it is not the whole body.
type Config struct {
	API       string
	Paths     []string
	FormField string
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

type Agent struct {
	checker Checker
	cfg     Config
	paths   []string
	logger  *slog.Logger
	parser  *jwt.Parser
}

// New builds the replay check stage. A nil checker or an empty path list
// makes the stage a no-op.
func New(checker Checker, cfg Config) *Agent {
	paths := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		trimmed := strings.TrimSuffix(strings.TrimSpace(p), "/")
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		paths = append(paths, trimmed)
	}
	if cfg.FormField == "" {
		cfg.FormField = "request"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		checker: checker,
		cfg:     cfg,
		paths:   paths,
		logger:  logger.With(slog.String("agent", "replay_check")),
		parser:  jwt.NewParser(),
	}
}

func (a *Agent) Name() string { return "replay_check" }

// Applies reports whether path is one of the configured JWT paths, matched
// exactly or as a parent segment.
func (a *Agent) Applies(path string) bool {
	if a == nil || a.checker == nil {
		return false
	}
	clean := strings.TrimSuffix(path, "/")
	for _, p := range a.paths {
		if clean == p || strings.HasPrefix(clean, p+"/") {
			return true
		}
	}
	return false
}

func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if !a.Applies(state.Message.SubRequestPath) {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	state.Replay.Checked = true

	token := a.extractToken(r.Header.Get("Content-Type"), state.Body())
	if token == "" {
		return a.reject(state, http.StatusBadRequest, "invalid_request", "request object is missing")
	}
	jti, err := a.jti(token)
	if err != nil {
		return a.reject(state, http.StatusBadRequest, "invalid_request", err.Error())
	}
	state.Replay.JTI = jti

	verdict, err := a.checker.CheckAndRecord(ctx, jti)
	if err != nil {
		a.logger.Error("replay store unavailable",
			slog.String("api", a.cfg.API),
			slog.String("correlation_id", state.CorrelationID),
			slog.Any("error", err))
		return a.reject(state, http.StatusInternalServerError, "server_error", "replay check unavailable")
	}
	state.Replay.Verdict = verdict.String()
	a.cfg.Metrics.ObserveReplay(a.cfg.API, verdict.String())
	if verdict == replay.Replayed {
		a.logger.Info("jti replay rejected",
			slog.String("api", a.cfg.API),
			slog.String("correlation_id", state.CorrelationID))
		return a.reject(state, http.StatusBadRequest, "invalid_request", "jti has already been used")
	}
	return pipeline.Result{Name: a.Name(), Status: verdict.String()}
}

func (a *Agent) reject(state *pipeline.State, status int, code, description string) pipeline.Result {
	state.Reject(a.Name(), status, pipeline.EnvelopeOAuth, code, "", description)
	return pipeline.Result{Name: a.Name(), Status: "rejected", Details: description}
}

// extractToken returns the compact JWT from an application/jwt body or from
// the configured form field.
func (a *Agent) extractToken(contentType string, body []byte) string {
	media := ""
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			media = parsed
		}
	}
	switch media {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(values.Get(a.cfg.FormField))
	default:
		return strings.TrimSpace(string(body))
	}
}

var errNoJTI = errors.New("jti claim is missing")

// jti reads the claim without verifying the signature. Signature checks belong
// to the authorisation server behind the gateway; only the identifier matters
// here.
func (a *Agent) jti(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := a.parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("request object is not a valid JWT")
	}
	raw, ok := claims["jti"]
	if !ok {
		return "", errNoJTI
	}
	jti, ok := raw.(string)
	if !ok || strings.TrimSpace(jti) == "" {
		return "", errNoJTI
	}
	return jti, nil
}
