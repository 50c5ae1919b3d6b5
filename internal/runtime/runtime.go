package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/cdsgate/internal/config"
	"github.com/l0p7/cdsgate/internal/expr"
	"github.com/l0p7/cdsgate/internal/metadata"
	"github.com/l0p7/cdsgate/internal/metrics"
	"github.com/l0p7/cdsgate/internal/runtime/idpermanence"
	"github.com/l0p7/cdsgate/internal/runtime/metadatagate"
	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
	"github.com/l0p7/cdsgate/internal/runtime/replaycheck"
	"github.com/l0p7/cdsgate/internal/templates"
)

const (
	CodeResourceNotFound   = "urn:au-cds:error:cds-all:Resource/NotFound"
	CodeExpectedError      = "urn:au-cds:error:cds-all:GeneralError/Expected"
	CodeUnexpectedError    = "urn:au-cds:error:cds-all:GeneralError/Unexpected"
	CodeServiceUnavailable = "urn:au-cds:error:cds-all:Service/Unavailable"

	defaultMaxRequestBody = 10 << 20
)

// MetadataStore is the slice of metadata.Store the gateway needs: status reads
// for the gate and refreshes for the admin endpoint.
type MetadataStore interface {
	metadatagate.StatusSource
	Refresh(ctx context.Context, partition metadata.Partition) error
	RefreshAll(ctx context.Context) error
}

type PipelineOptions struct {
	APIs               map[string]config.APIConfig
	APISources         []string
	SkippedDefinitions []config.DefinitionSkip

	IDPermanence config.IDPermanenceConfig
	Metadata     config.MetadataConfig

	// MetadataStore is nil when Register synchronisation is disabled.
	MetadataStore MetadataStore
	// Replay is nil when no API declares JWT paths.
	Replay        replaycheck.Checker
	ReplayBackend string
	Expressions   *expr.Environment

	ErrorBodies       *templates.ErrorBodies
	CorrelationHeader string
	MaxRequestBody    int64
	Transport         http.RoundTripper
	Metrics           *metrics.Recorder
}

// Pipeline routes requests to the published APIs, runs their agents and
// forwards accepted requests to the backend.
type Pipeline struct {
	logger            *slog.Logger
	correlationHeader string
	maxRequestBody    int64
	metrics           *metrics.Recorder
	errorBodies       *templates.ErrorBodies
	transport         http.RoundTripper

	idPermanence  config.IDPermanenceConfig
	gate          config.MetadataConfig
	metadata      MetadataStore
	replay        replaycheck.Checker
	replayBackend string
	env           *expr.Environment

	mu      sync.RWMutex
	apis    []*apiRuntime
	sources []string
	skipped []config.DefinitionSkip
}

type apiRuntime struct {
	name      string
	context   string
	backend   string
	agents    []pipeline.Agent
	encrypter *idpermanence.ResponseEncrypter
	proxy     *httputil.ReverseProxy
	logger    *slog.Logger
}

// matches reports whether escapedPath lies under the API context on a segment
// boundary.
func (a *apiRuntime) matches(escapedPath string) bool {
	if a.context == "" {
		return true
	}
	return escapedPath == a.context || strings.HasPrefix(escapedPath, a.context+"/")
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxRequestBody
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBody
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	env := opts.Expressions
	if env == nil {
		var err error
		if env, err = expr.NewEnvironment(); err != nil {
			logger.Error("expression environment unavailable", slog.Any("error", err))
		}
	}
	errorBodies := opts.ErrorBodies
	if errorBodies == nil {
		var err error
		if errorBodies, err = templates.NewErrorBodies(templates.NewRenderer(nil), templates.ErrorBodyFiles{}); err != nil {
			logger.Error("default error bodies unavailable", slog.Any("error", err))
		}
	}

	p := &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxRequestBody:    maxBody,
		metrics:           opts.Metrics,
		errorBodies:       errorBodies,
		transport:         transport,
		idPermanence:      opts.IDPermanence,
		gate:              opts.Metadata,
		metadata:          opts.MetadataStore,
		replay:            opts.Replay,
		replayBackend:     opts.ReplayBackend,
		env:               env,
	}
	p.Reload(context.Background(), config.APIBundle{
		APIs:    opts.APIs,
		Sources: opts.APISources,
		Skipped: opts.SkippedDefinitions,
	})
	return p
}

// Reload swaps the active API set. Definitions that fail to build are reported
// as skipped and the remaining APIs keep serving.
func (p *Pipeline) Reload(ctx context.Context, bundle config.APIBundle) {
	if ctx == nil {
		ctx = context.Background()
	}
	names := make([]string, 0, len(bundle.APIs))
	for name := range bundle.APIs {
		names = append(names, name)
	}
	sort.Strings(names)

	skipped := cloneDefinitionSkips(bundle.Skipped)
	apis := make([]*apiRuntime, 0, len(names))
	for _, name := range names {
		rt, err := p.buildAPIRuntime(name, bundle.APIs[name])
		if err != nil {
			p.logger.WarnContext(ctx, "api configuration skipped", slog.String("api", name), slog.Any("error", err))
			skipped = append(skipped, config.DefinitionSkip{
				Kind:   "api",
				Name:   name,
				Reason: err.Error(),
			})
			continue
		}
		apis = append(apis, rt)
	}
	// Longest context first so nested contexts win.
	sort.SliceStable(apis, func(i, j int) bool {
		return len(apis[i].context) > len(apis[j].context)
	})

	p.mu.Lock()
	p.apis = apis
	p.sources = cloneStringSlice(bundle.Sources)
	p.skipped = skipped
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "configuration reloaded",
		slog.String("event", "apis_reload"),
		slog.Int("apis", len(apis)),
		slog.Int("skipped", len(skipped)))
}

func (p *Pipeline) buildAPIRuntime(name string, cfg config.APIConfig) (*apiRuntime, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errors.New("api name required")
	}
	resources, err := idpermanence.ParseTemplates(cfg.EncryptedResources)
	if err != nil {
		return nil, err
	}
	rawPolicy := cfg.OnMalformed
	if strings.TrimSpace(rawPolicy) == "" {
		rawPolicy = p.idPermanence.OnMalformed
	}
	policy, err := idpermanence.ParsePolicy(rawPolicy)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(slog.String("api", trimmed))
	settings := idpermanence.Settings{
		API:            trimmed,
		Secret:         p.idPermanence.Secret,
		OnMalformed:    policy,
		Resources:      resources,
		RequestFields:  cloneStringSlice(cfg.RequestFields),
		ResponseFields: cloneStringSlice(cfg.ResponseFields),
		Metrics:        p.metrics,
		Logger:         logger,
	}

	agents := []pipeline.Agent{
		idpermanence.NewPathAgent(settings),
		idpermanence.RewriteAgent{},
		idpermanence.NewBodyAgent(settings),
	}

	if len(cfg.JWTReplay.Paths) > 0 {
		if p.replay == nil {
			return nil, errors.New("jwtReplay configured but no replay guard is available")
		}
		agents = append(agents, replaycheck.New(p.replay, replaycheck.Config{
			API:       trimmed,
			Paths:     cloneStringSlice(cfg.JWTReplay.Paths),
			FormField: cfg.JWTReplay.FormField,
			Metrics:   p.metrics,
			Logger:    logger,
		}))
	}

	if cfg.MetadataGate.GateEnabled(p.gate.Enabled) {
		if p.metadata == nil || p.env == nil {
			return nil, errors.New("metadataGate enabled but metadata synchronisation is disabled")
		}
		gatePolicy := cfg.MetadataGate.Policy
		if strings.TrimSpace(gatePolicy) == "" {
			gatePolicy = p.gate.Policy
		}
		gate, err := metadatagate.New(p.metadata, p.env, metadatagate.Config{
			API:             trimmed,
			RecipientHeader: p.gate.RecipientHeader,
			ProductHeader:   p.gate.ProductHeader,
			Policy:          gatePolicy,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		agents = append(agents, gate)
	}

	if u, err := url.Parse(strings.TrimSpace(cfg.Backend)); err != nil || u.Host == "" {
		return nil, fmt.Errorf("backend %q is not an absolute url", cfg.Backend)
	}

	rt := &apiRuntime{
		name:      trimmed,
		context:   strings.TrimSuffix(strings.TrimSpace(cfg.Context), "/"),
		backend:   strings.TrimSpace(cfg.Backend),
		agents:    p.instrumentAgents(trimmed, agents),
		encrypter: idpermanence.NewResponseEncrypter(settings, cfg.Context),
		logger:    logger,
	}
	rt.proxy = p.newReverseProxy(rt)
	return rt, nil
}

// match selects the API with the longest context containing escapedPath.
func (p *Pipeline) match(escapedPath string) *apiRuntime {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rt := range p.apis {
		if rt.matches(escapedPath) {
			return rt
		}
	}
	return nil
}

// ServeHTTP runs the gateway pipeline for one request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)

	rt := p.match(r.URL.EscapedPath())
	if rt == nil {
		state := pipeline.NewState(r, pipeline.API{}, correlationID, nil)
		state.Reject("router", http.StatusNotFound, pipeline.EnvelopeCDS, CodeResourceNotFound,
			"Resource Not Found", "no API is published under the requested path")
		p.writeRejection(r.Context(), w, state, p.logger)
		p.finish(r.Context(), p.logger, state, "unmatched", state.Response.Status, start)
		return
	}

	reqLogger := rt.logger.With(slog.String("correlation_id", correlationID))

	body, err := p.readBody(r)
	if err != nil {
		state := pipeline.NewState(r, p.stateAPI(rt), correlationID, nil)
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		state.Reject("pipeline", status, pipeline.EnvelopeCDS, CodeExpectedError, "Invalid Request", err.Error())
		p.writeRejection(r.Context(), w, state, reqLogger)
		p.finish(r.Context(), reqLogger, state, "rejected", status, start)
		return
	}

	state := pipeline.NewState(r, p.stateAPI(rt), correlationID, body)
	p.logDebugRequestSnapshot(r, reqLogger, state)

	for _, ag := range rt.agents {
		// Agents publish their observable state via the shared pipeline.State.
		_ = ag.Execute(r.Context(), r, state)
		if state.Rejected() {
			break
		}
	}

	if state.Rejected() {
		p.writeRejection(r.Context(), w, state, reqLogger)
		p.finish(r.Context(), reqLogger, state, "rejected", state.Response.Status, start)
		return
	}

	target, err := url.Parse(state.Message.TransportOutboundURL)
	if err != nil {
		state.Reject("reverse_proxy", http.StatusInternalServerError, pipeline.EnvelopeCDS, CodeUnexpectedError,
			"Unexpected Error Encountered", "outbound url could not be built")
		p.writeRejection(r.Context(), w, state, reqLogger)
		p.finish(r.Context(), reqLogger, state, "error", state.Response.Status, start)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	ctx := context.WithValue(r.Context(), proxyContextKey{}, &proxyRequest{state: state, target: target, logger: reqLogger})
	rt.proxy.ServeHTTP(recorder, r.WithContext(ctx))

	outcome := "forwarded"
	if state.Rejected() {
		outcome = "upstream_error"
	}
	p.finish(r.Context(), reqLogger, state, outcome, recorder.status, start)
}

func (p *Pipeline) stateAPI(rt *apiRuntime) pipeline.API {
	return pipeline.API{Name: rt.name, Context: rt.context, Backend: rt.backend}
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, state *pipeline.State, outcome string, status int, start time.Time) {
	duration := time.Since(start)
	p.logDebugDecisionSnapshot(ctx, logger, state)
	logger.InfoContext(ctx, "pipeline completed",
		slog.String("outcome", outcome),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	api := state.API
	if api == "" {
		api = "none"
	}
	p.metrics.ObserveRequest(api, outcome, status, duration)
}

var errBodyTooLarge = errors.New("request body exceeds the allowed size")

func (p *Pipeline) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("request body could not be read: %w", err)
	}
	if int64(len(body)) > p.maxRequestBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func (p *Pipeline) logDebugRequestSnapshot(r *http.Request, logger *slog.Logger, state *pipeline.State) {
	ctx := r.Context()
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("method", state.Request.Method),
		slog.String("path", state.Request.Path),
		slog.String("sub_path", state.Message.SubRequestPath),
		slog.Int("header_count", len(state.Request.Headers)),
		slog.Int("body_bytes", len(state.Body())),
	}
	if remote := strings.TrimSpace(r.RemoteAddr); remote != "" {
		attrs = append(attrs, slog.String("remote_addr", remote))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "gateway request snapshot", attrs...)
}

func (p *Pipeline) logDebugDecisionSnapshot(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.Int("identifiers_decrypted", state.Identifiers.Decrypted),
		slog.Bool("path_rewritten", state.Identifiers.Rewritten),
		slog.Bool("replay_checked", state.Replay.Checked),
		slog.Bool("metadata_evaluated", state.Metadata.Evaluated),
		slog.Int("response_status", state.Response.Status),
	}
	if len(state.Identifiers.Passthrough) > 0 {
		attrs = append(attrs, slog.Any("identifiers_passthrough", state.Identifiers.Passthrough))
	}
	if state.Replay.Verdict != "" {
		attrs = append(attrs, slog.String("replay_verdict", state.Replay.Verdict))
	}
	if state.Metadata.Skipped != "" {
		attrs = append(attrs, slog.String("metadata_skipped", state.Metadata.Skipped))
	}
	if state.Response.Agent != "" {
		attrs = append(attrs, slog.String("rejected_by", state.Response.Agent))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "gateway decision snapshot", attrs...)
}

// APINames lists the active APIs.
func (p *Pipeline) APINames() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.apis))
	for _, rt := range p.apis {
		names = append(names, rt.name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = config.DefinitionSkip{
			Kind:    skip.Kind,
			Name:    skip.Name,
			Reason:  skip.Reason,
			Sources: cloneStringSlice(skip.Sources),
		}
	}
	return out
}
