// Package metadatagate blocks traffic from data recipients and software
// products whose Register status does not satisfy the configured policy.
package metadatagate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/cdsgate/internal/expr"
	"github.com/l0p7/cdsgate/internal/metadata"
	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

const (
	DefaultRecipientHeader = "x-cds-data-recipient-id"
	DefaultProductHeader   = "x-cds-software-product-id"

	// DefaultPolicy allows a request when every presented entity is Active.
	DefaultPolicy = `(recipient.id == "" || recipient.status == "Active") && (product.id == "" || product.status == "Active")`

	CodeNotActive = "urn:au-cds:error:cds-all:Authorisation/AdrStatusNotActive"
)

// StatusSource is the read side of the metadata store.
type StatusSource interface {
	GetStatus(partition metadata.Partition, entityID string) (metadata.Status, bool)
	Loaded(partition metadata.Partition) bool
}

// Config configures the gate for one API.
type Config struct {
	API             string
	RecipientHeader string
	ProductHeader   string
	Policy          string
	Logger          *slog.Logger
}

type Agent struct {
	source  StatusSource
	cfg     Config
	program expr.Program
	logger  *slog.Logger
	now     func() time.Time
}

// New compiles the policy against env. An empty policy selects DefaultPolicy.
func New(source StatusSource, env *expr.Environment, cfg Config) (*Agent, error) {
	if source == nil {
		return nil, fmt.Errorf("metadatagate: status source required")
	}
	if env == nil {
		return nil, fmt.Errorf("metadatagate: expression environment required")
	}
	if strings.TrimSpace(cfg.RecipientHeader) == "" {
		cfg.RecipientHeader = DefaultRecipientHeader
	}
	if strings.TrimSpace(cfg.ProductHeader) == "" {
		cfg.ProductHeader = DefaultProductHeader
	}
	if strings.TrimSpace(cfg.Policy) == "" {
		cfg.Policy = DefaultPolicy
	}
	program, err := env.Compile(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("metadatagate: policy: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agent := &Agent{
		source:  source,
		cfg:     cfg,
		program: program,
		logger:  logger.With(slog.String("agent", "metadata_gate")),
		now:     time.Now,
	}
	agent.logger.Debug("metadata gate policy compiled",
		slog.String("api", cfg.API),
		slog.String("policy", program.Source()))
	return agent, nil
}

func (a *Agent) Name() string { return "metadata_gate" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	recipientID := strings.TrimSpace(state.Message.Headers.Get(a.cfg.RecipientHeader))
	productID := strings.TrimSpace(state.Message.Headers.Get(a.cfg.ProductHeader))
	if recipientID == "" && productID == "" {
		state.Metadata.Skipped = "no entity headers"
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: state.Metadata.Skipped}
	}

	recipient, ok := a.entity(metadata.DataRecipients, recipientID)
	if !ok {
		return a.skipUnloaded(state, metadata.DataRecipients)
	}
	product, ok := a.entity(metadata.SoftwareProducts, productID)
	if !ok {
		return a.skipUnloaded(state, metadata.SoftwareProducts)
	}
	state.Metadata.Recipient = recipient
	state.Metadata.Product = product
	state.Metadata.Evaluated = true

	allowed, err := a.program.EvalBool(map[string]any{
		"recipient": entityMap(recipient),
		"product":   entityMap(product),
		"request": map[string]any{
			"method":  r.Method,
			"path":    state.Message.FullRequestPath,
			"headers": lowerHeaders(state.Message.Headers),
		},
		"api": state.API,
		"now": a.now(),
	})
	if err != nil {
		a.logger.Error("metadata policy evaluation failed",
			slog.String("api", state.API),
			slog.String("policy", a.program.Source()),
			slog.String("correlation_id", state.CorrelationID),
			slog.Any("error", err))
		state.Reject(a.Name(), http.StatusInternalServerError, pipeline.EnvelopeCDS,
			"urn:au-cds:error:cds-all:GeneralError/Unexpected", "Unexpected Error Encountered", "status policy could not be evaluated")
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	state.Metadata.Allowed = allowed
	if !allowed {
		state.Reject(a.Name(), http.StatusForbidden, pipeline.EnvelopeCDS, CodeNotActive,
			"ADR Status Is Not Active", notActiveDetail(recipient, product))
		return pipeline.Result{Name: a.Name(), Status: "rejected", Meta: map[string]any{
			"recipientStatus": recipient.Status,
			"productStatus":   product.Status,
		}}
	}
	return pipeline.Result{Name: a.Name(), Status: "allowed"}
}

// entity resolves id in partition. It reports false when id is set but the
// partition has never been loaded.
func (a *Agent) entity(partition metadata.Partition, id string) (pipeline.EntityState, bool) {
	if id == "" {
		return pipeline.EntityState{}, true
	}
	if !a.source.Loaded(partition) {
		return pipeline.EntityState{}, false
	}
	status, known := a.source.GetStatus(partition, id)
	return pipeline.EntityState{ID: id, Status: string(status), Known: known}, true
}

func (a *Agent) skipUnloaded(state *pipeline.State, partition metadata.Partition) pipeline.Result {
	state.Metadata.Skipped = fmt.Sprintf("partition %s not loaded", partition)
	a.logger.Warn("metadata gate skipped",
		slog.String("api", state.API),
		slog.String("partition", string(partition)),
		slog.String("correlation_id", state.CorrelationID))
	return pipeline.Result{Name: a.Name(), Status: "skipped", Details: state.Metadata.Skipped}
}

func notActiveDetail(recipient, product pipeline.EntityState) string {
	switch {
	case recipient.ID != "" && recipient.Status != string(metadata.Active):
		return fmt.Sprintf("data recipient %s is %s", recipient.ID, describe(recipient))
	case product.ID != "" && product.Status != string(metadata.Active):
		return fmt.Sprintf("software product %s is %s", product.ID, describe(product))
	default:
		return "the requesting entity is not permitted by the status policy"
	}
}

func describe(e pipeline.EntityState) string {
	if !e.Known || e.Status == "" {
		return "unknown to the register"
	}
	return strings.ToLower(e.Status)
}

func entityMap(e pipeline.EntityState) map[string]any {
	return map[string]any{"id": e.ID, "status": e.Status, "known": e.Known}
}

func lowerHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}
