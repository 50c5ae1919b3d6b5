package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

const fallbackErrorBody = `{"errors":[{"code":"` + CodeUnexpectedError + `","title":"Unexpected Error Encountered","detail":"","meta":{}}]}`

// writeRejection renders the rejection recorded on state in its envelope.
func (p *Pipeline) writeRejection(ctx context.Context, w http.ResponseWriter, state *pipeline.State, logger *slog.Logger) {
	status := state.Response.Status
	if status <= 0 {
		status = http.StatusInternalServerError
	}

	body := fallbackErrorBody
	if p.errorBodies != nil {
		rendered, err := p.errorBodies.Render(string(state.Response.Envelope), state.TemplateContext())
		if err != nil {
			logger.ErrorContext(ctx, "error body render failed", slog.Any("error", err))
		} else {
			body = rendered
		}
	}

	for k, v := range state.Response.Headers {
		w.Header().Set(k, v)
	}
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, state.CorrelationID)
	}
	w.Header().Set("Content-Type", "application/json")
	if state.Response.Envelope == pipeline.EnvelopeOAuth {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		logger.ErrorContext(ctx, "error response write failed", slog.Any("error", err))
	}
}
