package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/cdsgate/internal/config"
	"github.com/l0p7/cdsgate/internal/metadata"
)

type healthPayload struct {
	Status             string                  `json:"status"`
	ObservedAt         time.Time               `json:"observedAt"`
	APIs               []string                `json:"apis"`
	APISources         []string                `json:"apiSources,omitempty"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	ReplayBackend      string                  `json:"replayBackend,omitempty"`
	Metadata           metadataHealth          `json:"metadata"`
}

type metadataHealth struct {
	Enabled bool            `json:"enabled"`
	Loaded  map[string]bool `json:"loaded,omitempty"`
}

// ServeHealth reports the active APIs, skipped definitions and whether the
// Register partitions have been loaded. The gateway is degraded while any
// definition is skipped or a partition is missing.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	sources := cloneStringSlice(p.sources)
	skipped := cloneDefinitionSkips(p.skipped)
	p.mu.RUnlock()

	payload := healthPayload{
		Status:             "ok",
		ObservedAt:         time.Now().UTC(),
		APIs:               p.APINames(),
		APISources:         sources,
		SkippedDefinitions: skipped,
		ReplayBackend:      p.replayBackend,
	}
	if len(skipped) > 0 {
		payload.Status = "degraded"
	}
	if p.metadata != nil {
		payload.Metadata.Enabled = true
		payload.Metadata.Loaded = make(map[string]bool, len(metadata.Partitions))
		for _, partition := range metadata.Partitions {
			loaded := p.metadata.Loaded(partition)
			payload.Metadata.Loaded[string(partition)] = loaded
			if !loaded {
				payload.Status = "degraded"
			}
		}
	}
	p.writeJSON(w, http.StatusOK, payload)
}

// ServeMetadataRefresh refreshes one partition (?partition=DR|SP) or all of
// them and reports the outcome.
func (p *Pipeline) ServeMetadataRefresh(w http.ResponseWriter, r *http.Request) {
	if p.metadata == nil {
		p.writeJSON(w, http.StatusNotFound, map[string]any{"error": "metadata synchronisation is disabled"})
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("partition"))
	refreshed := make([]string, 0, len(metadata.Partitions))
	var err error
	if raw == "" {
		err = p.metadata.RefreshAll(r.Context())
		for _, partition := range metadata.Partitions {
			refreshed = append(refreshed, string(partition))
		}
	} else {
		partition, parseErr := metadata.ParsePartition(raw)
		if parseErr != nil {
			p.writeJSON(w, http.StatusBadRequest, map[string]any{"error": parseErr.Error()})
			return
		}
		err = p.metadata.Refresh(r.Context(), partition)
		refreshed = append(refreshed, string(partition))
	}
	if err != nil {
		p.logger.WarnContext(r.Context(), "on-demand metadata refresh failed", slog.Any("error", err))
		p.writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "partitions": refreshed})
		return
	}
	p.logger.InfoContext(r.Context(), "on-demand metadata refresh completed", slog.Any("partitions", refreshed))
	p.writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed, "observedAt": time.Now().UTC()})
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("json response encode failed", slog.Any("error", err))
	}
}
