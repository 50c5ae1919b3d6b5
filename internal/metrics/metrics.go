package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IdentifierDirection tells whether an identifier was entering or leaving the
// gateway.
type IdentifierDirection string

const (
	// IdentifierInbound covers tokens decrypted from paths and request bodies.
	IdentifierInbound IdentifierDirection = "inbound"
	// IdentifierOutbound covers identifiers encrypted into responses.
	IdentifierOutbound IdentifierDirection = "outbound"
)

// IdentifierResult captures the outcome of a codec operation.
type IdentifierResult string

const (
	IdentifierOK          IdentifierResult = "ok"
	IdentifierMalformed   IdentifierResult = "malformed"
	IdentifierPassthrough IdentifierResult = "passthrough"
)

// RefreshOutcome captures the result of a metadata refresh.
type RefreshOutcome string

const (
	RefreshSuccess RefreshOutcome = "success"
	RefreshFailure RefreshOutcome = "failure"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	identifiers    *prometheus.CounterVec
	replayVerdicts *prometheus.CounterVec
	retryAttempts  *prometheus.CounterVec

	metadataRefreshes *prometheus.CounterVec
	metadataLatency   *prometheus.HistogramVec
	metadataEntries   *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdsgate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total requests handled by the gateway pipeline.",
	}, []string{"api", "outcome", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cdsgate",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for gateway requests, including the upstream call.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"api", "outcome"})

	identifiers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdsgate",
		Subsystem: "idpermanence",
		Name:      "identifiers_total",
		Help:      "Identifiers encrypted or decrypted by the gateway.",
	}, []string{"api", "direction", "result"})

	replayVerdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdsgate",
		Subsystem: "replay",
		Name:      "checks_total",
		Help:      "JWT replay checks by verdict.",
	}, []string{"api", "verdict"})

	retryAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdsgate",
		Subsystem: "retry",
		Name:      "failed_attempts_total",
		Help:      "Failed attempts that were followed by a backoff wait.",
	}, []string{"operation"})

	metadataRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdsgate",
		Subsystem: "metadata",
		Name:      "refreshes_total",
		Help:      "Register metadata refreshes by partition and outcome.",
	}, []string{"partition", "outcome"})

	metadataLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cdsgate",
		Subsystem: "metadata",
		Name:      "refresh_duration_seconds",
		Help:      "Latency distribution for metadata refreshes including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"partition", "outcome"})

	metadataEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cdsgate",
		Subsystem: "metadata",
		Name:      "entries",
		Help:      "Entities in the current metadata snapshot.",
	}, []string{"partition"})

	reg.MustRegister(requests, requestLatency, identifiers, replayVerdicts, retryAttempts,
		metadataRefreshes, metadataLatency, metadataEntries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		requests:          requests,
		requestLatency:    requestLatency,
		identifiers:       identifiers,
		replayVerdicts:    replayVerdicts,
		retryAttempts:     retryAttempts,
		metadataRefreshes: metadataRefreshes,
		metadataLatency:   metadataLatency,
		metadataEntries:   metadataEntries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of a gateway request.
func (r *Recorder) ObserveRequest(api, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	apiLabel := normalizeLabel(api)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(apiLabel, outcomeLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(apiLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveIdentifier counts one codec operation.
func (r *Recorder) ObserveIdentifier(api string, direction IdentifierDirection, result IdentifierResult) {
	if r == nil {
		return
	}
	r.identifiers.WithLabelValues(normalizeLabel(api), normalizeLabel(string(direction)), normalizeLabel(string(result))).Inc()
}

// ObserveReplay counts one replay verdict ("fresh", "replayed" or "error").
func (r *Recorder) ObserveReplay(api, verdict string) {
	if r == nil {
		return
	}
	r.replayVerdicts.WithLabelValues(normalizeLabel(api), normalizeLabel(verdict)).Inc()
}

// ObserveRetry counts a failed attempt of operation that will be retried.
func (r *Recorder) ObserveRetry(operation string) {
	if r == nil {
		return
	}
	r.retryAttempts.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveMetadataRefresh records a refresh of partition.
func (r *Recorder) ObserveMetadataRefresh(partition string, outcome RefreshOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	partitionLabel := normalizeLabel(partition)
	outcomeLabel := normalizeLabel(string(outcome))
	r.metadataRefreshes.WithLabelValues(partitionLabel, outcomeLabel).Inc()
	r.metadataLatency.WithLabelValues(partitionLabel, outcomeLabel).Observe(duration.Seconds())
}

// SetMetadataEntries publishes the size of the installed snapshot.
func (r *Recorder) SetMetadataEntries(partition string, entries int) {
	if r == nil {
		return
	}
	r.metadataEntries.WithLabelValues(normalizeLabel(partition)).Set(float64(entries))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
