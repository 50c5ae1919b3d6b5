package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/cdsgate/internal/codec"
	"github.com/l0p7/cdsgate/internal/config"
	"github.com/l0p7/cdsgate/internal/expiring"
	"github.com/l0p7/cdsgate/internal/metadata"
	"github.com/l0p7/cdsgate/internal/replay"
	"github.com/l0p7/cdsgate/internal/runtime/idpermanence"
	"github.com/l0p7/cdsgate/internal/runtime/metadatagate"
)

const (
	secret      = "pipeline-secret"
	correlation = "x-fapi-interaction-id"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type backend struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	reply    string
}

func newBackend(t *testing.T, reply string) *backend {
	t.Helper()
	b := &backend{reply: reply}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, b.reply)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) captured() []capturedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capturedRequest(nil), b.requests...)
}

func token(t *testing.T, id string) string {
	t.Helper()
	tok, err := codec.Encrypt(id, secret)
	require.NoError(t, err)
	return tok
}

func bankingAPI(backendURL string) config.APIConfig {
	return config.APIConfig{
		Context:            "/cds-au/v1",
		Backend:            backendURL + "/core",
		EncryptedResources: []string{"/banking/accounts/{accountId}"},
		RequestFields:      []string{"accountIds"},
		ResponseFields:     []string{"accountId"},
	}
}

func baseOptions(apis map[string]config.APIConfig) PipelineOptions {
	return PipelineOptions{
		APIs:              apis,
		IDPermanence:      config.IDPermanenceConfig{Secret: secret, OnMalformed: "reject"},
		CorrelationHeader: correlation,
	}
}

type cdsError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func decodeCDSError(t *testing.T, body io.Reader) cdsError {
	t.Helper()
	var payload cdsError
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	require.Len(t, payload.Errors, 1)
	return payload
}

func TestPipelineDecryptsPathAndEncryptsResponse(t *testing.T) {
	be := newBackend(t, `{"data":{"accountId":"123","links":{"self":"https://gw/cds-au/v1/banking/accounts/123"}}}`)
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)}))

	req := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/accounts/"+token(t, "123")+"?page=2", nil)
	req.Header.Set(correlation, "corr-1")
	req.Header.Set(idpermanence.MarkerHeader, "/forged")
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-1", rec.Header().Get(correlation))

	captured := be.captured()
	require.Len(t, captured, 1)
	require.Equal(t, "/core/banking/accounts/123", captured[0].Path)
	require.Equal(t, "page=2", captured[0].Query)
	require.Empty(t, captured[0].Header.Get(idpermanence.MarkerHeader))
	require.Equal(t, "corr-1", captured[0].Header.Get(correlation))
	require.NotEmpty(t, captured[0].Header.Get("X-Forwarded-For"))

	var payload struct {
		Data struct {
			AccountID string            `json:"accountId"`
			Links     map[string]string `json:"links"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	require.Equal(t, token(t, "123"), payload.Data.AccountID)
	require.Equal(t, "https://gw/cds-au/v1/banking/accounts/"+token(t, "123"), payload.Data.Links["self"])
}

func TestPipelineDecryptsRequestBody(t *testing.T) {
	be := newBackend(t, `{}`)
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)}))

	body := `{"data":{"accountIds":["` + token(t, "a-1") + `","` + token(t, "a-2") + `"]}}`
	req := httptest.NewRequest(http.MethodPost, "http://gw/cds-au/v1/banking/payees/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	captured := be.captured()
	require.Len(t, captured, 1)
	require.JSONEq(t, `{"data":{"accountIds":["a-1","a-2"]}}`, captured[0].Body)
}

func TestPipelineRejectsMalformedToken(t *testing.T) {
	be := newBackend(t, `{}`)
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)}))

	req := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/accounts/not-a-token", nil)
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get(correlation))
	payload := decodeCDSError(t, rec.Body)
	require.Equal(t, idpermanence.CodeResourceInvalid, payload.Errors[0].Code)
	require.Empty(t, be.captured())
}

func TestPipelinePassthroughPolicyPerAPI(t *testing.T) {
	be := newBackend(t, `{}`)
	api := bankingAPI(be.URL)
	api.OnMalformed = "passthrough"
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": api}))

	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/accounts/plain-42", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	captured := be.captured()
	require.Len(t, captured, 1)
	require.Equal(t, "/core/banking/accounts/plain-42", captured[0].Path)
}

func TestPipelineUnmatchedPath(t *testing.T) {
	be := newBackend(t, `{}`)
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)}))

	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v10/anything", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	payload := decodeCDSError(t, rec.Body)
	require.Equal(t, CodeResourceNotFound, payload.Errors[0].Code)
}

func TestPipelineLongestContextWins(t *testing.T) {
	general := newBackend(t, `{"api":"general"}`)
	energy := newBackend(t, `{"api":"energy"}`)
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{
		"general": {Context: "/cds-au", Backend: general.URL},
		"energy":  {Context: "/cds-au/v1/energy/", Backend: energy.URL},
	}))

	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/energy/plans", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"api":"energy"}`, rec.Body.String())
	require.Equal(t, "/plans", energy.captured()[0].Path)

	rec = httptest.NewRecorder()
	pipe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/energyplans", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"api":"general"}`, rec.Body.String())
	require.Equal(t, "/v1/energyplans", general.captured()[0].Path)
}

func signedRequestObject(t *testing.T, jti string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti": jti,
		"iss": "software-product",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("signing-key"))
	require.NoError(t, err)
	return signed
}

func TestPipelineRejectsReplayedJWT(t *testing.T) {
	be := newBackend(t, `{}`)
	reg := expiring.NewRegistry(expiring.Options{AccessExpiry: time.Hour, WriteExpiry: time.Hour}, nil)
	store, err := replay.NewMemory(reg)
	require.NoError(t, err)

	opts := baseOptions(map[string]config.APIConfig{
		"register": {
			Context:   "/idp",
			Backend:   be.URL,
			JWTReplay: config.JWTReplayConfig{Paths: []string{"/register"}},
		},
	})
	opts.Replay = replay.NewGuard(store)
	opts.ReplayBackend = "memory"
	pipe := NewPipeline(nil, opts)

	jwtBody := signedRequestObject(t, "jti-1")
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "http://gw/idp/register", strings.NewReader(jwtBody))
		req.Header.Set("Content-Type", "application/jwt")
		rec := httptest.NewRecorder()
		pipe.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, jwtBody, be.captured()[0].Body)

	second := send()
	require.Equal(t, http.StatusBadRequest, second.Code)
	require.Equal(t, "no-store", second.Header().Get("Cache-Control"))
	var payload map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&payload))
	require.Equal(t, "invalid_request", payload["error"])
	require.Equal(t, "jti has already been used", payload["error_description"])
	require.Len(t, be.captured(), 1)
}

type fakeStore struct {
	mu        sync.Mutex
	loaded    map[metadata.Partition]bool
	statuses  map[metadata.Partition]map[string]metadata.Status
	refreshes []metadata.Partition
	err       error
}

func (f *fakeStore) GetStatus(p metadata.Partition, id string) (metadata.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[p][id]
	return s, ok
}

func (f *fakeStore) Loaded(p metadata.Partition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[p]
}

func (f *fakeStore) Refresh(_ context.Context, p metadata.Partition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, p)
	return f.err
}

func (f *fakeStore) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, p := range metadata.Partitions {
		if err := f.Refresh(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadedStore() *fakeStore {
	return &fakeStore{
		loaded: map[metadata.Partition]bool{metadata.DataRecipients: true, metadata.SoftwareProducts: true},
		statuses: map[metadata.Partition]map[string]metadata.Status{
			metadata.DataRecipients:   {"dr-1": metadata.Active, "dr-2": metadata.Suspended},
			metadata.SoftwareProducts: {"sp-1": metadata.Active},
		},
	}
}

func gatedOptions(be *backend, store *fakeStore) PipelineOptions {
	opts := baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)})
	opts.Metadata = config.DefaultConfig().Metadata
	opts.Metadata.Enabled = true
	opts.MetadataStore = store
	return opts
}

func TestPipelineMetadataGate(t *testing.T) {
	be := newBackend(t, `{}`)
	pipe := NewPipeline(nil, gatedOptions(be, loadedStore()))

	allowed := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/products", nil)
	allowed.Header.Set(metadatagate.DefaultRecipientHeader, "dr-1")
	allowed.Header.Set(metadatagate.DefaultProductHeader, "sp-1")
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, allowed)
	require.Equal(t, http.StatusOK, rec.Code)

	denied := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/products", nil)
	denied.Header.Set(metadatagate.DefaultRecipientHeader, "dr-2")
	rec = httptest.NewRecorder()
	pipe.ServeHTTP(rec, denied)
	require.Equal(t, http.StatusForbidden, rec.Code)
	payload := decodeCDSError(t, rec.Body)
	require.Equal(t, metadatagate.CodeNotActive, payload.Errors[0].Code)
	require.Contains(t, payload.Errors[0].Detail, "dr-2")
	require.Len(t, be.captured(), 1)
}

func TestPipelineGateOptOutPerAPI(t *testing.T) {
	be := newBackend(t, `{}`)
	opts := gatedOptions(be, loadedStore())
	disabled := false
	api := opts.APIs["banking"]
	api.MetadataGate.Enabled = &disabled
	opts.APIs["banking"] = api
	pipe := NewPipeline(nil, opts)

	req := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/products", nil)
	req.Header.Set(metadatagate.DefaultRecipientHeader, "dr-2")
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineBackendUnavailable(t *testing.T) {
	be := newBackend(t, `{}`)
	url := be.URL
	be.Close()
	pipe := NewPipeline(nil, baseOptions(map[string]config.APIConfig{"banking": bankingAPI(url)}))

	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/products", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	payload := decodeCDSError(t, rec.Body)
	require.Equal(t, CodeServiceUnavailable, payload.Errors[0].Code)
}

func TestPipelineRejectsOversizedBody(t *testing.T) {
	be := newBackend(t, `{}`)
	opts := baseOptions(map[string]config.APIConfig{"banking": bankingAPI(be.URL)})
	opts.MaxRequestBody = 8
	pipe := NewPipeline(nil, opts)

	req := httptest.NewRequest(http.MethodPost, "http://gw/cds-au/v1/banking/products", strings.NewReader(`{"much":"too large"}`))
	rec := httptest.NewRecorder()
	pipe.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Empty(t, be.captured())
}

func TestReloadSkipsUnbuildableAPIs(t *testing.T) {
	be := newBackend(t, `{}`)
	pipe := NewPipeline(nil, baseOptions(nil))
	require.Empty(t, pipe.APINames())

	pipe.Reload(context.Background(), config.APIBundle{
		APIs: map[string]config.APIConfig{
			"banking": bankingAPI(be.URL),
			"register": {
				Context:   "/idp",
				Backend:   be.URL,
				JWTReplay: config.JWTReplayConfig{Paths: []string{"/register"}},
			},
			"broken": {
				Context:            "/broken",
				Backend:            be.URL,
				EncryptedResources: []string{"accounts/{id}"},
			},
		},
		Sources: []string{"apis.yaml"},
	})
	require.Equal(t, []string{"banking"}, pipe.APINames())

	rec := httptest.NewRecorder()
	pipe.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health healthPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, []string{"apis.yaml"}, health.APISources)
	require.Len(t, health.SkippedDefinitions, 2)
	require.False(t, health.Metadata.Enabled)
}

func TestServeHealthReportsPartitions(t *testing.T) {
	be := newBackend(t, `{}`)
	store := loadedStore()
	store.loaded[metadata.SoftwareProducts] = false
	opts := gatedOptions(be, store)
	opts.ReplayBackend = "redis"
	pipe := NewPipeline(nil, opts)

	rec := httptest.NewRecorder()
	pipe.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health healthPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, "redis", health.ReplayBackend)
	require.Equal(t, map[string]bool{"DR": true, "SP": false}, health.Metadata.Loaded)
	require.Equal(t, []string{"banking"}, health.APIs)
}

func TestServeMetadataRefresh(t *testing.T) {
	be := newBackend(t, `{}`)
	store := loadedStore()
	pipe := NewPipeline(nil, gatedOptions(be, store))

	rec := httptest.NewRecorder()
	pipe.ServeMetadataRefresh(rec, httptest.NewRequest(http.MethodPost, "/admin/metadata/refresh?partition=sp", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []metadata.Partition{metadata.SoftwareProducts}, store.refreshes)

	rec = httptest.NewRecorder()
	pipe.ServeMetadataRefresh(rec, httptest.NewRequest(http.MethodPost, "/admin/metadata/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.refreshes, 3)

	rec = httptest.NewRecorder()
	pipe.ServeMetadataRefresh(rec, httptest.NewRequest(http.MethodPost, "/admin/metadata/refresh?partition=XX", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("register down")
	rec = httptest.NewRecorder()
	pipe.ServeMetadataRefresh(rec, httptest.NewRequest(http.MethodPost, "/admin/metadata/refresh?partition=DR", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "register down")
}

func TestServeMetadataRefreshDisabled(t *testing.T) {
	pipe := NewPipeline(nil, baseOptions(nil))
	rec := httptest.NewRecorder()
	pipe.ServeMetadataRefresh(rec, httptest.NewRequest(http.MethodPost, "/admin/metadata/refresh", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForwardHeadersDropsHopByHop(t *testing.T) {
	dst := http.Header{"Stale": {"x"}}
	message := http.Header{
		"Authorization":   {"Bearer t"},
		"Connection":      {"keep-alive, X-Hop"},
		"X-Hop":           {"1"},
		"Content-Length":  {"10"},
		"X-Forwarded-For": {"10.0.0.1"},
		"x-v":             {"2"},
	}
	forwardHeaders(dst, message, message)

	require.Equal(t, http.Header{
		"Authorization": {"Bearer t"},
		"X-V":           {"2"},
	}, dst)
}
