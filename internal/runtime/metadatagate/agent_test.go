package metadatagate

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/cdsgate/internal/expr"
	"github.com/l0p7/cdsgate/internal/metadata"
	"github.com/l0p7/cdsgate/internal/runtime/pipeline"
)

type fakeSource struct {
	loaded   map[metadata.Partition]bool
	statuses map[metadata.Partition]map[string]metadata.Status
}

func (f fakeSource) GetStatus(p metadata.Partition, id string) (metadata.Status, bool) {
	s, ok := f.statuses[p][id]
	return s, ok
}

func (f fakeSource) Loaded(p metadata.Partition) bool { return f.loaded[p] }

func loadedSource() fakeSource {
	return fakeSource{
		loaded: map[metadata.Partition]bool{metadata.DataRecipients: true, metadata.SoftwareProducts: true},
		statuses: map[metadata.Partition]map[string]metadata.Status{
			metadata.DataRecipients:   {"dr-active": metadata.Active, "dr-suspended": metadata.Suspended},
			metadata.SoftwareProducts: {"sp-active": metadata.Active, "sp-revoked": metadata.Revoked},
		},
	}
}

func newAgent(t *testing.T, source StatusSource, policy string) *Agent {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	agent, err := New(source, env, Config{API: "banking", Policy: policy})
	require.NoError(t, err)
	return agent
}

func run(t *testing.T, agent *Agent, recipient, product string) (*pipeline.State, pipeline.Result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://gw/cds-au/v1/banking/accounts", nil)
	if recipient != "" {
		req.Header.Set(DefaultRecipientHeader, recipient)
	}
	if product != "" {
		req.Header.Set(DefaultProductHeader, product)
	}
	state := pipeline.NewState(req, pipeline.API{Name: "banking", Context: "/cds-au/v1", Backend: "http://core"}, "corr", nil)
	return state, agent.Execute(context.Background(), req, state)
}

func TestGateAllowsActiveEntities(t *testing.T) {
	agent := newAgent(t, loadedSource(), "")
	state, res := run(t, agent, "dr-active", "sp-active")
	require.Equal(t, "allowed", res.Status)
	require.False(t, state.Rejected())
	require.True(t, state.Metadata.Allowed)
	require.Equal(t, "Active", state.Metadata.Recipient.Status)
}

func TestGateRejectsInactiveEntities(t *testing.T) {
	agent := newAgent(t, loadedSource(), "")

	cases := []struct {
		name, recipient, product, detail string
	}{
		{"suspended recipient", "dr-suspended", "sp-active", "data recipient dr-suspended is suspended"},
		{"revoked product", "dr-active", "sp-revoked", "software product sp-revoked is revoked"},
		{"unknown recipient", "dr-ghost", "", "data recipient dr-ghost is unknown to the register"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, res := run(t, agent, tc.recipient, tc.product)
			require.Equal(t, "rejected", res.Status)
			require.Equal(t, http.StatusForbidden, state.Response.Status)
			require.Equal(t, CodeNotActive, state.Response.Code)
			require.Equal(t, tc.detail, state.Response.Detail)
		})
	}
}

func TestGateSkipsWithoutHeadersOrSnapshot(t *testing.T) {
	agent := newAgent(t, loadedSource(), "")
	state, res := run(t, agent, "", "")
	require.Equal(t, "skipped", res.Status)
	require.False(t, state.Metadata.Evaluated)

	empty := fakeSource{loaded: map[metadata.Partition]bool{metadata.DataRecipients: true}}
	agent = newAgent(t, empty, "")
	state, res = run(t, agent, "", "sp-active")
	require.Equal(t, "skipped", res.Status)
	require.Equal(t, "partition SP not loaded", state.Metadata.Skipped)
	require.False(t, state.Rejected())
}

func TestGateCustomPolicy(t *testing.T) {
	agent := newAgent(t, loadedSource(), `recipient.status != "Revoked" && request.method == "GET"`)
	state, _ := run(t, agent, "dr-suspended", "")
	require.False(t, state.Rejected())
}

func TestNewRejectsBadPolicy(t *testing.T) {
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	_, err = New(loadedSource(), env, Config{Policy: `api + "-suffix"`})
	require.Error(t, err)
	_, err = New(nil, env, Config{})
	require.Error(t, err)
}

func TestGatePolicyFailureLogsPolicy(t *testing.T) {
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	agent, err := New(loadedSource(), env, Config{API: "banking", Policy: `lookup(recipient, "id")`, Logger: logger})
	require.NoError(t, err)

	state, res := run(t, agent, "dr-active", "")
	require.Equal(t, "error", res.Status)
	require.True(t, state.Rejected())
	require.Equal(t, http.StatusInternalServerError, state.Response.Status)
	require.Contains(t, logs.String(), "metadata policy evaluation failed")
	require.Contains(t, logs.String(), `policy="lookup(recipient, \"id\")"`)
}
